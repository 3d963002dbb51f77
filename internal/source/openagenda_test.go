package source_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/agendaflow/internal/config"
	"github.com/DeafMist/agendaflow/internal/logger"
	"github.com/DeafMist/agendaflow/internal/source"
)

func TestOpenAgendaPagesThroughAgenda(t *testing.T) {
	since := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, "/agendas/42/events", r.URL.Path)
		q := r.URL.Query()
		require.Equal(t, "secret", q.Get("key"))
		require.Equal(t, "2", q.Get("size"))
		require.Equal(t, "1", q.Get("detailed"))
		require.Equal(t, "Paris", q.Get("city"))
		require.Equal(t, "2025-03-10T00:00:00Z", q.Get("updatedAt[gte]"))

		switch after := q["after[]"]; len(after) {
		case 0:
			_, _ = fmt.Fprint(w, `{"total":3,"events":[{"uid":1},{"uid":2}],"after":[1741600000000,"2"]}`)
		default:
			require.Equal(t, []string{"1741600000000", "2"}, after)
			_, _ = fmt.Fprint(w, `{"total":3,"events":[{"uid":3,"agendaUid":7}],"after":null}`)
		}
	}))
	defer srv.Close()

	src := source.NewOpenAgendaSource(source.OpenAgendaConfig{
		BaseURL:  srv.URL + "/",
		APIKey:   "secret",
		Agendas:  []string{"42"},
		City:     "Paris",
		PageSize: 2,
	}, logger.Discard())
	require.Equal(t, "openagenda", src.Name())

	events, err := src.Fetch(context.Background(), source.FetchOptions{Since: &since})
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, int32(2), calls.Load())
	require.Equal(t, "42", events[0]["agendaUid"])
	require.NotEqual(t, "42", events[2]["agendaUid"])
}

func TestOpenAgendaTransverseSearchWithStringCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events", r.URL.Path)
		if r.URL.Query().Get("after") == "" {
			_, _ = fmt.Fprint(w, `{"events":[{"uid":1}],"after":"cursor-1"}`)
			return
		}
		_, _ = fmt.Fprint(w, `{"events":[],"after":"cursor-2"}`)
	}))
	defer srv.Close()

	events, err := source.NewOpenAgendaSource(source.OpenAgendaConfig{BaseURL: srv.URL, APIKey: "k"}, logger.Discard()).
		Fetch(context.Background(), source.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestOpenAgendaStopsAtMaxPages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		_, _ = fmt.Fprintf(w, `{"events":[{"uid":%d}],"after":["%d"]}`, n, n)
	}))
	defer srv.Close()

	events, err := source.NewOpenAgendaSource(source.OpenAgendaConfig{BaseURL: srv.URL, APIKey: "k", MaxPages: 3}, logger.Discard()).
		Fetch(context.Background(), source.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, int32(3), calls.Load())
}

func TestOpenAgendaRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = fmt.Fprint(w, `{"events":[{"uid":1}]}`)
	}))
	defer srv.Close()

	events, err := source.NewOpenAgendaSource(source.OpenAgendaConfig{
		BaseURL:      srv.URL,
		APIKey:       "k",
		RetryBackoff: time.Millisecond,
	}, logger.Discard()).Fetch(context.Background(), source.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, int32(2), calls.Load())
}

func TestOpenAgendaClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"invalid key"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := source.NewOpenAgendaSource(source.OpenAgendaConfig{
		BaseURL:      srv.URL,
		APIKey:       "bad",
		Agendas:      []string{"42"},
		RetryBackoff: time.Millisecond,
	}, logger.Discard()).Fetch(context.Background(), source.FetchOptions{})
	require.ErrorContains(t, err, "agenda 42")
	require.ErrorContains(t, err, "invalid key")
	require.Equal(t, int32(1), calls.Load())
}

func TestNewFromConfig(t *testing.T) {
	src, err := source.NewFromConfig(config.Source{Type: "file", Dir: t.TempDir()}, nil)
	require.NoError(t, err)
	require.Equal(t, "file", src.Name())

	src, err = source.NewFromConfig(config.Source{Type: "openagenda", APIKey: "k"}, logger.Discard())
	require.NoError(t, err)
	require.Equal(t, "openagenda", src.Name())

	_, err = source.NewFromConfig(config.Source{Type: "ftp"}, nil)
	require.Error(t, err)
}
