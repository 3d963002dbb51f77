package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/agendaflow/internal/elasticsearch"
	"github.com/DeafMist/agendaflow/internal/embedding"
	"github.com/DeafMist/agendaflow/internal/index"
	"github.com/DeafMist/agendaflow/internal/logger"
	"github.com/DeafMist/agendaflow/internal/metrics"
	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/pipeline"
	"github.com/DeafMist/agendaflow/internal/query"
)

type stubAsker struct {
	resp      *pipeline.Response
	err       error
	question  string
	overrides query.Overrides
}

func (s *stubAsker) Ask(_ context.Context, question string, o query.Overrides) (*pipeline.Response, error) {
	s.question = question
	s.overrides = o
	return s.resp, s.err
}

type stubRebuilder struct {
	summary models.RebuildSummary
	err     error
	reqs    []models.RebuildRequest
}

func (s *stubRebuilder) Run(_ context.Context, req models.RebuildRequest) (models.RebuildSummary, error) {
	s.reqs = append(s.reqs, req)
	return s.summary, s.err
}

type stubPublisher struct {
	sent []models.RebuildRequest
}

func (s *stubPublisher) Publish(_ context.Context, req models.RebuildRequest) (models.RebuildRequest, error) {
	s.sent = append(s.sent, req)
	return req, nil
}

type stubCatalog struct {
	params elasticsearch.SearchParams
}

func (s *stubCatalog) SearchEvents(_ context.Context, params elasticsearch.SearchParams) (*elasticsearch.SearchResult, error) {
	s.params = params
	return &elasticsearch.SearchResult{Total: 1, Items: []models.CanonicalEvent{{ID: "ev-1", Title: "Jazz"}}}, nil
}

func newTestServer(ask *stubAsker, rb *stubRebuilder) *server {
	return &server{
		log:            logger.Discard(),
		pipeline:       ask,
		rebuild:        rb,
		holder:         index.NewHolder(),
		metrics:        metrics.New(),
		rebuildToken:   "secret",
		requestTimeout: time.Second,
		defaultPage:    20,
		maxPage:        100,
	}
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRootDescribesService(t *testing.T) {
	srv := newTestServer(&stubAsker{}, &stubRebuilder{})
	rec := do(t, srv.routes(), http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "AgendaFlow", body["service"])
	require.Contains(t, body["endpoints"], "POST /ask")
}

func TestHealthReflectsActiveGeneration(t *testing.T) {
	srv := newTestServer(&stubAsker{}, &stubRebuilder{})
	h := srv.routes()

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var degraded healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &degraded))
	require.Equal(t, "degraded", degraded.Status)
	require.False(t, degraded.IndexLoaded)
	require.Nil(t, degraded.IndexSize)

	gen, err := index.Build(context.Background(), []models.CanonicalEvent{{
		ID:          "ev-1",
		Title:       "Concert",
		Start:       time.Date(2025, 3, 15, 19, 0, 0, 0, time.UTC),
		City:        "Paris",
		PriceBucket: models.PriceFree,
		Categories:  []models.Category{"music"},
	}}, embedding.NewHashing(32), index.BuildOptions{})
	require.NoError(t, err)
	require.True(t, srv.holder.Publish(gen))

	rec = do(t, h, http.MethodGet, "/health", "", nil)
	var healthy healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &healthy))
	require.Equal(t, "healthy", healthy.Status)
	require.True(t, healthy.IndexLoaded)
	require.NotNil(t, healthy.IndexSize)
	require.Equal(t, 1, *healthy.IndexSize)
	require.Equal(t, gen.ID(), healthy.GenerationID)
}

func TestAskReturnsEventsAndSources(t *testing.T) {
	ask := &stubAsker{resp: &pipeline.Response{
		Answer: &pipeline.Answer{
			Question: "jazz ce soir",
			Language: models.LanguageFrench,
			Filters:  models.QueryFilters{Language: models.LanguageFrench},
			Result: models.RetrievalResult{Items: []models.ScoredEvent{
				{Event: models.CanonicalEvent{ID: "a", Title: "Jazz", URL: "https://example.org/a"}, Score: 0.9},
				{Event: models.CanonicalEvent{ID: "b", Title: "Blues"}, Score: 0.7},
			}},
			GenerationID:  "gen-1",
			RetrievalTime: 12 * time.Millisecond,
		},
		Text:           "Voici 2 événements",
		GenerationTime: 30 * time.Millisecond,
	}}
	srv := newTestServer(ask, &stubRebuilder{})

	rec := do(t, srv.routes(), http.MethodPost, "/ask",
		`{"question":"jazz ce soir","from_date":"2025-03-15","to_date":"2025-03-16","arrondissement":11,"language":"fr"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp askResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Voici 2 événements", resp.Answer)
	require.Len(t, resp.Events, 2)
	require.Equal(t, "a", resp.Events[0].ID)
	require.InDelta(t, 0.9, resp.Events[0].Score, 1e-9)
	require.Equal(t, []string{"https://example.org/a"}, resp.Sources)
	require.Equal(t, "gen-1", resp.GenerationID)
	require.Equal(t, int64(12), resp.RetrievalMs)
	require.Equal(t, int64(30), resp.GenerationMs)
	require.NotEmpty(t, resp.TraceID)

	require.Equal(t, "jazz ce soir", ask.question)
	require.NotNil(t, ask.overrides.From)
	require.NotNil(t, ask.overrides.To)
	require.True(t, ask.overrides.From.Equal(time.Date(2025, 3, 15, 0, 0, 0, 0, models.Paris)))
	require.True(t, ask.overrides.To.Equal(time.Date(2025, 3, 17, 0, 0, 0, 0, models.Paris)))
	require.Equal(t, 11, *ask.overrides.Arrondissement)
	require.Equal(t, "fr", ask.overrides.Language)
}

func TestAskErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "filter conflict", err: &models.FilterConflictError{Field: "price", Reason: "unknown bucket"}, code: http.StatusBadRequest},
		{name: "empty question", err: query.ErrEmptyQuestion, code: http.StatusBadRequest},
		{name: "index not ready", err: models.ErrIndexNotReady, code: http.StatusServiceUnavailable},
		{name: "embedding failure", err: &models.EmbeddingModelError{Op: "embed query", Err: errors.New("boom")}, code: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&stubAsker{err: tt.err}, &stubRebuilder{})
			rec := do(t, srv.routes(), http.MethodPost, "/ask", `{"question":"jazz"}`, nil)
			require.Equal(t, tt.code, rec.Code)
		})
	}
}

func TestAskRejectsBadInput(t *testing.T) {
	srv := newTestServer(&stubAsker{}, &stubRebuilder{})
	h := srv.routes()

	rec := do(t, h, http.MethodPost, "/ask", `{"question":`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/ask", `{"question":"jazz","from_date":"tomorrow"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "from_date")
}

func TestRebuildRequiresToken(t *testing.T) {
	rb := &stubRebuilder{}
	srv := newTestServer(&stubAsker{}, rb)
	h := srv.routes()

	rec := do(t, h, http.MethodPost, "/rebuild", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/rebuild", "", map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, rb.reqs)
}

func TestRebuildDisabledWithoutToken(t *testing.T) {
	srv := newTestServer(&stubAsker{}, &stubRebuilder{})
	srv.rebuildToken = ""

	rec := do(t, srv.routes(), http.MethodPost, "/rebuild", "", map[string]string{"Authorization": "Bearer "})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRebuildRunsSynchronously(t *testing.T) {
	rb := &stubRebuilder{summary: models.RebuildSummary{GenerationID: "gen-2", Mode: models.RebuildIncremental, EventsIndexed: 42}}
	srv := newTestServer(&stubAsker{}, rb)

	rec := do(t, srv.routes(), http.MethodPost, "/rebuild", `{"mode":"incremental"}`,
		map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "success", body["status"])
	require.Equal(t, "gen-2", body["generation_id"])
	require.EqualValues(t, 42, body["events_indexed"])

	require.Len(t, rb.reqs, 1)
	require.Equal(t, models.RebuildIncremental, rb.reqs[0].Mode)
	require.NotEmpty(t, rb.reqs[0].ID)
}

func TestRebuildConflict(t *testing.T) {
	srv := newTestServer(&stubAsker{}, &stubRebuilder{err: models.ErrRebuildInProgress})
	rec := do(t, srv.routes(), http.MethodPost, "/rebuild", "", map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRebuildRejectsUnknownMode(t *testing.T) {
	rb := &stubRebuilder{}
	srv := newTestServer(&stubAsker{}, rb)
	rec := do(t, srv.routes(), http.MethodPost, "/rebuild", `{"mode":"partial"}`, map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, rb.reqs)
}

func TestRebuildAsync(t *testing.T) {
	rb := &stubRebuilder{}
	srv := newTestServer(&stubAsker{}, rb)
	h := srv.routes()
	auth := map[string]string{"Authorization": "Bearer secret"}

	rec := do(t, h, http.MethodPost, "/rebuild", `{"async":true}`, auth)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	pub := &stubPublisher{}
	srv.publisher = pub
	rec = do(t, srv.routes(), http.MethodPost, "/rebuild", `{"async":true}`, auth)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, pub.sent, 1)
	require.Equal(t, pub.sent[0].ID, body["request_id"])
	require.Equal(t, models.RebuildFull, pub.sent[0].Mode)
	require.Empty(t, rb.reqs)
}

func TestEventsCatalog(t *testing.T) {
	srv := newTestServer(&stubAsker{}, &stubRebuilder{})
	rec := do(t, srv.routes(), http.MethodGet, "/events", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	cat := &stubCatalog{}
	srv.catalog = cat
	h := srv.routes()

	rec = do(t, h, http.MethodGet, "/events?q=jazz&size=500&arrondissement=11&start=2025-03-15T00:00:00Z", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "jazz", cat.params.Query)
	require.Equal(t, 100, cat.params.Size)
	require.Equal(t, 11, *cat.params.Arrondissement)
	require.NotNil(t, cat.params.Start)
	require.Nil(t, cat.params.End)

	rec = do(t, h, http.MethodGet, "/events?arrondissement=21", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	srv := newTestServer(&stubAsker{}, &stubRebuilder{})
	h := srv.routes()

	do(t, h, http.MethodGet, "/health", "", nil)
	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `agendaflow_requests_total{endpoint="/health",status="200"} 1`)
}

func TestClampInt(t *testing.T) {
	require.Equal(t, 20, clampInt("", 20, 100))
	require.Equal(t, 20, clampInt("abc", 20, 100))
	require.Equal(t, 20, clampInt("-3", 20, 100))
	require.Equal(t, 100, clampInt("1000", 20, 100))
	require.Equal(t, 42, clampInt("42", 20, 100))
}
