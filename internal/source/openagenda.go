package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/agendaflow/internal/models"
)

const maxOpenAgendaPageSize = 300

// OpenAgendaConfig configures the OpenAgenda v2 client.
type OpenAgendaConfig struct {
	BaseURL      string
	APIKey       string
	Agendas      []string
	City         string
	PageSize     int
	MaxPages     int
	Timeout      time.Duration
	Attempts     int
	RetryBackoff time.Duration
}

// OpenAgendaSource pages through the events of the configured agendas, or
// through the transverse /events search when no agenda is set.
type OpenAgendaSource struct {
	cfg    OpenAgendaConfig
	client *http.Client
	log    *slog.Logger
}

func NewOpenAgendaSource(cfg OpenAgendaConfig, log *slog.Logger) *OpenAgendaSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openagenda.com/v2"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 || cfg.PageSize > maxOpenAgendaPageSize {
		cfg.PageSize = maxOpenAgendaPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &OpenAgendaSource{cfg: cfg, client: newHTTPClient(cfg.Timeout), log: log}
}

func (s *OpenAgendaSource) Name() string { return "openagenda" }

type eventsPage struct {
	Total  int               `json:"total"`
	Events []models.RawEvent `json:"events"`
	After  json.RawMessage   `json:"after"`
}

// Fetch collects every page. With Since set only events updated since then
// are requested.
func (s *OpenAgendaSource) Fetch(ctx context.Context, opts FetchOptions) ([]models.RawEvent, error) {
	if len(s.cfg.Agendas) == 0 {
		return s.fetchPaged(ctx, "/events", "", opts)
	}
	var out []models.RawEvent
	for _, uid := range s.cfg.Agendas {
		events, err := s.fetchPaged(ctx, "/agendas/"+url.PathEscape(uid)+"/events", uid, opts)
		if err != nil {
			return nil, fmt.Errorf("agenda %s: %w", uid, err)
		}
		out = append(out, events...)
	}
	return out, nil
}

func (s *OpenAgendaSource) fetchPaged(ctx context.Context, path, agendaUID string, opts FetchOptions) ([]models.RawEvent, error) {
	var (
		out   []models.RawEvent
		after url.Values
	)
	for page := 0; page < s.cfg.MaxPages; page++ {
		q := url.Values{}
		q.Set("key", s.cfg.APIKey)
		q.Set("size", strconv.Itoa(s.cfg.PageSize))
		q.Set("detailed", "1")
		if s.cfg.City != "" {
			q.Set("city", s.cfg.City)
		}
		if opts.Since != nil {
			q.Set("updatedAt[gte]", opts.Since.UTC().Format(time.RFC3339))
		}
		for k, vs := range after {
			q[k] = vs
		}

		var body eventsPage
		err := retry(ctx, s.cfg.Attempts, s.cfg.RetryBackoff, 30*time.Second, func() error {
			var err error
			body, err = s.get(ctx, s.cfg.BaseURL+path+"?"+q.Encode())
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, ev := range body.Events {
			if agendaUID != "" {
				if _, ok := ev["agendaUid"]; !ok {
					ev["agendaUid"] = agendaUID
				}
			}
			out = append(out, ev)
		}
		s.log.Debug("openagenda page",
			slog.String("path", path),
			slog.Int("page", page+1),
			slog.Int("events", len(body.Events)),
			slog.Int("total", body.Total),
		)

		after = cursor(body.After)
		if len(body.Events) == 0 || after == nil {
			return out, nil
		}
	}
	s.log.Warn("openagenda page limit reached", slog.String("path", path), slog.Int("max_pages", s.cfg.MaxPages))
	return out, nil
}

func (s *OpenAgendaSource) get(ctx context.Context, u string) (eventsPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eventsPage{}, &permanentError{err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return eventsPage{}, fmt.Errorf("openagenda request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eventsPage{}, fmt.Errorf("read openagenda response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return eventsPage{}, fmt.Errorf("openagenda returned %s", resp.Status)
	}
	if resp.StatusCode >= 300 {
		return eventsPage{}, &permanentError{fmt.Errorf("openagenda returned %s: %s", resp.Status, truncateBody(data))}
	}

	var page eventsPage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&page); err != nil {
		return eventsPage{}, &permanentError{fmt.Errorf("decode openagenda response: %w", err)}
	}
	return page, nil
}

// cursor turns the "after" field into query parameters. OpenAgenda returns
// either a list of sort values or an opaque string.
func cursor(raw json.RawMessage) url.Values {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 0 {
			return nil
		}
		v := url.Values{}
		for _, item := range list {
			v.Add("after[]", fmt.Sprint(item))
		}
		return v
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return url.Values{"after": {s}}
	}
	return nil
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
