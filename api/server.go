package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/DeafMist/agendaflow/internal/elasticsearch"
	"github.com/DeafMist/agendaflow/internal/index"
	"github.com/DeafMist/agendaflow/internal/metrics"
	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/pipeline"
	"github.com/DeafMist/agendaflow/internal/query"
)

const version = "0.1.0"

type asker interface {
	Ask(ctx context.Context, question string, o query.Overrides) (*pipeline.Response, error)
}

type rebuilder interface {
	Run(ctx context.Context, req models.RebuildRequest) (models.RebuildSummary, error)
}

type rebuildPublisher interface {
	Publish(ctx context.Context, req models.RebuildRequest) (models.RebuildRequest, error)
}

type eventCatalog interface {
	SearchEvents(ctx context.Context, params elasticsearch.SearchParams) (*elasticsearch.SearchResult, error)
}

type server struct {
	log            *slog.Logger
	pipeline       asker
	rebuild        rebuilder
	publisher      rebuildPublisher
	catalog        eventCatalog
	holder         *index.Holder
	metrics        *metrics.Metrics
	rebuildToken   string
	requestTimeout time.Duration
	defaultPage    int
	maxPage        int
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Post("/ask", s.handleAsk)
	r.Post("/rebuild", s.handleRebuild)
	r.Get("/events", s.handleEvents)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

func (s *server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(endpoint, status, time.Since(start))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "AgendaFlow",
		"version":     version,
		"description": "RAG service for Paris event queries",
		"endpoints": map[string]string{
			"POST /ask":     "Ask event-related questions",
			"POST /rebuild": "Rebuild event index (requires auth)",
			"GET /events":   "Browse the event catalog",
			"GET /health":   "Health check",
			"GET /metrics":  "Prometheus metrics",
		},
	})
}

type healthResponse struct {
	Status       string `json:"status"`
	IndexLoaded  bool   `json:"index_loaded"`
	IndexSize    *int   `json:"index_size"`
	GenerationID string `json:"generation_id,omitempty"`
	Timestamp    string `json:"timestamp"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "degraded", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if gen, err := s.holder.Current(); err == nil {
		size := gen.Size()
		resp.Status = "healthy"
		resp.IndexLoaded = true
		resp.IndexSize = &size
		resp.GenerationID = gen.ID()
	}
	writeJSON(w, http.StatusOK, resp)
}

type askRequest struct {
	Question       string  `json:"question"`
	FromDate       *string `json:"from_date"`
	ToDate         *string `json:"to_date"`
	Category       string  `json:"category"`
	Price          string  `json:"price"`
	Arrondissement *int    `json:"arrondissement"`
	Language       string  `json:"language"`
}

type eventView struct {
	models.CanonicalEvent
	Score float64 `json:"score"`
}

type askResponse struct {
	Answer         string              `json:"answer"`
	Events         []eventView         `json:"events"`
	Sources        []string            `json:"sources"`
	FiltersApplied models.QueryFilters `json:"filters_applied"`
	Language       models.Language     `json:"language"`
	GenerationID   string              `json:"generation_id"`
	LatencyMs      int64               `json:"latency_ms"`
	RetrievalMs    int64               `json:"retrieval_ms"`
	GenerationMs   int64               `json:"generation_ms"`
	TraceID        string              `json:"trace_id"`
}

func (s *server) handleAsk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	traceID := uuid.NewString()
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	overrides, err := req.overrides()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	resp, err := s.pipeline.Ask(ctx, req.Question, overrides)
	if err != nil {
		s.log.Warn("ask failed", slog.String("trace_id", traceID), slog.Any("err", err))
		s.writeError(w, err)
		return
	}

	events := make([]eventView, 0, len(resp.Result.Items))
	sources := make([]string, 0, len(resp.Result.Items))
	for _, it := range resp.Result.Items {
		events = append(events, eventView{CanonicalEvent: it.Event, Score: it.Score})
		if it.Event.URL != "" {
			sources = append(sources, it.Event.URL)
		}
	}

	latency := time.Since(start)
	s.log.Info("question answered",
		slog.String("trace_id", traceID),
		slog.String("generation_id", resp.GenerationID),
		slog.Int("events", len(events)),
		slog.Duration("latency", latency),
	)
	writeJSON(w, http.StatusOK, askResponse{
		Answer:         resp.Text,
		Events:         events,
		Sources:        sources,
		FiltersApplied: resp.Filters,
		Language:       resp.Language,
		GenerationID:   resp.GenerationID,
		LatencyMs:      latency.Milliseconds(),
		RetrievalMs:    resp.RetrievalTime.Milliseconds(),
		GenerationMs:   resp.GenerationTime.Milliseconds(),
		TraceID:        traceID,
	})
}

func (req askRequest) overrides() (query.Overrides, error) {
	o := query.Overrides{
		Category:       req.Category,
		Price:          req.Price,
		Arrondissement: req.Arrondissement,
		Language:       req.Language,
	}
	if req.FromDate != nil && strings.TrimSpace(*req.FromDate) != "" {
		from, err := parseBound(*req.FromDate, false)
		if err != nil {
			return o, fmt.Errorf("from_date: %w", err)
		}
		o.From = &from
	}
	if req.ToDate != nil && strings.TrimSpace(*req.ToDate) != "" {
		to, err := parseBound(*req.ToDate, true)
		if err != nil {
			return o, fmt.Errorf("to_date: %w", err)
		}
		o.To = &to
	}
	return o, nil
}

// parseBound accepts RFC 3339 instants or Paris calendar days. A day used as
// an upper bound includes the whole day.
func parseBound(raw string, upper bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, models.Paris)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", raw)
	}
	if upper {
		day = day.AddDate(0, 0, 1)
	}
	return day.UTC(), nil
}

type rebuildRequest struct {
	Mode  models.RebuildMode `json:"mode"`
	Since *time.Time         `json:"since"`
	Async bool               `json:"async"`
}

type rebuildResponse struct {
	Status string `json:"status"`
	models.RebuildSummary
}

func (s *server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if status, msg := s.authorize(r); status != http.StatusOK {
		writeJSON(w, status, errorResponse{Error: msg})
		return
	}

	var body rebuildRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	switch body.Mode {
	case "":
		body.Mode = models.RebuildFull
	case models.RebuildFull, models.RebuildIncremental:
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "mode must be full or incremental"})
		return
	}
	req := models.RebuildRequest{
		ID:          uuid.NewString(),
		Mode:        body.Mode,
		Since:       body.Since,
		RequestedAt: time.Now().UTC(),
	}

	if body.Async {
		if s.publisher == nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "asynchronous rebuild is not configured"})
			return
		}
		sent, err := s.publisher.Publish(r.Context(), req)
		if err != nil {
			s.log.Error("publish rebuild request", slog.Any("err", err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "request_id": sent.ID})
		return
	}

	// a rebuild outlives the client connection
	ctx := context.WithoutCancel(r.Context())
	summary, err := s.rebuild.Run(ctx, req)
	if err != nil {
		s.writeError(w, fmt.Errorf("rebuild failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, rebuildResponse{Status: "success", RebuildSummary: summary})
}

func (s *server) authorize(r *http.Request) (int, string) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return http.StatusUnauthorized, "Authorization header missing"
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if s.rebuildToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.rebuildToken)) != 1 {
		return http.StatusForbidden, "Invalid token"
	}
	return http.StatusOK, ""
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "event catalog disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	params := elasticsearch.SearchParams{
		Query:    strings.TrimSpace(q.Get("q")),
		Category: strings.TrimSpace(q.Get("category")),
		Price:    strings.TrimSpace(q.Get("price")),
		From:     clampInt(q.Get("from"), 0, 10_000),
		Size:     clampInt(q.Get("size"), s.defaultPage, s.maxPage),
		Sort:     strings.TrimSpace(q.Get("sort")),
		Start:    parseTime(q.Get("start")),
		End:      parseTime(q.Get("end")),
	}
	if raw := q.Get("arrondissement"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 20 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "arrondissement must be between 1 and 20"})
			return
		}
		params.Arrondissement = &n
	}

	result, err := s.catalog.SearchEvents(ctx, params)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	var conflict *models.FilterConflictError
	switch {
	case errors.As(err, &conflict), errors.Is(err, query.ErrEmptyQuestion):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrIndexNotReady):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Index not loaded. Please build the index first using POST /rebuild."})
	case errors.Is(err, models.ErrRebuildInProgress):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return &ts
	}
	return nil
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
