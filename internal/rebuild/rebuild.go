// Package rebuild runs the ingestion pipeline: fetch, normalize, deduplicate,
// embed, persist and publish a new index generation.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/DeafMist/agendaflow/internal/dedupe"
	"github.com/DeafMist/agendaflow/internal/embedding"
	"github.com/DeafMist/agendaflow/internal/index"
	"github.com/DeafMist/agendaflow/internal/lock"
	"github.com/DeafMist/agendaflow/internal/metrics"
	"github.com/DeafMist/agendaflow/internal/models"
	"github.com/DeafMist/agendaflow/internal/processing"
	"github.com/DeafMist/agendaflow/internal/source"
	"github.com/DeafMist/agendaflow/internal/taxonomy"
)

// Catalog mirrors the events of the published generation.
type Catalog interface {
	ReplaceGeneration(ctx context.Context, generationID string, events []models.CanonicalEvent) (int, int64, error)
}

// Config wires the collaborators of a Service. Store, Catalog and Metrics
// are optional.
type Config struct {
	Source          source.Source
	Taxonomy        *taxonomy.Taxonomy
	Deduplicator    *dedupe.Deduplicator
	Embedder        embedding.Embedder
	BatchSize       int
	Holder          *index.Holder
	Store           *index.Store
	KeepGenerations int
	Lock            lock.Locker
	Catalog         Catalog
	Metrics         *metrics.Metrics
	Log             *slog.Logger
	Now             func() time.Time
}

// Service is the single writer of index generations.
type Service struct {
	cfg Config
}

func New(cfg Config) (*Service, error) {
	if cfg.Source == nil || cfg.Embedder == nil || cfg.Holder == nil {
		return nil, errors.New("rebuild: source, embedder and holder are required")
	}
	if cfg.Taxonomy == nil {
		cfg.Taxonomy = taxonomy.Default()
	}
	if cfg.Deduplicator == nil {
		cfg.Deduplicator = dedupe.New()
	}
	if cfg.Lock == nil {
		cfg.Lock = lock.NewLocal()
	}
	if cfg.Log == nil {
		cfg.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{cfg: cfg}, nil
}

// Run performs one rebuild. On any error the active generation is left as
// it was. A held lock yields models.ErrRebuildInProgress.
func (s *Service) Run(ctx context.Context, req models.RebuildRequest) (models.RebuildSummary, error) {
	release, err := s.cfg.Lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, models.ErrRebuildInProgress) {
			s.cfg.Metrics.RebuildFailed("conflict")
		} else {
			s.cfg.Metrics.RebuildFailed("error")
		}
		return models.RebuildSummary{}, err
	}
	defer release()
	s.syncActive()

	started := s.cfg.Now()
	summary, err := s.run(ctx, req)
	summary.Duration = s.cfg.Now().Sub(started)
	summary.DurationSeconds = summary.Duration.Seconds()
	if err != nil {
		s.cfg.Metrics.RebuildFailed("error")
		s.cfg.Log.Error("rebuild failed",
			slog.String("request_id", req.ID),
			slog.String("mode", string(summary.Mode)),
			slog.Any("err", err),
		)
		return summary, err
	}

	s.cfg.Metrics.RebuildSucceeded(summary.EventsIndexed, summary.EventsRejected, summary.Duration)
	s.cfg.Log.Info("rebuild completed",
		slog.String("request_id", req.ID),
		slog.String("generation_id", summary.GenerationID),
		slog.String("mode", string(summary.Mode)),
		slog.Int("fetched", summary.EventsFetched),
		slog.Int("rejected", summary.EventsRejected),
		slog.Int("merged", summary.EventsMerged),
		slog.Int("indexed", summary.EventsIndexed),
		slog.Duration("duration", summary.Duration),
	)
	return summary, nil
}

// syncActive loads the store's current generation into the holder so an
// incremental run merges onto what another process last published.
func (s *Service) syncActive() {
	if s.cfg.Store == nil {
		return
	}
	if g, loaded, err := s.cfg.Store.Sync(s.cfg.Holder); err != nil {
		s.cfg.Log.Warn("sync active generation", slog.Any("err", err))
	} else if loaded {
		s.cfg.Log.Info("active generation synced", slog.String("generation_id", g.ID()))
	}
}

func (s *Service) run(ctx context.Context, req models.RebuildRequest) (models.RebuildSummary, error) {
	mode := req.Mode
	if mode == "" {
		mode = models.RebuildFull
	}
	if mode != models.RebuildFull && mode != models.RebuildIncremental {
		return models.RebuildSummary{Mode: mode}, fmt.Errorf("unknown rebuild mode %q", mode)
	}

	var active *index.Generation
	if mode == models.RebuildIncremental {
		active, _ = s.cfg.Holder.Current()
		if active == nil {
			s.cfg.Log.Info("no active generation, incremental rebuild falls back to full")
			mode = models.RebuildFull
		}
	}
	summary := models.RebuildSummary{Mode: mode}

	var since *time.Time
	if mode == models.RebuildIncremental {
		since = req.Since
		if since == nil {
			created := active.Manifest.CreatedAt
			since = &created
		}
	}

	raws, err := s.cfg.Source.Fetch(ctx, source.FetchOptions{Since: since})
	if err != nil {
		return summary, fmt.Errorf("fetch events from %s: %w", s.cfg.Source.Name(), err)
	}
	summary.EventsFetched = len(raws)

	norm := processing.NewNormalizer(s.cfg.Taxonomy)
	fetched, rejected := norm.NormalizeAll(raws, s.cfg.Log)
	summary.EventsRejected = rejected
	unmapped := norm.Unmapped()
	summary.UnmappedCategory = len(unmapped)
	if len(unmapped) > 0 {
		s.cfg.Log.Debug("unmapped source categories", slog.Any("values", unmapped))
	}

	events := fetched
	if active != nil {
		base, err := s.activeEvents(norm, active)
		if err != nil {
			return summary, err
		}
		events = MergeByID(base, fetched)
	}

	deduped := s.cfg.Deduplicator.Deduplicate(events)
	summary.EventsMerged = deduped.Merged

	gen, err := index.Build(ctx, deduped.Events, s.cfg.Embedder, index.BuildOptions{
		BatchSize: s.cfg.BatchSize,
		Mode:      mode,
		Since:     since,
		Now:       s.cfg.Now,
	})
	if err != nil {
		return summary, fmt.Errorf("build index: %w", err)
	}

	if s.cfg.Store != nil {
		if err := s.cfg.Store.Save(gen); err != nil {
			return summary, fmt.Errorf("persist generation: %w", err)
		}
	}
	if !s.cfg.Holder.Publish(gen) {
		s.cfg.Log.Warn("newer generation already active, built generation not published",
			slog.String("generation_id", gen.ID()),
		)
	}

	summary.GenerationID = gen.ID()
	summary.EventsIndexed = gen.Size()
	summary.ManifestHash = gen.Manifest.ContentHash

	s.afterPublish(ctx, gen)
	return summary, nil
}

// activeEvents re-normalizes the events of the active generation so they go
// through exactly the same path as freshly fetched records.
func (s *Service) activeEvents(norm *processing.Normalizer, active *index.Generation) ([]models.CanonicalEvent, error) {
	current := active.Events()
	raws := make([]models.RawEvent, 0, len(current))
	for _, ev := range current {
		raw, err := processing.RawFromCanonical(ev)
		if err != nil {
			return nil, err
		}
		raws = append(raws, raw)
	}
	events, rejected := norm.NormalizeAll(raws, s.cfg.Log)
	if rejected > 0 {
		s.cfg.Log.Warn("active events rejected on re-normalization", slog.Int("rejected", rejected))
	}
	return events, nil
}

// afterPublish prunes old generations and refreshes the catalog. Failures
// are logged only.
func (s *Service) afterPublish(ctx context.Context, gen *index.Generation) {
	if s.cfg.Store != nil && s.cfg.KeepGenerations > 0 {
		removed, err := s.cfg.Store.Prune(s.cfg.KeepGenerations)
		if err != nil {
			s.cfg.Log.Warn("prune generations", slog.Any("err", err))
		} else if len(removed) > 0 {
			s.cfg.Log.Debug("pruned generations", slog.Any("ids", removed))
		}
	}

	if s.cfg.Catalog == nil {
		return
	}
	n, deleted, err := s.cfg.Catalog.ReplaceGeneration(ctx, gen.ID(), gen.Events())
	if err != nil {
		s.cfg.Log.Warn("refresh event catalog", slog.Any("err", err), slog.Int("indexed", n))
		return
	}
	s.cfg.Log.Debug("event catalog refreshed", slog.Int("indexed", n), slog.Int64("stale_removed", deleted))
}

// MergeByID overlays fetched on base: a fetched event replaces the base event
// with the same id in place, new ids are appended. Seq is renumbered.
func MergeByID(base, fetched []models.CanonicalEvent) []models.CanonicalEvent {
	out := make([]models.CanonicalEvent, 0, len(base)+len(fetched))
	pos := make(map[string]int, len(base)+len(fetched))
	for _, list := range [][]models.CanonicalEvent{base, fetched} {
		for _, ev := range list {
			if i, ok := pos[ev.ID]; ok {
				out[i] = ev
				continue
			}
			pos[ev.ID] = len(out)
			out = append(out, ev)
		}
	}
	for i := range out {
		out[i].Seq = i
	}
	return out
}
