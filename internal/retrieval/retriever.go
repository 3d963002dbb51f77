// Package retrieval runs vector search, metadata filtering and MMR
// re-ranking against one index generation.
package retrieval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/DeafMist/agendaflow/internal/embedding"
	"github.com/DeafMist/agendaflow/internal/index"
	"github.com/DeafMist/agendaflow/internal/models"
)

const (
	DefaultKInitial = 12
	DefaultKFinal   = 5
	DefaultLambda   = 0.3
)

// Options tune retrieval. Zero K values and a nil Lambda select the
// defaults. Lambda is the MMR relevance weight in [0, 1]; 0 ranks on
// diversity alone.
type Options struct {
	KInitial int
	KFinal   int
	Lambda   *float64
}

func (o Options) withDefaults() Options {
	if o.KInitial <= 0 {
		o.KInitial = DefaultKInitial
	}
	if o.KFinal <= 0 {
		o.KFinal = DefaultKFinal
	}
	lambda := DefaultLambda
	if o.Lambda != nil && *o.Lambda >= 0 && *o.Lambda <= 1 {
		lambda = *o.Lambda
	}
	o.Lambda = &lambda
	return o
}

// Candidate is a search hit that passed the filters.
type Candidate struct {
	Row       int
	Event     models.CanonicalEvent
	Relevance float64
	Vector    []float32
}

// Retriever is stateless apart from its embedder and options, and safe for
// concurrent use.
type Retriever struct {
	emb  embedding.Embedder
	opts Options
	log  *slog.Logger
}

// New creates a retriever.
func New(emb embedding.Embedder, opts Options, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Retriever{emb: emb, opts: opts.withDefaults(), log: log}
}

func (r *Retriever) Options() Options { return r.opts }

// Retrieve returns at most KFinal events of gen matching filters, MMR
// ordered. An empty result is not an error.
func (r *Retriever) Retrieve(ctx context.Context, gen *index.Generation, semantic string, filters models.QueryFilters) (models.RetrievalResult, error) {
	if gen == nil {
		return models.RetrievalResult{}, models.ErrIndexNotReady
	}

	q, err := embedding.EmbedQuery(ctx, r.emb, semantic)
	if err != nil {
		return models.RetrievalResult{}, err
	}
	if len(q) != gen.Index.Dimension() {
		return models.RetrievalResult{}, &models.EmbeddingModelError{
			Op:  "embed query",
			Err: fmt.Errorf("query dimension %d, index dimension %d", len(q), gen.Index.Dimension()),
		}
	}

	hits := gen.Index.Search(q, r.opts.KInitial)
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		ev, ok := gen.Event(h.Row)
		if !ok || !Matches(ev, filters) {
			continue
		}
		candidates = append(candidates, Candidate{
			Row:       h.Row,
			Event:     ev,
			Relevance: h.Score,
			Vector:    gen.Index.Vector(h.Row),
		})
	}

	selected := MMR(candidates, r.opts.KFinal, *r.opts.Lambda)
	r.log.Debug("retrieval",
		slog.String("generation_id", gen.ID()),
		slog.Int("hits", len(hits)),
		slog.Int("filtered", len(candidates)),
		slog.Int("selected", len(selected)),
	)

	items := make([]models.ScoredEvent, 0, len(selected))
	for _, c := range selected {
		items = append(items, models.ScoredEvent{Event: c.Event, Score: c.Relevance})
	}
	return models.RetrievalResult{Items: items}, nil
}

// Matches reports whether ev satisfies every set filter. Language is not a
// retrieval constraint.
func Matches(ev models.CanonicalEvent, f models.QueryFilters) bool {
	if f.Dates != nil && !f.Dates.Overlaps(ev.Start, ev.EndOrStart()) {
		return false
	}
	if f.Category != nil && !ev.HasCategory(*f.Category) {
		return false
	}
	if f.Price != nil && ev.PriceBucket != *f.Price {
		return false
	}
	if f.Arrondissement != nil && (ev.Arrondissement == nil || *ev.Arrondissement != *f.Arrondissement) {
		return false
	}
	return true
}

// MMR selects up to k candidates maximizing
// lambda*relevance - (1-lambda)*max similarity to the already selected ones.
// The first pick is always the most relevant candidate; ties keep input order.
func MMR(candidates []Candidate, k int, lambda float64) []Candidate {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	k = min(k, len(candidates))

	remaining := make([]int, len(candidates))
	for i := range remaining {
		remaining[i] = i
	}
	// maxSim[i] is candidate i's highest similarity to the selection so far
	maxSim := make([]float64, len(candidates))
	out := make([]Candidate, 0, k)

	for len(out) < k {
		best, bestScore := -1, math.Inf(-1)
		for pos, i := range remaining {
			score := candidates[i].Relevance
			if len(out) > 0 {
				score = lambda*candidates[i].Relevance - (1-lambda)*maxSim[i]
			}
			if score > bestScore {
				best, bestScore = pos, score
			}
		}

		picked := candidates[remaining[best]]
		out = append(out, picked)
		remaining = append(remaining[:best], remaining[best+1:]...)

		for _, i := range remaining {
			sim := embedding.Dot(candidates[i].Vector, picked.Vector)
			if len(out) == 1 || sim > maxSim[i] {
				maxSim[i] = sim
			}
		}
	}
	return out
}
