package index

import (
	"fmt"
	"time"

	"github.com/DeafMist/agendaflow/internal/models"
)

// Manifest describes one generation.
type Manifest struct {
	ID             string             `json:"id"`
	CreatedAt      time.Time          `json:"created_at"`
	Mode           models.RebuildMode `json:"mode"`
	Since          *time.Time         `json:"since,omitempty"`
	Dimension      int                `json:"dimension"`
	Count          int                `json:"count"`
	EmbeddingModel string             `json:"embedding_model"`
	ContentHash    string             `json:"content_hash"`
}

// Generation is an immutable snapshot: vector index, docstore and the map
// from index row to event id. It is never modified after construction, so
// readers share it without locking.
type Generation struct {
	Manifest Manifest
	Index    *FlatIndex
	Docs     map[string]models.CanonicalEvent
	IDMap    []string
}

// NewGeneration assembles a generation from events and their vectors, which
// must be in the same order.
func NewGeneration(manifest Manifest, events []models.CanonicalEvent, vectors [][]float32) (*Generation, error) {
	if len(events) != len(vectors) {
		return nil, fmt.Errorf("%d events for %d vectors", len(events), len(vectors))
	}
	if len(events) == 0 {
		return nil, models.ErrEmptyCorpus
	}

	dim := len(vectors[0])
	g := &Generation{
		Index: NewFlatIndex(dim),
		Docs:  make(map[string]models.CanonicalEvent, len(events)),
		IDMap: make([]string, 0, len(events)),
	}
	for i, ev := range events {
		if _, dup := g.Docs[ev.ID]; dup {
			return nil, fmt.Errorf("duplicate event id %q", ev.ID)
		}
		if err := g.Index.Add(vectors[i]); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		g.Docs[ev.ID] = ev
		g.IDMap = append(g.IDMap, ev.ID)
	}

	manifest.Dimension = dim
	manifest.Count = len(events)
	g.Manifest = manifest
	return g, nil
}

func (g *Generation) ID() string { return g.Manifest.ID }

// Size returns the number of indexed events.
func (g *Generation) Size() int { return len(g.IDMap) }

// Event returns the event stored at an index row.
func (g *Generation) Event(row int) (models.CanonicalEvent, bool) {
	if row < 0 || row >= len(g.IDMap) {
		return models.CanonicalEvent{}, false
	}
	ev, ok := g.Docs[g.IDMap[row]]
	return ev, ok
}

// Events returns every event in row order.
func (g *Generation) Events() []models.CanonicalEvent {
	out := make([]models.CanonicalEvent, 0, len(g.IDMap))
	for _, id := range g.IDMap {
		out = append(out, g.Docs[id])
	}
	return out
}
