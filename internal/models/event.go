package models

import (
	"slices"
	"time"
)

// RawEvent is an untrusted record as delivered by a data source. Numbers are
// kept as json.Number when the source decodes with UseNumber.
type RawEvent map[string]any

// PriceBucket is the coarse price class of an event.
type PriceBucket string

const (
	PriceFree    PriceBucket = "free"
	PriceCheap   PriceBucket = "cheap"
	PriceMedium  PriceBucket = "medium"
	PriceHigh    PriceBucket = "high"
	PriceUnknown PriceBucket = "unknown"
)

// Valid reports whether b is one of the known buckets.
func (b PriceBucket) Valid() bool {
	switch b {
	case PriceFree, PriceCheap, PriceMedium, PriceHigh, PriceUnknown:
		return true
	}
	return false
}

// Category is a value of the fixed event taxonomy.
type Category string

// Uncategorized is assigned when no source category maps onto the taxonomy.
const Uncategorized Category = "uncategorized"

// CanonicalEvent is the cleaned, typed record stored in the docstore and the
// event catalog.
type CanonicalEvent struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Start          time.Time   `json:"start_datetime"`
	End            *time.Time  `json:"end_datetime,omitempty"`
	VenueName      string      `json:"venue_name"`
	City           string      `json:"city"`
	Arrondissement *int        `json:"arrondissement,omitempty"`
	PriceBucket    PriceBucket `json:"price_bucket"`
	Categories     []Category  `json:"categories"`
	URL            string      `json:"url,omitempty"`
	SourceID       string      `json:"source_id"`
	Aliases        []string    `json:"aliases,omitempty"`

	// Seq is the ingestion order inside one rebuild batch.
	Seq int `json:"-"`
}

// EndOrStart returns the end instant, falling back to the start for point events.
func (e CanonicalEvent) EndOrStart() time.Time {
	if e.End != nil {
		return *e.End
	}
	return e.Start
}

// HasCategory reports whether c is among the event categories.
func (e CanonicalEvent) HasCategory(c Category) bool {
	return slices.Contains(e.Categories, c)
}

// ScoredEvent is one retrieval hit.
type ScoredEvent struct {
	Event CanonicalEvent `json:"event"`
	Score float64        `json:"score"`
}

// RetrievalResult is the ordered outcome of a query, best first.
type RetrievalResult struct {
	Items []ScoredEvent `json:"items"`
}

// Events returns the events of the result in rank order.
func (r RetrievalResult) Events() []CanonicalEvent {
	out := make([]CanonicalEvent, 0, len(r.Items))
	for _, it := range r.Items {
		out = append(out, it.Event)
	}
	return out
}
