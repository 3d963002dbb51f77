package models

import "time"

// RebuildMode selects how much of the source is fetched.
type RebuildMode string

const (
	RebuildFull        RebuildMode = "full"
	RebuildIncremental RebuildMode = "incremental"
)

// RebuildRequest is the payload of POST /rebuild and of the rebuild topic.
type RebuildRequest struct {
	ID          string      `json:"id,omitempty"`
	Mode        RebuildMode `json:"mode"`
	Since       *time.Time  `json:"since,omitempty"`
	RequestedAt time.Time   `json:"requested_at,omitempty"`
}

// RebuildSummary describes a completed rebuild.
type RebuildSummary struct {
	GenerationID     string        `json:"generation_id"`
	Mode             RebuildMode   `json:"mode"`
	EventsFetched    int           `json:"events_fetched"`
	EventsRejected   int           `json:"events_rejected"`
	EventsMerged     int           `json:"events_merged"`
	EventsIndexed    int           `json:"events_indexed"`
	UnmappedCategory int           `json:"unmapped_categories"`
	Duration         time.Duration `json:"-"`
	DurationSeconds  float64       `json:"duration_seconds"`
	ManifestHash     string        `json:"manifest_hash"`
}
