package models

import (
	"errors"
	"fmt"
)

var (
	// ErrIndexNotReady is returned by queries before any generation was published.
	ErrIndexNotReady = errors.New("index not ready")

	// ErrRebuildInProgress is returned when another writer holds the rebuild lock.
	ErrRebuildInProgress = errors.New("rebuild already in progress")

	// ErrEmptyCorpus is returned when a rebuild ends up with nothing to index.
	ErrEmptyCorpus = errors.New("no events to index")
)

// MalformedInputError rejects a single raw record.
type MalformedInputError struct {
	Field  string
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed event: %s: %s", e.Field, e.Reason)
}

// EmbeddingModelError wraps a failure of the embedding collaborator.
type EmbeddingModelError struct {
	Op  string
	Err error
}

func (e *EmbeddingModelError) Error() string {
	return fmt.Sprintf("embedding model: %s: %v", e.Op, e.Err)
}

func (e *EmbeddingModelError) Unwrap() error {
	return e.Err
}

// FilterConflictError reports caller filters that cannot be satisfied.
type FilterConflictError struct {
	Field  string
	Reason string
}

func (e *FilterConflictError) Error() string {
	return fmt.Sprintf("filter conflict: %s: %s", e.Field, e.Reason)
}
