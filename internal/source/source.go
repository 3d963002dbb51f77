// Package source fetches raw event records for a rebuild.
package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/DeafMist/agendaflow/internal/config"
	"github.com/DeafMist/agendaflow/internal/models"
)

// FetchOptions narrow a fetch. A nil Since fetches everything.
type FetchOptions struct {
	Since *time.Time
}

// Source delivers raw, untrusted event records.
type Source interface {
	Name() string
	Fetch(ctx context.Context, opts FetchOptions) ([]models.RawEvent, error)
}

// NewFromConfig selects the source described by c.
func NewFromConfig(c config.Source, log *slog.Logger) (Source, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	switch c.Type {
	case "", "file":
		return NewFileSource(c.Dir, log), nil
	case "openagenda":
		return NewOpenAgendaSource(OpenAgendaConfig{
			BaseURL:  c.BaseURL,
			APIKey:   c.APIKey,
			Agendas:  c.Agendas,
			City:     c.City,
			PageSize: c.PageSize,
			MaxPages: c.MaxPages,
			Timeout:  c.Timeout,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", c.Type)
	}
}
