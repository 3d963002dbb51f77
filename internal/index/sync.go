package index

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sync loads the generation CURRENT points at when it differs from the one
// h serves, and publishes it. It reports whether a new generation became
// active. A store without generations is not an error.
func (s *Store) Sync(h *Holder) (*Generation, bool, error) {
	id, err := s.CurrentID()
	if errors.Is(err, ErrNoGeneration) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if cur, err := h.Current(); err == nil && cur.ID() == id {
		return cur, false, nil
	}
	g, err := s.Load(id)
	if err != nil {
		return nil, false, err
	}
	return g, h.Publish(g), nil
}

// Watch calls Sync every interval until ctx is done. onLoad, when set, runs
// for each generation that became active.
func (s *Store) Watch(ctx context.Context, h *Holder, interval time.Duration, onLoad func(*Generation)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g, loaded, err := s.Sync(h)
			if err != nil {
				s.log.Warn("reload generation", slog.Any("err", err))
				continue
			}
			if loaded {
				s.log.Info("generation loaded",
					slog.String("generation_id", g.ID()),
					slog.Int("events", g.Size()),
				)
				if onLoad != nil {
					onLoad(g)
				}
			}
		}
	}
}
