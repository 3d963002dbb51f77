package index

import (
	"sync/atomic"

	"github.com/DeafMist/agendaflow/internal/models"
)

// Holder publishes the active generation. Readers take a snapshot with
// Current and keep using it for the whole request.
type Holder struct {
	active atomic.Pointer[Generation]
}

func NewHolder() *Holder {
	return &Holder{}
}

// Current returns the active generation or models.ErrIndexNotReady.
func (h *Holder) Current() (*Generation, error) {
	g := h.active.Load()
	if g == nil {
		return nil, models.ErrIndexNotReady
	}
	return g, nil
}

// Publish makes next active unless a generation created later is already
// active. It reports whether next was published.
func (h *Holder) Publish(next *Generation) bool {
	if next == nil {
		return false
	}
	for {
		cur := h.active.Load()
		if cur != nil {
			if cur.Manifest.ID == next.Manifest.ID || cur.Manifest.CreatedAt.After(next.Manifest.CreatedAt) {
				return false
			}
		}
		if h.active.CompareAndSwap(cur, next) {
			return true
		}
	}
}
