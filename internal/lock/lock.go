// Package lock enforces a single rebuild writer.
package lock

import (
	"context"
	"sync"

	"github.com/DeafMist/agendaflow/internal/models"
)

// Locker grants exclusive rebuild rights. Acquire never waits: when another
// writer holds the lock it returns models.ErrRebuildInProgress.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Local is an in-process lock.
type Local struct {
	mu sync.Mutex
}

func NewLocal() *Local { return &Local{} }

func (l *Local) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !l.mu.TryLock() {
		return nil, models.ErrRebuildInProgress
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}
