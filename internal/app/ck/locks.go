package ck

import (
	"sync"

	"github.com/nacionmx/nacion/internal/domain"
	"github.com/nacionmx/nacion/internal/infra/observability"
)

// userLocks serializes CK operations per user within the process. A second
// operation on a locked user fails fast instead of waiting.
type userLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newUserLocks() *userLocks {
	return &userLocks{held: make(map[string]struct{})}
}

// Acquire locks userID and returns the release func, or ErrCKInProgress.
func (l *userLocks) Acquire(userID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[userID]; busy {
		return nil, domain.ErrCKInProgress
	}
	l.held[userID] = struct{}{}
	observability.CKInProgress.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, userID)
			l.mu.Unlock()
			observability.CKInProgress.Dec()
		})
	}, nil
}

// Len returns the number of held locks.
func (l *userLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
