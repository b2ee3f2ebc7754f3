package session

import (
	"context"
	"sync"
)

// userLocks provides per-user mutual exclusion scoped to one step of the
// conversation loop. A user waiting on authorization holds no lock; only
// active Advance/Resume steps do.
type userLocks struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

func newUserLocks() *userLocks {
	return &userLocks{sems: make(map[string]chan struct{})}
}

func (l *userLocks) sem(userID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[userID]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[userID] = s
	}
	return s
}

// TryAcquire takes the user's lock if free, reporting whether it did.
func (l *userLocks) TryAcquire(userID string) bool {
	select {
	case l.sem(userID) <- struct{}{}:
		return true
	default:
		return false
	}
}

// Acquire blocks until the user's lock is free or the context ends.
func (l *userLocks) Acquire(ctx context.Context, userID string) error {
	select {
	case l.sem(userID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the user's lock.
func (l *userLocks) Release(userID string) {
	<-l.sem(userID)
}
