// Package lock serializes dispatch decisions for a single ticket so bursty
// triggers observe each other's results.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the wait.
var ErrTimeout = errors.New("lock: timed out waiting for lock")

// ReleaseFunc releases a held lock. It is safe to call more than once.
type ReleaseFunc func()

// Locker grants exclusive, short-lived locks keyed by string.
type Locker interface {
	Acquire(ctx context.Context, key string, wait time.Duration) (ReleaseFunc, error)
}

// Memory is an in-process Locker for single-replica deployments and tests.
type Memory struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewMemory returns an empty Memory locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]chan struct{})}
}

// Acquire blocks until key is free, wait elapses, or ctx is done.
func (m *Memory) Acquire(ctx context.Context, key string, wait time.Duration) (ReleaseFunc, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		m.mu.Lock()
		ch, busy := m.held[key]
		if !busy {
			done := make(chan struct{})
			m.held[key] = done
			m.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					m.mu.Lock()
					delete(m.held, key)
					m.mu.Unlock()
					close(done)
				})
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", ErrTimeout, key)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
