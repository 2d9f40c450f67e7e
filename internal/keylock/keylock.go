// Package keylock serializes work per key. Callers holding the same key run
// one at a time in arrival order; different keys never block each other.
package keylock

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	held    bool
	waiters []chan struct{}
}

// Manager is a table of FIFO mutexes indexed by key. The zero value is not
// usable; call New.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	// OnWait, if set, observes how long each acquisition waited.
	OnWait func(key string, waited time.Duration)
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// Lock blocks until the caller owns key or ctx is done. The returned release
// function must be called exactly once; extra calls are ignored.
func (m *Manager) Lock(ctx context.Context, key string) (func(), error) {
	start := time.Now()

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	if !e.held {
		e.held = true
		m.mu.Unlock()
		m.observe(key, start)
		return m.releaser(key), nil
	}

	ready := make(chan struct{})
	e.waiters = append(e.waiters, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		m.observe(key, start)
		return m.releaser(key), nil
	case <-ctx.Done():
		m.mu.Lock()
		if removeWaiter(e, ready) {
			m.mu.Unlock()
			return nil, ctx.Err()
		}
		m.mu.Unlock()
		// Ownership was handed over while we were giving up; pass it on.
		m.unlock(key)
		return nil, ctx.Err()
	}
}

func (m *Manager) observe(key string, start time.Time) {
	if m.OnWait != nil {
		m.OnWait(key, time.Since(start))
	}
}

func (m *Manager) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.unlock(key) })
	}
}

// unlock hands the key to the oldest waiter, or frees it.
func (m *Manager) unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !e.held {
		return
	}
	if len(e.waiters) == 0 {
		delete(m.entries, key)
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(next)
}

func removeWaiter(e *entry, ready chan struct{}) bool {
	for i, w := range e.waiters {
		if w == ready {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of keys currently held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// WithLock runs fn while holding key and releases it on every exit path,
// including a panic in fn.
func WithLock[T any](ctx context.Context, m *Manager, key string, fn func(context.Context) (T, error)) (T, error) {
	release, err := m.Lock(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	defer release()
	return fn(ctx)
}
