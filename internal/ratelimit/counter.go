// Package ratelimit is a best-effort throttle on polling endpoints. It is
// not safety-critical: correctness of claims never depends on it, and a
// failing backend degrades to "allow".
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter increments a keyed counter that expires after window and returns
// the count within the current window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// MemoryCounter is a per-process counter for tests and single-instance runs.
type MemoryCounter struct {
	mu   sync.Mutex
	hits map[string]*bucket
	now  func() time.Time
}

type bucket struct {
	count   int64
	resetAt time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{hits: make(map[string]*bucket), now: time.Now}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	b, ok := m.hits[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(window)}
		m.hits[key] = b
	}
	b.count++
	return b.count, nil
}
