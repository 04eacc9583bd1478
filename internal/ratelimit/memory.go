package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is an in-process fixed-window counter for development and
// tests, where a Redis instance is not available.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string]*windowEntry
	now     func() time.Time
}

type windowEntry struct {
	count       int
	windowStart time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[key]
	if !ok || now.Sub(entry.windowStart) >= l.window {
		l.entries[key] = &windowEntry{count: 1, windowStart: now}
		return true, nil
	}

	entry.count++
	return entry.count <= l.limit, nil
}
