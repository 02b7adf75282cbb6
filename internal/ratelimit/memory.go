package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultEvictInterval = 5 * time.Minute

type bucket struct {
	mu    sync.Mutex
	times []time.Time
	// dead is set under mu when the evictor has unlinked the bucket.
	dead bool
}

// prune drops timestamps at or before cutoff. Caller holds b.mu.
func (b *bucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.times) && !b.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.times = append(b.times[:0], b.times[i:]...)
	}
}

// Memory is the single-instance Limiter. Each key has its own lock, so a
// check costs O(timestamps of that key) and never touches other keys.
type Memory struct {
	window        time.Duration
	evictInterval time.Duration
	now           func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	lifecycle sync.Mutex
	stopCh    chan struct{}
	stopped   chan struct{}
	running   bool
}

// NewMemory creates an in-process limiter. evictInterval <= 0 uses the
// default of five minutes.
func NewMemory(evictInterval time.Duration) *Memory {
	if evictInterval <= 0 {
		evictInterval = defaultEvictInterval
	}
	return &Memory{
		window:        Window,
		evictInterval: evictInterval,
		now:           time.Now,
		buckets:       make(map[string]*bucket),
	}
}

// Check implements Limiter.
func (m *Memory) Check(_ context.Context, key string, limit int) (Result, error) {
	if limit <= 0 {
		return unlimited(), nil
	}

	for {
		b := m.bucketFor(key)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		res := m.admit(b, limit)
		b.mu.Unlock()
		return res, nil
	}
}

func (m *Memory) admit(b *bucket, limit int) Result {
	now := m.now()
	b.prune(now.Add(-m.window))

	if len(b.times) >= limit {
		return Result{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			ResetMs:   m.resetMs(b, now),
		}
	}

	b.times = append(b.times, now)
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(b.times),
		ResetMs:   m.resetMs(b, now),
	}
}

func (m *Memory) resetMs(b *bucket, now time.Time) int64 {
	if len(b.times) == 0 {
		return m.window.Milliseconds()
	}
	reset := b.times[0].Add(m.window).Sub(now).Milliseconds()
	if reset < 0 {
		return 0
	}
	return reset
}

func (m *Memory) bucketFor(key string) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{}
		m.buckets[key] = b
	}
	return b
}

// Len returns the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Evict removes keys with no timestamps left in the window and returns how
// many were removed.
func (m *Memory) Evict() int {
	cutoff := m.now().Add(-m.window)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, b := range m.buckets {
		if !b.mu.TryLock() {
			continue
		}
		b.prune(cutoff)
		if len(b.times) == 0 {
			b.dead = true
			delete(m.buckets, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

// Start launches the periodic eviction loop.
func (m *Memory) Start() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.running {
		return
	}
	m.stopCh = make(chan struct{})
	m.stopped = make(chan struct{})
	m.running = true
	go m.loop(m.stopCh, m.stopped)
	slog.Debug("rate limiter eviction started", "interval", m.evictInterval.String())
}

// Stop halts the eviction loop and waits for it to exit.
func (m *Memory) Stop() {
	m.lifecycle.Lock()
	if !m.running {
		m.lifecycle.Unlock()
		return
	}
	stopCh := m.stopCh
	stopped := m.stopped
	m.running = false
	m.stopCh = nil
	m.stopped = nil
	m.lifecycle.Unlock()

	close(stopCh)
	<-stopped
}

func (m *Memory) loop(stopCh <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(m.evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if n := m.Evict(); n > 0 {
				slog.Debug("rate limiter evicted idle keys", "count", n)
			}
		}
	}
}
