package apikey

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultFlushInterval = 60 * time.Second
	finalFlushTimeout    = 5 * time.Second
)

// UsageWriter persists last-used timestamps. Implementations must only
// move a timestamp forward.
type UsageWriter interface {
	TouchKeys(ctx context.Context, lastUsed map[string]time.Time) error
}

// UsageTracker buffers last-used timestamps off the validation path and
// writes them in batches.
type UsageTracker struct {
	writer   UsageWriter
	interval time.Duration

	mu      sync.Mutex
	pending map[string]time.Time

	lifecycle sync.Mutex
	stopCh    chan struct{}
	stopped   chan struct{}
	running   bool
}

// NewUsageTracker creates a tracker flushing every interval (default 60s).
func NewUsageTracker(writer UsageWriter, interval time.Duration) *UsageTracker {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &UsageTracker{
		writer:   writer,
		interval: interval,
		pending:  make(map[string]time.Time),
	}
}

// Record notes a use of key id at the given time. It never blocks on I/O.
func (u *UsageTracker) Record(id string, at time.Time) {
	u.mu.Lock()
	if prev, ok := u.pending[id]; !ok || at.After(prev) {
		u.pending[id] = at
	}
	u.mu.Unlock()
}

// Pending returns the number of buffered key ids.
func (u *UsageTracker) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

// Flush writes the buffered timestamps. The buffer is swapped out under the
// lock before writing, so records arriving during the write land in the
// next batch. A failed batch is merged back without overwriting newer
// timestamps.
func (u *UsageTracker) Flush(ctx context.Context) error {
	u.mu.Lock()
	batch := u.pending
	if len(batch) == 0 {
		u.mu.Unlock()
		return nil
	}
	u.pending = make(map[string]time.Time, len(batch))
	u.mu.Unlock()

	if err := u.writer.TouchKeys(ctx, batch); err != nil {
		u.mu.Lock()
		for id, at := range batch {
			if cur, ok := u.pending[id]; !ok || at.After(cur) {
				u.pending[id] = at
			}
		}
		u.mu.Unlock()
		return err
	}
	return nil
}

// Start launches the periodic flush loop.
func (u *UsageTracker) Start() {
	u.lifecycle.Lock()
	defer u.lifecycle.Unlock()
	if u.running {
		return
	}
	u.stopCh = make(chan struct{})
	u.stopped = make(chan struct{})
	u.running = true
	go u.loop(u.stopCh, u.stopped)
}

// Stop halts the loop and attempts one final flush.
func (u *UsageTracker) Stop() {
	u.lifecycle.Lock()
	if !u.running {
		u.lifecycle.Unlock()
		return
	}
	stopCh := u.stopCh
	stopped := u.stopped
	u.running = false
	u.stopCh = nil
	u.stopped = nil
	u.lifecycle.Unlock()

	close(stopCh)
	<-stopped

	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()
	if err := u.Flush(ctx); err != nil {
		slog.Warn("final key usage flush failed", "pending", u.Pending(), "error", err)
	}
}

func (u *UsageTracker) loop(stopCh <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := u.Flush(context.Background()); err != nil {
				slog.Warn("key usage flush failed", "pending", u.Pending(), "error", err)
			}
		}
	}
}
