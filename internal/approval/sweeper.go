package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultSweepInterval = 30 * time.Second

// Sweeper periodically expires overdue pending requests so that expiry
// events fire without anyone reading the request.
type Sweeper struct {
	svc      *Service
	interval time.Duration

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped chan struct{}
	running bool
}

// NewSweeper creates a sweeper. interval <= 0 uses 30s.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{svc: svc, interval: interval}
}

// IsRunning returns true when the sweep loop is active.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	s.running = true

	go s.loop(s.stopCh, s.stopped)
	slog.Info("expiry sweeper started", "interval", s.interval.String())
}

// Stop halts the sweep loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	stopped := s.stopped
	s.running = false
	s.stopCh = nil
	s.stopped = nil
	s.mu.Unlock()

	close(stopCh)
	<-stopped
	slog.Info("expiry sweeper stopped")
}

func (s *Sweeper) loop(stopCh <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.RunOnce(context.Background())
		}
	}
}

// RunOnce performs a single sweep and returns how many requests expired.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	expired, err := s.svc.ExpirePending(ctx)
	if err != nil {
		slog.Warn("expiry sweep failed", "expired", len(expired), "error", err)
	}
	if len(expired) > 0 {
		slog.Debug("expiry sweep finished", "expired", len(expired))
	}
	return len(expired)
}
