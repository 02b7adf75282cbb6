package approval

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSweeper_StartStop(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil)
	s := NewSweeper(svc, 10*time.Millisecond)

	s.Start()
	s.Start()
	if !s.IsRunning() {
		t.Fatal("expected sweeper to be running")
	}
	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Fatal("expected sweeper to be stopped")
	}
}

func TestSweeper_ExpiresInBackground(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, nil)

	var clock atomic.Int64
	start := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	clock.Store(start.UnixNano())
	svc.now = func() time.Time { return time.Unix(0, clock.Load()).UTC() }

	req, err := svc.Create(context.Background(), CreateInput{Action: "exec", TTL: time.Second}, readOnly)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	clock.Store(start.Add(time.Minute).UnixNano())

	s := NewSweeper(svc, 5*time.Millisecond)
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stored, _ := repo.RequestByID(context.Background(), req.ID)
		if stored.Status == StatusExpired {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper did not expire the overdue request")
}

func TestNewSweeper_DefaultInterval(t *testing.T) {
	s := NewSweeper(nil, 0)
	if s.interval != defaultSweepInterval {
		t.Fatalf("expected default interval %s, got %s", defaultSweepInterval, s.interval)
	}
}
