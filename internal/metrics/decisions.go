package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MEKXH/agentgate/internal/bus"
)

// Decision latencies range from policy auto-decisions (milliseconds) to
// humans answering hours later.
var latencyBucketUpperBoundsMs = []int64{
	100, 1000, 5000, 30000, 60000, 300000, 900000, 3600000, 14400000, 86400000,
}

// Snapshot contains aggregated decision metrics.
type Snapshot struct {
	UpdatedAt   time.Time        `json:"updated_at"`
	Requests    RequestStats     `json:"requests"`
	Latency     LatencyStats     `json:"decision_latency"`
	Policy      PolicyStats      `json:"policy"`
	RateLimited int64            `json:"rate_limited"`
	Events      map[string]int64 `json:"events,omitempty"`
}

// RequestStats counts lifecycle outcomes.
type RequestStats struct {
	Created     int64 `json:"created"`
	Approved    int64 `json:"approved"`
	Denied      int64 `json:"denied"`
	Expired     int64 `json:"expired"`
	AutoDecided int64 `json:"auto_decided"`
}

// Pending is the number of requests created but not yet terminal.
func (r RequestStats) Pending() int64 {
	n := r.Created - r.Approved - r.Denied - r.Expired
	if n < 0 {
		return 0
	}
	return n
}

// ApprovalRatio returns approved/(approved+denied) in [0,1].
func (r RequestStats) ApprovalRatio() float64 {
	decided := r.Approved + r.Denied
	if decided <= 0 {
		return 0
	}
	return float64(r.Approved) / float64(decided)
}

// LatencyStats tracks time from creation to decision.
type LatencyStats struct {
	Total      int64 `json:"total"`
	TotalMs    int64 `json:"total_ms"`
	MaxMs      int64 `json:"max_ms"`
	LastMs     int64 `json:"last_ms"`
	P95ProxyMs int64 `json:"p95_proxy_ms"`
}

// AvgMs returns the mean decision latency in milliseconds.
func (l LatencyStats) AvgMs() float64 {
	if l.Total <= 0 {
		return 0
	}
	return float64(l.TotalMs) / float64(l.Total)
}

// PolicyStats counts policy matches by decision.
type PolicyStats struct {
	Matches    int64            `json:"matches"`
	ByDecision map[string]int64 `json:"by_decision,omitempty"`
}

// HasData reports whether any events were recorded.
func (s Snapshot) HasData() bool {
	return s.Requests.Created > 0 || s.Policy.Matches > 0 || s.RateLimited > 0
}

// Recorder aggregates lifecycle events. It is a bus listener; with a path it
// also persists each snapshot so the CLI can read it without a server.
type Recorder struct {
	path string

	mu      sync.Mutex
	snap    Snapshot
	buckets []int64
	now     func() time.Time
}

// NewRecorder creates a recorder. An empty path disables persistence.
func NewRecorder(path string) *Recorder {
	return &Recorder{
		path:    strings.TrimSpace(path),
		buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1),
		now:     time.Now,
	}
}

// Name implements bus.Listener.
func (m *Recorder) Name() string { return "decision-metrics" }

// Handle implements bus.Listener.
func (m *Recorder) Handle(_ context.Context, event bus.Event) error {
	_, err := m.Record(event)
	return err
}

// Snapshot returns a copy of the in-memory snapshot.
func (m *Recorder) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

// Record folds one event into the snapshot and persists it.
func (m *Recorder) Record(event bus.Event) (Snapshot, error) {
	if m == nil {
		return Snapshot{}, nil
	}

	m.mu.Lock()
	m.snap.UpdatedAt = m.now().UTC()
	if m.snap.Events == nil {
		m.snap.Events = make(map[string]int64)
	}
	m.snap.Events[event.Type]++

	switch event.Type {
	case bus.RequestCreated:
		m.snap.Requests.Created++
	case bus.RequestDecided:
		switch stringField(event.Data, "decision") {
		case "approved":
			m.snap.Requests.Approved++
		case "denied":
			m.snap.Requests.Denied++
		}
		if auto, _ := event.Data["auto"].(bool); auto {
			m.snap.Requests.AutoDecided++
		}
		if ms, ok := int64Field(event.Data, "elapsed_ms"); ok {
			m.observeLatencyLocked(ms)
		}
	case bus.RequestExpired:
		m.snap.Requests.Expired++
	case bus.PolicyMatched:
		m.snap.Policy.Matches++
		if m.snap.Policy.ByDecision == nil {
			m.snap.Policy.ByDecision = make(map[string]int64)
		}
		m.snap.Policy.ByDecision[stringField(event.Data, "decision")]++
	case bus.RateLimitExceeded:
		m.snap.RateLimited++
	}

	snapshot := m.copyLocked()
	m.mu.Unlock()

	return snapshot, persistSnapshot(m.path, snapshot)
}

func (m *Recorder) observeLatencyLocked(latencyMs int64) {
	if latencyMs < 0 {
		latencyMs = 0
	}
	l := &m.snap.Latency
	l.Total++
	l.TotalMs += latencyMs
	l.LastMs = latencyMs
	if latencyMs > l.MaxMs {
		l.MaxMs = latencyMs
	}
	m.buckets[latencyBucketIndex(latencyMs)]++
	l.P95ProxyMs = p95ProxyFromBuckets(m.buckets, l.Total)
}

func (m *Recorder) copyLocked() Snapshot {
	out := m.snap
	out.Events = copyCounts(m.snap.Events)
	out.Policy.ByDecision = copyCounts(m.snap.Policy.ByDecision)
	return out
}

// ReadSnapshot reads a persisted snapshot. A missing file yields a zero
// snapshot and nil error.
func ReadSnapshot(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("read decision metrics: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode decision metrics: %w", err)
	}
	return snap, nil
}

func persistSnapshot(path string, snapshot Snapshot) error {
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create decision metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode decision metrics: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write decision metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename decision metrics file: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// int64Field accepts the numeric shapes an event payload may carry after
// passing through JSON.
func int64Field(data map[string]any, key string) (int64, bool) {
	switch v := data[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func copyCounts(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
