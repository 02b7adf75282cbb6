package policy

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/agentgate/internal/apperr"
)

// memStore is a Repository used by the package tests. gate, when set,
// blocks ListPolicies until closed.
type memStore struct {
	mu      sync.Mutex
	records []Record
	lists   int
	gate    chan struct{}
}

func (m *memStore) ListPolicies(context.Context) ([]Record, error) {
	m.mu.Lock()
	m.lists++
	gate := m.gate
	out := make([]Record, len(m.records))
	copy(out, m.records)
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (m *memStore) PolicyByID(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, apperr.NotFound("memstore", "policy %s not found", id)
}

func (m *memStore) InsertPolicy(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) UpdatePolicy(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.ID == rec.ID {
			m.records[i] = rec
			return nil
		}
	}
	return apperr.NotFound("memstore", "policy %s not found", rec.ID)
}

func (m *memStore) DeletePolicy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.records {
		if r.ID == id {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return nil
		}
	}
	return apperr.NotFound("memstore", "policy %s not found", id)
}

func validRecord(id string, priority int) Record {
	return Record{
		ID:       id,
		Name:     id,
		Priority: priority,
		Enabled:  true,
		Rules:    json.RawMessage(`[{"match":{"action":"send_email"},"decision":"auto_deny"}]`),
	}
}

func TestCache_ConcurrentMissesCoalesce(t *testing.T) {
	store := &memStore{
		records: []Record{validRecord("a", 1), validRecord("b", 2)},
		gate:    make(chan struct{}),
	}
	cache := NewCache(store)

	const callers = 32
	results := make([][]Policy, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := cache.Get(context.Background())
			if err != nil {
				t.Errorf("Get error: %v", err)
				return
			}
			results[i] = got
		}(i)
	}

	// Let every caller reach the in-flight load before it resolves.
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	if cache.Loads() != 1 {
		t.Fatalf("expected exactly 1 load, got %d", cache.Loads())
	}
	first := results[0]
	if len(first) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(first))
	}
	for i, got := range results {
		if len(got) != len(first) || &got[0] != &first[0] {
			t.Fatalf("caller %d received a different slice", i)
		}
	}
}

func TestCache_HitDoesNotTouchStore(t *testing.T) {
	store := &memStore{records: []Record{validRecord("a", 1)}}
	cache := NewCache(store)

	for i := 0; i < 5; i++ {
		if _, err := cache.Get(context.Background()); err != nil {
			t.Fatalf("Get error: %v", err)
		}
	}
	if store.lists != 1 {
		t.Fatalf("expected 1 store read, got %d", store.lists)
	}
}

func TestCache_SkipsMalformedPolicy(t *testing.T) {
	bad := validRecord("bad", 0)
	bad.Rules = json.RawMessage(`{not json`)
	store := &memStore{records: []Record{validRecord("a", 1), bad, validRecord("c", 3)}}
	cache := NewCache(store)

	got, err := cache.Get(context.Background())
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 valid policies, got %d", len(got))
	}
	for _, p := range got {
		if p.ID == "bad" {
			t.Fatal("malformed policy must be skipped")
		}
	}
}

func TestCache_SortsByPriorityThenID(t *testing.T) {
	store := &memStore{records: []Record{validRecord("z", 5), validRecord("b", 5), validRecord("a", 50), validRecord("m", 1)}}
	cache := NewCache(store)

	got, _ := cache.Get(context.Background())
	ids := make([]string, 0, len(got))
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	want := []string{"m", "b", "z", "a"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, ids)
		}
	}
}

func TestCache_InvalidateForcesReload(t *testing.T) {
	store := &memStore{records: []Record{validRecord("a", 1)}}
	cache := NewCache(store)
	cache.Get(context.Background())

	store.InsertPolicy(context.Background(), validRecord("b", 2))
	cache.Invalidate()
	cache.Invalidate()

	got, _ := cache.Get(context.Background())
	if len(got) != 2 {
		t.Fatalf("expected reload to see 2 policies, got %d", len(got))
	}
	if cache.Loads() != 2 {
		t.Fatalf("expected 2 loads, got %d", cache.Loads())
	}
}

func TestCache_InFlightLoadNotInstalledAfterInvalidate(t *testing.T) {
	store := &memStore{records: []Record{validRecord("a", 1)}, gate: make(chan struct{})}
	cache := NewCache(store)

	done := make(chan struct{})
	go func() {
		cache.Get(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cache.Invalidate()
	close(store.gate)
	<-done

	store.mu.Lock()
	store.gate = nil
	store.mu.Unlock()

	cache.Get(context.Background())
	if cache.Loads() != 2 {
		t.Fatalf("stale load must not satisfy later reads, loads=%d", cache.Loads())
	}
}

func TestCache_CallerCancellationDoesNotAbortSharedLoad(t *testing.T) {
	store := &memStore{records: []Record{validRecord("a", 1)}, gate: make(chan struct{})}
	cache := NewCache(store)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; err == nil {
		t.Fatal("expected canceled caller to return an error")
	}

	close(store.gate)
	got, err := cache.Get(context.Background())
	if err != nil || len(got) != 1 {
		t.Fatalf("expected shared load to complete, got %v err=%v", got, err)
	}
	if cache.Loads() != 1 {
		t.Fatalf("expected the original load to be reused, loads=%d", cache.Loads())
	}
}
