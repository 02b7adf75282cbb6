package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Store lists stored policy records.
type Store interface {
	ListPolicies(ctx context.Context) ([]Record, error)
}

// Cache holds the parsed, priority-ascending policy set. The returned slice
// is shared between callers and must not be modified.
type Cache struct {
	store Store
	group singleflight.Group

	mu         sync.RWMutex
	policies   []Policy
	loaded     bool
	generation uint64

	loads atomic.Int64
}

// NewCache creates an empty cache over store.
func NewCache(store Store) *Cache {
	return &Cache{store: store}
}

// Get returns the cached set, loading it on a miss. Concurrent misses share
// a single load and receive the same slice.
func (c *Cache) Get(ctx context.Context) ([]Policy, error) {
	c.mu.RLock()
	if c.loaded {
		policies := c.policies
		c.mu.RUnlock()
		return policies, nil
	}
	gen := c.generation
	c.mu.RUnlock()

	// The shared load must survive the first caller giving up.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return c.load(loadCtx, gen)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Policy), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached set. A load that started before the call is
// not installed.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.generation++
	c.policies = nil
	c.loaded = false
	c.mu.Unlock()
}

// Loads returns how many storage loads the cache has performed.
func (c *Cache) Loads() int64 {
	return c.loads.Load()
}

func (c *Cache) load(ctx context.Context, gen uint64) ([]Policy, error) {
	c.loads.Add(1)
	records, err := c.store.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}

	policies := make([]Policy, 0, len(records))
	for _, rec := range records {
		p, err := Parse(rec)
		if err != nil {
			slog.Warn("skipping malformed policy", "policy_id", rec.ID, "name", rec.Name, "error", err)
			continue
		}
		policies = append(policies, p)
	}
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority < policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})

	c.mu.Lock()
	if c.generation == gen {
		c.policies = policies
		c.loaded = true
	}
	c.mu.Unlock()
	return policies, nil
}
