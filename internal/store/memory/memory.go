// Package memory is the in-process repository. With a snapshot path it
// persists every write to a JSON file, which makes it suitable for a
// single-node deployment.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MEKXH/agentgate/internal/apikey"
	"github.com/MEKXH/agentgate/internal/apperr"
	"github.com/MEKXH/agentgate/internal/approval"
	"github.com/MEKXH/agentgate/internal/audit"
	"github.com/MEKXH/agentgate/internal/policy"
)

// Store implements approval.Repository, apikey.Repository and
// policy.Repository. Reads return copies.
type Store struct {
	mu       sync.RWMutex
	requests map[string]approval.Request
	audit    map[string][]audit.Entry
	policies map[string]policy.Record
	keys     map[string]apikey.Key
	keyHash  map[string]string

	snapshot *snapshotFile
}

// New creates an empty, non-persistent store.
func New() *Store {
	return &Store{
		requests: make(map[string]approval.Request),
		audit:    make(map[string][]audit.Entry),
		policies: make(map[string]policy.Record),
		keys:     make(map[string]apikey.Key),
		keyHash:  make(map[string]string),
	}
}

// Open creates a store persisted at path, loading any existing snapshot.
func Open(path string) (*Store, error) {
	s := New()
	s.snapshot = &snapshotFile{path: path}
	data, err := s.snapshot.load()
	if err != nil {
		return nil, err
	}
	s.restore(data)
	return s, nil
}

// commitLocked persists the current state when a snapshot is configured.
// On failure undo restores the previous in-memory state.
func (s *Store) commitLocked(op string, undo func()) error {
	if s.snapshot == nil {
		return nil
	}
	if err := s.snapshot.save(s.dumpLocked()); err != nil {
		undo()
		return apperr.Storage(op, err)
	}
	return nil
}

// Requests

func (s *Store) InsertRequest(_ context.Context, req approval.Request, entry audit.Entry) error {
	const op = "memory.insert_request"
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return apperr.Conflict(op, "request %s already exists", req.ID)
	}
	s.requests[req.ID] = cloneRequest(req)
	prevAudit := s.audit[req.ID]
	s.audit[req.ID] = append(prevAudit, entry)

	return s.commitLocked(op, func() {
		delete(s.requests, req.ID)
		if prevAudit == nil {
			delete(s.audit, req.ID)
		} else {
			s.audit[req.ID] = prevAudit
		}
	})
}

func (s *Store) RequestByID(_ context.Context, id string) (approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return approval.Request{}, apperr.NotFound("memory.request", "request %s not found", id)
	}
	return cloneRequest(req), nil
}

func (s *Store) TransitionRequest(_ context.Context, t approval.Transition) (approval.Request, error) {
	const op = "memory.transition_request"
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.requests[t.ID]
	if !ok {
		return approval.Request{}, apperr.NotFound(op, "request %s not found", t.ID)
	}
	if prev.Status != approval.StatusPending {
		return approval.Request{}, apperr.Conflict(op, "request %s is already %s", t.ID, prev.Status)
	}

	next := cloneRequest(prev)
	next.Status = t.To
	next.UpdatedAt = t.At
	if t.To == approval.StatusApproved || t.To == approval.StatusDenied {
		at := t.At
		next.DecidedAt = &at
		next.DecidedBy = t.DecidedBy
		next.DecisionReason = t.Reason
	}
	s.requests[t.ID] = next
	prevAudit := s.audit[t.ID]
	s.audit[t.ID] = append(append([]audit.Entry(nil), prevAudit...), t.Audit)

	if err := s.commitLocked(op, func() {
		s.requests[t.ID] = prev
		s.audit[t.ID] = prevAudit
	}); err != nil {
		return approval.Request{}, err
	}
	return cloneRequest(next), nil
}

func (s *Store) ListRequests(_ context.Context, q approval.Query) ([]approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]approval.Request, 0, len(s.requests))
	for _, req := range s.requests {
		if q.Status != "" && req.Status != q.Status {
			continue
		}
		if q.Action != "" && req.Action != q.Action {
			continue
		}
		if q.ExpiresBefore != nil {
			if req.Status != approval.StatusPending || req.ExpiresAt == nil || req.ExpiresAt.After(*q.ExpiresBefore) {
				continue
			}
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []approval.Request{}, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) AuditEntries(_ context.Context, requestID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audit[requestID]
	out := make([]audit.Entry, len(entries))
	copy(out, entries)
	return out, nil
}

// Policies

func (s *Store) ListPolicies(context.Context) ([]policy.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]policy.Record, 0, len(s.policies))
	for _, rec := range s.policies {
		out = append(out, clonePolicy(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) PolicyByID(_ context.Context, id string) (policy.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.policies[id]
	if !ok {
		return policy.Record{}, apperr.NotFound("memory.policy", "policy %s not found", id)
	}
	return clonePolicy(rec), nil
}

func (s *Store) InsertPolicy(_ context.Context, rec policy.Record) error {
	const op = "memory.insert_policy"
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.policies[rec.ID]; exists {
		return apperr.Conflict(op, "policy %s already exists", rec.ID)
	}
	s.policies[rec.ID] = clonePolicy(rec)
	return s.commitLocked(op, func() { delete(s.policies, rec.ID) })
}

func (s *Store) UpdatePolicy(_ context.Context, rec policy.Record) error {
	const op = "memory.update_policy"
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.policies[rec.ID]
	if !ok {
		return apperr.NotFound(op, "policy %s not found", rec.ID)
	}
	s.policies[rec.ID] = clonePolicy(rec)
	return s.commitLocked(op, func() { s.policies[rec.ID] = prev })
}

func (s *Store) DeletePolicy(_ context.Context, id string) error {
	const op = "memory.delete_policy"
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.policies[id]
	if !ok {
		return apperr.NotFound(op, "policy %s not found", id)
	}
	delete(s.policies, id)
	return s.commitLocked(op, func() { s.policies[id] = prev })
}

// Keys

func (s *Store) InsertKey(_ context.Context, key apikey.Key) error {
	const op = "memory.insert_key"
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.ID]; exists {
		return apperr.Conflict(op, "key %s already exists", key.ID)
	}
	if _, exists := s.keyHash[key.Hash]; exists {
		return apperr.Conflict(op, "key hash collision")
	}
	s.keys[key.ID] = cloneKey(key)
	s.keyHash[key.Hash] = key.ID
	return s.commitLocked(op, func() {
		delete(s.keys, key.ID)
		delete(s.keyHash, key.Hash)
	})
}

func (s *Store) KeyByHash(_ context.Context, hash string) (apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keyHash[hash]
	if !ok {
		return apikey.Key{}, apperr.NotFound("memory.key", "key not found")
	}
	return cloneKey(s.keys[id]), nil
}

func (s *Store) RevokeKey(_ context.Context, id string, at time.Time) (apikey.Key, bool, error) {
	const op = "memory.revoke_key"
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.keys[id]
	if !ok {
		return apikey.Key{}, false, apperr.NotFound(op, "key %s not found", id)
	}
	if prev.RevokedAt != nil {
		return cloneKey(prev), false, nil
	}
	next := cloneKey(prev)
	next.RevokedAt = &at
	s.keys[id] = next
	if err := s.commitLocked(op, func() { s.keys[id] = prev }); err != nil {
		return apikey.Key{}, false, err
	}
	return cloneKey(next), true, nil
}

func (s *Store) ListKeys(context.Context) ([]apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]apikey.Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, cloneKey(k))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// TouchKeys advances last_used_at; older timestamps and unknown ids are
// ignored.
func (s *Store) TouchKeys(_ context.Context, lastUsed map[string]time.Time) error {
	const op = "memory.touch_keys"
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := make(map[string]apikey.Key, len(lastUsed))
	for id, at := range lastUsed {
		k, ok := s.keys[id]
		if !ok {
			continue
		}
		if k.LastUsedAt != nil && !at.After(*k.LastUsedAt) {
			continue
		}
		prev[id] = k
		next := cloneKey(k)
		t := at
		next.LastUsedAt = &t
		s.keys[id] = next
	}
	if len(prev) == 0 {
		return nil
	}
	return s.commitLocked(op, func() {
		for id, k := range prev {
			s.keys[id] = k
		}
	})
}

func cloneRequest(r approval.Request) approval.Request {
	r.Params = cloneMap(r.Params)
	r.Context = cloneMap(r.Context)
	r.DecidedAt = cloneTime(r.DecidedAt)
	r.ExpiresAt = cloneTime(r.ExpiresAt)
	return r
}

func clonePolicy(p policy.Record) policy.Record {
	p.Rules = append([]byte(nil), p.Rules...)
	return p
}

func cloneKey(k apikey.Key) apikey.Key {
	k.Scopes = append([]string(nil), k.Scopes...)
	k.LastUsedAt = cloneTime(k.LastUsedAt)
	k.RevokedAt = cloneTime(k.RevokedAt)
	return k
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
