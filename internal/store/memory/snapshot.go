package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/MEKXH/agentgate/internal/apikey"
	"github.com/MEKXH/agentgate/internal/approval"
	"github.com/MEKXH/agentgate/internal/audit"
	"github.com/MEKXH/agentgate/internal/policy"
)

const (
	snapshotVersion  = 1
	snapshotFileMode = 0600
	snapshotDirMode  = 0755
)

// storedKey keeps the hash, which apikey.Key hides from JSON.
type storedKey struct {
	apikey.Key
	KeyHash string `json:"key_hash"`
}

type snapshotData struct {
	Version  int                `json:"version"`
	Requests []approval.Request `json:"requests"`
	Audit    []audit.Entry      `json:"audit"`
	Policies []policy.Record    `json:"policies"`
	Keys     []storedKey        `json:"keys"`
}

type snapshotFile struct {
	path string
}

func (f *snapshotFile) load() (snapshotData, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return snapshotData{Version: snapshotVersion}, nil
		}
		return snapshotData{}, fmt.Errorf("read snapshot: %w", err)
	}

	var parsed snapshotData
	if err := json.Unmarshal(data, &parsed); err != nil {
		return snapshotData{}, fmt.Errorf("parse snapshot: %w", err)
	}
	if parsed.Version <= 0 {
		parsed.Version = snapshotVersion
	}
	return parsed, nil
}

// save writes through a temp file and rename so a crash never leaves a
// truncated snapshot.
func (f *snapshotFile) save(data snapshotData) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, snapshotDirMode); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "agentgate-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmpFile.Chmod(snapshotFileMode); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp snapshot: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		if removeErr := os.Remove(f.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("replace snapshot: rename failed (%v), remove failed (%v)", err, removeErr)
		}
		if retryErr := os.Rename(tmpPath, f.path); retryErr != nil {
			return fmt.Errorf("replace snapshot after remove: %w", retryErr)
		}
	}
	return nil
}

func (s *Store) dumpLocked() snapshotData {
	data := snapshotData{
		Version:  snapshotVersion,
		Requests: make([]approval.Request, 0, len(s.requests)),
		Audit:    []audit.Entry{},
		Policies: make([]policy.Record, 0, len(s.policies)),
		Keys:     make([]storedKey, 0, len(s.keys)),
	}
	for _, r := range s.requests {
		data.Requests = append(data.Requests, r)
	}
	for _, entries := range s.audit {
		data.Audit = append(data.Audit, entries...)
	}
	for _, p := range s.policies {
		data.Policies = append(data.Policies, p)
	}
	for _, k := range s.keys {
		data.Keys = append(data.Keys, storedKey{Key: k, KeyHash: k.Hash})
	}
	return data
}

func (s *Store) restore(data snapshotData) {
	for _, r := range data.Requests {
		s.requests[r.ID] = r
	}
	for _, e := range data.Audit {
		s.audit[e.RequestID] = append(s.audit[e.RequestID], e)
	}
	for id, entries := range s.audit {
		sortEntries(entries)
		s.audit[id] = entries
	}
	for _, p := range data.Policies {
		s.policies[p.ID] = p
	}
	for _, sk := range data.Keys {
		k := sk.Key
		k.Hash = sk.KeyHash
		s.keys[k.ID] = k
		s.keyHash[k.Hash] = k.ID
	}
}

func sortEntries(entries []audit.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}
