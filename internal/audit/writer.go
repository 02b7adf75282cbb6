package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/MEKXH/agentgate/internal/bus"
)

const (
	journalFileMode = 0644
	journalDirMode  = 0755
)

// Journal appends every bus event it receives to a JSONL file. It is a
// bus.Listener; write failures are reported to the bus and never reach
// the emitter.
type Journal struct {
	path string
	mu   sync.Mutex
}

// NewJournal creates a journal writing to path.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

func (j *Journal) Name() string { return "audit-journal" }

// Handle implements bus.Listener.
func (j *Journal) Handle(_ context.Context, event bus.Event) error {
	return j.Append(event)
}

// Append writes one event as one JSONL line.
func (j *Journal) Append(event bus.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), journalDirMode); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, journalFileMode)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal journal event: %w", err)
	}
	encoded = append(encoded, '\n')

	if _, err := file.Write(encoded); err != nil {
		return fmt.Errorf("append journal event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync journal file: %w", err)
	}
	return nil
}
