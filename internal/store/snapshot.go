package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/splax/launchpad/internal/domain"
)

const (
	renameAttempts = 3
	renameBackoff  = 50 * time.Millisecond
)

// Snapshot is the full persisted document: every deployment record keyed by ID.
type Snapshot struct {
	SavedAt     time.Time                            `json:"saved_at"`
	Deployments map[string]*domain.DeploymentRecord `json:"deployments"`
}

func emptySnapshot() Snapshot {
	return Snapshot{Deployments: make(map[string]*domain.DeploymentRecord)}
}

// FileStore persists a Snapshot to a single JSON file. Save is atomic: the
// document is written to a temp file in the same directory, synced, then
// renamed over the real file, so a crash leaves either the previous committed
// snapshot or the fully written new one.
//
// High-frequency mutations go through MarkDirty, which debounces the actual
// write; Flush forces an immediate write and is always used for terminal
// state transitions.
type FileStore struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	snapshot Snapshot
	dirty    bool
	timer    *time.Timer
	closed   bool
}

// NewFileStore opens (or initializes) the snapshot at path.
func NewFileStore(path string, debounce time.Duration, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("store: snapshot path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create state dir: %w", err)
	}
	s := &FileStore{path: path, debounce: debounce, logger: logger}
	s.snapshot = s.load()
	return s, nil
}

// Load returns a deep copy of the current snapshot. It never fails: missing
// or corrupt input degrades to the empty snapshot.
func (s *FileStore) Load() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{SavedAt: s.snapshot.SavedAt, Deployments: make(map[string]*domain.DeploymentRecord, len(s.snapshot.Deployments))}
	for id, record := range s.snapshot.Deployments {
		out.Deployments[id] = record.Clone()
	}
	return out
}

func (s *FileStore) load() Snapshot {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) && s.logger != nil {
			s.logger.Warn("snapshot read failed, starting empty", "path", s.path, "error", err)
		}
		return emptySnapshot()
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		if s.logger != nil {
			s.logger.Warn("snapshot corrupt, starting empty", "path", s.path, "error", err)
		}
		return emptySnapshot()
	}
	if snap.Deployments == nil {
		snap.Deployments = make(map[string]*domain.DeploymentRecord)
	}
	return snap
}

// Mutate runs fn against the live snapshot under the store lock and marks the
// store dirty. The deferred flush fires after the debounce interval.
func (s *FileStore) Mutate(fn func(snap *Snapshot)) {
	s.mu.Lock()
	fn(&s.snapshot)
	s.markDirtyLocked()
	s.mu.Unlock()
}

// View runs fn against the live snapshot under the store lock without
// marking it dirty.
func (s *FileStore) View(fn func(snap *Snapshot)) {
	s.mu.Lock()
	fn(&s.snapshot)
	s.mu.Unlock()
}

func (s *FileStore) markDirtyLocked() {
	s.dirty = true
	if s.closed {
		return
	}
	if s.debounce <= 0 {
		go func() {
			if err := s.Flush(); err != nil && s.logger != nil {
				s.logger.Error("snapshot flush failed", "path", s.path, "error", err)
			}
		}()
		return
	}
	s.armFlushLocked()
}

func (s *FileStore) armFlushLocked() {
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(); err != nil && s.logger != nil {
			s.logger.Error("snapshot flush failed", "path", s.path, "error", err)
		}
	})
}

// Flush forces an immediate atomic write of the current snapshot.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.snapshot.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s.snapshot, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("store: marshal snapshot: %w", err)
	}
	s.dirty = false
	s.mu.Unlock()

	if err := s.writeAtomic(data); err != nil {
		s.mu.Lock()
		s.dirty = true
		// Re-arm so the debounced path retries without waiting for the
		// next mutation.
		if s.debounce > 0 && !s.closed {
			s.armFlushLocked()
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *FileStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("store: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("store: close temp file: %w", err)
	}

	var renameErr error
	for attempt := 0; attempt < renameAttempts; attempt++ {
		renameErr = os.Rename(tmpName, s.path)
		if renameErr == nil {
			return nil
		}
		time.Sleep(renameBackoff * time.Duration(attempt+1))
	}
	cleanup()
	return fmt.Errorf("store: rename snapshot after %d attempts: %w", renameAttempts, renameErr)
}

// Close flushes pending state and stops the debounce timer.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Flush()
}
