// Package snapshot persists the session's node database and recent message
// history between runs.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/aminovpavel/meshlink/internal/mesh"
)

// MaxMessages bounds the message history kept in a snapshot.
const MaxMessages = 50

// ErrCorrupt wraps decode failures of an existing snapshot.
var ErrCorrupt = errors.New("snapshot: corrupt")

// Snapshot is the persisted state.
type Snapshot struct {
	MyInfo     *mesh.LocalNodeInfo `json:"my_info,omitempty"`
	Nodes      []mesh.NodeInfo     `json:"nodes"`
	Messages   []mesh.DataPacket   `json:"messages"`
	RegionCode mesh.RegionCode     `json:"region_code"`
}

// Empty reports whether s carries no state.
func (s Snapshot) Empty() bool {
	return s.MyInfo == nil && len(s.Nodes) == 0 && len(s.Messages) == 0
}

// Store loads and saves snapshots.
type Store interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// FileStore keeps the snapshot in a single JSON file. Saves write a
// temporary file next to the target and rename it into place, so a crash
// mid-write leaves the previous snapshot intact.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the snapshot location.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the snapshot. A missing file yields an empty snapshot and no
// error; an unreadable one yields an empty snapshot and an ErrCorrupt error.
func (f *FileStore) Load() (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: read %s: %w", f.path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
	}
	if len(snap.Messages) > MaxMessages {
		snap.Messages = snap.Messages[len(snap.Messages)-MaxMessages:]
	}
	return snap, nil
}

// Save atomically replaces the snapshot file.
func (f *FileStore) Save(snap Snapshot) error {
	if len(snap.Messages) > MaxMessages {
		snap.Messages = snap.Messages[len(snap.Messages)-MaxMessages:]
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("snapshot: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("snapshot: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: close temp: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: replace: %w", err)
	}
	return nil
}

// MemStore keeps the last saved snapshot in memory.
type MemStore struct {
	mu    sync.Mutex
	snap  Snapshot
	saves int
	err   error
}

// NewMemStore returns a store preloaded with snap.
func NewMemStore(snap Snapshot) *MemStore {
	return &MemStore{snap: snap}
}

func (m *MemStore) Load() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *MemStore) Save(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.snap = snap
	m.saves++
	return nil
}

// Saves returns how many saves succeeded.
func (m *MemStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FailSaves makes Save return err until called with nil.
func (m *MemStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
