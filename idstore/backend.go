package idstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Backend persists named stores. Load returns no records and no error when
// nothing was saved yet. Save replaces the stored snapshot and accepts an empty
// slice.
type Backend interface {
	Load(name string) ([]Record, error)
	Save(name string, records []Record) error
}

// Open creates a store populated from b. On a load failure the returned store
// is empty and the error is returned for the caller to log.
func Open(b Backend, name string, opts ...Option) (*Store, error) {
	s := New(name, opts...)
	if b == nil {
		return s, nil
	}
	records, err := b.Load(name)
	if err != nil {
		return s, fmt.Errorf("load %s: %w", name, err)
	}
	s.Replace(records)
	return s, nil
}

// Save writes the current contents of s through b.
func Save(b Backend, s *Store) error {
	if b == nil {
		return nil
	}
	if err := b.Save(s.Name(), s.Records()); err != nil {
		return fmt.Errorf("save %s: %w", s.Name(), err)
	}
	return nil
}

// FileBackend stores each named store as a protobuf-encoded snapshot file
// {Dir}/{name}.pb.
type FileBackend struct {
	Dir string
}

// NewFileBackend creates a backend rooted at dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: dir}
}

func (f *FileBackend) path(name string) string {
	return filepath.Join(f.Dir, name+".pb")
}

// Load reads the snapshot for name.
func (f *FileBackend) Load(name string) ([]Record, error) {
	data, err := os.ReadFile(f.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No saved state, not an error
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	records, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return records, nil
}

// Save writes the snapshot for name atomically.
func (f *FileBackend) Save(name string, records []Record) error {
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	// Atomic write: write to temp file, then rename
	target := f.path(name)
	tempPath := target + ".tmp"
	if err := os.WriteFile(tempPath, Marshal(records), 0644); err != nil {
		return fmt.Errorf("failed to write %s temp file: %w", name, err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		return fmt.Errorf("failed to rename %s file: %w", name, err)
	}
	return nil
}

// MemoryBackend keeps snapshots in memory. Used by simulations and tests.
type MemoryBackend struct {
	mu     sync.Mutex
	stores map[string][]Record
	saves  int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{stores: make(map[string][]Record)}
}

// Load returns a copy of the last saved snapshot for name.
func (m *MemoryBackend) Load(name string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.stores[name]
	out := make([]Record, len(src))
	copy(out, src)
	return out, nil
}

// Save replaces the snapshot for name.
func (m *MemoryBackend) Save(name string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]Record, len(records))
	copy(cp, records)
	m.stores[name] = cp
	m.saves++
	return nil
}

// Saves returns how many times Save has been called.
func (m *MemoryBackend) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
