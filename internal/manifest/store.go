package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store reads and writes manifests under a directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a store rooted at dir (created on first save).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the manifest file for chainID.
func (s *Store) Path(chainID uint64) string {
	return filepath.Join(s.dir, ChainName(chainID)+".json")
}

// Load reads the manifest for chainID. A missing file yields an empty
// manifest.
func (s *Store) Load(chainID uint64) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path(chainID))
	if errors.Is(err, os.ErrNotExist) {
		return New(chainID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m := New(chainID)
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", s.Path(chainID), err)
	}
	if m.ChainID != chainID {
		return nil, fmt.Errorf("manifest %s is for chain %d, not %d", s.Path(chainID), m.ChainID, chainID)
	}
	if m.Impls == nil {
		m.Impls = make(map[string]Impl)
	}
	return m, nil
}

// Save writes m atomically.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := s.Path(m.ChainID)
	tmp, err := os.CreateTemp(s.dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}

// Session is a manifest being modified by a run. Updates are persisted
// immediately unless the session is a dry run.
type Session struct {
	store  *Store
	m      *Manifest
	dryRun bool
	mu     sync.Mutex
}

// Open loads the manifest for chainID into a session.
func (s *Store) Open(chainID uint64) (*Session, error) {
	m, err := s.Load(chainID)
	if err != nil {
		return nil, err
	}
	return &Session{store: s, m: m}, nil
}

// NewSession wraps m. A nil store keeps changes in memory only.
func NewSession(store *Store, m *Manifest) *Session {
	return &Session{store: store, m: m, dryRun: store == nil}
}

// DryRun returns a session over a copy of the current manifest whose
// updates are never written.
func (s *Session) DryRun() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Session{store: s.store, m: s.m.Clone(), dryRun: true}
}

// IsDryRun reports whether updates stay in memory.
func (s *Session) IsDryRun() bool {
	return s.dryRun
}

// Snapshot returns a copy of the current manifest.
func (s *Session) Snapshot() *Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Clone()
}

// Reload replaces the session's manifest with the stored copy, picking up
// changes made by other runs since the session was opened. Dry-run sessions
// keep their in-memory state.
func (s *Session) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dryRun || s.store == nil {
		return nil
	}
	m, err := s.store.Load(s.m.ChainID)
	if err != nil {
		return err
	}
	s.m = m
	return nil
}

// Update applies fn and persists the result.
func (s *Session) Update(fn func(m *Manifest) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.m.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if !s.dryRun && s.store != nil {
		if err := s.store.Save(next); err != nil {
			return err
		}
	}
	s.m = next
	return nil
}
