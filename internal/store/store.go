// Package store provides the persistence substrate shared by every
// stateful subsystem: JSON documents written atomically (temp file then
// rename), loaded lazily with ENOENT tolerance, and capped FIFO history
// helpers. One Store owns one file; writers are serialized per store.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// StorageError wraps a persistence I/O failure with the file and
// operation that produced it.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store persists a single JSON document of type T.
//
// Load returns a fresh empty value (from the factory, never a shared
// reference) when the file does not exist yet. The first successful
// load is cached; Save updates the cache. Documents carrying a
// `version` field keep whatever integer was read; unknown versions
// pass through untouched.
type Store[T any] struct {
	path  string
	empty func() T

	mu     sync.Mutex
	loaded bool
	cached T
}

// New creates a store for path. The empty factory produces the value
// returned when the file is absent; it must build a new value on every
// call so callers never share backing slices or maps.
func New[T any](path string, empty func() T) *Store[T] {
	return &Store[T]{path: path, empty: empty}
}

// Path returns the file this store persists to.
func (s *Store[T]) Path() string {
	return s.path
}

// Load returns the current document, reading the file on first use.
func (s *Store[T]) Load() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store[T]) loadLocked() (T, error) {
	if s.loaded {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.cached = s.empty()
			s.loaded = true
			return s.cached, nil
		}
		var zero T
		return zero, &StorageError{Op: "read", Path: s.path, Err: err}
	}

	v := s.empty()
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, &StorageError{Op: "decode", Path: s.path, Err: err}
	}

	s.cached = v
	s.loaded = true
	return s.cached, nil
}

// Save writes the document atomically and refreshes the cache.
func (s *Store[T]) Save(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(v)
}

func (s *Store[T]) saveLocked(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &StorageError{Op: "encode", Path: s.path, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return &StorageError{Op: "mkdir", Path: s.path, Err: err}
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}

	s.cached = v
	s.loaded = true
	return nil
}

// Update applies fn to the current document and saves the result,
// all under the store lock. Errors from fn abort without writing.
func (s *Store[T]) Update(fn func(*T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.loadLocked()
	if err != nil {
		return err
	}
	if err := fn(&v); err != nil {
		return err
	}
	return s.saveLocked(v)
}

// Invalidate drops the cached document so the next Load re-reads the
// file. Used when the file changed outside this process.
func (s *Store[T]) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = false
	var zero T
	s.cached = zero
}

// writeFileAtomic writes data to path via a sibling temp file and
// rename, so concurrent readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// AppendCapped appends item and drops from the head until the length
// is at most limit. A limit of zero or less leaves the list unbounded.
func AppendCapped[E any](list []E, item E, limit int) []E {
	list = append(list, item)
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}
