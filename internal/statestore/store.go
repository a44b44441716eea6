// Package statestore provides atomic JSON persistence for the gateway's
// durable state files. Every mutation of one file is serialized, written to a
// sibling temp path, and renamed into place, so readers never observe a
// partial document.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Store manages a set of JSON files, one lock and one cache entry per path.
type Store struct {
	mu     sync.Mutex
	files  map[string]*fileState
	logger *log.Logger
}

type fileState struct {
	mu     sync.Mutex
	cache  json.RawMessage // last value written or read; nil until first access
	warned bool            // missing/malformed file logged once
}

// New creates a Store. The logger is used for one-time warnings about
// missing or malformed files; it must not be nil.
func New(logger *log.Logger) *Store {
	return &Store{
		files:  make(map[string]*fileState),
		logger: logger,
	}
}

func (s *Store) state(path string) *fileState {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.files[path]
	if !ok {
		fs = &fileState{}
		s.files[path] = fs
	}
	return fs
}

// Read decodes the document at path into out. A missing or malformed file
// yields def instead, logged once per path.
func (s *Store) Read(path string, def any, out any) error {
	fs := s.state(path)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	raw, err := fs.loadLocked(path, def, s.logger)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// WriteAtomic replaces the document at path with v in one rename.
func (s *Store) WriteAtomic(path string, v any) error {
	fs := s.state(path)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writeLocked(path, v)
}

// UpdateSerial applies fn to the current document and persists the result.
// Updaters for one path are queued on the path's lock and observe each
// other's writes in FIFO order. fn receives the current raw document (or the
// encoding of def when the file is missing or malformed) and returns the
// next value. If fn or the write fails, the on-disk state is unchanged.
func (s *Store) UpdateSerial(path string, def any, fn func(current json.RawMessage) (any, error)) error {
	fs := s.state(path)
	fs.mu.Lock()
	defer fs.mu.Unlock()

	raw, err := fs.loadLocked(path, def, s.logger)
	if err != nil {
		return err
	}
	next, err := fn(raw)
	if err != nil {
		return err
	}
	return fs.writeLocked(path, next)
}

// loadLocked returns the cached document, reading from disk on first access.
// Callers hold fs.mu.
func (fs *fileState) loadLocked(path string, def any, logger *log.Logger) (json.RawMessage, error) {
	if fs.cache != nil {
		return fs.cache, nil
	}

	useDefault := false
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		useDefault = true
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	case !json.Valid(b):
		if !fs.warned {
			logger.Printf("state file %s is malformed; using default", path)
			fs.warned = true
		}
		useDefault = true
	}

	if useDefault {
		if errors.Is(err, os.ErrNotExist) && !fs.warned {
			logger.Printf("state file %s missing; using default", path)
			fs.warned = true
		}
		b, err = json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("encode default for %s: %w", path, err)
		}
	}

	fs.cache = json.RawMessage(b)
	return fs.cache, nil
}

// writeLocked marshals v, writes it to a temp file in the same directory, and
// renames it over path. The cache is updated only after the rename succeeds.
// Callers hold fs.mu.
func (fs *fileState) writeLocked(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}

	fs.cache = json.RawMessage(b)
	return nil
}
