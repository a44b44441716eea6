// Package pack materializes the sealed, content-addressed bundle a worker
// fetches before executing a job. A pack is immutable once materialized;
// retries of the same (task, map, pins) tuple share one directory.
package pack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/scc/internal/board"
	"github.com/danshapiro/scc/internal/contract"
)

var ErrNotFound = errors.New("pack not found")

// File names inside a pack directory.
const (
	FileManifest     = "manifest.json"
	FileTask         = "task.json"
	FilePins         = "pins.json"
	FilePreflight    = "preflight.json"
	FileReplayBundle = "replay_bundle.json"
)

// ManifestEntry describes one file in a pack.
type ManifestEntry struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest enumerates a pack's files with their hashes.
type Manifest struct {
	SchemaVersion string          `json:"schema_version"`
	Files         []ManifestEntry `json:"files"`
}

// BuildInput is everything a pack is derived from.
type BuildInput struct {
	Task      board.Task
	Pins      contract.PinsRequest
	Preflight contract.Preflight
	// ReplayBundle is present only on the replay dispatch path.
	ReplayBundle []byte
}

// Service builds and serves packs under <root>/ (artifacts/packs).
type Service struct {
	root string

	mu    sync.Mutex
	index map[string]string // (taskId|mapHash|pinsHash) -> packId
}

// NewService creates a Service rooted at the packs directory.
func NewService(root string) *Service {
	return &Service{root: root, index: make(map[string]string)}
}

// Build materializes the pack for the input, or reuses the existing one for
// the same (taskId, mapHash, pinsHash) tuple. Returns the pack ID.
func (s *Service) Build(in BuildInput) (string, error) {
	pinsJSON, err := canonicalJSON(in.Pins)
	if err != nil {
		return "", fmt.Errorf("encode pins: %w", err)
	}
	key := strings.Join([]string{
		in.Task.TaskID,
		in.Pins.MapRef.Hash,
		sha256Hex(pinsJSON),
	}, "|")

	s.mu.Lock()
	if id, ok := s.index[key]; ok {
		s.mu.Unlock()
		if _, err := os.Stat(filepath.Join(s.root, id)); err == nil {
			return id, nil
		}
		// Directory vanished (GC raced a retry); rebuild below.
		s.mu.Lock()
		delete(s.index, key)
	}
	s.mu.Unlock()

	taskJSON, err := canonicalJSON(in.Task)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	preflightJSON, err := canonicalJSON(in.Preflight)
	if err != nil {
		return "", fmt.Errorf("encode preflight: %w", err)
	}

	files := map[string][]byte{
		FileTask:      taskJSON,
		FilePins:      pinsJSON,
		FilePreflight: preflightJSON,
	}
	if len(in.ReplayBundle) > 0 {
		rb, err := canonicalizeRaw(in.ReplayBundle)
		if err != nil {
			return "", fmt.Errorf("encode replay bundle: %w", err)
		}
		files[FileReplayBundle] = rb
	}

	manifest := Manifest{SchemaVersion: contract.SchemaContextPackV1}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b := files[name]
		manifest.Files = append(manifest.Files, ManifestEntry{
			Name:   name,
			SHA256: sha256Hex(b),
			Size:   int64(len(b)),
		})
	}
	manifestJSON, err := canonicalJSON(manifest)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	packID := sha256Hex(manifestJSON)

	dst := filepath.Join(s.root, packID)
	if _, err := os.Stat(dst); err == nil {
		s.remember(key, packID)
		return packID, nil
	}

	// Stage in a temp dir, then rename into place so a pack is never
	// observable half-written.
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", err
	}
	tmp := filepath.Join(s.root, ".tmp-"+strings.ToLower(ulid.Make().String()))
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", err
	}
	cleanup := func() { _ = os.RemoveAll(tmp) }

	files[FileManifest] = manifestJSON
	for name, b := range files {
		if err := os.WriteFile(filepath.Join(tmp, name), b, 0o644); err != nil {
			cleanup()
			return "", fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := os.Rename(tmp, dst); err != nil {
		cleanup()
		// A concurrent builder may have won the rename; reuse its pack.
		if _, statErr := os.Stat(dst); statErr == nil {
			s.remember(key, packID)
			return packID, nil
		}
		return "", fmt.Errorf("rename pack: %w", err)
	}

	s.remember(key, packID)
	return packID, nil
}

func (s *Service) remember(key, packID string) {
	s.mu.Lock()
	s.index[key] = packID
	s.mu.Unlock()
}

// HasFile reports whether a pack contains the named file.
func (s *Service) HasFile(packID, name string) bool {
	if !validPackFile(name) || !validPackID(packID) {
		return false
	}
	_, err := os.Stat(filepath.Join(s.root, packID, name))
	return err == nil
}

// FetchFile returns the raw bytes of one pack file. Workers hash exactly
// these bytes for attestation.
func (s *Service) FetchFile(packID, name string) ([]byte, error) {
	if !validPackID(packID) {
		return nil, fmt.Errorf("invalid pack id %q", packID)
	}
	if !validPackFile(name) {
		return nil, fmt.Errorf("unknown pack file %q", name)
	}
	b, err := os.ReadFile(filepath.Join(s.root, packID, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, packID, name)
	}
	return b, err
}

// Manifest loads and decodes a pack's manifest.
func (s *Service) Manifest(packID string) (Manifest, error) {
	b, err := s.FetchFile(packID, FileManifest)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// GC removes pack directories not in the live set. live maps packId -> true
// for every pack referenced by a non-terminal job.
func (s *Service) GC(live map[string]bool) (removed int, err error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		if live[name] {
			continue
		}
		if rmErr := os.RemoveAll(filepath.Join(s.root, name)); rmErr != nil {
			err = rmErr
			continue
		}
		removed++
	}

	s.mu.Lock()
	for key, id := range s.index {
		if !live[id] {
			delete(s.index, key)
		}
	}
	s.mu.Unlock()
	return removed, err
}

func validPackFile(name string) bool {
	switch name {
	case FileManifest, FileTask, FilePins, FilePreflight, FileReplayBundle:
		return true
	}
	return false
}

func validPackID(id string) bool {
	if len(id) != 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON renders v as canonical JSON: object keys sorted, no
// insignificant whitespace. Round-tripping through map[string]any gives
// encoding/json's sorted-key output at every nesting level.
func canonicalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return canonicalizeRaw(b)
}

func canonicalizeRaw(raw []byte) ([]byte, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
