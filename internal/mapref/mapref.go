// Package mapref reads the externally built SSOT map version. The map is an
// opaque, read-only artifact; the gateway only cares about its current hash.
package mapref

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Version mirrors map/version.json.
type Version struct {
	SchemaVersion string `json:"schema_version,omitempty"`
	Hash          string `json:"hash"`
	BuiltAt       string `json:"built_at,omitempty"`
}

// Reader resolves the current map hash from a map directory.
type Reader struct {
	dir string
}

// NewReader creates a Reader for the directory holding map.json and
// version.json.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// CurrentHash returns the current map hash. ok=false means no map has been
// built yet (version.json absent); the ssot-map gate decides how to treat
// that per mode.
func (r *Reader) CurrentHash() (hash string, ok bool, err error) {
	path := filepath.Join(r.dir, "version.json")
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", path, err)
	}
	var v Version
	if err := json.Unmarshal(b, &v); err != nil {
		return "", false, fmt.Errorf("decode %s: %w", path, err)
	}
	hash = strings.TrimSpace(v.Hash)
	if hash == "" {
		return "", false, fmt.Errorf("%s has no hash", path)
	}
	return hash, true, nil
}
