// Package artifacts owns the per-task artifact tree under artifacts/ and a
// content-addressed blob store for evidence files. Blob digests are blake3;
// identical evidence uploaded across retries is stored once.
package artifacts

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// Store manages artifacts/<taskId>/ trees and artifacts/blobs/.
type Store struct {
	root string
}

// NewStore creates a Store rooted at the artifacts directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the artifacts root directory.
func (s *Store) Root() string { return s.root }

// TaskDir returns the directory for one task's artifacts.
func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.root, taskID)
}

// TaskFilePath resolves a repo-relative artifact name inside a task's tree,
// rejecting escapes.
func (s *Store) TaskFilePath(taskID, name string) (string, error) {
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("artifact name %q escapes the task tree", name)
	}
	return filepath.Join(s.TaskDir(taskID), filepath.FromSlash(clean)), nil
}

// WriteTaskFile atomically writes one artifact under a task's tree.
func (s *Store) WriteTaskFile(taskID, name string, data []byte) error {
	dst, err := s.TaskFilePath(taskID, name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

// ReadTaskFile reads one artifact from a task's tree.
func (s *Store) ReadTaskFile(taskID, name string) ([]byte, error) {
	p, err := s.TaskFilePath(taskID, name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// TaskFileExists reports whether a task artifact is present.
func (s *Store) TaskFileExists(taskID, name string) bool {
	p, err := s.TaskFilePath(taskID, name)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// PutBlob stores content in the blob CAS and returns its blake3 digest.
// Re-putting identical content is a no-op.
func (s *Store) PutBlob(r io.Reader) (string, error) {
	blobDir := filepath.Join(s.root, "blobs")
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(blobDir, ".blob-tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	h := blake3.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}

	digest := hex.EncodeToString(h.Sum(nil))
	dst := filepath.Join(blobDir, digest)
	if _, err := os.Stat(dst); err == nil {
		// Already stored; deduplicate.
		_ = os.Remove(tmpName)
		return digest, nil
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return digest, nil
}

// IngestEvidence stores the named task artifacts in the blob CAS and
// returns artifact name -> blake3 digest. A directory name ingests every
// regular file below it. Names absent from the task tree are skipped, so a
// submit may reference artifacts the worker never produced without failing
// the archive step.
func (s *Store) IngestEvidence(taskID string, names []string) (map[string]string, error) {
	index := map[string]string{}
	for _, name := range names {
		root, err := s.TaskFilePath(taskID, name)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(root)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			if err := s.ingestFile(index, name, root); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(s.TaskDir(taskID), p)
			if err != nil {
				return err
			}
			return s.ingestFile(index, filepath.ToSlash(rel), p)
		})
		if err != nil {
			return nil, err
		}
	}
	return index, nil
}

func (s *Store) ingestFile(index map[string]string, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	digest, err := s.PutBlob(f)
	if err != nil {
		return err
	}
	index[name] = digest
	return nil
}

// OpenBlob opens a stored blob by digest.
func (s *Store) OpenBlob(digest string) (io.ReadCloser, error) {
	if !isHexDigest(digest) {
		return nil, fmt.Errorf("invalid blob digest %q", digest)
	}
	return os.Open(filepath.Join(s.root, "blobs", digest))
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
