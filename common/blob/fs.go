package blob

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/anthive/orchestrator/common/faults"
)

// FSStore keeps blobs as files under a root directory. Writes go through
// a temp file + rename so readers never observe partial content.
type FSStore struct {
	root string
	log  Logger
}

// NewFSStore creates a filesystem blob store rooted at root
func NewFSStore(root string, log Logger) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, faults.Permanent(err, "resolve blob root %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, faults.Permanent(err, "create blob root %s", abs)
	}
	return &FSStore{root: abs, log: log}, nil
}

// Put writes the blob atomically
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return faults.Transient(err, "create blob dir for %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return faults.Transient(err, "create temp blob for %s", key)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return faults.Transient(err, "write blob %s", key)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return faults.Transient(err, "close blob %s", key)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return faults.Transient(err, "rename blob %s", key)
	}

	s.log.Debug("blob written", "key", key, "bytes", len(data))
	return nil
}

// Get returns the blob or not_found
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, faults.NotFound("blob %s not found", key)
		}
		return nil, faults.Transient(err, "read blob %s", key)
	}
	return data, nil
}

// Exists reports whether the key holds a blob
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, faults.Transient(err, "stat blob %s", key)
	}
	return true, nil
}

// List returns keys under the prefix
func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	dir, err := s.resolve(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".blob-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, faults.Transient(err, "list blobs under %s", prefix)
	}

	sort.Strings(keys)
	return keys, nil
}

// Delete removes the blob
func (s *FSStore) Delete(ctx context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return faults.Transient(err, "delete blob %s", key)
	}
	return nil
}

// Health reports backend reachability
func (s *FSStore) Health(ctx context.Context) error {
	if _, err := os.Stat(s.root); err != nil {
		return faults.Transient(err, "stat blob root")
	}
	return nil
}

// resolve maps a key onto the root, refusing anything that would escape
// it. Escapes mean a caller skipped identifier validation.
func (s *FSStore) resolve(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	path := filepath.Join(s.root, cleaned)
	if path != s.root && !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", faults.Security("blob key %q escapes the store root", key)
	}
	return path, nil
}
