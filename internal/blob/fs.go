package blob

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore stores blobs as files under a base directory. Keys map to relative
// paths after sanitization, so a hostile key cannot escape the base directory.
type FSStore struct {
	baseDir string
}

// NewFSStore creates the base directory if needed and returns the store.
func NewFSStore(baseDir string) (*FSStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory blobs are stored under.
func (s *FSStore) BaseDir() string {
	return s.baseDir
}

// Put writes data to the file backing key, creating parent directories as
// needed, and returns the canonical (sanitized) key.
func (s *FSStore) Put(_ context.Context, key string, data []byte) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.baseDir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", clean, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", clean, err)
	}
	return clean, nil
}

// Get reads the file backing key.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.baseDir, filepath.FromSlash(clean)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return nil, fmt.Errorf("failed to read %s: %w", clean, err)
	}
	return data, nil
}

// List walks the base directory and returns every key starting with prefix,
// sorted lexicographically.
func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	clean, err := sanitizeKey(prefix)
	if err != nil {
		return nil, err
	}
	// Clean strips the trailing slash; keep it so "a/b/" cannot match "a/bc".
	if strings.HasSuffix(prefix, "/") {
		clean += "/"
	}

	var keys []string
	err = filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, clean) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", clean, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Delete removes the file backing key. Missing files are ignored.
func (s *FSStore) Delete(_ context.Context, key string) error {
	clean, err := sanitizeKey(key)
	if err != nil {
		return err
	}

	path := filepath.Join(s.baseDir, filepath.FromSlash(clean))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", clean, err)
	}
	return nil
}

// sanitizeKey normalizes a key to a safe relative slash path. Keys that
// would escape the base directory are rejected rather than silently rewritten.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	if key == "" {
		return "", fmt.Errorf("empty blob key")
	}

	clean := filepath.ToSlash(filepath.Clean(key))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid blob key: %q", key)
	}
	return clean, nil
}

var _ Store = (*FSStore)(nil)
