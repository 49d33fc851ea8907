package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the inkwell home directory.
	DefaultDirName = ".inkwell"

	// StorageDirName is the subdirectory backing the local blob store.
	StorageDirName = "storage"

	// PostgresDirName is the subdirectory for the dev Postgres data volume.
	PostgresDirName = "postgres"

	// RedisDirName is the subdirectory for the dev Redis data volume.
	RedisDirName = "redis"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the inkwell home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.inkwell).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// StoragePath returns the root directory for locally stored blobs
// (staged pages, finished export archives, generated images).
func (d *Dir) StoragePath() string {
	return filepath.Join(d.path, StorageDirName)
}

// PostgresPath returns the data directory mounted into the dev Postgres container.
func (d *Dir) PostgresPath() string {
	return filepath.Join(d.path, PostgresDirName)
}

// RedisPath returns the data directory mounted into the dev Redis container.
func (d *Dir) RedisPath() string {
	return filepath.Join(d.path, RedisDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.StoragePath(), d.PostgresPath(), d.RedisPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
