// Package objectstore persists uploaded file bodies on local disk. Writes go
// to a temp file and are renamed into place, so a crashed upload never leaves
// a partial object behind a live key.
package objectstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const objectsDir = "objects"

var (
	// ErrObjectNotFound is returned when no object exists for the key.
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for keys that would escape the store root.
	ErrInvalidKey = errors.New("invalid object key")
)

type Store struct {
	root string
}

type Config struct {
	// Path is the directory the object tree lives under.
	Path string
}

func (c *Config) validate() error {
	var errGrp []error
	if c.Path == "" {
		errGrp = append(errGrp, errors.New("path cannot be empty"))
	}
	return errors.Join(errGrp...)
}

func New(cfg *Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	root := filepath.Join(cfg.Path, objectsDir)
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Start() error {
	return nil
}

func (s *Store) Stop() error {
	return nil
}

func (s *Store) Name() string {
	return "Object Store"
}

// Put writes data under key. An existing object for the same key is replaced
// atomically.
func (s *Store) Put(key string, data []byte) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return fmt.Errorf("failed to create object parent: %w", err)
	}

	tmp, err := os.CreateTemp(s.root, ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to commit object %s: %w", key, err)
	}
	return nil
}

// Get reads the object stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(target)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

// resolve maps a key to its path under the store root. Keys are slash
// separated and must stay inside the root.
func (s *Store) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}
