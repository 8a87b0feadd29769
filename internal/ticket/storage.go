package ticket

import (
	"fmt"
	"os"
	"path/filepath"
)

// Storage keeps the receipt photos taken at the desk. A photo is addressed
// by the ref returned from Save; payments carry that ref as evidence.
type Storage interface {
	// Save stores a photo under name and returns its ref
	Save(name string, data []byte) (string, error)

	// Get returns the photo behind ref
	Get(ref string) ([]byte, error)

	// Delete removes the photo behind ref
	Delete(ref string) error
}

// LocalStorage keeps receipt photos as flat files in one directory.
// Refs are plain file names; anything with a path component is refused.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the photo directory if needed
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating receipt photo directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Save writes a photo and returns name as its ref
func (l *LocalStorage) Save(name string, data []byte) (string, error) {
	path, err := l.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing receipt photo: %w", err)
	}
	return name, nil
}

// Get reads the photo behind ref
func (l *LocalStorage) Get(ref string) ([]byte, error) {
	path, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading receipt photo: %w", err)
	}
	return data, nil
}

// Delete removes the photo behind ref
func (l *LocalStorage) Delete(ref string) error {
	path, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting receipt photo: %w", err)
	}
	return nil
}

// resolve maps a ref to its file, refusing anything outside basePath
func (l *LocalStorage) resolve(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || ref == "." || ref == ".." {
		return "", fmt.Errorf("invalid receipt photo ref: %q", ref)
	}
	return filepath.Join(l.basePath, ref), nil
}
