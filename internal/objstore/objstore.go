// Package objstore defines the narrow interface to the external object
// storage platform that holds raw uploaded files. The ingestion pipeline
// consumes only a byte stream plus declared media type; everything else
// about the storage backend stays behind this boundary.
package objstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Storage resolves an opaque source reference to the raw document bytes.
// Implementations must be safe to call from multiple goroutines.
type Storage interface {
	// Fetch opens the object identified by ref for reading. The caller must
	// close the returned reader.
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
}

// FileStorage is a Storage rooted at a local directory. It is the default
// backend for single-host deployments and tests; cloud object stores plug in
// behind the same interface.
type FileStorage struct {
	// root is the base directory all refs are resolved under.
	root string
}

// NewFileStorage constructs a FileStorage rooted at dir, creating it if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, fmt.Errorf("objstore: root directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("objstore: create root %s: %w", dir, err)
	}
	return &FileStorage{root: dir}, nil
}

// Fetch opens the file identified by ref under the storage root.
// Refs escaping the root are rejected.
func (f *FileStorage) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	path, err := f.resolve(ref)
	if err != nil {
		return nil, err
	}
	rc, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("objstore: open %s: %w", ref, err)
	}
	return rc, nil
}

// Put writes an object under the storage root, creating parent directories.
// Used by the upload path and by tests to seed fixtures.
func (f *FileStorage) Put(ctx context.Context, ref string, r io.Reader) error {
	path, err := f.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("objstore: create parent for %s: %w", ref, err)
	}
	w, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("objstore: create %s: %w", ref, err)
	}
	defer w.Close()
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("objstore: write %s: %w", ref, err)
	}
	return nil
}

// resolve maps a ref to an absolute path, rejecting traversal outside root.
func (f *FileStorage) resolve(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("objstore: invalid ref %q", ref)
	}
	return filepath.Join(f.root, clean), nil
}
