// Package blob provides filesystem-backed blob storage for manuscript
// sources and agent payloads.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FS stores blobs as files under a root directory. Keys are slash-separated
// relative paths; writes are atomic via rename.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", root, err)
	}
	return &FS{root: root}, nil
}

// PutBlob writes data under key, replacing any existing blob.
func (f *FS) PutBlob(ctx context.Context, key string, data []byte) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to store blob %s: %w", key, err)
	}
	return nil
}

// GetBlob reads the blob under key. A missing blob returns (nil, nil).
func (f *FS) GetBlob(ctx context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}

// path resolves a key inside the root, rejecting traversal.
func (f *FS) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("blob key is required")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(f.root, clean), nil
}
