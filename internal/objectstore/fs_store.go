package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/longform-tts/internal/core"
)

const (
	filePermissions = 0o600
	dirPermissions  = 0o750
)

// ErrInvalidKey indicates a key that would resolve outside the archive root.
var ErrInvalidKey = errors.New("invalid object key")

// FilesystemStore implements core.ObjectStore on a local directory tree.
type FilesystemStore struct {
	root string
}

// NewFilesystem creates the archive root if needed.
func NewFilesystem(root string) (*FilesystemStore, error) {
	err := os.MkdirAll(root, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive root %s: %w", root, err)
	}

	return &FilesystemStore{root: root}, nil
}

// Download reads the object stored under key.
func (f *FilesystemStore) Download(_ context.Context, key string) ([]byte, error) {
	path, err := f.resolve(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: object '%s'", core.ErrNotFound, key)
		}

		return nil, fmt.Errorf("failed to read object '%s': %w", key, err)
	}

	return data, nil
}

// Upload writes data under key, creating parent directories.
func (f *FilesystemStore) Upload(_ context.Context, key string, data []byte) error {
	path, err := f.resolve(key)
	if err != nil {
		return err
	}

	mkdirErr := os.MkdirAll(filepath.Dir(path), dirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create archive directory for '%s': %w", key, mkdirErr)
	}

	writeErr := os.WriteFile(path, data, filePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write object '%s': %w", key, writeErr)
	}

	return nil
}

// Delete removes the object and its parent directory when it becomes empty.
func (f *FilesystemStore) Delete(_ context.Context, key string) error {
	path, err := f.resolve(key)
	if err != nil {
		return err
	}

	removeErr := os.Remove(path)
	if removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object '%s': %w", key, removeErr)
	}

	parent := filepath.Dir(path)
	if parent != f.root {
		// Fails harmlessly when the directory still holds other objects.
		_ = os.Remove(parent)
	}

	return nil
}

func (f *FilesystemStore) resolve(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(cleaned) || cleaned == "." || cleaned == ".." ||
		strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return filepath.Join(f.root, cleaned), nil
}
