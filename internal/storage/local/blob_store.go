// Package local implements a local filesystem archive store.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/webmonitor/internal/storage"
)

const scheme = "file://"

// Config captures the parameters for the local filesystem archive store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem keyed by relative path.
type BlobStore struct {
	baseDir string
}

// New creates a new local filesystem-backed archive store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	info, err := os.Stat(baseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(baseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	// Check for write permissions.
	testFile := filepath.Join(baseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: baseDir}, nil
}

// Save writes body to a file under the base directory and returns its
// file:// locator. The write goes through a temp file so readers never see a
// partial blob.
func (s *BlobStore) Save(_ context.Context, key string, body io.Reader, _ string) (string, error) {
	fullPath, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}
	return scheme + fullPath, nil
}

// Read returns the blob stored under key or locator.
func (s *BlobStore) Read(_ context.Context, key string) ([]byte, error) {
	if k, ok := s.KeyFor(key); ok {
		key = k
	}
	fullPath, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to baseDir by resolve.
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, storage.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is stored under the key or locator.
func (s *BlobStore) Exists(_ context.Context, keyOrURL string) (bool, error) {
	key, ok := s.KeyFor(keyOrURL)
	if !ok {
		return false, nil
	}
	fullPath, err := s.resolve(key)
	if err != nil {
		return false, nil
	}
	info, err := os.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
	return !info.IsDir(), nil
}

// LocatorFor returns the file:// locator for key.
func (s *BlobStore) LocatorFor(key string) string {
	return scheme + filepath.Join(s.baseDir, filepath.FromSlash(key))
}

// KeyFor maps file:// locators under the base directory, and bare keys, to
// keys.
func (s *BlobStore) KeyFor(keyOrURL string) (string, bool) {
	if rest, ok := strings.CutPrefix(keyOrURL, scheme); ok {
		rel, err := filepath.Rel(s.baseDir, filepath.Clean(rest))
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return "", false
		}
		return filepath.ToSlash(rel), true
	}
	if storage.IsURL(keyOrURL) {
		return "", false
	}
	key, err := storage.CleanKey(keyOrURL)
	return key, err == nil
}

func (s *BlobStore) resolve(key string) (string, error) {
	clean, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.baseDir, filepath.FromSlash(clean))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}
