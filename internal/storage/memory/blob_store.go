// Package memory stores archive blobs and records in-memory for development
// and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/JakeFAU/webmonitor/internal/storage"
)

const scheme = "memory://"

// BlobStore stores artifacts in-memory and returns memory:// locators.
type BlobStore struct {
	mu           sync.RWMutex
	data         map[string][]byte
	contentTypes map[string]string
	writes       int
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:         make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

// Save persists the content and returns its locator.
func (s *BlobStore) Save(_ context.Context, key string, body io.Reader, contentType string) (string, error) {
	key, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	byteData, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = byteData
	s.contentTypes[key] = storage.ContentType(contentType)
	s.writes++
	return s.LocatorFor(key), nil
}

// Read returns a copy of the blob stored under key.
func (s *BlobStore) Read(_ context.Context, key string) ([]byte, error) {
	if k, ok := s.KeyFor(key); ok {
		key = k
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, storage.NotFound(key)
	}
	return append([]byte(nil), data...), nil
}

// Exists reports whether a blob is stored under the key or locator.
func (s *BlobStore) Exists(_ context.Context, keyOrURL string) (bool, error) {
	key, ok := s.KeyFor(keyOrURL)
	if !ok {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.data[key]
	return exists, nil
}

// LocatorFor returns the memory:// locator for key.
func (s *BlobStore) LocatorFor(key string) string {
	return scheme + key
}

// KeyFor maps memory:// locators and bare keys to keys.
func (s *BlobStore) KeyFor(keyOrURL string) (string, bool) {
	if rest, ok := strings.CutPrefix(keyOrURL, scheme); ok {
		return rest, rest != ""
	}
	if storage.IsURL(keyOrURL) {
		return "", false
	}
	key, err := storage.CleanKey(keyOrURL)
	return key, err == nil
}

// ContentTypeOf returns the content type recorded for key.
func (s *BlobStore) ContentTypeOf(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contentTypes[key]
}

// Writes reports how many Save calls succeeded.
func (s *BlobStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
