// Package gcs provides an archive store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	blobstorage "github.com/JakeFAU/webmonitor/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed archive store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Save uploads body to the configured bucket and returns a gs:// locator.
func (s *BlobStore) Save(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	key, err := blobstorage.CleanKey(key)
	if err != nil {
		return "", err
	}
	writer := s.object(key).NewWriter(ctx)
	writer.ContentType = blobstorage.ContentType(contentType)
	if _, err := io.Copy(writer, body); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return s.LocatorFor(key), nil
}

// Read downloads the object stored under key or locator.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	if k, ok := s.KeyFor(key); ok {
		key = k
	}
	reader, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, blobstorage.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Exists reports whether the object addressed by key or locator is present.
func (s *BlobStore) Exists(ctx context.Context, keyOrURL string) (bool, error) {
	key, ok := s.KeyFor(keyOrURL)
	if !ok {
		return false, nil
	}
	_, err := s.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("object attrs: %w", err)
	}
	return true, nil
}

// LocatorFor returns the gs:// locator for key.
func (s *BlobStore) LocatorFor(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, blobstorage.JoinPrefix(s.prefix, key))
}

// KeyFor maps gs:// and storage.googleapis.com URLs for this bucket, and bare
// keys, to keys.
func (s *BlobStore) KeyFor(keyOrURL string) (string, bool) {
	if !blobstorage.IsURL(keyOrURL) {
		key, err := blobstorage.CleanKey(keyOrURL)
		return key, err == nil
	}
	for _, base := range []string{
		"gs://" + s.bucket + "/",
		"https://storage.googleapis.com/" + s.bucket + "/",
		"https://" + s.bucket + ".storage.googleapis.com/",
	} {
		if object, ok := strings.CutPrefix(keyOrURL, base); ok {
			return blobstorage.TrimPrefix(s.prefix, object)
		}
	}
	return "", false
}

func (s *BlobStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(blobstorage.JoinPrefix(s.prefix, key))
}
