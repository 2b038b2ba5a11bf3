// Package s3 provides an archive store backed by an S3-compatible object
// store (AWS S3 or MinIO) through minio-go.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JakeFAU/webmonitor/internal/storage"
)

const awsEndpoint = "s3.amazonaws.com"

// Config captures the parameters required to connect to the object store.
type Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// ObjectClient is the subset of *minio.Client used by the store.
type ObjectClient interface {
	PutObject(
		ctx context.Context,
		bucketName, objectName string,
		reader io.Reader,
		objectSize int64,
		opts minio.PutObjectOptions,
	) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// BlobStore writes artifacts to a configured bucket.
type BlobStore struct {
	client   ObjectClient
	bucket   string
	prefix   string
	endpoint string
	secure   bool
}

// NewClient builds a minio client from cfg. An empty endpoint means AWS S3.
func NewClient(cfg Config) (*minio.Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = awsEndpoint
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewEnvAWS()
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL || cfg.Endpoint == "",
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return client, nil
}

// New creates an S3-backed archive store.
func New(client ObjectClient, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("object client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		secure:   cfg.UseSSL || cfg.Endpoint == "",
	}, nil
}

// Save uploads body under key and returns the object's locator.
func (s *BlobStore) Save(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	key, err := storage.CleanKey(key)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	_, err = s.client.PutObject(
		ctx,
		s.bucket,
		storage.JoinPrefix(s.prefix, key),
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: storage.ContentType(contentType)},
	)
	if err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}
	return s.LocatorFor(key), nil
}

// Read downloads the object stored under key or locator.
func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	if k, ok := s.KeyFor(key); ok {
		key = k
	}
	obj, err := s.client.GetObject(ctx, s.bucket, storage.JoinPrefix(s.prefix, key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer func() {
		_ = obj.Close()
	}()
	data, err := io.ReadAll(obj)
	if isNotFound(err) {
		return nil, storage.NotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// Exists reports whether the object addressed by key or locator is present.
func (s *BlobStore) Exists(ctx context.Context, keyOrURL string) (bool, error) {
	key, ok := s.KeyFor(keyOrURL)
	if !ok {
		return false, nil
	}
	_, err := s.client.StatObject(ctx, s.bucket, storage.JoinPrefix(s.prefix, key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object: %w", err)
}

// LocatorFor returns the HTTPS URL of key: virtual-hosted on AWS, path-style
// on custom endpoints.
func (s *BlobStore) LocatorFor(key string) string {
	object := storage.JoinPrefix(s.prefix, key)
	if s.endpoint == "" {
		return fmt.Sprintf("https://%s.%s/%s", s.bucket, awsEndpoint, object)
	}
	scheme := "http"
	if s.secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.endpoint, s.bucket, object)
}

// KeyFor maps any URL form addressing this bucket (and prefix), or a bare
// key, to a key.
func (s *BlobStore) KeyFor(keyOrURL string) (string, bool) {
	if !storage.IsURL(keyOrURL) {
		key, err := storage.CleanKey(keyOrURL)
		return key, err == nil
	}
	if s.endpoint != "" {
		for _, scheme := range []string{"http://", "https://"} {
			base := scheme + s.endpoint + "/" + s.bucket + "/"
			if object, ok := strings.CutPrefix(keyOrURL, base); ok {
				return storage.TrimPrefix(s.prefix, object)
			}
		}
	}
	loc, ok := ParseURL(keyOrURL)
	if !ok || loc.Bucket != s.bucket {
		return "", false
	}
	return storage.TrimPrefix(s.prefix, loc.Key)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
	}
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
