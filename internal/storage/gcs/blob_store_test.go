package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

const bucketName = "test-bucket"

// newTestStore creates a BlobStore pointed at a test server.
func newTestStore(t *testing.T, handler http.Handler, prefix string) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: bucketName, Prefix: prefix})
	require.NoError(t, err)
	return store
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)
}

func TestSaveUploadsObject(t *testing.T) {
	objectData := []byte("test-data")

	// Simulates the GCS JSON API for multipart uploads.
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, fmt.Sprintf("/b/%s/o", bucketName))
		assert.Equal(t, "bodies/abc123", r.URL.Query().Get("name"))
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(objectData))
		assert.Contains(t, string(body), "text/html")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"name": "bodies/abc123", "bucket": "`+bucketName+`"}`)
	})

	store := newTestStore(t, handler, "bodies")
	locator, err := store.Save(context.Background(), "abc123", bytes.NewReader(objectData), "text/html")
	require.NoError(t, err)
	assert.Equal(t, "gs://test-bucket/bodies/abc123", locator)
}

func TestSaveSurfacesServerErrors(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	store := newTestStore(t, handler, "")
	_, err := store.Save(context.Background(), "abc", bytes.NewReader([]byte("x")), "")
	assert.Error(t, err)
}

func TestExistsMapsNotFound(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/o/present") {
			fmt.Fprintln(w, `{"name": "present", "bucket": "`+bucketName+`", "size": "3"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error": {"code": 404, "message": "No such object"}}`)
	})

	store := newTestStore(t, handler, "")
	ctx := context.Background()

	ok, err := store.Exists(ctx, "gs://test-bucket/present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.Exists(ctx, "gs://another-bucket/present")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyForAndLocatorFor(t *testing.T) {
	store := &BlobStore{bucket: bucketName, prefix: "bodies"}

	assert.Equal(t, "gs://test-bucket/bodies/k", store.LocatorFor("k"))
	for _, in := range []string{
		"gs://test-bucket/bodies/k",
		"https://storage.googleapis.com/test-bucket/bodies/k",
		"https://test-bucket.storage.googleapis.com/bodies/k",
		"k",
	} {
		key, ok := store.KeyFor(in)
		assert.True(t, ok, in)
		assert.Equal(t, "k", key, in)
	}
	_, ok := store.KeyFor("gs://test-bucket/other/k")
	assert.False(t, ok)
}
