// Package local_test tests the local filesystem archive store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webmonitor/internal/monitor"
	"github.com/JakeFAU/webmonitor/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "archive")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		tempFile, err := os.CreateTemp(t.TempDir(), "testfile")
		require.NoError(t, err)
		require.NoError(t, tempFile.Close())

		_, err = local.New(local.Config{BaseDir: tempFile.Name()})
		assert.Error(t, err)
	})
}

func TestSaveAndRead(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("ValidSave", func(t *testing.T) {
		data := []byte("hello world")
		uri, err := store.Save(ctx, "abc123", bytes.NewReader(data), "text/plain")
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, "abc123"), uri)
		assert.Equal(t, uri, store.LocatorFor("abc123"))

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, "abc123"))
		require.NoError(t, err)
		assert.Equal(t, data, readData)

		viaStore, err := store.Read(ctx, uri)
		require.NoError(t, err)
		assert.Equal(t, data, viaStore)
	})

	t.Run("NestedKey", func(t *testing.T) {
		uri, err := store.Save(ctx, "imports/batch-1", bytes.NewReader([]byte("[]")), "application/json")
		require.NoError(t, err)

		key, ok := store.KeyFor(uri)
		require.True(t, ok)
		assert.Equal(t, "imports/batch-1", key)

		exists, err := store.Exists(ctx, uri)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.Save(ctx, "dup", bytes.NewReader([]byte("one")), "")
		require.NoError(t, err)
		_, err = store.Save(ctx, "dup", bytes.NewReader([]byte("two")), "")
		require.NoError(t, err)
		data, err := store.Read(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, "two", string(data))
	})

	t.Run("EmptyKey", func(t *testing.T) {
		_, err := store.Save(ctx, "", bytes.NewReader([]byte("data")), "text/plain")
		assert.ErrorIs(t, err, monitor.ErrValidation)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.Save(ctx, "../escape", bytes.NewReader([]byte("data")), "")
		assert.Error(t, err)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.Read(ctx, "missing")
		assert.ErrorIs(t, err, monitor.ErrNotFound)
		exists, err := store.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestKeyForRejectsForeignLocators(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	for _, in := range []string{"file:///etc/passwd", "https://example.com/abc", "s3://bucket/abc"} {
		_, ok := store.KeyFor(in)
		assert.False(t, ok, in)
	}
}
