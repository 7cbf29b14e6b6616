package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bgm-collector/internal/storage/local"
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
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "onair/abc.json", "application/json", bytes.NewReader([]byte(`{"items":[]}`)))
	require.NoError(t, err)
	want := filepath.Join(dir, "onair", "abc.json")
	assert.Equal(t, "file://"+want, uri)

	content, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, `{"items":[]}`, string(content))

	// Content-addressed objects are written once.
	_, err = store.PutObject(ctx, "onair/abc.json", "application/json", bytes.NewReader([]byte("changed")))
	require.NoError(t, err)
	content, err = os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, `{"items":[]}`, string(content))

	entries, err := os.ReadDir(filepath.Join(dir, "onair"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestPutObjectRejectsBadPaths(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	assert.Error(t, err)
	_, err = store.PutObject(context.Background(), "../escape.json", "", bytes.NewReader(nil))
	assert.Error(t, err)
}
