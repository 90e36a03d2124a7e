package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_PutGet(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	content := []byte("pub fn hello() {}")
	etag, err := backend.Put(ctx, "crate/1.0.0/src/lib.rs", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	rc, info, err := backend.Get(ctx, "crate/1.0.0/src/lib.rs")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, etag, info.ETag)
	assert.Equal(t, int64(len(content)), info.Size)
}

func TestMemoryBackend_GetMissing(t *testing.T) {
	backend := NewMemoryBackend()
	_, _, err := backend.Get(context.Background(), "does/not/exist")
	require.Error(t, err)
	var nfe *NotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestMemoryBackend_GetRange(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	content := []byte("0123456789abcdef")
	_, err := backend.Put(ctx, "archive.zip", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	rc, err := backend.GetRange(ctx, "archive.zip", 4, 6)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(data))
}

func TestMemoryBackend_GetRange_ClampsToEnd(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	content := []byte("short")
	_, err := backend.Put(ctx, "k", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	rc, err := backend.GetRange(ctx, "k", 2, 100)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "ort", string(data))
}

func TestMemoryBackend_Exists(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	ok, err := backend.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = backend.Put(ctx, "present", bytes.NewReader([]byte("x")), 1)
	require.NoError(t, err)

	ok, err = backend.Exists(ctx, "present")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryBackend_ListAndDeletePrefix(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	keys := []string{
		"serde/1.0.0/index.html",
		"serde/1.0.0/lib.html",
		"serde/2.0.0/index.html",
	}
	for _, k := range keys {
		_, err := backend.Put(ctx, k, bytes.NewReader([]byte("x")), 1)
		require.NoError(t, err)
	}

	listed, err := backend.ListPrefix(ctx, "serde/1.0.0/")
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, backend.DeletePrefix(ctx, "serde/1.0.0/"))

	listed, err = backend.ListPrefix(ctx, "serde/1.0.0/")
	require.NoError(t, err)
	assert.Empty(t, listed)

	listed, err = backend.ListPrefix(ctx, "serde/2.0.0/")
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestMemoryBackend_PutBatch(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	items := []PutRequest{
		{Key: "a", Body: bytes.NewReader([]byte("1")), Size: 1},
		{Key: "b", Body: bytes.NewReader([]byte("22")), Size: 2},
	}

	results := backend.PutBatch(ctx, items)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.NotEmpty(t, r.ETag)
	}
}

func TestCalculateMD5(t *testing.T) {
	digest, err := CalculateMD5(bytes.NewReader([]byte("")))
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", digest)
}
