package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pkgdocs/builder/storage"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestEngine_PackAndOpen_Store(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"serde/index.html":             "<html>serde docs</html>",
		"serde/struct.Serializer.html": "<html>Serializer</html>",
	})

	blobs := storage.NewMemoryBackend()
	engine := NewEngine(blobs, t.TempDir(), CodecStore)

	result, err := engine.Pack(ctx, root, "serde/1.0.210/serde")
	require.NoError(t, err)
	assert.Equal(t, "serde/1.0.210/serde.zip", result.ArchiveKey)
	assert.NotEmpty(t, result.Digest)

	rc, err := engine.Open(ctx, result.ArchiveKey, result.IndexKey, "serde/struct.Serializer.html")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "<html>Serializer</html>", string(data))
}

func TestEngine_PackAndOpen_Deflate(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"index.html": "<html>compressible content compressible content compressible content</html>",
	})

	blobs := storage.NewMemoryBackend()
	engine := NewEngine(blobs, t.TempDir(), CodecDeflate)

	result, err := engine.Pack(ctx, root, "tokio/1.40.0/tokio")
	require.NoError(t, err)

	rc, err := engine.Open(ctx, result.ArchiveKey, result.IndexKey, "index.html")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "<html>compressible content compressible content compressible content</html>", string(data))
}

func TestEngine_PackAndOpen_Zstd(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"index.html": "zstd-compressed documentation content repeated repeated repeated",
	})

	blobs := storage.NewMemoryBackend()
	engine := NewEngine(blobs, t.TempDir(), CodecZstd)

	result, err := engine.Pack(ctx, root, "anyhow/1.0.90/anyhow")
	require.NoError(t, err)

	rc, err := engine.Open(ctx, result.ArchiveKey, result.IndexKey, "index.html")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "zstd-compressed documentation content repeated repeated repeated", string(data))
}

func TestEngine_Open_MissingPath(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{"index.html": "x"})

	blobs := storage.NewMemoryBackend()
	engine := NewEngine(blobs, t.TempDir(), CodecStore)

	result, err := engine.Pack(ctx, root, "crate/1.0.0/crate")
	require.NoError(t, err)

	_, err = engine.Open(ctx, result.ArchiveKey, result.IndexKey, "nonexistent.html")
	require.Error(t, err)
	var nfe *NotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestEngine_IndexCache_ReusesLocalCopy(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{"index.html": "cached"})

	blobs := storage.NewMemoryBackend()
	cacheDir := t.TempDir()
	engine := NewEngine(blobs, cacheDir, CodecStore)

	result, err := engine.Pack(ctx, root, "crate/1.0.0/crate")
	require.NoError(t, err)

	_, err = engine.Open(ctx, result.ArchiveKey, result.IndexKey, "index.html")
	require.NoError(t, err)

	require.NoError(t, blobs.DeletePrefix(ctx, result.IndexKey))

	_, err = engine.Open(ctx, result.ArchiveKey, result.IndexKey, "index.html")
	require.NoError(t, err, "second open should be served from the local index cache")
}

func TestEngine_Open_PurgesStaleIndexAndRetries(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{"index.html": "first release content"})

	blobs := storage.NewMemoryBackend()
	cacheDir := t.TempDir()
	engine := NewEngine(blobs, cacheDir, CodecZstd)

	result, err := engine.Pack(ctx, root, "crate/1.0.0/crate")
	require.NoError(t, err)

	rc, err := engine.Open(ctx, result.ArchiveKey, result.IndexKey, "index.html")
	require.NoError(t, err)
	rc.Close()

	// Simulate the archive being repacked under the same keys without the
	// cached index being invalidated: the cached index's byte offsets now
	// point into a zstd frame that isn't there anymore.
	require.NoError(t, blobs.DeletePrefix(ctx, result.ArchiveKey))
	root2 := t.TempDir()
	writeTree(t, root2, map[string]string{"index.html": "second release, much longer replacement content"})
	_, err = engine.Pack(ctx, root2, "crate/1.0.0/crate")
	require.NoError(t, err)

	rc, err = engine.Open(ctx, result.ArchiveKey, result.IndexKey, "index.html")
	require.NoError(t, err, "stale index should be purged and the lookup retried against a fresh one")
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "second release, much longer replacement content", string(data))
}
