//go:build integration

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testAccessKey = "minioadmin"
	testSecretKey = "minioadmin"
	testRegion    = "us-east-1"
	testBucket    = "test-bucket"
)

// setupMinIOContainer starts a MinIO container for S3-compatible testing
func setupMinIOContainer(t *testing.T) (string, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     testAccessKey,
			"MINIO_ROOT_PASSWORD": testSecretKey,
		},
		Cmd: []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").
			WithPort("9000/tcp").
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "Failed to start MinIO container")

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	url := fmt.Sprintf("http://%s:%s", host, port.Port())

	cleanup := func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}

	return url, cleanup
}

func newTestBackend(t *testing.T, endpoint string) *S3Backend {
	ctx := context.Background()
	backend, err := NewS3Backend(ctx, S3Config{
		Bucket:         testBucket,
		Region:         testRegion,
		Endpoint:       endpoint,
		AccessKey:      testAccessKey,
		SecretKey:      testSecretKey,
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	require.NoError(t, backend.EnsureBucket(ctx))
	return backend
}

func TestS3Backend_Integration_PutGet(t *testing.T) {
	url, cleanup := setupMinIOContainer(t)
	defer cleanup()

	ctx := context.Background()
	backend := newTestBackend(t, url)

	content := []byte("Hello MinIO!")
	etag, err := backend.Put(ctx, "test/upload.txt", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	assert.NotEmpty(t, etag)

	rc, info, err := backend.Get(ctx, "test/upload.txt")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, etag, info.ETag)
}

func TestS3Backend_Integration_GetMissing(t *testing.T) {
	url, cleanup := setupMinIOContainer(t)
	defer cleanup()

	ctx := context.Background()
	backend := newTestBackend(t, url)

	_, _, err := backend.Get(ctx, "nonexistent/file.txt")
	assert.Error(t, err)
}

func TestS3Backend_Integration_ListPrefix(t *testing.T) {
	url, cleanup := setupMinIOContainer(t)
	defer cleanup()

	ctx := context.Background()
	backend := newTestBackend(t, url)

	files := []string{"file1.txt", "file2.txt", "file3.txt"}
	for _, filename := range files {
		_, err := backend.Put(ctx, "test/"+filename, bytes.NewReader([]byte("test content")), 12)
		require.NoError(t, err)
	}

	objects, err := backend.ListPrefix(ctx, "test/")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(objects), 3)

	keys := make([]string, len(objects))
	for i, obj := range objects {
		keys[i] = obj.Key
	}
	for _, filename := range files {
		assert.Contains(t, keys, "test/"+filename)
	}
}

func TestS3Backend_Integration_GetRange(t *testing.T) {
	url, cleanup := setupMinIOContainer(t)
	defer cleanup()

	ctx := context.Background()
	backend := newTestBackend(t, url)

	content := []byte("0123456789abcdef")
	_, err := backend.Put(ctx, "range-test.bin", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	rc, err := backend.GetRange(ctx, "range-test.bin", 4, 6)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(data))
}

func TestS3Backend_Integration_DeletePrefix(t *testing.T) {
	url, cleanup := setupMinIOContainer(t)
	defer cleanup()

	ctx := context.Background()
	backend := newTestBackend(t, url)

	testFiles := map[string]string{
		"prefix/file1.txt":      "content 1",
		"prefix/dir1/file2.txt": "content 2",
		"prefix/dir2/file3.txt": "content 3",
	}
	for key, content := range testFiles {
		_, err := backend.Put(ctx, key, bytes.NewReader([]byte(content)), int64(len(content)))
		require.NoError(t, err)
	}

	require.NoError(t, backend.DeletePrefix(ctx, "prefix/"))

	objects, err := backend.ListPrefix(ctx, "prefix/")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestS3Backend_Integration_PutBatch(t *testing.T) {
	url, cleanup := setupMinIOContainer(t)
	defer cleanup()

	ctx := context.Background()
	backend := newTestBackend(t, url)

	items := []PutRequest{
		{Key: "batch/a.txt", Body: bytes.NewReader([]byte("a")), Size: 1},
		{Key: "batch/b.txt", Body: bytes.NewReader([]byte("bb")), Size: 2},
		{Key: "batch/c.txt", Body: bytes.NewReader([]byte("ccc")), Size: 3},
	}

	results := backend.PutBatch(ctx, items)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success, "upload of %s should succeed", r.Key)
	}
}
