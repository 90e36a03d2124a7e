package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkgdocs/builder/storage"
)

// LocalCache keeps a process-local copy of sidecar indices on disk, keyed by
// a hash of the blob store key so index keys containing slashes don't need
// to be mirrored as a directory tree. Concurrent requests for the same index
// key are serialized per-key so only one goroutine fetches from the blob
// store while the rest wait on the same result.
type LocalCache struct {
	dir string

	mu     sync.Mutex
	inFlight map[string]*sync.Mutex
}

// NewLocalCache creates a LocalCache rooted at dir, creating it if missing.
func NewLocalCache(dir string) *LocalCache {
	_ = os.MkdirAll(dir, 0o755)
	return &LocalCache{dir: dir, inFlight: make(map[string]*sync.Mutex)}
}

func (c *LocalCache) pathFor(indexKey string) string {
	sum := sha256.Sum256([]byte(indexKey))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".index.json")
}

func (c *LocalCache) lockFor(indexKey string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.inFlight[indexKey]
	if !ok {
		m = &sync.Mutex{}
		c.inFlight[indexKey] = m
	}
	return m
}

// Index returns the sidecar index for indexKey, reading it from the local
// on-disk cache when present and otherwise downloading it from blobs and
// writing it back via a temp-file-plus-rename so a crash mid-write never
// leaves a corrupt cache entry for the next reader to trip over.
func (c *LocalCache) Index(ctx context.Context, blobs storage.Blobs, indexKey string) (*Index, error) {
	keyLock := c.lockFor(indexKey)
	keyLock.Lock()
	defer keyLock.Unlock()

	cachePath := c.pathFor(indexKey)

	if f, err := os.Open(cachePath); err == nil {
		defer f.Close()
		idx, err := UnmarshalIndex(f)
		if err == nil {
			return idx, nil
		}
		// Fall through and repair a corrupt cache entry by refetching.
	}

	rc, _, err := blobs.Get(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("fetch index %s: %w", indexKey, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", indexKey, err)
	}

	if err := c.writeAtomic(cachePath, data); err != nil {
		return nil, fmt.Errorf("cache index %s: %w", indexKey, err)
	}

	idx, err := UnmarshalIndex(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse index %s: %w", indexKey, err)
	}
	return idx, nil
}

// Purge removes indexKey's on-disk cache entry, if any, so the next Index
// call re-fetches it from the blob store rather than reusing a stale copy.
func (c *LocalCache) Purge(indexKey string) error {
	err := os.Remove(c.pathFor(indexKey))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *LocalCache) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(c.dir, "idx-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}
