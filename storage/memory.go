package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is an in-process Blobs implementation for unit tests and
// local development without a real S3-compatible endpoint.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[string][]byte
	meta    map[string]ObjectInfo
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[string][]byte),
		meta:    make(map[string]ObjectInfo),
	}
}

func (m *MemoryBackend) Put(_ context.Context, key string, body io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read body for %s: %w", key, err)
	}
	etag, err := CalculateMD5(bytes.NewReader(data))
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.meta[key] = ObjectInfo{Key: key, Size: int64(len(data)), ETag: etag, LastModified: time.Now().Unix()}
	return etag, nil
}

func (m *MemoryBackend) PutBatch(ctx context.Context, items []PutRequest) []PutResult {
	results := make([]PutResult, len(items))
	for i, item := range items {
		etag, err := m.Put(ctx, item.Key, item.Body, item.Size)
		results[i] = PutResult{Key: item.Key, ETag: etag, Success: err == nil, Err: err}
	}
	return results
}

func (m *MemoryBackend) Get(_ context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ObjectInfo{}, &NotFoundError{Key: key}
	}
	return io.NopCloser(bytes.NewReader(data)), m.meta[key], nil
}

func (m *MemoryBackend) GetRange(_ context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, &NotFoundError{Key: key}
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, fmt.Errorf("range offset %d out of bounds for %s (size %d)", offset, key, len(data))
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return io.NopCloser(bytes.NewReader(data[offset:end])), nil
}

func (m *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryBackend) ListPrefix(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []ObjectInfo
	for key, info := range m.meta {
		if strings.HasPrefix(key, prefix) {
			results = append(results, info)
		}
	}
	return results, nil
}

func (m *MemoryBackend) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
			delete(m.meta, key)
		}
	}
	return nil
}

// NotFoundError indicates a requested object key does not exist in the backend.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("object not found: %s", e.Key)
}
