//go:build integration

package watcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pkgdocs/builder/db"
	"github.com/pkgdocs/builder/queue"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]ChangeEntry
	calls   int
}

func (f *fakeSource) FetchSince(ctx context.Context, cursor string) ([]ChangeEntry, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.batches) {
		return nil, cursor, nil
	}
	entries := f.batches[f.calls]
	f.calls++
	return entries, fmt.Sprintf("cursor-%d", f.calls), nil
}

func setupWatcherEnv(t *testing.T) (*db.Store, *queue.BuildQueue, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req, Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	gdb, err := db.Connect(dsn)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	pgx, err := db.NewPostgresDB(dsn)
	require.NoError(t, err)

	cleanup := func() {
		pgx.Close()
		_ = container.Terminate(ctx)
	}

	return db.NewStore(gdb), queue.NewBuildQueue(pgx), cleanup
}

func newCursorFuncs() (func(key, fallback string) string, func(key, value string) error, map[string]string) {
	store := map[string]string{}
	var mu sync.Mutex
	getter := func(key, fallback string) string {
		mu.Lock()
		defer mu.Unlock()
		if v, ok := store[key]; ok {
			return v
		}
		return fallback
	}
	setter := func(key, value string) error {
		mu.Lock()
		defer mu.Unlock()
		store[key] = value
		return nil
	}
	return getter, setter, store
}

func TestWatcher_IngestsNewReleasesAndEnqueuesBuilds(t *testing.T) {
	store, buildq, cleanup := setupWatcherEnv(t)
	defer cleanup()

	source := &fakeSource{batches: [][]ChangeEntry{
		{{CrateName: "serde", Version: "1.0.210", Kind: ChangeAdded}},
	}}
	getter, setter, cursors := newCursorFuncs()

	w := New(source, store, buildq, nil, nil, Config{PollInterval: time.Hour}, getter, setter)
	require.NoError(t, w.tick(context.Background()))

	assert.Equal(t, "cursor-1", cursors["watcher.cursor"])

	item, err := buildq.Dequeue(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, item.ReleaseID)
}

func TestWatcher_PublishedPreYankedStillBuildsButIsFlaggedYanked(t *testing.T) {
	store, buildq, cleanup := setupWatcherEnv(t)
	defer cleanup()

	source := &fakeSource{batches: [][]ChangeEntry{
		{{CrateName: "leftpad", Version: "0.0.1", Kind: ChangeAddedAndYanked}},
	}}
	getter, setter, _ := newCursorFuncs()

	w := New(source, store, buildq, nil, nil, Config{PollInterval: time.Hour}, getter, setter)
	require.NoError(t, w.tick(context.Background()))

	item, err := buildq.Dequeue(context.Background())
	require.NoError(t, err, "a yanked-on-publish release still gets its docs built")

	crate, err := store.FindCrateByName("leftpad")
	require.NoError(t, err)
	release, err := store.FindRelease(crate.ID, "0.0.1")
	require.NoError(t, err)
	assert.True(t, release.Yanked)
	assert.Equal(t, release.ID, item.ReleaseID)
}

func TestWatcher_YankRemovesNothingFromQueueButFlagsRelease(t *testing.T) {
	store, buildq, cleanup := setupWatcherEnv(t)
	defer cleanup()

	source := &fakeSource{batches: [][]ChangeEntry{
		{{CrateName: "regex", Version: "1.10.0", Kind: ChangeAdded}},
		{{CrateName: "regex", Version: "1.10.0", Kind: ChangeYanked}},
	}}
	getter, setter, _ := newCursorFuncs()

	w := New(source, store, buildq, nil, nil, Config{PollInterval: time.Hour}, getter, setter)
	require.NoError(t, w.tick(context.Background()))
	require.NoError(t, w.tick(context.Background()))

	crate, err := store.FindCrateByName("regex")
	require.NoError(t, err)
	release, err := store.FindRelease(crate.ID, "1.10.0")
	require.NoError(t, err)
	assert.True(t, release.Yanked)

	item, err := buildq.Dequeue(context.Background())
	require.NoError(t, err, "the yank must leave the queued build in place")
	assert.Equal(t, release.ID, item.ReleaseID)
}

func TestWatcher_DoesNotDoubleEnqueueAlreadyBuiltRelease(t *testing.T) {
	store, buildq, cleanup := setupWatcherEnv(t)
	defer cleanup()

	source := &fakeSource{batches: [][]ChangeEntry{
		{{CrateName: "anyhow", Version: "1.0.90", Kind: ChangeAdded}},
		{{CrateName: "anyhow", Version: "1.0.90", Kind: ChangeAdded}},
	}}
	getter, setter, _ := newCursorFuncs()

	w := New(source, store, buildq, nil, nil, Config{PollInterval: time.Hour}, getter, setter)
	require.NoError(t, w.tick(context.Background()))
	require.NoError(t, w.tick(context.Background()))

	_, err := buildq.Dequeue(context.Background())
	require.NoError(t, err)
	_, err = buildq.Dequeue(context.Background())
	assert.ErrorIs(t, err, queue.ErrEmpty, "second ingestion of the same release should not enqueue a duplicate build")
}
