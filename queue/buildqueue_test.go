//go:build integration

package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pkgdocs/builder/db"
)

func setupQueueDB(t *testing.T) (*db.PostgresDB, func()) {
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

	return pgx, cleanup
}

func seedRelease(t *testing.T, pool *db.PostgresDB) uint {
	t.Helper()
	var id uint
	row := pool.QueryRow(context.Background(), `
		INSERT INTO crates (name, canonical_name, created_at, updated_at) VALUES ($1, $1, now(), now()) RETURNING id
	`, "serde")
	require.NoError(t, row.Scan(&id))

	var releaseID uint
	row = pool.QueryRow(context.Background(), `
		INSERT INTO releases (crate_id, version, created_at, updated_at) VALUES ($1, $2, now(), now()) RETURNING id
	`, id, "1.0.210")
	require.NoError(t, row.Scan(&releaseID))
	return releaseID
}

// seedOtherRelease adds another release of releaseID's crate, since Enqueue
// keeps at most one queued build per release.
func seedOtherRelease(t *testing.T, pool *db.PostgresDB, releaseID uint, version string) uint {
	t.Helper()
	var id uint
	row := pool.QueryRow(context.Background(), `
		INSERT INTO releases (crate_id, version, created_at, updated_at)
		SELECT crate_id, $2, now(), now() FROM releases WHERE id = $1 RETURNING id
	`, releaseID, version)
	require.NoError(t, row.Scan(&id))
	return id
}

func TestBuildQueue_EnqueueDequeueComplete(t *testing.T) {
	pool, cleanup := setupQueueDB(t)
	defer cleanup()

	q := NewBuildQueue(pool)
	releaseID := seedRelease(t, pool)

	buildID, err := q.Enqueue(context.Background(), releaseID, 0, "")
	require.NoError(t, err)
	assert.NotZero(t, buildID)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, buildID, item.BuildID)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, q.Complete(context.Background(), buildID))
}

func TestBuildQueue_PriorityOrdering(t *testing.T) {
	pool, cleanup := setupQueueDB(t)
	defer cleanup()

	q := NewBuildQueue(pool)
	releaseID := seedRelease(t, pool)
	otherReleaseID := seedOtherRelease(t, pool, releaseID, "1.0.211")

	lowPriorityID, err := q.Enqueue(context.Background(), releaseID, 10, "")
	require.NoError(t, err)
	highPriorityID, err := q.Enqueue(context.Background(), otherReleaseID, 0, "")
	require.NoError(t, err)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, highPriorityID, item.BuildID)

	item, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lowPriorityID, item.BuildID)
}

func TestBuildQueue_FailRetriesThenAbandons(t *testing.T) {
	pool, cleanup := setupQueueDB(t)
	defer cleanup()

	q := NewBuildQueue(pool)
	releaseID := seedRelease(t, pool)

	buildID, err := q.Enqueue(context.Background(), releaseID, 0, "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		require.NoError(t, q.Fail(context.Background(), buildID, "toolchain timeout", 3))
	}

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, item.Attempt)

	require.NoError(t, q.Fail(context.Background(), buildID, "toolchain timeout", 3))

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrEmpty, "build should be abandoned, not requeued, after hitting maxAttempts")
}

func TestBuildQueue_ConcurrentDequeueNeverDoubleClaims(t *testing.T) {
	pool, cleanup := setupQueueDB(t)
	defer cleanup()

	q := NewBuildQueue(pool)
	releaseID := seedRelease(t, pool)

	const n = 10
	for i := 0; i < n; i++ {
		id := releaseID
		if i > 0 {
			id = seedOtherRelease(t, pool, releaseID, fmt.Sprintf("2.0.%d", i))
		}
		_, err := q.Enqueue(context.Background(), id, i, "")
		require.NoError(t, err)
	}

	claimed := make(chan uint, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			item, err := q.Dequeue(context.Background())
			if err != nil {
				errs <- err
				return
			}
			claimed <- item.BuildID
		}()
	}

	seen := map[uint]bool{}
	for i := 0; i < n; i++ {
		select {
		case id := <-claimed:
			assert.False(t, seen[id], "build %d claimed more than once", id)
			seen[id] = true
		case err := <-errs:
			require.NoError(t, err)
		}
	}
	assert.Len(t, seen, n)
}
