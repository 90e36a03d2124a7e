// Package queue implements the Build Queue (C3): a priority FIFO of pending
// documentation builds backed by PostgreSQL, using SELECT ... FOR UPDATE SKIP
// LOCKED so multiple Builder workers can dequeue concurrently without
// blocking on or double-claiming the same row.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pkgdocs/builder/db"
)

// ErrEmpty is returned by Dequeue when no claimable item is available.
var ErrEmpty = errors.New("build queue: no item available")

// ErrLocked is returned by Dequeue while the queue is locked (see
// Lock/Unlock), e.g. after a Builder worker failed to reinitialize its
// workspace and the queue is refusing new claims until an operator clears it.
var ErrLocked = errors.New("build queue: locked")

// Reserved priority values. Lower is more urgent (claimed sooner); items
// with priority >= PriorityContinuous are "rebuilds" the serving side lists
// separately from ordinary new-release builds.
const (
	PriorityDefault            = 0
	PriorityManualFromCratesIO = 5
	PriorityContinuous         = 10
	PriorityBrokenRustdoc      = 15
)

// Item is a single dequeued unit of work: one release's documentation build.
type Item struct {
	BuildID     uint
	ReleaseID   uint
	Priority    int
	Attempt     int
	RegistryURI string
}

// BuildQueue wraps a pgx pool with the queue's locking-sensitive operations.
// Entity reads/writes for Crate/Release/Build themselves go through the gorm
// models in package db; this type only owns the claim/complete/fail
// transitions that need row-level locking.
type BuildQueue struct {
	pool *db.PostgresDB
}

// NewBuildQueue wraps an existing pgx-backed connection pool.
func NewBuildQueue(pool *db.PostgresDB) *BuildQueue {
	return &BuildQueue{pool: pool}
}

// Enqueue inserts a queued build row for a release at the given priority, or
// is a no-op against an already-queued row for the same release except that
// priority may only decrease (become more urgent): adding the same release
// while it is still queued never delays it, and an explicit lower-priority
// request pulls it forward.
func (q *BuildQueue) Enqueue(ctx context.Context, releaseID uint, priority int, registryURI string) (uint, error) {
	tx, err := q.pool.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existingID uint
	var existingPriority int
	row := tx.QueryRow(ctx, `SELECT id, priority FROM builds WHERE release_id = $1 AND status = 'queued' FOR UPDATE`, releaseID)
	err = row.Scan(&existingID, &existingPriority)
	switch {
	case err == nil:
		if priority < existingPriority {
			if _, err := tx.Exec(ctx, `UPDATE builds SET priority = $2, updated_at = now() WHERE id = $1`, existingID, priority); err != nil {
				return 0, fmt.Errorf("lower priority for queued release %d: %w", releaseID, err)
			}
		}
		return existingID, tx.Commit(ctx)
	case errors.Is(err, pgx.ErrNoRows):
		// no queued row yet, fall through to insert
	default:
		return 0, fmt.Errorf("check existing queue entry for release %d: %w", releaseID, err)
	}

	var id uint
	insertRow := tx.QueryRow(ctx, `
		INSERT INTO builds (release_id, status, priority, attempt, registry_uri, created_at, updated_at)
		VALUES ($1, 'queued', $2, 0, $3, now(), now())
		RETURNING id
	`, releaseID, priority, registryURI)
	if err := insertRow.Scan(&id); err != nil {
		return 0, fmt.Errorf("enqueue release %d: %w", releaseID, err)
	}
	return id, tx.Commit(ctx)
}

// DeprioritizeOtherReleases pushes every other still-queued build for
// crateID's releases behind keepReleaseID's, onto the manual-priority tier,
// so a freshly observed release is never stuck behind its crate's own
// earlier, now-superseded versions.
func (q *BuildQueue) DeprioritizeOtherReleases(ctx context.Context, crateID, keepReleaseID uint) error {
	_, err := q.pool.Pool().Exec(ctx, `
		UPDATE builds b
		SET priority = GREATEST(b.priority, $3), updated_at = now()
		FROM releases r
		WHERE b.release_id = r.id AND r.crate_id = $1 AND b.release_id != $2 AND b.status = 'queued'
	`, crateID, keepReleaseID, PriorityManualFromCratesIO)
	if err != nil {
		return fmt.Errorf("deprioritize other releases of crate %d: %w", crateID, err)
	}
	return nil
}

// RemoveVersionFromQueue deletes any still-queued build row for a release,
// used when the watcher observes an index-level version deletion.
func (q *BuildQueue) RemoveVersionFromQueue(ctx context.Context, releaseID uint) error {
	if _, err := q.pool.Pool().Exec(ctx, `DELETE FROM builds WHERE release_id = $1 AND status = 'queued'`, releaseID); err != nil {
		return fmt.Errorf("remove release %d from queue: %w", releaseID, err)
	}
	return nil
}

// RemoveCrateFromQueue deletes every still-queued build row belonging to any
// release of crateID, used when the watcher observes a crate deletion.
func (q *BuildQueue) RemoveCrateFromQueue(ctx context.Context, crateID uint) error {
	_, err := q.pool.Pool().Exec(ctx, `
		DELETE FROM builds USING releases
		WHERE builds.release_id = releases.id AND releases.crate_id = $1 AND builds.status = 'queued'
	`, crateID)
	if err != nil {
		return fmt.Errorf("remove crate %d from queue: %w", crateID, err)
	}
	return nil
}

// HasBuildQueued reports whether releaseID already has a queued (not yet
// claimed) build row, letting callers skip a redundant Enqueue round-trip.
func (q *BuildQueue) HasBuildQueued(ctx context.Context, releaseID uint) (bool, error) {
	var n int
	row := q.pool.QueryRow(ctx, `SELECT count(*) FROM builds WHERE release_id = $1 AND status = 'queued'`, releaseID)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("check queued build for release %d: %w", releaseID, err)
	}
	return n > 0, nil
}

// QueuedCrates lists the distinct crate names with at least one queued
// build, for the serving side's "build in progress" listing.
func (q *BuildQueue) QueuedCrates(ctx context.Context) ([]string, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT DISTINCT c.name FROM builds b
		JOIN releases r ON r.id = b.release_id
		JOIN crates c ON c.id = r.crate_id
		WHERE b.status = 'queued'
		ORDER BY c.name
	`)
	if err != nil {
		return nil, fmt.Errorf("list queued crates: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan queued crate name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PendingCountByPriority groups queued builds by priority, for the status
// page's "N rebuilds, M regular builds pending" breakdown.
func (q *BuildQueue) PendingCountByPriority(ctx context.Context) (map[int]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT priority, count(*) FROM builds WHERE status = 'queued' GROUP BY priority`)
	if err != nil {
		return nil, fmt.Errorf("count queued builds by priority: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var priority, n int
		if err := rows.Scan(&priority, &n); err != nil {
			return nil, fmt.Errorf("scan priority count: %w", err)
		}
		counts[priority] = n
	}
	return counts, rows.Err()
}

// Lock marks the queue locked, e.g. after a Builder worker failed to
// reinitialize its workspace; Dequeue refuses new claims until Unlock.
func (q *BuildQueue) Lock(ctx context.Context, reason string) error {
	_, err := q.pool.Pool().Exec(ctx, `
		INSERT INTO queue_lock (id, locked, reason, locked_at) VALUES (1, true, $1, now())
		ON CONFLICT (id) DO UPDATE SET locked = true, reason = $1, locked_at = now()
	`, reason)
	if err != nil {
		return fmt.Errorf("lock build queue: %w", err)
	}
	return nil
}

// Unlock clears a queue lock set by Lock.
func (q *BuildQueue) Unlock(ctx context.Context) error {
	_, err := q.pool.Pool().Exec(ctx, `
		INSERT INTO queue_lock (id, locked, reason, locked_at) VALUES (1, false, '', now())
		ON CONFLICT (id) DO UPDATE SET locked = false, reason = '', locked_at = now()
	`)
	if err != nil {
		return fmt.Errorf("unlock build queue: %w", err)
	}
	return nil
}

// IsLocked reports whether the queue is currently locked.
func (q *BuildQueue) IsLocked(ctx context.Context) (bool, error) {
	var locked bool
	row := q.pool.QueryRow(ctx, `SELECT locked FROM queue_lock WHERE id = 1`)
	if err := row.Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check build queue lock: %w", err)
	}
	return locked, nil
}

// Dequeue claims the highest-priority queued build, marking it running and
// stamping started_at, inside a single transaction so the claim is atomic
// even under concurrent callers racing for the same row.
func (q *BuildQueue) Dequeue(ctx context.Context) (*Item, error) {
	tx, err := q.pool.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	lockRow := tx.QueryRow(ctx, `SELECT locked FROM queue_lock WHERE id = 1`)
	if err := lockRow.Scan(&locked); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check queue lock: %w", err)
	}
	if locked {
		return nil, ErrLocked
	}

	var item Item
	row := tx.QueryRow(ctx, `
		SELECT id, release_id, priority, attempt, registry_uri
		FROM builds
		WHERE status = 'queued'
		ORDER BY priority ASC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`)

	if err := row.Scan(&item.BuildID, &item.ReleaseID, &item.Priority, &item.Attempt, &item.RegistryURI); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("claim queued build: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE builds SET status = 'running', started_at = now(), updated_at = now()
		WHERE id = $1
	`, item.BuildID); err != nil {
		return nil, fmt.Errorf("mark build %d running: %w", item.BuildID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit dequeue tx: %w", err)
	}

	return &item, nil
}

// Complete marks a build succeeded.
func (q *BuildQueue) Complete(ctx context.Context, buildID uint) error {
	_, err := q.pool.Pool().Exec(ctx, `
		UPDATE builds SET status = 'succeeded', finished_at = now(), updated_at = now()
		WHERE id = $1
	`, buildID)
	if err != nil {
		return fmt.Errorf("complete build %d: %w", buildID, err)
	}
	return nil
}

// Fail marks a build failed, recording the reason, and re-queues it for
// later retry with its priority left unchanged (deprioritization is a
// distinct, explicit operation — see DeprioritizeOtherReleases) up to
// maxAttempts; beyond that it is left in the terminal "abandoned" status for
// operator attention.
func (q *BuildQueue) Fail(ctx context.Context, buildID uint, reason string, maxAttempts int) error {
	tx, err := q.pool.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempt int
	row := tx.QueryRow(ctx, `SELECT attempt FROM builds WHERE id = $1 FOR UPDATE`, buildID)
	if err := row.Scan(&attempt); err != nil {
		return fmt.Errorf("load build %d: %w", buildID, err)
	}

	attempt++
	status := "queued"
	if attempt >= maxAttempts {
		status = "abandoned"
	}

	if _, err := tx.Exec(ctx, `
		UPDATE builds
		SET status = $2, attempt = $3, error_reason = $4,
		    finished_at = now(), updated_at = now()
		WHERE id = $1
	`, buildID, status, attempt, reason); err != nil {
		return fmt.Errorf("fail build %d: %w", buildID, err)
	}

	return tx.Commit(ctx)
}

// Depth reports the number of builds currently queued, used for the serving
// side's "build in progress" status pages and for basic capacity alarms.
func (q *BuildQueue) Depth(ctx context.Context) (int, error) {
	var n int
	row := q.pool.QueryRow(ctx, `SELECT count(*) FROM builds WHERE status = 'queued'`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ReclaimStale marks builds stuck in "running" past staleAfter back to
// "queued", recovering from a Builder worker that crashed mid-build without
// marking the row failed.
func (q *BuildQueue) ReclaimStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	tag, err := q.pool.Pool().Exec(ctx, `
		UPDATE builds
		SET status = 'queued', updated_at = now()
		WHERE status = 'running' AND started_at < now() - $1::interval
	`, staleAfter.String())
	if err != nil {
		return 0, fmt.Errorf("reclaim stale builds: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
