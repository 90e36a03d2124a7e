// Package cdn implements the CDN Invalidator (C7): a two-stage queue that
// batches path-pattern invalidations into provider requests bounded by a
// concurrency budget, so a burst of crate publishes never exceeds the CDN
// provider's own concurrent-invalidation ceiling.
package cdn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pkgdocs/builder/db"
)

// MaxConcurrentWildcardInvalidations caps how many patterns may be active at
// the provider simultaneously, leaving headroom below the provider's own
// hard ceiling for manual operator-issued invalidations.
const MaxConcurrentWildcardInvalidations = 13

// Pattern is a single stage-1 queue row: one path pattern awaiting
// submission to the CDN provider.
type Pattern struct {
	ID                 uint
	DistributionID      string
	PathPattern         string
	CrateName           string
	QueuedAt            time.Time
	ProviderRef         string
	CreatedInProviderAt *time.Time
}

// ActiveInvalidation is a provider-reported in-progress invalidation.
type ActiveInvalidation struct {
	ProviderRef string
	Patterns    []string
}

// Provider is the CDN-specific collaborator this component depends on but
// does not implement; the concrete provider wire protocol (e.g. CloudFront)
// is out of scope for this system.
type Provider interface {
	ListActiveInvalidations(ctx context.Context, distributionID string) ([]ActiveInvalidation, error)
	CreateInvalidation(ctx context.Context, distributionID string, callerRef string, patterns []string) (providerRef string, err error)
}

// Invalidator manages the two-stage pattern/provider-request queue.
type Invalidator struct {
	pool             *db.PostgresDB
	provider         Provider
	cachingDisabled  bool
}

// New constructs an Invalidator. When cachingDisabled is true,
// EnqueueCrateInvalidation is a no-op. The CLI sets it when the configured
// CDN provider is "noop"; no separate configuration switch controls it.
func New(pool *db.PostgresDB, provider Provider, cachingDisabled bool) *Invalidator {
	return &Invalidator{pool: pool, provider: provider, cachingDisabled: cachingDisabled}
}

// EnqueueCrateInvalidation issues, in one transaction, the patterns required
// for a crate's content to be invalidated: `/<name>*` and `/crate/<name>*` on
// the "web" distribution, and `/rustdoc/<name>*` on the "static" one.
func (inv *Invalidator) EnqueueCrateInvalidation(ctx context.Context, crateName string) error {
	if inv.cachingDisabled {
		return nil
	}

	patterns := []struct {
		distribution string
		pattern      string
	}{
		{"web", fmt.Sprintf("/%s*", crateName)},
		{"web", fmt.Sprintf("/crate/%s*", crateName)},
		{"static", fmt.Sprintf("/rustdoc/%s*", crateName)},
	}

	tx, err := inv.pool.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range patterns {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cdn_pattern_queue (distribution_id, path_pattern, crate_name, queued_at)
			VALUES ($1, $2, $3, now())
		`, p.distribution, p.pattern, crateName); err != nil {
			return fmt.Errorf("enqueue pattern %s: %w", p.pattern, err)
		}
	}

	return tx.Commit(ctx)
}

// RunOnce reconciles one distribution's pattern queue against the provider:
// it retires completed invalidations, computes remaining budget against
// MaxConcurrentWildcardInvalidations, and submits as many queued patterns as
// the budget allows in a single provider call. Callers must serialize
// invocations per distribution id; this reconciler is single-writer.
func (inv *Invalidator) RunOnce(ctx context.Context, distributionID string) error {
	active, err := inv.provider.ListActiveInvalidations(ctx, distributionID)
	if err != nil {
		return fmt.Errorf("list active invalidations for %s: %w", distributionID, err)
	}

	activeRefs := make(map[string]bool, len(active))
	activePatternCount := 0
	for _, a := range active {
		activeRefs[a.ProviderRef] = true
		activePatternCount += len(a.Patterns)
	}

	if err := inv.retireCompleted(ctx, distributionID, activeRefs); err != nil {
		return fmt.Errorf("retire completed invalidations: %w", err)
	}

	budget := MaxConcurrentWildcardInvalidations - activePatternCount
	if budget <= 0 {
		return nil
	}

	return inv.submitBatch(ctx, distributionID, budget)
}

func (inv *Invalidator) retireCompleted(ctx context.Context, distributionID string, activeRefs map[string]bool) error {
	rows, err := inv.pool.Query(ctx, `
		SELECT id, provider_ref, queued_at FROM cdn_pattern_queue
		WHERE distribution_id = $1 AND provider_ref IS NOT NULL AND provider_ref != ''
	`, distributionID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var toDelete []uint
	for rows.Next() {
		var id uint
		var ref string
		var queuedAt time.Time
		if err := rows.Scan(&id, &ref, &queuedAt); err != nil {
			return err
		}
		if !activeRefs[ref] {
			toDelete = append(toDelete, id)
			logrus.WithFields(logrus.Fields{
				"distribution": distributionID,
				"latency":      time.Since(queuedAt).String(),
			}).Info("cdn invalidator: pattern completed")
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range toDelete {
		if _, err := inv.pool.Pool().Exec(ctx, `DELETE FROM cdn_pattern_queue WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete completed pattern %d: %w", id, err)
		}
	}
	return nil
}

func (inv *Invalidator) submitBatch(ctx context.Context, distributionID string, budget int) error {
	tx, err := inv.pool.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin submit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, path_pattern FROM cdn_pattern_queue
		WHERE distribution_id = $1 AND (provider_ref IS NULL OR provider_ref = '')
		ORDER BY queued_at, id
		FOR UPDATE
		LIMIT $2
	`, distributionID, budget)
	if err != nil {
		return err
	}

	var ids []uint
	var patterns []string
	for rows.Next() {
		var id uint
		var pattern string
		if err := rows.Scan(&id, &pattern); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
		patterns = append(patterns, pattern)
	}
	rowsErr := rows.Err()
	rows.Close()
	if rowsErr != nil {
		return rowsErr
	}

	if len(patterns) == 0 {
		return tx.Commit(ctx)
	}

	callerRef := uuid.New().String()
	providerRef, err := inv.provider.CreateInvalidation(ctx, distributionID, callerRef, patterns)
	if err != nil {
		return fmt.Errorf("create provider invalidation: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.Exec(ctx, `
			UPDATE cdn_pattern_queue SET provider_ref = $2, created_in_provider_at = now()
			WHERE id = $1
		`, id, providerRef); err != nil {
			return fmt.Errorf("stamp provider ref on pattern %d: %w", id, err)
		}
	}

	return tx.Commit(ctx)
}
