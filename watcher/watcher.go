// Package watcher implements the Index Watcher (C4): a periodic poll of the
// package registry's change log that drives every mutation the rest of the
// system reacts to — new releases, yanks, and deletions. Grounded in the
// teacher's worker.Pool/Worker loop shape (worker/pool.go), generalized from
// a job-dequeue loop to a fixed-interval poll loop.
package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/pkgdocs/builder/cdn"
	"github.com/pkgdocs/builder/db"
	"github.com/pkgdocs/builder/queue"
	"github.com/pkgdocs/builder/storage"
)

// ChangeKind enumerates the distinct mutations a change-log entry can carry.
type ChangeKind string

const (
	ChangeAdded            ChangeKind = "added"
	ChangeAddedAndYanked   ChangeKind = "added_and_yanked"
	ChangeYanked           ChangeKind = "yanked"
	ChangeUnyanked         ChangeKind = "unyanked"
	ChangeVersionDeleted   ChangeKind = "version_deleted"
	ChangeCrateDeleted     ChangeKind = "crate_deleted"
)

// ChangeEntry describes one change-log record.
type ChangeEntry struct {
	CrateName   string
	Version     string
	Kind        ChangeKind
	RegistryURI string
	// Yanked retains the raw yanked flag the source reported, used by
	// FetchSince implementations that derive Kind from it rather than
	// from an explicit action field.
	Yanked bool
}

// ChangelogSource is the registry-specific collaborator this component
// depends on but does not implement; registry.HTTPChangelogSource is the
// implementation the watch command uses.
type ChangelogSource interface {
	// FetchSince returns change entries published after cursor, along with
	// the cursor to resume from on the next call.
	FetchSince(ctx context.Context, cursor string) (entries []ChangeEntry, nextCursor string, err error)
}

const configKeyCursor = "watcher.cursor"

// Watcher polls a ChangelogSource on a fixed interval and drives every
// crate/release mutation it observes through to the build queue, blob
// store, and CDN invalidation queue.
type Watcher struct {
	source       ChangelogSource
	store        *db.Store
	buildq       *queue.BuildQueue
	blobs        storage.Blobs
	cdnInv       *cdn.Invalidator
	pollInterval time.Duration
	configGetter func(key, fallback string) string
	configSetter func(key, value string) error
}

// Config configures the watcher's polling behavior.
type Config struct {
	PollInterval time.Duration
}

// New constructs a Watcher. configGetter/configSetter persist the change-log
// cursor across restarts via db.ConfigKV. cdnInv may be nil to disable CDN
// invalidation on ingest (e.g. in tests).
func New(source ChangelogSource, store *db.Store, buildq *queue.BuildQueue, blobs storage.Blobs, cdnInv *cdn.Invalidator, cfg Config, configGetter func(key, fallback string) string, configSetter func(key, value string) error) *Watcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		source:       source,
		store:        store,
		buildq:       buildq,
		blobs:        blobs,
		cdnInv:       cdnInv,
		pollInterval: interval,
		configGetter: configGetter,
		configSetter: configSetter,
	}
}

// Poll runs the watcher loop until ctx is cancelled, fetching and ingesting
// new change-log entries once per tick.
func (w *Watcher) Poll(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	if err := w.tick(ctx); err != nil {
		logrus.WithError(err).Warn("watcher: initial poll failed")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				logrus.WithError(err).Warn("watcher: poll failed")
			}
		}
	}
}

func (w *Watcher) tick(ctx context.Context) error {
	cursor := w.configGetter(configKeyCursor, "")

	entries, nextCursor, err := w.source.FetchSince(ctx, cursor)
	if err != nil {
		return fmt.Errorf("fetch changelog since %q: %w", cursor, err)
	}

	for _, entry := range entries {
		if err := w.ingest(ctx, entry); err != nil {
			logrus.WithFields(logrus.Fields{
				"crate":   entry.CrateName,
				"version": entry.Version,
				"kind":    entry.Kind,
			}).WithError(err).Error("watcher: failed to ingest change entry")
			continue
		}
	}

	if nextCursor != "" && nextCursor != cursor {
		if err := w.configSetter(configKeyCursor, nextCursor); err != nil {
			return fmt.Errorf("persist cursor %q: %w", nextCursor, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"entries": len(entries),
		"cursor":  nextCursor,
	}).Info("watcher: poll complete")
	return nil
}

// ingest drives one change-log entry's mutation through to the crate/release
// tables, the build queue, and CDN invalidation, branching on Kind the way
// the registry itself distinguishes a new publish from a yank/unyank from a
// deletion.
func (w *Watcher) ingest(ctx context.Context, entry ChangeEntry) error {
	switch entry.Kind {
	case ChangeAdded, ChangeAddedAndYanked:
		return w.ingestAdded(ctx, entry)
	case ChangeYanked:
		return w.ingestYankToggle(ctx, entry, true)
	case ChangeUnyanked:
		return w.ingestYankToggle(ctx, entry, false)
	case ChangeVersionDeleted:
		return w.ingestVersionDeleted(ctx, entry)
	case ChangeCrateDeleted:
		return w.ingestCrateDeleted(ctx, entry)
	default:
		return fmt.Errorf("unrecognized change kind %q", entry.Kind)
	}
}

func (w *Watcher) ingestAdded(ctx context.Context, entry ChangeEntry) error {
	crate, err := w.store.FirstOrCreateCrate(entry.CrateName)
	if err != nil {
		return fmt.Errorf("upsert crate %q: %w", entry.CrateName, err)
	}

	release, err := w.store.FirstOrCreateRelease(crate.ID, entry.Version)
	if err != nil {
		return fmt.Errorf("upsert release %s@%s: %w", entry.CrateName, entry.Version, err)
	}

	if entry.Kind == ChangeAddedAndYanked {
		if err := w.store.SetReleaseYanked(release.ID, true); err != nil {
			return fmt.Errorf("mark release %d yanked on publish: %w", release.ID, err)
		}
	}

	if len(release.Builds) == 0 {
		if _, err := w.buildq.Enqueue(ctx, release.ID, queue.PriorityDefault, entry.RegistryURI); err != nil {
			return fmt.Errorf("enqueue build for release %d: %w", release.ID, err)
		}
	}

	if err := w.buildq.DeprioritizeOtherReleases(ctx, crate.ID, release.ID); err != nil {
		return fmt.Errorf("deprioritize other releases of crate %d: %w", crate.ID, err)
	}

	w.enqueueInvalidation(ctx, crate.Name)
	return nil
}

func (w *Watcher) ingestYankToggle(ctx context.Context, entry ChangeEntry, yanked bool) error {
	crate, err := w.store.FindCrateByName(entry.CrateName)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			logrus.WithField("crate", entry.CrateName).Warn("watcher: yank toggle for unknown crate, ignoring")
			return nil
		}
		return fmt.Errorf("find crate %q: %w", entry.CrateName, err)
	}

	release, err := w.store.FindRelease(crate.ID, entry.Version)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			logrus.WithFields(logrus.Fields{"crate": entry.CrateName, "version": entry.Version}).Warn("watcher: yank toggle for unknown release, ignoring")
			return nil
		}
		return fmt.Errorf("find release %s@%s: %w", entry.CrateName, entry.Version, err)
	}

	if err := w.store.SetReleaseYanked(release.ID, yanked); err != nil {
		return fmt.Errorf("set release %d yanked=%v: %w", release.ID, yanked, err)
	}

	w.enqueueInvalidation(ctx, crate.Name)
	return nil
}

func (w *Watcher) ingestVersionDeleted(ctx context.Context, entry ChangeEntry) error {
	crate, err := w.store.FindCrateByName(entry.CrateName)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return fmt.Errorf("find crate %q: %w", entry.CrateName, err)
	}

	release, err := w.store.FindRelease(crate.ID, entry.Version)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return fmt.Errorf("find release %s@%s: %w", entry.CrateName, entry.Version, err)
	}

	if err := w.buildq.RemoveVersionFromQueue(ctx, release.ID); err != nil {
		return fmt.Errorf("remove release %d from queue: %w", release.ID, err)
	}

	if w.blobs != nil && release.ArchiveKey != "" {
		if err := w.blobs.DeletePrefix(ctx, fmt.Sprintf("rustdoc/%s/%s", crate.Name, release.Version)); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"crate": crate.Name, "version": release.Version}).Warn("watcher: failed to delete release archive, continuing")
		}
		if err := w.blobs.DeletePrefix(ctx, fmt.Sprintf("sources/%s/%s", crate.Name, release.Version)); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"crate": crate.Name, "version": release.Version}).Warn("watcher: failed to delete release source archive, continuing")
		}
	}

	if err := w.store.DeleteRelease(release.ID); err != nil {
		return fmt.Errorf("delete release %d: %w", release.ID, err)
	}

	w.enqueueInvalidation(ctx, crate.Name)
	return nil
}

func (w *Watcher) ingestCrateDeleted(ctx context.Context, entry ChangeEntry) error {
	crate, err := w.store.FindCrateByName(entry.CrateName)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return fmt.Errorf("find crate %q: %w", entry.CrateName, err)
	}

	if err := w.buildq.RemoveCrateFromQueue(ctx, crate.ID); err != nil {
		return fmt.Errorf("remove crate %d from queue: %w", crate.ID, err)
	}

	if w.blobs != nil {
		if err := w.blobs.DeletePrefix(ctx, fmt.Sprintf("rustdoc/%s/", crate.Name)); err != nil {
			logrus.WithError(err).WithField("crate", crate.Name).Warn("watcher: failed to delete crate archives, continuing")
		}
		if err := w.blobs.DeletePrefix(ctx, fmt.Sprintf("sources/%s/", crate.Name)); err != nil {
			logrus.WithError(err).WithField("crate", crate.Name).Warn("watcher: failed to delete crate source archives, continuing")
		}
	}

	if err := w.store.DeleteCrate(crate.ID); err != nil {
		return fmt.Errorf("delete crate %d: %w", crate.ID, err)
	}

	w.enqueueInvalidation(ctx, crate.Name)
	return nil
}

func (w *Watcher) enqueueInvalidation(ctx context.Context, crateName string) {
	if w.cdnInv == nil {
		return
	}
	if err := w.cdnInv.EnqueueCrateInvalidation(ctx, crateName); err != nil {
		logrus.WithError(err).WithField("crate", crateName).Warn("watcher: failed to enqueue cdn invalidation")
	}
}
