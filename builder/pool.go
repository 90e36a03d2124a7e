package builder

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/pkgdocs/builder/archive"
	"github.com/pkgdocs/builder/cdn"
	"github.com/pkgdocs/builder/db"
	"github.com/pkgdocs/builder/queue"
	"github.com/pkgdocs/builder/storage"
)

// Pool runs a fixed number of build workers, each bound to its own workspace
// subdirectory, draining the same BuildQueue. Generalized from
// worker.Pool/Worker's named-queue fan-out to one worker per workspace.
type Pool struct {
	workers  []*poolWorker
	stopChan chan struct{}
}

type poolWorker struct {
	id       int
	buildq   *queue.BuildQueue
	builder  *Builder
	gdb      *gorm.DB
	stopChan chan struct{}
	idleWait time.Duration
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	WorkerCount    int
	WorkspaceDir   string
	DocTool        string
	ReinitEvery    time.Duration
	IdleWait       time.Duration
	Limits         Limits
	CDNInvalidator *cdn.Invalidator
	Blacklist      []string
}

// NewPool constructs a Pool of cfg.WorkerCount independent Builders, each
// bound to its own workspace subdirectory, all draining buildq.
func NewPool(buildq *queue.BuildQueue, gdb *gorm.DB, blobs storage.Blobs, archiveEng *archive.Engine, fetcher Fetcher, cfg PoolConfig) *Pool {
	idleWait := cfg.IdleWait
	if idleWait <= 0 {
		idleWait = 5 * time.Second
	}

	pool := &Pool{stopChan: make(chan struct{})}
	for i := 0; i < cfg.WorkerCount; i++ {
		bd := New(gdb, blobs, archiveEng, fetcher, buildq, cfg.CDNInvalidator, Config{
			WorkspaceDir: workspaceFor(cfg.WorkspaceDir, i),
			DocTool:      cfg.DocTool,
			ReinitEvery:  cfg.ReinitEvery,
			Limits:       cfg.Limits,
			Blacklist:    cfg.Blacklist,
		})
		pool.workers = append(pool.workers, &poolWorker{
			id:       i,
			buildq:   buildq,
			builder:  bd,
			gdb:      gdb,
			stopChan: make(chan struct{}),
			idleWait: idleWait,
		})
	}
	return pool
}

// Start launches every worker's drain loop in its own goroutine.
func (p *Pool) Start(ctx context.Context) {
	logrus.WithField("workers", len(p.workers)).Info("builder pool: starting")
	for _, w := range p.workers {
		go w.run(ctx)
	}
}

// Stop signals all workers to exit after their current build finishes.
func (p *Pool) Stop() {
	close(p.stopChan)
	for _, w := range p.workers {
		close(w.stopChan)
	}
}

func (w *poolWorker) run(ctx context.Context) {
	log := logrus.WithField("worker", w.id)
	log.Info("builder pool: worker started")
	for {
		select {
		case <-w.stopChan:
			log.Info("builder pool: worker stopped")
			return
		case <-ctx.Done():
			return
		default:
			if err := w.processNext(ctx); err != nil {
				log.WithError(err).Warn("builder pool: iteration failed")
				time.Sleep(w.idleWait)
			}
		}
	}
}

func (w *poolWorker) processNext(ctx context.Context) error {
	item, err := w.buildq.Dequeue(ctx)
	if err != nil {
		if err == queue.ErrEmpty || err == queue.ErrLocked {
			time.Sleep(w.idleWait)
			return nil
		}
		return err
	}

	var release db.Release
	if err := w.gdb.First(&release, item.ReleaseID).Error; err != nil {
		_ = w.buildq.Fail(ctx, item.BuildID, "release row not found: "+err.Error(), 3)
		return err
	}

	var crate db.Crate
	if err := w.gdb.First(&crate, release.CrateID).Error; err != nil {
		_ = w.buildq.Fail(ctx, item.BuildID, "crate row not found: "+err.Error(), 3)
		return err
	}

	status, buildErr := w.builder.BuildRelease(ctx, &release, &crate)
	if buildErr != nil || status != db.BuildStatusSucceeded {
		reason := "unknown build failure"
		if buildErr != nil {
			reason = buildErr.Error()
		}
		return w.buildq.Fail(ctx, item.BuildID, reason, 3)
	}
	return w.buildq.Complete(ctx, item.BuildID)
}

// workspaceFor derives a worker-exclusive subdirectory so concurrent workers
// never race on the same on-disk workspace.
func workspaceFor(root string, workerID int) string {
	return filepath.Join(root, "worker-"+strconv.Itoa(workerID))
}
