package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/pkgdocs/builder/archive"
	"github.com/pkgdocs/builder/cdn"
	"github.com/pkgdocs/builder/db"
	"github.com/pkgdocs/builder/queue"
	"github.com/pkgdocs/builder/storage"
)

// Limits bounds a single build's resource usage.
type Limits struct {
	MaxTargets      int
	MinFreeMemoryMB int64
}

// DefaultLimits mirrors the conservative defaults a shared builder fleet runs
// with: at most 3 extra targets beyond the default, and a 512MB floor before
// a build is refused outright rather than left to OOM mid-compile.
func DefaultLimits() Limits {
	return Limits{MaxTargets: 3, MinFreeMemoryMB: 512}
}

// Source describes where to fetch a release's sources from. The concrete
// registry/VCS protocol is out of scope; Fetcher is the injectable seam.
type Source struct {
	CrateName string
	Version   string
}

// Fetcher checks a release's source tree out onto local disk.
type Fetcher interface {
	Fetch(ctx context.Context, src Source, workspaceDir string) error
}

// Manifest is the subset of a crate manifest the builder needs.
type Manifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Features      map[string][]string `toml:"features"`
	DefaultTarget string              `toml:"-"`
	OtherTargets  []string            `toml:"-"`
}

// Builder runs the documentation-build pipeline for one release at a time.
// It owns a long-lived workspace directory, reinitialized periodically to
// bound disk growth from unclean tool exits.
type Builder struct {
	gdb          *gorm.DB
	blobs        storage.Blobs
	archiveEng   *archive.Engine
	fetcher      Fetcher
	buildq       *queue.BuildQueue
	cdnInv       *cdn.Invalidator
	limits       Limits
	blacklist    map[string]bool
	workspaceDir string
	docTool      string // absolute path or PATH-resolved name of the doc-build tool
	lastReinit   time.Time
	reinitEvery  time.Duration
}

// Config configures a Builder.
type Config struct {
	WorkspaceDir string
	DocTool      string
	ReinitEvery  time.Duration
	Limits       Limits
	Blacklist    []string // crate names refused a build outright
}

// New constructs a Builder over an existing workspace directory. buildq is
// used to lock the queue if workspace reinitialization ever fails, and
// cdnInv (may be nil to disable) is notified on every successful build.
func New(gdb *gorm.DB, blobs storage.Blobs, archiveEng *archive.Engine, fetcher Fetcher, buildq *queue.BuildQueue, cdnInv *cdn.Invalidator, cfg Config) *Builder {
	reinit := cfg.ReinitEvery
	if reinit <= 0 {
		reinit = time.Hour
	}
	limits := cfg.Limits
	if limits.MaxTargets == 0 {
		limits = DefaultLimits()
	}
	blacklist := make(map[string]bool, len(cfg.Blacklist))
	for _, name := range cfg.Blacklist {
		blacklist[name] = true
	}
	return &Builder{
		gdb:          gdb,
		blobs:        blobs,
		archiveEng:   archiveEng,
		fetcher:      fetcher,
		buildq:       buildq,
		cdnInv:       cdnInv,
		limits:       limits,
		blacklist:    blacklist,
		workspaceDir: cfg.WorkspaceDir,
		docTool:      cfg.DocTool,
		lastReinit:   time.Now(),
		reinitEvery:  reinit,
	}
}

// BuildRelease runs the full 9-step documentation build pipeline for one
// release and returns the terminal build status.
func (b *Builder) BuildRelease(ctx context.Context, release *db.Release, crate *db.Crate) (db.BuildStatus, error) {
	if err := b.maybeReinitialize(ctx); err != nil {
		return db.BuildStatusFailed, newBuildError(StageWorkspacePrepare, false, err)
	}

	build := db.Build{ReleaseID: release.ID, Status: db.BuildStatusRunning}
	now := time.Now()
	build.StartedAt = &now
	if err := b.gdb.Create(&build).Error; err != nil {
		return db.BuildStatusFailed, newBuildError(StageWorkspacePrepare, false, fmt.Errorf("create build row: %w", err))
	}

	status, buildErr := b.runPipeline(ctx, release, crate, &build)

	finished := time.Now()
	build.Status = status
	build.FinishedAt = &finished
	if buildErr != nil {
		build.ErrorReason = buildErr.Error()
	}
	if err := b.gdb.Save(&build).Error; err != nil {
		logrus.WithError(err).WithField("build_id", build.ID).Error("builder: failed to persist final build status")
	}

	return status, buildErr
}

func (b *Builder) runPipeline(ctx context.Context, release *db.Release, crate *db.Crate, build *db.Build) (db.BuildStatus, error) {
	if b.blacklist[crate.Name] {
		return db.BuildStatusFailed, newBuildError(StageBlacklistCheck, false, fmt.Errorf("crate %q is blacklisted from documentation builds", crate.Name))
	}

	if b.limits.MinFreeMemoryMB > 0 {
		free, err := freeMemoryMB()
		if err != nil {
			logrus.WithError(err).Warn("builder: failed to read free memory, proceeding without the check")
		} else if free < b.limits.MinFreeMemoryMB {
			return db.BuildStatusFailed, newBuildError(StageMemoryCheck, true, fmt.Errorf("only %dMB free, need at least %dMB", free, b.limits.MinFreeMemoryMB))
		}
	}

	build.RustcVersion = db.GetConfig(b.gdb, "rustc_version", "")
	build.NightlyDate = nightlyDateFrom(build.RustcVersion)

	releaseDir := filepath.Join(b.workspaceDir, crate.Name, release.Version)
	if err := os.RemoveAll(releaseDir); err != nil {
		return db.BuildStatusFailed, newBuildError(StageWorkspacePrepare, true, err)
	}
	if err := os.MkdirAll(releaseDir, 0o755); err != nil {
		return db.BuildStatusFailed, newBuildError(StageWorkspacePrepare, true, err)
	}

	if err := b.fetcher.Fetch(ctx, Source{CrateName: crate.Name, Version: release.Version}, releaseDir); err != nil {
		return db.BuildStatusFailed, newBuildError(StageFetchSource, true, err)
	}

	sourceResult, err := b.archiveEng.Pack(ctx, releaseDir, fmt.Sprintf("sources/%s/%s", crate.Name, release.Version))
	if err != nil {
		return db.BuildStatusFailed, newBuildError(StageFetchSource, true, err)
	}

	manifest, err := b.parseManifest(releaseDir)
	if err != nil {
		return db.BuildStatusFailed, newBuildError(StageManifestParse, false, err)
	}
	release.TargetName = strings.ReplaceAll(manifest.Package.Name, "-", "_")

	targets := manifest.OtherTargets
	if len(targets) > b.limits.MaxTargets {
		targets = targets[:b.limits.MaxTargets]
	}

	stagingDir := filepath.Join(b.workspaceDir, ".staging", crate.Name, release.Version)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return db.BuildStatusFailed, newBuildError(StageCompile, true, err)
	}

	defaultResult, buildErr := b.runDocBuild(ctx, releaseDir, stagingDir, manifest.DefaultTarget)
	if logErr := b.uploadBuildLog(ctx, build.ID, manifest.DefaultTarget, defaultResult); logErr != nil {
		logrus.WithError(logErr).Warn("builder: failed to upload build log")
	}
	if buildErr != nil {
		return db.BuildStatusFailed, newBuildError(StageCompile, true, buildErr)
	}

	for _, target := range targets {
		targetOut := filepath.Join(stagingDir, target)
		if err := os.MkdirAll(targetOut, 0o755); err != nil {
			logrus.WithError(err).WithField("target", target).Warn("builder: failed to stage extra target output dir")
			continue
		}
		result, err := b.runDocBuild(ctx, releaseDir, targetOut, target)
		if logErr := b.uploadBuildLog(ctx, build.ID, target, result); logErr != nil {
			logrus.WithError(logErr).WithField("target", target).Warn("builder: failed to upload extra target build log")
		}
		if err != nil {
			logrus.WithError(err).WithField("target", target).Warn("builder: extra target build failed, continuing")
		}
	}

	coverage, covErr := b.computeCoverage(ctx, releaseDir, manifest.DefaultTarget)
	if covErr != nil {
		logrus.WithError(covErr).Warn("builder: coverage computation failed, continuing without it")
	}
	build.CoveragePercent = coverage

	if jsonErr := b.generateAndUploadJSONDoc(ctx, releaseDir, stagingDir, crate.Name, release.Version, manifest.DefaultTarget, true); jsonErr != nil {
		logrus.WithError(jsonErr).Warn("builder: default-target json doc generation failed, continuing without it")
	}
	for _, target := range targets {
		targetOut := filepath.Join(stagingDir, target)
		if jsonErr := b.generateAndUploadJSONDoc(ctx, releaseDir, targetOut, crate.Name, release.Version, target, false); jsonErr != nil {
			logrus.WithError(jsonErr).WithField("target", target).Warn("builder: extra target json doc generation failed, continuing")
		}
	}

	docResult, err := b.archiveEng.Pack(ctx, stagingDir, fmt.Sprintf("rustdoc/%s/%s", crate.Name, release.Version))
	if err != nil {
		return db.BuildStatusFailed, newBuildError(StagePackage, true, err)
	}
	build.DocumentationBytes = docResult.Bytes

	release.ArchiveKey = docResult.ArchiveKey
	release.ArchiveDigest = docResult.Digest
	release.ArchiveBytes = docResult.Bytes
	release.DefaultTarget = manifest.DefaultTarget
	if err := b.gdb.Save(release).Error; err != nil {
		return db.BuildStatusFailed, newBuildError(StageRecordResult, false, err)
	}

	if err := b.gdb.Model(crate).Update("latest_version", release.Version).Error; err != nil {
		logrus.WithError(err).WithField("crate", crate.Name).Warn("builder: failed to refresh crate latest_version")
	}

	if b.cdnInv != nil {
		if err := b.cdnInv.EnqueueCrateInvalidation(ctx, crate.Name); err != nil {
			logrus.WithError(err).WithField("crate", crate.Name).Warn("builder: failed to enqueue cdn invalidation")
		}
	}

	logrus.WithFields(logrus.Fields{
		"crate":        crate.Name,
		"version":      release.Version,
		"source_bytes": sourceResult.Bytes,
		"doc_bytes":    docResult.Bytes,
		"coverage":     coverage,
		"build_id":     build.ID,
	}).Info("builder: build complete")

	return db.BuildStatusSucceeded, nil
}

// uploadBuildLog persists a target's combined stdout/stderr under a
// build-scoped key, regardless of whether that target's build succeeded.
func (b *Builder) uploadBuildLog(ctx context.Context, buildID uint, target string, result *Result) error {
	if result == nil {
		return nil
	}
	key := fmt.Sprintf("build-logs/%d/%s.txt", buildID, target)
	if _, err := b.blobs.Put(ctx, key, strings.NewReader(result.Output), int64(len(result.Output))); err != nil {
		return fmt.Errorf("upload build log %s: %w", key, err)
	}
	return nil
}

var nightlyDateRe = regexp.MustCompile(`\((?:[0-9a-f]+ )?(\d{4}-\d{2}-\d{2})\)`)

// nightlyDateFrom extracts the embedded build date from an `rustc --version`
// string such as "rustc 1.75.0-nightly (a1b2c3d4e 2023-10-01)".
func nightlyDateFrom(rustcVersion string) string {
	match := nightlyDateRe.FindStringSubmatch(rustcVersion)
	if match == nil {
		return ""
	}
	return match[1]
}

// runDocBuild invokes the documentation tool with a retry-once-after-clean
// policy matching the spec: on failure, if a lockfile is present, it is
// regenerated and the build retried exactly once before giving up.
func (b *Builder) runDocBuild(ctx context.Context, srcDir, outDir, target string) (*Result, error) {
	argv := []string{b.docTool, "doc", "--target", target, "--out-dir", outDir}

	result, err := Run(ctx, srcDir, argv, nil)
	if err == nil {
		return result, nil
	}

	lockfile := filepath.Join(srcDir, "Cargo.lock")
	if _, statErr := os.Stat(lockfile); statErr != nil {
		return result, fmt.Errorf("doc build for target %s failed (no lockfile to retry): %w (output: %.2000s)", target, err, result.Output)
	}

	if rmErr := os.Remove(lockfile); rmErr != nil {
		return result, fmt.Errorf("doc build for target %s failed, and lockfile removal failed: %w", target, rmErr)
	}

	genArgv := []string{b.docTool, "generate-lockfile"}
	if _, genErr := Run(ctx, srcDir, genArgv, nil); genErr != nil {
		return result, fmt.Errorf("doc build for target %s failed, lockfile regeneration failed: %w", target, genErr)
	}

	lockArgv := []string{b.docTool, "fetch", "--locked"}
	if _, lockErr := Run(ctx, srcDir, lockArgv, nil); lockErr != nil {
		return result, fmt.Errorf("doc build for target %s failed, locked dependency fetch failed: %w", target, lockErr)
	}

	retryResult, retryErr := Run(ctx, srcDir, argv, nil)
	if retryErr != nil {
		return retryResult, fmt.Errorf("doc build for target %s failed after one retry: %w", target, retryErr)
	}
	return retryResult, nil
}

func (b *Builder) parseManifest(releaseDir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(releaseDir, "Cargo.toml"))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := toml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if m.DefaultTarget == "" {
		m.DefaultTarget = "x86_64-unknown-linux-gnu"
	}
	return &m, nil
}

// maybeReinitialize purges the workspace's shared caches once per
// reinitEvery, bounding disk growth from unclean tool exits between builds.
// A failed purge locks the build queue rather than leaving a half-cleaned
// workspace to silently corrupt subsequent builds; a successful purge clears
// any lock a prior failure left behind.
func (b *Builder) maybeReinitialize(ctx context.Context) error {
	if time.Since(b.lastReinit) < b.reinitEvery {
		return nil
	}
	cacheDir := filepath.Join(b.workspaceDir, ".cache")
	if err := os.RemoveAll(cacheDir); err != nil {
		if b.buildq != nil {
			if lockErr := b.buildq.Lock(ctx, "workspace reinitialization failed: "+err.Error()); lockErr != nil {
				logrus.WithError(lockErr).Error("builder: failed to lock build queue after reinitialization failure")
			}
		}
		return fmt.Errorf("reinitialize workspace cache: %w", err)
	}
	b.lastReinit = time.Now()
	if b.buildq != nil {
		if unlockErr := b.buildq.Unlock(ctx); unlockErr != nil {
			logrus.WithError(unlockErr).Warn("builder: failed to clear build queue lock")
		}
	}
	return nil
}
