// Package db provides PostgreSQL persistence for the docs build and serving
// pipeline using GORM for the durable entity models (crates, releases, builds,
// runtime config) and a separate pgx pool (see postgres_pgx.go) for the
// locking-sensitive queue and invalidation operations that need raw SQL.
//
// Connection Management:
//
//	Implements PostgreSQL connection pooling with configurable parameters:
//	- Maximum idle connections for resource efficiency
//	- Maximum open connections for load management
//	- Connection lifetime management for stability
package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Crate represents a distinct published package name in the registry.
//
// Field Descriptions:
//   - Name: canonical crate name, unique across the registry
//   - CanonicalName: normalized form (hyphens/underscores folded) used for
//     disambiguating lookups that don't match Name exactly
//   - LatestVersion: cached pointer to the most recently successfully built
//     release, refreshed whenever a new release's build completes
type Crate struct {
	gorm.Model
	Name          string `gorm:"uniqueIndex;not null"`
	CanonicalName string `gorm:"index;not null"`
	LatestVersion string
	Releases      []Release `gorm:"foreignKey:CrateID"`
}

// Release represents one published version of a Crate.
//
// ArchiveKey points at the release's ZIP archive in the blob store
// ("rustdoc/<crate>/<version>.zip", see storage.Blobs) once a build has
// succeeded; it is empty until then.
// ArchiveDigest is the MD5 content hash used as the archive's ETag.
// TargetName is the crate's library import name (as declared in its
// manifest's `[lib] name` or derived from the package name) — rustdoc/cargo
// always nest a target's pages under this directory, so the resolver needs
// it to synthesize a storage path for a request with no inner path.
type Release struct {
	gorm.Model
	CrateID       uint   `gorm:"index;not null"`
	Version       string `gorm:"index;not null"`
	Yanked        bool   `gorm:"default:false"`
	ArchiveKey    string
	ArchiveDigest string
	ArchiveBytes  int64
	Targets       string // comma-separated list of built targets
	DefaultTarget string
	TargetName    string
	Builds        []Build `gorm:"foreignKey:ReleaseID"`
}

// BuildStatus enumerates the lifecycle states of a Build row.
type BuildStatus string

const (
	BuildStatusQueued     BuildStatus = "queued"
	BuildStatusRunning    BuildStatus = "running"
	BuildStatusSucceeded  BuildStatus = "succeeded"
	BuildStatusFailed     BuildStatus = "failed"
	BuildStatusAbandoned  BuildStatus = "abandoned"
)

// Build records one attempt at compiling documentation for a Release.
//
// Priority mirrors the Build Queue's ordering: lower values are scheduled
// first. Attempt counts toward the queue's retry/backoff policy. RegistryURI
// carries the queue item's source-registry reference through from
// enqueue to dequeue. RustcVersion/NightlyDate are stamped from the
// toolchain that actually produced this build's output; DocumentationBytes
// and CoveragePercent are filled in once the build finishes packaging.
type Build struct {
	gorm.Model
	ReleaseID         uint        `gorm:"index;not null"`
	Status            BuildStatus `gorm:"index;not null;default:queued"`
	Priority          int         `gorm:"index;not null;default:0"`
	Attempt           int         `gorm:"not null;default:0"`
	RegistryURI       string
	ToolchainID       string
	RustcVersion      string
	NightlyDate       string
	DocumentationBytes int64
	CoveragePercent   float64
	StartedAt         *time.Time
	FinishedAt        *time.Time
	ErrorReason       string
}

// QueueLock is a singleton row gating the Build Queue: when Locked, the
// queue refuses new claims until an operator (or a successful workspace
// reinitialization) clears it. There is exactly one row, with ID 1.
type QueueLock struct {
	ID       uint `gorm:"primaryKey"`
	Locked   bool
	Reason   string
	LockedAt time.Time
}

// TableName pins the table name so raw-SQL callers in package queue don't
// have to guess at GORM's pluralization of an all-caps-suffixed name.
func (QueueLock) TableName() string { return "queue_lock" }

// ConfigKV stores small, infrequently-changing runtime configuration values
// (e.g. the currently pinned default toolchain) that need to survive restarts
// and be visible across all replicas, without justifying their own table.
type ConfigKV struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	UpdatedAt time.Time
}

// Connect opens a GORM connection to PostgreSQL and tunes the underlying
// connection pool for a long-running service.
func Connect(pgURL string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(pgURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("access underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return gdb, nil
}

// Migrate brings the schema up to date with the current model definitions.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&Crate{}, &Release{}, &Build{}, &ConfigKV{}, &QueueLock{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

// Store wraps a GORM connection with the crate/release upsert helpers the
// Index Watcher needs, keeping its change-log ingestion logic free of direct
// SQL/ORM calls.
type Store struct {
	gdb *gorm.DB
}

// NewStore wraps an existing GORM connection.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{gdb: gdb}
}

// FirstOrCreateCrate returns the Crate row for name, inserting it if absent.
func (s *Store) FirstOrCreateCrate(name string) (*Crate, error) {
	canonical := canonicalizeCrateName(name)
	crate := Crate{Name: name, CanonicalName: canonical}
	if err := s.gdb.Where(Crate{Name: name}).FirstOrCreate(&crate).Error; err != nil {
		return nil, fmt.Errorf("first-or-create crate %q: %w", name, err)
	}
	return &crate, nil
}

// FirstOrCreateRelease returns the Release row for (crateID, version),
// inserting it if absent, with its Builds preloaded so callers can tell
// whether a build has already been queued for it.
func (s *Store) FirstOrCreateRelease(crateID uint, version string) (*Release, error) {
	release := Release{CrateID: crateID, Version: version}
	if err := s.gdb.Where(Release{CrateID: crateID, Version: version}).FirstOrCreate(&release).Error; err != nil {
		return nil, fmt.Errorf("first-or-create release %d@%s: %w", crateID, version, err)
	}
	if err := s.gdb.Model(&release).Association("Builds").Find(&release.Builds); err != nil {
		return nil, fmt.Errorf("load builds for release %d: %w", release.ID, err)
	}
	return &release, nil
}

// FindCrateByName looks up an existing Crate by exact name without creating
// one, returning gorm.ErrRecordNotFound when absent.
func (s *Store) FindCrateByName(name string) (*Crate, error) {
	var crate Crate
	if err := s.gdb.Where("name = ?", name).First(&crate).Error; err != nil {
		return nil, err
	}
	return &crate, nil
}

// FindRelease looks up an existing Release by (crateID, version) without
// creating one, returning gorm.ErrRecordNotFound when absent.
func (s *Store) FindRelease(crateID uint, version string) (*Release, error) {
	var release Release
	if err := s.gdb.Where("crate_id = ? AND version = ?", crateID, version).First(&release).Error; err != nil {
		return nil, err
	}
	return &release, nil
}

// SetReleaseYanked flips a release's Yanked flag, used when the watcher
// observes a yank or unyank event for an already-known release.
func (s *Store) SetReleaseYanked(releaseID uint, yanked bool) error {
	if err := s.gdb.Model(&Release{}).Where("id = ?", releaseID).Update("yanked", yanked).Error; err != nil {
		return fmt.Errorf("set release %d yanked=%v: %w", releaseID, yanked, err)
	}
	return nil
}

// DeleteRelease removes a release's build rows and then the release row
// itself on an index-level version deletion.
func (s *Store) DeleteRelease(releaseID uint) error {
	if err := s.gdb.Where("release_id = ?", releaseID).Delete(&Build{}).Error; err != nil {
		return fmt.Errorf("delete builds for release %d: %w", releaseID, err)
	}
	if err := s.gdb.Delete(&Release{}, releaseID).Error; err != nil {
		return fmt.Errorf("delete release %d: %w", releaseID, err)
	}
	return nil
}

// DeleteCrate removes a crate and every one of its releases (and their
// builds) on an index-level crate deletion.
func (s *Store) DeleteCrate(crateID uint) error {
	var releases []Release
	if err := s.gdb.Where("crate_id = ?", crateID).Find(&releases).Error; err != nil {
		return fmt.Errorf("list releases for crate %d: %w", crateID, err)
	}
	for _, release := range releases {
		if err := s.DeleteRelease(release.ID); err != nil {
			return err
		}
	}
	if err := s.gdb.Delete(&Crate{}, crateID).Error; err != nil {
		return fmt.Errorf("delete crate %d: %w", crateID, err)
	}
	return nil
}

// SetCrateLatestVersion refreshes the cached "latest release" pointer,
// called whenever a release's build completes successfully.
func (s *Store) SetCrateLatestVersion(crateID uint, version string) error {
	if err := s.gdb.Model(&Crate{}).Where("id = ?", crateID).Update("latest_version", version).Error; err != nil {
		return fmt.Errorf("set crate %d latest version: %w", crateID, err)
	}
	return nil
}

func canonicalizeCrateName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// GetConfig reads a ConfigKV value, returning defaultValue when unset.
func GetConfig(gdb *gorm.DB, key, defaultValue string) string {
	var row ConfigKV
	if err := gdb.First(&row, "key = ?", key).Error; err != nil {
		return defaultValue
	}
	return row.Value
}

// SetConfig upserts a ConfigKV value.
func SetConfig(gdb *gorm.DB, key, value string) error {
	row := ConfigKV{Key: key, Value: value, UpdatedAt: time.Now()}
	res := gdb.Save(&row)
	if res.Error != nil {
		logrus.WithField("key", key).WithError(res.Error).Error("config upsert failed")
	}
	return res.Error
}
