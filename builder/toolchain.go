package builder

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/pkgdocs/builder/archive"
	"github.com/pkgdocs/builder/db"
)

const (
	configKeyToolchain   = "toolchain"
	configKeyRustcVer    = "rustc_version"
	defaultChannel       = "nightly"
	essentialFilesPrefix = "toolchain-assets"
)

var hexToolchainID = regexp.MustCompile(`^[0-9a-f]{16,64}$`)

// ToolchainManager keeps the documentation compiler's toolchain current and
// publishes its shared static assets (fonts, CSS, search index JS) so the
// Rustdoc Asset Server can serve them at a stable URL regardless of which
// toolchain version produced a given crate's docs.
type ToolchainManager struct {
	gdb            *gorm.DB
	archiveEng     *archive.Engine
	workspaceDir   string
	defaultTargets []string
	toolName       string
}

// NewToolchainManager constructs a manager bound to the given workspace.
func NewToolchainManager(gdb *gorm.DB, archiveEng *archive.Engine, workspaceDir, toolName string, defaultTargets []string) *ToolchainManager {
	return &ToolchainManager{
		gdb:            gdb,
		archiveEng:     archiveEng,
		workspaceDir:   workspaceDir,
		defaultTargets: defaultTargets,
		toolName:       toolName,
	}
}

// UpdateToolchain installs or updates the configured toolchain channel and
// reports whether the effective toolchain version changed.
func (t *ToolchainManager) UpdateToolchain(ctx context.Context) (bool, error) {
	identifier := db.GetConfig(t.gdb, configKeyToolchain, defaultChannel)

	if hexToolchainID.MatchString(identifier) {
		return t.pinToCIBuild(ctx, identifier)
	}
	return t.updateChannel(ctx, identifier)
}

func (t *ToolchainManager) pinToCIBuild(ctx context.Context, ciHash string) (bool, error) {
	if _, err := Run(ctx, t.workspaceDir, []string{"rustup", "toolchain", "link", "ci", ciHash}, nil); err != nil {
		return false, fmt.Errorf("link CI toolchain %s: %w", ciHash, err)
	}
	return t.checkVersionChanged(ctx)
}

func (t *ToolchainManager) updateChannel(ctx context.Context, channel string) (bool, error) {
	installed, err := t.installedTargets(ctx, channel)
	if err != nil {
		logrus.WithError(err).Warn("toolchain: failed to list installed targets, proceeding with install anyway")
	}
	for _, target := range installed {
		if !contains(t.defaultTargets, target) {
			if _, err := Run(ctx, t.workspaceDir, []string{"rustup", "target", "remove", "--toolchain", channel, target}, nil); err != nil {
				logrus.WithError(err).WithField("target", target).Warn("toolchain: failed to remove stale target")
			}
		}
	}

	if _, err := Run(ctx, t.workspaceDir, []string{"rustup", "toolchain", "install", channel}, nil); err != nil {
		return false, fmt.Errorf("install toolchain %s: %w", channel, err)
	}

	for _, target := range t.defaultTargets {
		if _, err := Run(ctx, t.workspaceDir, []string{"rustup", "target", "add", "--toolchain", channel, target}, nil); err != nil {
			logrus.WithError(err).WithField("target", target).Warn("toolchain: failed to add default target")
		}
	}

	for _, component := range []string{"llvm-tools-preview", "rustc-dev", "rustfmt"} {
		if _, err := Run(ctx, t.workspaceDir, []string{"rustup", "component", "add", "--toolchain", channel, component}, nil); err != nil {
			logrus.WithError(err).WithField("component", component).Warn("toolchain: failed to add component")
		}
	}

	return t.checkVersionChanged(ctx)
}

func (t *ToolchainManager) installedTargets(ctx context.Context, channel string) ([]string, error) {
	result, err := Run(ctx, t.workspaceDir, []string{"rustup", "target", "list", "--toolchain", channel, "--installed"}, nil)
	if err != nil {
		return nil, err
	}
	return strings.Fields(result.Output), nil
}

func (t *ToolchainManager) checkVersionChanged(ctx context.Context) (bool, error) {
	result, err := Run(ctx, t.workspaceDir, []string{"rustc", "--version"}, nil)
	if err != nil {
		return false, fmt.Errorf("detect rustc version: %w", err)
	}
	current := strings.TrimSpace(result.Output)

	previous := db.GetConfig(t.gdb, configKeyRustcVer, "")
	changed := previous == "" || previous != current

	if changed {
		if err := db.SetConfig(t.gdb, configKeyRustcVer, current); err != nil {
			return changed, fmt.Errorf("persist rustc version: %w", err)
		}
	}
	return changed, nil
}

// AddEssentialFiles builds a trivial dummy crate, locates the toolchain's
// shared static assets in its doc output, and uploads them under a
// well-known prefix so the asset server can serve them independent of which
// toolchain produced any particular crate's documentation.
func (t *ToolchainManager) AddEssentialFiles(ctx context.Context) error {
	dummyDir := t.workspaceDir + "/.essential-files-probe"
	if _, err := Run(ctx, t.workspaceDir, []string{"cargo", "new", "--lib", dummyDir}, nil); err != nil {
		return fmt.Errorf("scaffold probe crate: %w", err)
	}
	if _, err := Run(ctx, dummyDir, []string{"cargo", "doc"}, nil); err != nil {
		return fmt.Errorf("build probe crate docs: %w", err)
	}

	assetsDir := dummyDir + "/target/doc/static.files"
	if _, err := t.archiveEng.Pack(ctx, assetsDir, essentialFilesPrefix); err != nil {
		return fmt.Errorf("pack toolchain static assets: %w", err)
	}

	logrus.Info("toolchain: essential files published")
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
