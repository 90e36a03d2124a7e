// Package resolver implements the Request Resolver (C8): the seven-step
// algorithm that turns a URL's (name, version requirement, target, path)
// tuple into either a concrete storage path to serve, or a redirect.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gorm.io/gorm"

	"github.com/pkgdocs/builder/cache"
	"github.com/pkgdocs/builder/db"
)

// VersionReqKind discriminates the three shapes a version requirement can
// take in an incoming URL.
type VersionReqKind int

const (
	VersionLatest VersionReqKind = iota
	VersionExact
	VersionSemver
)

// VersionReq is the parsed version portion of a request URL.
type VersionReq struct {
	Kind VersionReqKind
	Raw  string // exact version string, or a semver constraint string
}

// Request is the parsed input to Resolve.
type Request struct {
	NameRaw     string
	Version     VersionReq
	TargetOpt   string
	PathOpt     string
	OriginalURL string
}

// CachePolicy describes how a resolved response should be cached by the CDN.
type CachePolicy int

const (
	CacheDefault CachePolicy = iota
	CacheForeverInCDN
)

// Resolution is the outcome of a successful resolve: either a concrete
// storage path to serve, or a redirect target.
type Resolution struct {
	RedirectTo    string
	RedirectCode  int
	StoragePath   string
	CrateName     string
	Version       string
	Target        string
	TargetIsDefault bool
	CachePolicy   CachePolicy
	SearchURL     string
}

// Resolver implements the seven-step resolution algorithm against the
// gorm-backed crate/release tables, with an optional read-through cache.
type Resolver struct {
	gdb   *gorm.DB
	cache *cache.ResolutionCache
}

// New constructs a Resolver. cacheClient may be nil to disable caching.
func New(gdb *gorm.DB, cacheClient *cache.ResolutionCache) *Resolver {
	return &Resolver{gdb: gdb, cache: cacheClient}
}

// Resolve runs the full seven-step algorithm, consulting the read-through
// cache first when one is configured.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	cacheKey := req.NameRaw + "/" + req.Version.Raw + "/" + req.TargetOpt + "/" + req.PathOpt
	if r.cache != nil {
		var cached Resolution
		if err := r.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	resolution, err := r.resolveUncached(ctx, req)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		_ = r.cache.Set(ctx, cacheKey, resolution)
	}
	return resolution, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, req Request) (*Resolution, error) {
	crate, nameRedirect, err := r.canonicalizeName(req.NameRaw)
	if err != nil {
		return nil, err
	}
	if nameRedirect != "" {
		return &Resolution{RedirectTo: nameRedirect, RedirectCode: 301}, nil
	}

	release, versionRedirect, err := r.matchVersion(crate, req.Version)
	if err != nil {
		return nil, err
	}
	if versionRedirect != "" {
		return &Resolution{RedirectTo: versionRedirect, RedirectCode: 301}, nil
	}

	target, pathOpt := r.disambiguateTarget(release, req.TargetOpt, req.PathOpt)
	targetIsDefault := target == release.DefaultTarget

	storagePath := synthesizeStoragePath(target, targetIsDefault, release.TargetName, pathOpt)

	resolution := &Resolution{
		StoragePath:     storagePath,
		CrateName:       crate.Name,
		Version:         release.Version,
		Target:          target,
		TargetIsDefault: targetIsDefault,
	}

	canonical := canonicalURL(crate.Name, release.Version, target, targetIsDefault, storagePath)
	if canonical != req.OriginalURL && req.OriginalURL != "" {
		resolution.RedirectTo = canonical
		resolution.RedirectCode = 301
		resolution.CachePolicy = CacheForeverInCDN
	}

	return resolution, nil
}

// canonicalizeName implements step 1: exact match first, then canonical-form
// fallback with a 301 if the raw input wasn't already canonical.
func (r *Resolver) canonicalizeName(nameRaw string) (*db.Crate, string, error) {
	var exact db.Crate
	if err := r.gdb.Where("name = ?", nameRaw).First(&exact).Error; err == nil {
		return &exact, "", nil
	}

	canonical := canonicalizeName(nameRaw)
	var matches []db.Crate
	if err := r.gdb.Where("canonical_name = ?", canonical).Find(&matches).Error; err != nil {
		return nil, "", fmt.Errorf("lookup crate %q: %w", nameRaw, err)
	}

	switch len(matches) {
	case 0:
		return nil, "", &NotFoundError{Kind: "crate", Identifier: nameRaw}
	case 1:
		return &matches[0], fmt.Sprintf("/%s", matches[0].Name), nil
	default:
		return nil, "", &AmbiguousNameError{NameRaw: nameRaw, Candidates: len(matches)}
	}
}

// matchVersion implements step 2, delegating "Latest" to selectLatest.
func (r *Resolver) matchVersion(crate *db.Crate, v VersionReq) (*db.Release, string, error) {
	switch v.Kind {
	case VersionLatest:
		release, err := r.selectLatest(crate.ID)
		return release, "", err

	case VersionExact:
		var release db.Release
		if err := r.gdb.Where("crate_id = ? AND version = ?", crate.ID, v.Raw).First(&release).Error; err != nil {
			return nil, "", &VersionNotFoundError{CrateName: crate.Name, Version: v.Raw}
		}
		return &release, "", nil

	case VersionSemver:
		constraint, err := semver.NewConstraint(v.Raw)
		if err != nil {
			return nil, "", fmt.Errorf("parse version requirement %q: %w", v.Raw, err)
		}

		var releases []db.Release
		if err := r.gdb.Where("crate_id = ?", crate.ID).Find(&releases).Error; err != nil {
			return nil, "", fmt.Errorf("list releases for %q: %w", crate.Name, err)
		}

		best := pickBestMatch(releases, constraint)
		if best == nil {
			return nil, "", &VersionNotFoundError{CrateName: crate.Name, Version: v.Raw}
		}
		return best, fmt.Sprintf("/crate/%s/%s", crate.Name, best.Version), nil
	}
	return nil, "", fmt.Errorf("unknown version requirement kind")
}

func pickBestMatch(releases []db.Release, constraint *semver.Constraints) *db.Release {
	var nonPrereleaseNonYanked, prereleaseOnly, yankedOnly []*db.Release

	for i := range releases {
		rel := &releases[i]
		ver, err := semver.NewVersion(rel.Version)
		if err != nil || !constraint.Check(ver) {
			continue
		}
		switch {
		case rel.Yanked:
			yankedOnly = append(yankedOnly, rel)
		case ver.Prerelease() != "":
			prereleaseOnly = append(prereleaseOnly, rel)
		default:
			nonPrereleaseNonYanked = append(nonPrereleaseNonYanked, rel)
		}
	}

	if best := maxVersion(nonPrereleaseNonYanked); best != nil {
		return best
	}
	if best := maxVersion(prereleaseOnly); best != nil {
		return best
	}
	return maxVersion(yankedOnly)
}

func maxVersion(releases []*db.Release) *db.Release {
	var best *db.Release
	var bestVer *semver.Version
	for _, rel := range releases {
		ver, err := semver.NewVersion(rel.Version)
		if err != nil {
			continue
		}
		if bestVer == nil || ver.GreaterThan(bestVer) {
			best, bestVer = rel, ver
		}
	}
	return best
}

// selectLatest implements step 3: prefer non-yanked, non-prerelease releases
// with at least one terminated (non-running) build; relax progressively.
func (r *Resolver) selectLatest(crateID uint) (*db.Release, error) {
	var releases []db.Release
	if err := r.gdb.Preload("Builds").Where("crate_id = ?", crateID).Find(&releases).Error; err != nil {
		return nil, fmt.Errorf("list releases for crate %d: %w", crateID, err)
	}

	hasTerminatedBuild := func(rel db.Release) bool {
		for _, b := range rel.Builds {
			if b.Status == db.BuildStatusSucceeded || b.Status == db.BuildStatusFailed {
				return true
			}
		}
		return false
	}

	var clean, withPrerelease, withYanked []db.Release
	for _, rel := range releases {
		if !hasTerminatedBuild(rel) {
			continue
		}
		ver, err := semver.NewVersion(rel.Version)
		if err != nil {
			continue
		}
		switch {
		case rel.Yanked:
			withYanked = append(withYanked, rel)
		case ver.Prerelease() != "":
			withPrerelease = append(withPrerelease, rel)
		default:
			clean = append(clean, rel)
		}
	}

	if best := maxVersionValue(clean); best != nil {
		return best, nil
	}
	if best := maxVersionValue(withPrerelease); best != nil {
		return best, nil
	}
	if best := maxVersionValue(withYanked); best != nil {
		return best, nil
	}
	return nil, &VersionNotFoundError{Version: "latest"}
}

func maxVersionValue(releases []db.Release) *db.Release {
	ptrs := make([]*db.Release, len(releases))
	for i := range releases {
		ptrs[i] = &releases[i]
	}
	return maxVersion(ptrs)
}

// disambiguateTarget implements step 4.
func (r *Resolver) disambiguateTarget(release *db.Release, targetOpt, pathOpt string) (string, string) {
	targets := strings.Split(release.Targets, ",")
	isTarget := func(s string) bool {
		for _, t := range targets {
			if t == s {
				return true
			}
		}
		return false
	}

	if targetOpt != "" {
		if isTarget(targetOpt) {
			return targetOpt, pathOpt
		}
		if pathOpt == "" {
			return "", targetOpt
		}
		return "", targetOpt + "/" + pathOpt
	}

	if pathOpt != "" {
		first, rest, _ := strings.Cut(pathOpt, "/")
		if isTarget(first) {
			return first, rest
		}
	}
	return release.DefaultTarget, pathOpt
}

// synthesizeStoragePath implements step 5. A request with no inner path
// lands on the crate's own target_name directory's index page, not a bare
// top-level index.html — rustdoc always nests a target's pages one level
// deeper than the target triple.
func synthesizeStoragePath(target string, targetIsDefault bool, targetName, pathOpt string) string {
	prefix := ""
	if target != "" && !targetIsDefault {
		prefix = target + "/"
	}

	path := pathOpt
	switch {
	case path == "":
		path = targetName + "/index.html"
	case strings.HasSuffix(path, "/index.html"):
		path = strings.TrimSuffix(path, "index.html")
	}

	return prefix + path
}

func canonicalURL(crateName, version, target string, targetIsDefault bool, storagePath string) string {
	base := fmt.Sprintf("/crate/%s/%s", crateName, version)
	if target != "" && !targetIsDefault {
		return fmt.Sprintf("%s/%s/%s", base, target, storagePath)
	}
	return fmt.Sprintf("%s/%s", base, storagePath)
}

// canonicalizeName folds `-`/`_` and lowercases, per step 1's equivalence rule.
func canonicalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// SearchTermFor implements step 6's extraction rule for the fallback search
// URL, given the last path component of a storage path that didn't resolve.
func SearchTermFor(lastComponent string) string {
	if lastComponent == "" || lastComponent == "index.html" {
		return ""
	}
	if strings.HasSuffix(lastComponent, ".rs.html") {
		return strings.TrimSuffix(lastComponent, ".rs.html")
	}
	if strings.HasSuffix(lastComponent, ".html") {
		parts := strings.Split(strings.TrimSuffix(lastComponent, ".html"), ".")
		if len(parts) >= 2 {
			return parts[len(parts)-1]
		}
	}
	return ""
}
