package rustdoc

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/pkgdocs/builder/archive"
	"github.com/pkgdocs/builder/resolver"
	"github.com/pkgdocs/builder/storage"
)

var legacyAssetExtensions = map[string]bool{
	".css": true, ".js": true, ".png": true, ".svg": true, ".woff": true, ".woff2": true,
}

var builtinCrates = map[string]string{
	"std":   "https://doc.rust-lang.org/std/",
	"core":  "https://doc.rust-lang.org/core/",
	"alloc": "https://doc.rust-lang.org/alloc/",
}

const legacyToolchainAssetPrefix = "toolchain-assets"

// exactVersionRe matches a fully-specified version (no ranges/wildcards), the
// shape that selects an exact release rather than a semver requirement.
var exactVersionRe = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

const (
	badgePassingSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="104" height="20" role="img" aria-label="docs: passing"><rect width="104" height="20" fill="#4c1"/><text x="52" y="14" fill="#fff" font-family="Verdana" font-size="11" text-anchor="middle">docs: passing</text></svg>`
	badgeFailingSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="98" height="20" role="img" aria-label="docs: failing"><rect width="98" height="20" fill="#e05d44"/><text x="49" y="14" fill="#fff" font-family="Verdana" font-size="11" text-anchor="middle">docs: failing</text></svg>`
)

// Server wires the route classifier (route precedence, first match wins)
// in front of the Request Resolver and the Archive Engine's per-file Open.
type Server struct {
	blobs    storage.Blobs
	archives *archive.Engine
	resolve  *resolver.Resolver
	rewriter *Rewriter
}

// NewServer constructs a Server.
func NewServer(blobs storage.Blobs, archives *archive.Engine, resolve *resolver.Resolver, maxParseMemory int64) *Server {
	return &Server{blobs: blobs, archives: archives, resolve: resolve, rewriter: NewRewriter(maxParseMemory)}
}

// Register mounts every route this component owns onto e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/crate/:name/:version/download", s.handleDownload)
	e.GET("/crate/:name/:version/json", s.handleJSONDoc)
	e.GET("/crate/:name/:version/:target/json", s.handleJSONDoc)
	e.GET("/crate/:name/:version/target-redirect/*", s.handleTargetRedirect)
	e.GET("/:prefix/*", s.handleToolchainAsset)
	e.GET("/:name/badge.svg", s.handleBadge)
	e.GET("/:name", s.handleNameRoute)
	e.GET("/:name/*", s.handleDocRoute)
}

// handleNameRoute classifies a bare `<name>` path: legacy asset extension,
// favicon redirect, `name::tail` search shorthand, or a built-in crate
// redirect — falling through to the resolver otherwise.
func (s *Server) handleNameRoute(c echo.Context) error {
	name := c.Param("name")

	if ext := extensionOf(name); legacyAssetExtensions[ext] {
		return s.streamLegacyAsset(c, name)
	}
	if strings.HasSuffix(name, ".ico") {
		return c.Redirect(http.StatusMovedPermanently, "/favicon.ico")
	}
	if base, tail, ok := strings.Cut(name, "::"); ok {
		return c.Redirect(http.StatusFound, fmt.Sprintf("/%s/?search=%s", base, tail)+preserveQuery(c))
	}
	if target, ok := builtinCrates[name]; ok {
		return c.Redirect(http.StatusMovedPermanently, target+preserveQuery(c))
	}

	return s.handleDocRoute(c)
}

func preserveQuery(c echo.Context) string {
	if q := c.QueryString(); q != "" {
		return "?" + q
	}
	return ""
}

func extensionOf(name string) string {
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[idx:]
	}
	return ""
}

// streamLegacyAsset and handleToolchainAsset both read from the shared
// static-files archive AddEssentialFiles packs (a ZIP + byte-range index
// pair under the legacyToolchainAssetPrefix key, not a flat per-file blob),
// so they go through the Archive Engine the same way streamResolvedAsset
// reads a crate's own rustdoc archive.
func (s *Server) streamLegacyAsset(c echo.Context, name string) error {
	ctx := c.Request().Context()
	archiveKey := legacyToolchainAssetPrefix + ".zip"
	indexKey := legacyToolchainAssetPrefix + ".index.json"

	rc, err := s.archives.Open(ctx, archiveKey, indexKey, name)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "legacy asset not found")
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=31536000, immutable")
	return c.Stream(http.StatusOK, mimeFor(name), rc)
}

func (s *Server) handleToolchainAsset(c echo.Context) error {
	ctx := c.Request().Context()
	path := strings.TrimPrefix(c.Param("*"), "/")
	archiveKey := legacyToolchainAssetPrefix + ".zip"
	indexKey := legacyToolchainAssetPrefix + ".index.json"

	rc, err := s.archives.Open(ctx, archiveKey, indexKey, path)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "asset not found")
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=31536000, immutable")
	return c.Stream(http.StatusOK, mimeFor(path), rc)
}

// handleDocRoute resolves a crate documentation request and streams either
// the raw asset or a rewritten HTML page. The wildcard tail, when present,
// leads with a version requirement (an exact version, a semver range, or
// "latest") before the inner doc path.
func (s *Server) handleDocRoute(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	rest := strings.TrimPrefix(c.Param("*"), "/")

	req := resolver.Request{
		NameRaw:     name,
		OriginalURL: c.Request().URL.Path,
	}

	if rest == "" {
		req.Version = resolver.VersionReq{Kind: resolver.VersionLatest}
	} else {
		versionRaw, innerPath, _ := strings.Cut(rest, "/")
		req.Version = parseVersionSegment(versionRaw)
		req.PathOpt = innerPath
	}

	resolution, err := s.resolve.Resolve(ctx, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if resolution.RedirectTo != "" {
		return c.Redirect(resolution.RedirectCode, resolution.RedirectTo)
	}

	return s.streamResolvedAsset(c, resolution)
}

// parseVersionSegment classifies a URL's version segment: "latest" (or
// empty) selects the latest release, a fully-specified version selects that
// exact release, and anything else (a range like "^1.2" or "1.2") is treated
// as a semver requirement to be matched against published releases.
func parseVersionSegment(raw string) resolver.VersionReq {
	if raw == "" || raw == "latest" {
		return resolver.VersionReq{Kind: resolver.VersionLatest}
	}
	if exactVersionRe.MatchString(raw) {
		return resolver.VersionReq{Kind: resolver.VersionExact, Raw: raw}
	}
	return resolver.VersionReq{Kind: resolver.VersionSemver, Raw: raw}
}

// handleTargetRedirect resolves a specific release's per-target short link
// to its canonical `/crate/<name>/<version>/...` URL, the same canonical
// form the resolver itself redirects bare doc routes to.
func (s *Server) handleTargetRedirect(c echo.Context) error {
	ctx := c.Request().Context()
	name, version := c.Param("name"), c.Param("version")
	path := strings.TrimPrefix(c.Param("*"), "/")

	req := resolver.Request{
		NameRaw: name,
		Version: resolver.VersionReq{Kind: resolver.VersionExact, Raw: version},
		PathOpt: path,
	}
	resolution, err := s.resolve.Resolve(ctx, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	if resolution.TargetIsDefault {
		return c.Redirect(http.StatusFound, fmt.Sprintf("/crate/%s/%s/%s", resolution.CrateName, resolution.Version, resolution.StoragePath))
	}
	return c.Redirect(http.StatusFound, fmt.Sprintf("/crate/%s/%s/%s/%s", resolution.CrateName, resolution.Version, resolution.Target, resolution.StoragePath))
}

// handleBadge serves a shields.io-style status badge reflecting whether the
// crate's latest release currently has documentation available.
func (s *Server) handleBadge(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")

	svg := badgePassingSVG
	req := resolver.Request{NameRaw: name, Version: resolver.VersionReq{Kind: resolver.VersionLatest}}
	if _, err := s.resolve.Resolve(ctx, req); err != nil {
		svg = badgeFailingSVG
	}

	c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=300")
	return c.Blob(http.StatusOK, "image/svg+xml", []byte(svg))
}

func (s *Server) streamResolvedAsset(c echo.Context, resolution *resolver.Resolution) error {
	ctx := c.Request().Context()
	archiveKey := fmt.Sprintf("rustdoc/%s/%s.zip", resolution.CrateName, resolution.Version)
	indexKey := fmt.Sprintf("rustdoc/%s/%s.index.json", resolution.CrateName, resolution.Version)

	rc, err := s.archives.Open(ctx, archiveKey, indexKey, resolution.StoragePath)
	if err != nil {
		var nfe *archive.NotFoundError
		if ok := isNotFound(err, &nfe); ok {
			return echo.NewHTTPError(http.StatusNotFound, "documentation page not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer rc.Close()

	if !strings.HasSuffix(resolution.StoragePath, ".html") {
		c.Response().Header().Set(echo.HeaderCacheControl, "public, max-age=3600")
		return c.Stream(http.StatusOK, mimeFor(resolution.StoragePath), rc)
	}

	topbar := Topbar{CrateName: resolution.CrateName, Version: resolution.Version}
	etag := ETag(resolution.Version, archiveKey, topbar)

	if match := c.Request().Header.Get(echo.HeaderIfNoneMatch); match == etag {
		return c.NoContent(http.StatusNotModified)
	}

	c.Response().Header().Set(echo.HeaderETag, etag)
	c.Response().Header().Set(echo.HeaderContentType, "text/html; charset=utf-8")
	c.Response().WriteHeader(http.StatusOK)

	if err := s.rewriter.Rewrite(c.Response(), rc, topbar); err != nil {
		logrus.WithError(err).WithField("path", resolution.StoragePath).Warn("rustdoc: rewrite failed mid-stream")
	}
	return nil
}

func (s *Server) handleDownload(c echo.Context) error {
	name, version := c.Param("name"), c.Param("version")
	key := fmt.Sprintf("rustdoc/%s/%s.zip", name, version)

	rc, _, err := s.blobs.Get(c.Request().Context(), key)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "archive not found")
	}
	defer rc.Close()

	filename := fmt.Sprintf("%s-%s-docs.zip", name, version)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename=%q`, filename))
	return c.Stream(http.StatusOK, "application/zip", rc)
}

func (s *Server) handleJSONDoc(c echo.Context) error {
	name, version := c.Param("name"), c.Param("version")
	target := c.Param("target")

	ext := c.QueryParam("ext")
	if ext == "" {
		ext = "zstd"
	}

	keyBase := fmt.Sprintf("rustdoc-json/%s/%s", name, version)
	if target != "" {
		keyBase = fmt.Sprintf("%s/%s", keyBase, target)
	}
	key := fmt.Sprintf("%s/%s_%s_latest.json.%s", keyBase, name, version, ext)

	rc, _, err := s.blobs.Get(c.Request().Context(), key)
	if err != nil && ext != "zstd" {
		return echo.NewHTTPError(http.StatusNotFound, "json doc not found")
	}
	if err != nil {
		legacyKey := fmt.Sprintf("%s/%s_%s_latest.json", keyBase, name, version)
		rc, _, err = s.blobs.Get(c.Request().Context(), legacyKey)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "json doc not found")
		}
	}
	defer rc.Close()

	return c.Stream(http.StatusOK, "application/json", rc)
}

func isNotFound(err error, target **archive.NotFoundError) bool {
	if nfe, ok := err.(*archive.NotFoundError); ok {
		*target = nfe
		return true
	}
	return false
}

func mimeFor(path string) string {
	switch extensionOf(path) {
	case ".css":
		return "text/css"
	case ".js":
		return "application/javascript"
	case ".png":
		return "image/png"
	case ".svg":
		return "image/svg+xml"
	case ".woff":
		return "font/woff"
	case ".woff2":
		return "font/woff2"
	case ".html":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
