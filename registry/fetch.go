package registry

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pkgdocs/builder/builder"
)

// TarballFetcher fetches a release's source tree by downloading and
// extracting the registry's per-version crate tarball, the same artifact
// `cargo package`/`cargo publish` produces.
type TarballFetcher struct {
	downloadBaseURL string
}

// NewTarballFetcher constructs a TarballFetcher against downloadBaseURL
// (e.g. "https://static.example.com/crates"), under which
// "<name>/<name>-<version>.crate" is expected to resolve.
func NewTarballFetcher(downloadBaseURL string) *TarballFetcher {
	return &TarballFetcher{downloadBaseURL: downloadBaseURL}
}

// Fetch implements builder.Fetcher by downloading the tarball with curl and
// extracting it with tar, both run as direct argv subprocesses rather than
// through a shell.
func (f *TarballFetcher) Fetch(ctx context.Context, src builder.Source, workspaceDir string) error {
	tarballURL := fmt.Sprintf("%s/%s/%s-%s.crate", f.downloadBaseURL, url.PathEscape(src.CrateName), url.PathEscape(src.CrateName), url.PathEscape(src.Version))
	archivePath := workspaceDir + "/source.crate"

	if res, err := builder.Run(ctx, workspaceDir, []string{"curl", "-fsSL", "-o", archivePath, tarballURL}, nil); err != nil {
		return fmt.Errorf("registry: download %s: %w (output: %s)", tarballURL, err, res.Output)
	}

	if res, err := builder.Run(ctx, workspaceDir, []string{"tar", "-xzf", archivePath, "--strip-components=1", "-C", workspaceDir}, nil); err != nil {
		return fmt.Errorf("registry: extract %s: %w (output: %s)", archivePath, err, res.Output)
	}

	return nil
}
