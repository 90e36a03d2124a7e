// Package registry provides the concrete registry-facing collaborators the
// Index Watcher and Builder depend on through their ChangelogSource and
// Fetcher seams: an HTTP polling client for the registry's change feed, and a
// source checkout strategy for fetching a release's crate tarball.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkgdocs/builder/watcher"
)

// changeFeedEntry mirrors the registry's change-log wire format. Action
// carries the explicit mutation kind ("added", "added_and_yanked", "yanked",
// "unyanked", "version_deleted", "crate_deleted"); Yanked is kept for feeds
// that only report the flag rather than an explicit action.
type changeFeedEntry struct {
	Name    string `json:"name"`
	Version string `json:"vers"`
	Yanked  bool   `json:"yanked"`
	Action  string `json:"action"`
	URI     string `json:"registry_uri"`
}

type changeFeedResponse struct {
	Entries    []changeFeedEntry `json:"entries"`
	NextCursor string            `json:"next_cursor"`
}

// HTTPChangelogSource polls a registry's /api/v1/changes endpoint, a
// paginated feed of crate publish/yank events ordered by cursor.
type HTTPChangelogSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPChangelogSource constructs an HTTPChangelogSource against baseURL
// (e.g. "https://index.example.com").
func NewHTTPChangelogSource(baseURL string) *HTTPChangelogSource {
	return &HTTPChangelogSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchSince implements watcher.ChangelogSource.
func (s *HTTPChangelogSource) FetchSince(ctx context.Context, cursor string) ([]watcher.ChangeEntry, string, error) {
	endpoint := s.baseURL + "/api/v1/changes?cursor=" + url.QueryEscape(cursor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, cursor, fmt.Errorf("registry: build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, cursor, fmt.Errorf("registry: fetch changes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, cursor, fmt.Errorf("registry: changes endpoint returned %d: %s", resp.StatusCode, body)
	}

	var parsed changeFeedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, cursor, fmt.Errorf("registry: decode changes: %w", err)
	}

	entries := make([]watcher.ChangeEntry, 0, len(parsed.Entries))
	for _, e := range parsed.Entries {
		entries = append(entries, watcher.ChangeEntry{
			CrateName:   e.Name,
			Version:     e.Version,
			Kind:        changeKindFor(e),
			RegistryURI: e.URI,
			Yanked:      e.Yanked,
		})
	}

	nextCursor := parsed.NextCursor
	if nextCursor == "" {
		nextCursor = cursor
	}
	return entries, nextCursor, nil
}

// changeKindFor maps a change-feed entry's explicit action (or, if absent,
// its yanked flag) onto the watcher's ChangeKind.
func changeKindFor(e changeFeedEntry) watcher.ChangeKind {
	switch e.Action {
	case "added":
		return watcher.ChangeAdded
	case "added_and_yanked":
		return watcher.ChangeAddedAndYanked
	case "yanked":
		return watcher.ChangeYanked
	case "unyanked":
		return watcher.ChangeUnyanked
	case "version_deleted":
		return watcher.ChangeVersionDeleted
	case "crate_deleted":
		return watcher.ChangeCrateDeleted
	}
	if e.Yanked {
		return watcher.ChangeAddedAndYanked
	}
	return watcher.ChangeAdded
}
