// Package rustdoc implements the Rustdoc Asset Server (C9): the route
// classifier, archive-backed asset streaming, and a bounded-memory streaming
// HTML rewriter that injects the documentation top-bar into each served page.
package rustdoc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/net/html"
)

// Topbar holds everything the rewriter needs to render the documentation
// top-bar injected into every served HTML page.
type Topbar struct {
	CrateName     string
	Version       string
	LatestVersion string
	Permalink     string
	Targets       []string
	Owners        []string
	License       string
	SourceBytes   int64
	DocBytes      int64
	BuildSucceeded bool
}

func (t Topbar) serialize() string {
	return fmt.Sprintf("%s|%s|%s|%s|%v|%v|%s|%d|%d|%v",
		t.CrateName, t.Version, t.LatestVersion, t.Permalink, t.Targets, t.Owners,
		t.License, t.SourceBytes, t.DocBytes, t.BuildSucceeded)
}

// ETag computes an entity tag from (buildVersion, upstreamBlobETag, the
// serialized topbar struct), so a request with a matching If-None-Match can
// short-circuit to 304 without re-rewriting the page.
func ETag(buildVersion, upstreamBlobETag string, topbar Topbar) string {
	h := sha256.New()
	_, _ = io.WriteString(h, buildVersion)
	_, _ = io.WriteString(h, upstreamBlobETag)
	_, _ = io.WriteString(h, topbar.serialize())
	return `"` + hex.EncodeToString(h.Sum(nil))[:32] + `"`
}

// Rewriter streams an HTML document through golang.org/x/net/html's
// tokenizer, injecting the top-bar markup immediately after <body>. Tokens
// are written out as they are read, and at most maxBytes of input are read
// per document: a longer document fails with an error part-way through.
type Rewriter struct {
	maxBytes int64
}

// NewRewriter constructs a Rewriter that reads at most maxBytes of input per
// document (the max_parse_memory configuration option); a non-positive value
// selects 8 MiB.
func NewRewriter(maxBytes int64) *Rewriter {
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &Rewriter{maxBytes: maxBytes}
}

// Rewrite reads tokens from src and writes them to dst verbatim, except that
// immediately after the opening <body> tag it emits the top-bar's rendered
// markup.
func (rw *Rewriter) Rewrite(dst io.Writer, src io.Reader, topbar Topbar) error {
	limited := &limitedReader{r: src, limit: rw.maxBytes}
	tokenizer := html.NewTokenizer(limited)

	injected := false
	topbarHTML := renderTopbar(topbar)

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			if err := tokenizer.Err(); err != io.EOF {
				return fmt.Errorf("rustdoc: tokenize: %w", err)
			}
			return nil
		}

		raw := tokenizer.Raw()
		if _, err := dst.Write(raw); err != nil {
			return fmt.Errorf("rustdoc: write token: %w", err)
		}

		if !injected && tt == html.StartTagToken {
			name, _ := tokenizer.TagName()
			if string(name) == "body" {
				if _, err := io.WriteString(dst, topbarHTML); err != nil {
					return fmt.Errorf("rustdoc: write topbar: %w", err)
				}
				injected = true
			}
		}
	}
}

func renderTopbar(t Topbar) string {
	return fmt.Sprintf(
		`<div class="pkgdocs-topbar" data-crate=%q data-version=%q data-latest=%q data-license=%q></div>`,
		t.CrateName, t.Version, t.LatestVersion, t.License,
	)
}

// limitedReader errors once more than limit bytes have been read, so a
// pathological document can't force the tokenizer to buffer without bound.
type limitedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.read >= l.limit {
		return 0, fmt.Errorf("rustdoc: document exceeds max_parse_memory (%d bytes)", l.limit)
	}
	if remaining := l.limit - l.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}
