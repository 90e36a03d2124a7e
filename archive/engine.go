// Package archive implements the Archive Engine (C2): packing a build's
// output directory into a single ZIP per release, with a sidecar byte-range
// index so the Rustdoc Asset Server can serve one file out of the blob store
// without downloading the whole archive, plus a local cache of sidecar
// indices guarded by path-keyed mutexes.
package archive

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"github.com/pkgdocs/builder/storage"
)

// peekSize is read eagerly off a decompressed entry stream before it's
// handed back to the caller, so a stale sidecar index pointing at the wrong
// byte range (the archive behind archiveKey was replaced since the index
// was cached) surfaces as a decode error here rather than mid-response.
const peekSize = 512

// decodeFailureError marks an error as originating from validatePeek, so
// Open can tell "this entry's bytes don't decode" apart from a genuine I/O
// failure talking to the blob store.
type decodeFailureError struct{ err error }

func (e *decodeFailureError) Error() string { return fmt.Sprintf("decode archive entry: %v", e.err) }
func (e *decodeFailureError) Unwrap() error  { return e.err }

type peekedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (p *peekedReadCloser) Close() error { return p.closer.Close() }

// decompressors maps a ZIP entry's compression Method to a decompressor that
// operates on just that entry's raw compressed bytes, used when serving a
// single file fetched via GetRange rather than through a full zip.Reader.
var decompressors = map[uint16]func(io.Reader) io.ReadCloser{
	uint16(zip.Deflate): flate.NewReader,
	uint16(CodecZstd): func(r io.Reader) io.ReadCloser {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return io.NopCloser(errReader{err})
		}
		return zr.IOReadCloser()
	},
}

func decompressorFor(method uint16) (func(io.Reader) io.ReadCloser, bool) {
	dec, ok := decompressors[method]
	return dec, ok
}

// Codec selects the compression method used when packing a new archive.
// Existing archives are read with whatever codec they were written with;
// zip.Reader resolves the per-entry Method field automatically once a
// decompressor is registered.
type Codec uint16

const (
	CodecStore   Codec = zip.Store
	CodecDeflate Codec = zip.Deflate
	// CodecZstd is a non-standard method ID reserved for this engine's own
	// archives; readers that don't register the zstd decompressor (e.g. a
	// generic unzip tool) cannot open these archives, which is acceptable
	// since consumption is always through this package.
	CodecZstd Codec = 93
)

func init() {
	zip.RegisterCompressor(uint16(CodecZstd), func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w)
	})
	zip.RegisterDecompressor(uint16(CodecZstd), func(r io.Reader) io.ReadCloser {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return io.NopCloser(errReader{err})
		}
		return zr.IOReadCloser()
	})
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// Engine packs release output directories into ZIP archives and serves
// individual files out of them via range reads against a Blobs backend.
type Engine struct {
	blobs storage.Blobs
	cache *LocalCache
	codec Codec
}

// NewEngine constructs an Engine over blobs, using cacheDir for the local
// sidecar-index cache.
func NewEngine(blobs storage.Blobs, cacheDir string, codec Codec) *Engine {
	return &Engine{
		blobs: blobs,
		cache: NewLocalCache(cacheDir),
		codec: codec,
	}
}

// PackResult reports where a packed archive and its sidecar index ended up.
type PackResult struct {
	ArchiveKey string
	IndexKey   string
	Digest     string
	Bytes      int64
}

// Pack walks root recursively, writes every regular file into a single ZIP
// using the Engine's configured codec, uploads the archive plus its sidecar
// index to the blob store under keyPrefix, and returns the resulting keys.
func (e *Engine) Pack(ctx context.Context, root, keyPrefix string) (*PackResult, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relativize %s: %w", path, err)
		}
		rel = filepath.ToSlash(rel)

		header := &zip.FileHeader{Name: rel, Method: uint16(e.codec)}
		header.SetMode(info.Mode())

		w, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("create header for %s: %w", rel, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()

		if _, err := io.Copy(w, f); err != nil {
			return fmt.Errorf("copy %s into archive: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}

	archiveBytes := buf.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return nil, fmt.Errorf("reopen archive for indexing: %w", err)
	}

	idx, err := BuildIndex(zr)
	if err != nil {
		return nil, fmt.Errorf("build index: %w", err)
	}
	indexJSON, err := idx.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal index: %w", err)
	}

	archiveKey := keyPrefix + ".zip"
	indexKey := keyPrefix + ".index.json"

	digest, err := e.blobs.Put(ctx, archiveKey, bytes.NewReader(archiveBytes), int64(len(archiveBytes)))
	if err != nil {
		return nil, fmt.Errorf("upload archive %s: %w", archiveKey, err)
	}
	if _, err := e.blobs.Put(ctx, indexKey, bytes.NewReader(indexJSON), int64(len(indexJSON))); err != nil {
		return nil, fmt.Errorf("upload index %s: %w", indexKey, err)
	}

	logrus.WithFields(logrus.Fields{
		"archive_key": archiveKey,
		"files":       len(idx.Entries),
		"bytes":       len(archiveBytes),
	}).Info("archive packed")

	return &PackResult{
		ArchiveKey: archiveKey,
		IndexKey:   indexKey,
		Digest:     digest,
		Bytes:      int64(len(archiveBytes)),
	}, nil
}

// Open resolves a path inside a packed archive, returning its decompressed
// content. The sidecar index is read through the local cache; only the
// entry's own byte range is fetched from the blob store.
//
// If the cached index turns out to be stale — it resolves path to a byte
// range that no longer decodes, because the archive at archiveKey was
// repacked after the index was cached — the cache entry is purged and the
// whole lookup is retried exactly once against a freshly fetched index.
func (e *Engine) Open(ctx context.Context, archiveKey, indexKey, path string) (io.ReadCloser, error) {
	rc, err := e.openOnce(ctx, archiveKey, indexKey, path)
	if err == nil {
		return rc, nil
	}

	var nfe *NotFoundError
	var dfe *decodeFailureError
	if errors.As(err, &nfe) || !errors.As(err, &dfe) {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"archive_key": archiveKey,
		"index_key":   indexKey,
		"path":        path,
	}).Warn("archive: stale sidecar index entry failed to decode, purging cache and retrying")

	if purgeErr := e.cache.Purge(indexKey); purgeErr != nil {
		logrus.WithError(purgeErr).Warn("archive: failed to purge stale index cache entry")
	}

	return e.openOnce(ctx, archiveKey, indexKey, path)
}

func (e *Engine) openOnce(ctx context.Context, archiveKey, indexKey, path string) (io.ReadCloser, error) {
	idx, err := e.cache.Index(ctx, e.blobs, indexKey)
	if err != nil {
		return nil, fmt.Errorf("load index for %s: %w", archiveKey, err)
	}

	entry, ok := idx.Lookup(strings.TrimPrefix(path, "/"))
	if !ok {
		return nil, &NotFoundError{Path: path}
	}

	raw, err := e.blobs.GetRange(ctx, archiveKey, int64(entry.DataOffset()), int64(entry.CompressedSize))
	if err != nil {
		return nil, fmt.Errorf("fetch range for %s: %w", path, err)
	}

	if entry.Method == uint16(zip.Store) {
		return raw, nil
	}

	dec, ok := decompressorFor(entry.Method)
	if !ok {
		raw.Close()
		return nil, fmt.Errorf("no decompressor registered for method %d", entry.Method)
	}
	rc := dec(raw)
	return validatePeek(rc, raw)
}

// validatePeek eagerly reads the first peekSize bytes of a decompressed
// entry stream, so a decode failure (corrupt frame, wrong offset) surfaces
// as an error here instead of after headers are already written downstream.
// The peeked bytes are preserved and replayed to the caller.
func validatePeek(rc io.ReadCloser, underlying io.Closer) (io.ReadCloser, error) {
	buf := make([]byte, peekSize)
	n, err := rc.Read(buf)
	if err != nil && err != io.EOF {
		rc.Close()
		underlying.Close()
		return nil, &decodeFailureError{err: err}
	}

	combined := io.MultiReader(bytes.NewReader(buf[:n]), rc)
	return &combinedCloser{
		ReadCloser: &peekedReadCloser{Reader: combined, closer: rc},
		underlying: underlying,
	}, nil
}

type combinedCloser struct {
	io.ReadCloser
	underlying io.Closer
}

func (c *combinedCloser) Close() error {
	err := c.ReadCloser.Close()
	if cerr := c.underlying.Close(); err == nil {
		err = cerr
	}
	return err
}

// NotFoundError indicates a requested path is absent from an archive's index.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("path not found in archive: %s", e.Path)
}
