package archive

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
)

// Entry describes one file's position within a packed ZIP archive, enough to
// satisfy a single request without streaming the whole archive through the
// blob store.
type Entry struct {
	Name             string `json:"name"`
	Method           uint16 `json:"method"`
	CompressedSize   uint64 `json:"compressedSize"`
	UncompressedSize uint64 `json:"uncompressedSize"`
	// HeaderOffset is the byte offset of the local file header within the
	// archive; the entry's data (see Entry.DataOffset) follows it by a
	// header whose length depends on the entry's name/extra fields.
	HeaderOffset uint64 `json:"headerOffset"`
}

// Index is the sidecar manifest stored alongside a packed archive (at
// "<keyPrefix>.index.json" next to "<keyPrefix>.zip"; the archive's ".zip"
// suffix is not part of the index key) so the Rustdoc Asset Server can resolve a single
// file's byte range without re-reading the ZIP's central directory on every
// request.
type Index struct {
	Entries map[string]Entry `json:"entries"`
}

// BuildIndex walks a ZIP archive's central directory and returns an Index
// keyed by entry name. It does not decompress any file content.
func BuildIndex(r *zip.Reader) (*Index, error) {
	idx := &Index{Entries: make(map[string]Entry, len(r.File))}

	for _, f := range r.File {
		offset, err := f.DataOffset()
		if err != nil {
			return nil, fmt.Errorf("data offset for %s: %w", f.Name, err)
		}
		// DataOffset already accounts for the local file header, so derive
		// HeaderOffset by walking back the fixed+variable header size via
		// the entry's own FileHeader fields rather than re-parsing bytes.
		headerSize := uint64(30 + len(f.Name) + len(f.Extra))
		idx.Entries[f.Name] = Entry{
			Name:             f.Name,
			Method:           f.Method,
			CompressedSize:   f.CompressedSize64,
			UncompressedSize: f.UncompressedSize64,
			HeaderOffset:     uint64(offset) - headerSize,
		}
	}

	return idx, nil
}

// DataOffset returns the byte offset where this entry's compressed content
// begins, i.e. HeaderOffset plus the fixed 30-byte local file header and the
// entry name. Extra-field bytes are not added (Engine.Pack writes entries
// without them).
func (e Entry) DataOffset() uint64 {
	return e.HeaderOffset + uint64(30+len(e.Name))
}

// Marshal serializes the index to JSON for storage as a blob store sidecar object.
func (idx *Index) Marshal() ([]byte, error) {
	return json.Marshal(idx)
}

// UnmarshalIndex parses a sidecar index previously written by Marshal.
func UnmarshalIndex(r io.Reader) (*Index, error) {
	var idx Index
	if err := json.NewDecoder(r).Decode(&idx); err != nil {
		return nil, fmt.Errorf("decode archive index: %w", err)
	}
	return &idx, nil
}

// Lookup resolves a request path (e.g. "serde/struct.Serializer.html")
// against the index, trying the exact name and then an index.html fallback
// for directory-shaped paths.
func (idx *Index) Lookup(name string) (Entry, bool) {
	if e, ok := idx.Entries[name]; ok {
		return e, true
	}
	if e, ok := idx.Entries[name+"/index.html"]; ok {
		return e, true
	}
	return Entry{}, false
}
