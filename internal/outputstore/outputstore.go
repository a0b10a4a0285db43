// Package outputstore implements content references and output manifests
// (spec §4.F): large output payloads are replaced by a reference to the
// blob store, and the resulting manifest is itself stored as a blob so the
// notebook CRDT only ever holds one hash per output.
package outputstore

import (
	"encoding/json"
	"fmt"

	"github.com/runtimed/runtimed/internal/blobstore"
)

// DefaultInlineThreshold is the spec's default inlining cutoff (8 KiB).
const DefaultInlineThreshold = 8 * 1024

// ManifestMediaType is the media type output manifests are stored under.
const ManifestMediaType = "application/x-jupyter-output+json"

// ContentRef is either an inline string or a blob reference. It serializes
// as an untagged JSON value: {"inline": "..."} or {"blob": "...", "size": N}.
type ContentRef struct {
	Inline *string `json:"inline,omitempty"`
	Blob   *string `json:"blob,omitempty"`
	Size   uint64  `json:"size,omitempty"`
}

// IsInline reports whether the reference holds its content directly.
func (c ContentRef) IsInline() bool { return c.Inline != nil }

// FromData builds a ContentRef from data, inlining it when shorter than
// threshold and otherwise storing it in the blob store.
func FromData(data, mediaType string, store *blobstore.Store, threshold int) (ContentRef, error) {
	if len(data) < threshold {
		s := data
		return ContentRef{Inline: &s}, nil
	}
	hash, err := store.Put([]byte(data), mediaType)
	if err != nil {
		return ContentRef{}, fmt.Errorf("storing content ref blob: %w", err)
	}
	return ContentRef{Blob: &hash, Size: uint64(len(data))}, nil
}

// Resolve returns the referenced content, fetching from the blob store when
// necessary.
func (c ContentRef) Resolve(store *blobstore.Store) (string, error) {
	if c.Inline != nil {
		return *c.Inline, nil
	}
	if c.Blob == nil {
		return "", fmt.Errorf("content ref has neither inline nor blob content")
	}
	data, err := store.Get(*c.Blob)
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("blob not found: %s", *c.Blob)
	}
	return string(data), nil
}

// DisplayKind distinguishes a fresh display from an update to an existing
// one. Both resolve through the same storage path, but clients must be able
// to tell them apart (spec §9 Open Question, resolved per SPEC_FULL.md §4.F).
type DisplayKind string

const (
	KindExecuteResult     DisplayKind = "execute_result"
	KindDisplayData       DisplayKind = "display_data"
	KindUpdateDisplayData DisplayKind = "update_display_data"
	KindStream            DisplayKind = "stream"
	KindError             DisplayKind = "error"
)

// Manifest is a Jupyter output with large data fields replaced by content
// references, ready to be stored as a single blob.
type Manifest struct {
	Kind      DisplayKind           `json:"kind"`
	Data      map[string]ContentRef `json:"data,omitempty"`
	Metadata  json.RawMessage       `json:"metadata,omitempty"`
	Text      *ContentRef           `json:"text,omitempty"`
	Name      string                `json:"name,omitempty"`
	DisplayID string                `json:"display_id,omitempty"`
	ErrName   string                `json:"ename,omitempty"`
	ErrValue  string                `json:"evalue,omitempty"`
	Traceback []string              `json:"traceback,omitempty"`
}

// BuildManifest converts a raw Jupyter output payload (data keyed by mime
// type, optional text for stream outputs) into a Manifest, inlining or
// blob-referencing each field per threshold, and stores the manifest blob.
// It returns the manifest's own hash.
func BuildManifest(store *blobstore.Store, threshold int, kind DisplayKind, data map[string]string, metadata json.RawMessage, extra Manifest) (string, error) {
	m := extra
	m.Kind = kind
	m.Metadata = metadata

	if len(data) > 0 {
		m.Data = make(map[string]ContentRef, len(data))
		for mime, payload := range data {
			ref, err := FromData(payload, mime, store, threshold)
			if err != nil {
				return "", err
			}
			m.Data[mime] = ref
		}
	}

	encoded, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding output manifest: %w", err)
	}
	hash, err := store.Put(encoded, ManifestMediaType)
	if err != nil {
		return "", fmt.Errorf("storing output manifest: %w", err)
	}
	return hash, nil
}

// LoadManifest fetches and decodes the manifest at hash.
func LoadManifest(store *blobstore.Store, hash string) (*Manifest, error) {
	raw, err := store.Get(hash)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("manifest not found: %s", hash)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding output manifest: %w", err)
	}
	return &m, nil
}

// Resolve walks a manifest's data fields back into plain strings, fetching
// blob-referenced fields from the store.
func (m *Manifest) Resolve(store *blobstore.Store) (map[string]string, error) {
	out := make(map[string]string, len(m.Data))
	for mime, ref := range m.Data {
		val, err := ref.Resolve(store)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", mime, err)
		}
		out[mime] = val
	}
	return out, nil
}
