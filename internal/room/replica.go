// Package room implements the per-notebook CRDT document, comm-state
// capture, and broadcast fan-out (spec §4.J). No CRDT library ships in the
// dependency pack, so Replica is an internal abstraction: the room logic
// is written against the interface, and the default implementation is an
// in-process last-writer-wins map plus a fractional-indexed cell list —
// swapping in a real CRDT encoding later only touches this file.
package room

import (
	"encoding/json"
	"sync"

	"github.com/runtimed/runtimed/internal/fracindex"
)

// Replica is a mergeable document replica. Apply ingests a remote sync
// message, applies it to local state, and returns the local change log (to
// re-broadcast to other replicas) plus whether anything changed.
type Replica interface {
	// Apply merges a remote sync payload into the document.
	Apply(sync []byte) (local []byte, changed bool, err error)
	// LocalChange records a local mutation and returns its sync payload for
	// broadcast to other replicas.
	LocalChange(mutate func(*Document)) ([]byte, error)
	// Snapshot returns the full current document, used for a new
	// subscriber's initial sync.
	Snapshot() ([]byte, error)
	// Document returns the live document for read-only inspection. Callers
	// must not mutate it outside LocalChange.
	Document() *Document
}

// CellType enumerates the three notebook cell kinds.
type CellType string

const (
	CellCode     CellType = "code"
	CellMarkdown CellType = "markdown"
	CellRaw      CellType = "raw"
)

// Cell is one notebook cell.
type Cell struct {
	ID             string   `json:"id"`
	Type           CellType `json:"cell_type"`
	Source         string   `json:"source"`
	ExecutionCount *int     `json:"execution_count,omitempty"`
	Outputs        []string `json:"outputs"` // manifest hashes, in display order
	OrderKey       string   `json:"order_key"`
	Running        bool     `json:"running"`
}

// Document is the notebook's mutable state: ordered cells, metadata,
// kernel state, and the notebook-level environment declaration.
type Document struct {
	Cells        []*Cell         `json:"cells"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	KernelState  string          `json:"kernel_state"`
	KernelSpec   json.RawMessage `json:"kernelspec,omitempty"`
	LanguageInfo json.RawMessage `json:"language_info,omitempty"`
	Runt         json.RawMessage `json:"runt,omitempty"`
}

// CellByID finds a cell, or nil.
func (d *Document) CellByID(id string) *Cell {
	for _, c := range d.Cells {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// InsertCell inserts cell at a fractional-index position between before
// and after (either may be "" for ±infinity) and returns the computed
// order key.
func (d *Document) InsertCell(cell *Cell, beforeKey, afterKey string) (string, error) {
	key, err := fracindex.KeyBetween(beforeKey, afterKey)
	if err != nil {
		return "", err
	}
	cell.OrderKey = key
	d.Cells = append(d.Cells, cell)
	d.sortCells()
	return key, nil
}

func (d *Document) sortCells() {
	for i := 1; i < len(d.Cells); i++ {
		j := i
		for j > 0 && d.Cells[j-1].OrderKey > d.Cells[j].OrderKey {
			d.Cells[j-1], d.Cells[j] = d.Cells[j], d.Cells[j-1]
			j--
		}
	}
}

// lwwReplica is the default Replica: last-writer-wins at the whole-document
// level. Real CRDT merge semantics (per-field, per-cell) would require an
// external library; this repo has none, so concurrent local changes and
// remote syncs are serialized through a single mutex and "merge" by
// replacing the whole document with every incoming payload.
type lwwReplica struct {
	mu  sync.Mutex
	doc *Document
}

// NewReplica creates an empty document replica.
func NewReplica() Replica {
	return &lwwReplica{doc: &Document{}}
}

func (r *lwwReplica) Document() *Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc
}

func (r *lwwReplica) Snapshot() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.Marshal(r.doc)
}

func (r *lwwReplica) Apply(sync []byte) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var incoming Document
	if err := json.Unmarshal(sync, &incoming); err != nil {
		return nil, false, err
	}
	r.doc = &incoming

	local, err := json.Marshal(r.doc)
	return local, true, err
}

func (r *lwwReplica) LocalChange(mutate func(*Document)) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mutate(r.doc)
	return json.Marshal(r.doc)
}
