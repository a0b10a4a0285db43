package room

import (
	"encoding/json"
	"sync"
)

// CommSnapshot is a captured widget comm's current state (spec §3 Comm
// snapshot). Seq records insertion order so replay to a newly joined
// subscriber can preserve parent-before-child widget construction order
// (spec §4.J, §9 design note).
type CommSnapshot struct {
	CommID     string          `json:"comm_id"`
	TargetName string          `json:"target_name"`
	State      json.RawMessage `json:"state"`
	Seq        uint64          `json:"seq"`
}

// CommTable owns the room's comm_id -> snapshot map with monotonic seq.
type CommTable struct {
	mu      sync.Mutex
	nextSeq uint64
	byID    map[string]*CommSnapshot
}

// NewCommTable creates an empty comm table.
func NewCommTable() *CommTable {
	return &CommTable{byID: make(map[string]*CommSnapshot)}
}

// Open records a new comm with the next sequence number, overwriting any
// stale entry of the same id.
func (t *CommTable) Open(commID, targetName string, state json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSeq++
	t.byID[commID] = &CommSnapshot{CommID: commID, TargetName: targetName, State: state, Seq: t.nextSeq}
}

// Update merges only the keys present in delta into the comm's existing
// state. Updating an unknown comm_id is ignored silently — possibly an
// out-of-order message racing a close (spec §8 boundary behavior).
func (t *CommTable) Update(commID string, delta json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap, ok := t.byID[commID]
	if !ok {
		return nil
	}

	merged := map[string]json.RawMessage{}
	if len(snap.State) > 0 {
		if err := json.Unmarshal(snap.State, &merged); err != nil {
			return err
		}
	}
	var deltaMap map[string]json.RawMessage
	if err := json.Unmarshal(delta, &deltaMap); err != nil {
		return err
	}
	for k, v := range deltaMap {
		merged[k] = v
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	snap.State = encoded
	return nil
}

// Close drops a comm. Closing an unknown comm_id is ignored silently
// (spec §8 boundary behavior).
func (t *CommTable) Close(commID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, commID)
}

// Clear drops every comm, used on kernel restart.
func (t *CommTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID = make(map[string]*CommSnapshot)
}

// ReplayOrder returns all surviving snapshots sorted by insertion (open)
// order, for a newly joined subscriber.
func (t *CommTable) ReplayOrder() []*CommSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*CommSnapshot, 0, len(t.byID))
	for _, snap := range t.byID {
		out = append(out, snap)
	}
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].Seq > out[j].Seq {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}
