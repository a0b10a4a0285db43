package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	godiffpatch "github.com/sourcegraph/go-diff-patch"

	"github.com/runtimed/runtimed/internal/blobstore"
	"github.com/runtimed/runtimed/internal/outputstore"
	"github.com/runtimed/runtimed/internal/streamterm"
)

// writeThroughDebounce is how long the room waits after the last document
// mutation before writing the JSON mirror to disk, grounded on the
// teacher's synchronous apply-then-notes pattern adapted into a debounced
// background task (SPEC_FULL.md §4.J supplement).
const writeThroughDebounce = 200 * time.Millisecond

// KernelHandle is the subset of kernel.Supervisor the room drives, kept as
// an interface so room does not import kernel (kernel defines its own
// RoomSink interface for the other direction, so neither package imports
// the other).
type KernelHandle interface {
	Interrupt() error
	Shutdown(ctx context.Context) error
}

// Room is one notebook's live state: document replica, comm table,
// broadcast hub, optional running kernel, and eviction timer (spec §4.J).
type Room struct {
	ID    string
	mu    sync.Mutex
	doc   Replica
	comms *CommTable
	hub   *Hub
	store *blobstore.Store

	inlineThreshold int
	mirrorPath      string

	streams *streamterm.Manager

	kernel      KernelHandle
	subscribers int

	writeTrigger  chan struct{}
	writeStopOnce sync.Once
	stopWrite     chan struct{}

	evictionDelay time.Duration
	evictTimer    *time.Timer
	onEvict       func(roomID string)

	lastMirror string
}

// Config bundles a room's fixed construction-time settings.
type Config struct {
	ID              string
	Store           *blobstore.Store
	InlineThreshold int
	MirrorPath      string
	EvictionDelay   time.Duration
	OnEvict         func(roomID string)
}

// New creates a room and starts its debounced write-through worker.
func New(cfg Config) *Room {
	r := &Room{
		ID:              cfg.ID,
		doc:             NewReplica(),
		comms:           NewCommTable(),
		hub:             NewHub(),
		store:           cfg.Store,
		inlineThreshold: cfg.InlineThreshold,
		mirrorPath:      cfg.MirrorPath,
		streams:         streamterm.NewManager(),
		writeTrigger:    make(chan struct{}, 1),
		stopWrite:       make(chan struct{}),
		evictionDelay:   cfg.EvictionDelay,
		onEvict:         cfg.OnEvict,
	}
	go r.writeThroughLoop()
	r.resetEvictionTimerLocked()
	return r
}

// Document exposes the live document for read-only inspection.
func (r *Room) Document() *Document { return r.doc.Document() }

// Snapshot returns the full document as a sync payload, for a newly
// subscribed connection's initial sync.
func (r *Room) Snapshot() ([]byte, error) { return r.doc.Snapshot() }

// CommReplayPayload marshals the room's comm snapshots in insertion order,
// for broadcast to a subscriber right after its initial document sync
// (spec §4.J: widget models reference one another, so comms are replayed
// in the order the kernel opened them rather than map order).
func (r *Room) CommReplayPayload() ([]byte, error) {
	return json.Marshal(r.comms.ReplayOrder())
}

// Hub exposes the broadcast hub so the daemon's connection handler can
// subscribe/publish.
func (r *Room) Hub() *Hub { return r.hub }

// Comms exposes the comm table for replay on new-subscriber join.
func (r *Room) Comms() *CommTable { return r.comms }

// Subscribe increments the subscriber count and cancels any pending
// eviction; returns a subscription handle the caller must pass to
// Unsubscribe.
func (r *Room) Subscribe() (uint64, <-chan Broadcast) {
	r.mu.Lock()
	r.subscribers++
	if r.evictTimer != nil {
		r.evictTimer.Stop()
	}
	r.mu.Unlock()
	return r.hub.Subscribe()
}

// Unsubscribe decrements the subscriber count and, if it reaches zero with
// no running kernel, starts the eviction timer.
func (r *Room) Unsubscribe(id uint64) {
	r.hub.Unsubscribe(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers--
	if r.subscribers <= 0 && r.kernel == nil {
		r.resetEvictionTimerLocked()
	}
}

func (r *Room) resetEvictionTimerLocked() {
	if r.evictionDelay <= 0 || r.onEvict == nil {
		return
	}
	if r.evictTimer != nil {
		r.evictTimer.Stop()
	}
	r.evictTimer = time.AfterFunc(r.evictionDelay, func() {
		r.mu.Lock()
		subs, hasKernel := r.subscribers, r.kernel != nil
		r.mu.Unlock()
		if subs <= 0 && !hasKernel {
			r.onEvict(r.ID)
		}
	})
}

// SetKernel attaches or clears the room's active kernel supervisor.
func (r *Room) SetKernel(k KernelHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernel = k
	if k == nil && r.subscribers <= 0 {
		r.resetEvictionTimerLocked()
	} else if r.evictTimer != nil {
		r.evictTimer.Stop()
	}
}

// Close stops the room's background workers. Called once a room is
// evicted.
func (r *Room) Close() {
	r.writeStopOnce.Do(func() { close(r.stopWrite) })
	r.mu.Lock()
	if r.evictTimer != nil {
		r.evictTimer.Stop()
	}
	r.mu.Unlock()
}

// ApplySync merges a remote CRDT sync frame into the document and returns
// the resulting local change; it does not broadcast it, which is left to
// the caller.
func (r *Room) ApplySync(sync []byte) ([]byte, error) {
	local, changed, err := r.doc.Apply(sync)
	if err != nil {
		return nil, err
	}
	if changed {
		r.triggerWrite()
	}
	return local, nil
}

// mutateAndSync performs a local document mutation and broadcasts the
// resulting sync payload as a CRDT-sync broadcast.
func (r *Room) mutateAndSync(mutate func(*Document)) error {
	sync, err := r.doc.LocalChange(mutate)
	if err != nil {
		return err
	}
	r.triggerWrite()
	r.hub.Publish(Broadcast{Type: broadcastCRDTSync, Payload: sync})
	return nil
}

func (r *Room) triggerWrite() {
	select {
	case r.writeTrigger <- struct{}{}:
	default:
	}
}

func (r *Room) writeThroughLoop() {
	for {
		select {
		case <-r.stopWrite:
			return
		case <-r.writeTrigger:
			timer := time.NewTimer(writeThroughDebounce)
		drain:
			for {
				select {
				case <-r.writeTrigger:
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(writeThroughDebounce)
				case <-timer.C:
					break drain
				case <-r.stopWrite:
					timer.Stop()
					return
				}
			}
			r.writeMirror()
		}
	}
}

func (r *Room) writeMirror() {
	if r.mirrorPath == "" {
		return
	}
	snapshot, err := r.doc.Snapshot()
	if err != nil {
		slog.Warn("room: snapshotting document for mirror failed", "room", r.ID, "error", err)
		return
	}

	next := string(snapshot)
	if r.lastMirror != "" && r.lastMirror != next {
		patch := godiffpatch.GeneratePatch(r.mirrorPath, r.lastMirror, next)
		slog.Debug("room: notebook mirror changed", "room", r.ID, "patch_bytes", len(patch))
	}

	tmp := r.mirrorPath + ".tmp"
	if err := os.WriteFile(tmp, snapshot, 0o644); err != nil {
		slog.Warn("room: writing notebook mirror failed", "room", r.ID, "error", err)
		return
	}
	if err := os.Rename(tmp, r.mirrorPath); err != nil {
		slog.Warn("room: renaming notebook mirror failed", "room", r.ID, "error", err)
		return
	}
	r.lastMirror = next
}

// --- kernel.RoomSink implementation: kernel IOPub routing lands here. ---

// FeedStream renders stream bytes through the per-(cell,stream) terminal
// and upserts the result at the tracked output index, creating one if this
// is the stream's first write for the cell (spec §4.E, §4.I).
func (r *Room) FeedStream(cellID, streamName, text string) error {
	rendered := r.streams.Feed(cellID, streamName, text)

	hash, err := outputstore.BuildManifest(r.store, r.inlineThreshold, outputstore.KindStream, map[string]string{
		"text/plain": rendered,
	}, nil, outputstore.Manifest{Name: streamName})
	if err != nil {
		return fmt.Errorf("building stream manifest: %w", err)
	}

	return r.mutateAndSync(func(doc *Document) {
		cell := doc.CellByID(cellID)
		if cell == nil {
			return
		}
		if idx, ok := r.streams.OutputIndex(cellID, streamName); ok && idx < len(cell.Outputs) {
			cell.Outputs[idx] = hash
			return
		}
		cell.Outputs = append(cell.Outputs, hash)
		r.streams.SetOutputIndex(cellID, streamName, len(cell.Outputs)-1)
	})
}

// AppendOutput builds an output manifest from a decoded display/error
// message and appends its hash to the cell's outputs.
func (r *Room) AppendOutput(cellID, kind string, data map[string]string, metadata json.RawMessage, extra map[string]any) error {
	manifestExtra := outputstore.Manifest{}
	if dID, ok := extra["display_id"].(string); ok {
		manifestExtra.DisplayID = dID
	}
	if ename, ok := extra["ename"].(string); ok {
		manifestExtra.ErrName = ename
	}
	if evalue, ok := extra["evalue"].(string); ok {
		manifestExtra.ErrValue = evalue
	}
	if tb, ok := extra["traceback"].([]string); ok {
		manifestExtra.Traceback = tb
	}

	hash, err := outputstore.BuildManifest(r.store, r.inlineThreshold, outputstore.DisplayKind(kind), data, metadata, manifestExtra)
	if err != nil {
		return fmt.Errorf("building output manifest: %w", err)
	}

	return r.mutateAndSync(func(doc *Document) {
		cell := doc.CellByID(cellID)
		if cell == nil {
			return
		}
		if kind == string(outputstore.KindUpdateDisplayData) && manifestExtra.DisplayID != "" {
			for i := len(cell.Outputs) - 1; i >= 0; i-- {
				existing, err := outputstore.LoadManifest(r.store, cell.Outputs[i])
				if err != nil {
					continue
				}
				if existing.DisplayID == manifestExtra.DisplayID {
					cell.Outputs[i] = hash
					return
				}
			}
		}
		cell.Outputs = append(cell.Outputs, hash)
	})
}

// SetExecutionCount records the execution count for a cell.
func (r *Room) SetExecutionCount(cellID string, count int) error {
	return r.mutateAndSync(func(doc *Document) {
		cell := doc.CellByID(cellID)
		if cell == nil {
			return
		}
		cell.ExecutionCount = &count
	})
}

// SetRunning toggles a cell's running flag, clearing its stream terminals
// when a fresh execution starts.
func (r *Room) SetRunning(cellID string, running bool) error {
	if running {
		r.streams.Clear(cellID)
	}
	return r.mutateAndSync(func(doc *Document) {
		cell := doc.CellByID(cellID)
		if cell == nil {
			return
		}
		cell.Running = running
	})
}

// SetKernelStatus updates the room's kernel status and broadcasts it.
func (r *Room) SetKernelStatus(status string) error {
	if err := r.mutateAndSync(func(doc *Document) { doc.KernelState = status }); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return err
	}
	r.hub.Publish(Broadcast{Type: broadcastKernelStatus, Payload: payload})
	return nil
}

// CommOpen records a new comm snapshot.
func (r *Room) CommOpen(commID, targetName string, state json.RawMessage) error {
	r.comms.Open(commID, targetName, state)
	return nil
}

// CommUpdate merges a delta into an existing comm's state.
func (r *Room) CommUpdate(commID string, state json.RawMessage) error {
	return r.comms.Update(commID, state)
}

// CommClose drops a comm.
func (r *Room) CommClose(commID string) error {
	r.comms.Close(commID)
	return nil
}

// ClearOutputs empties a cell's outputs list and stream terminals.
func (r *Room) ClearOutputs(cellID string) error {
	r.streams.Clear(cellID)
	return r.mutateAndSync(func(doc *Document) {
		cell := doc.CellByID(cellID)
		if cell == nil {
			return
		}
		cell.Outputs = nil
	})
}

// Broadcast sub-tags carried in a notebook room's Broadcast.Type (spec
// §6 notebook-sync broadcasts). Exported so the daemon package can publish
// env_progress/pool_error/comm_replay/shutting_down broadcasts onto a
// room's hub using the same tag values the room uses internally.
const (
	BroadcastCRDTSync     = 0x00
	BroadcastKernelStatus = 0x01
	BroadcastEnvProgress  = 0x02
	BroadcastPoolError    = 0x03
	BroadcastCommReplay   = 0x04
	BroadcastShuttingDown = 0x05

	broadcastCRDTSync     = BroadcastCRDTSync
	broadcastKernelStatus = BroadcastKernelStatus
	broadcastEnvProgress  = BroadcastEnvProgress
	broadcastPoolError    = BroadcastPoolError
	broadcastCommReplay   = BroadcastCommReplay
	broadcastShuttingDown = BroadcastShuttingDown
)
