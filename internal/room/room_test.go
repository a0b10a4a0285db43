package room

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runtimed/runtimed/internal/blobstore"
	"github.com/runtimed/runtimed/internal/outputstore"
)

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)
	r := New(Config{
		ID:              "room-1",
		Store:           store,
		InlineThreshold: outputstore.DefaultInlineThreshold,
		MirrorPath:      filepath.Join(t.TempDir(), "mirror.json"),
	})
	t.Cleanup(r.Close)
	return r
}

func TestCommReplayOrderMatchesOpenOrder(t *testing.T) {
	r := newTestRoom(t)
	require.NoError(t, r.CommOpen("A", "jupyter.widget", json.RawMessage(`{}`)))
	require.NoError(t, r.CommOpen("B", "jupyter.widget", json.RawMessage(`{}`)))
	require.NoError(t, r.CommUpdate("A", json.RawMessage(`{"value":1}`)))
	require.NoError(t, r.CommClose("A"))
	require.NoError(t, r.CommOpen("C", "jupyter.widget", json.RawMessage(`{}`)))

	replay := r.Comms().ReplayOrder()
	ids := make([]string, len(replay))
	for i, s := range replay {
		ids[i] = s.CommID
	}
	assert.Equal(t, []string{"B", "C"}, ids)
}

func TestCommUpdateOnUnknownIDIsIgnored(t *testing.T) {
	r := newTestRoom(t)
	assert.NoError(t, r.CommUpdate("ghost", json.RawMessage(`{}`)))
}

func TestCommCloseOnUnknownIDIsIgnored(t *testing.T) {
	r := newTestRoom(t)
	assert.NotPanics(t, func() { r.CommClose("ghost") })
}

func TestFeedStreamUpsertsAtTrackedIndex(t *testing.T) {
	r := newTestRoom(t)
	_, err := r.doc.LocalChange(func(doc *Document) {
		doc.Cells = append(doc.Cells, &Cell{ID: "c1", Type: CellCode})
	})
	require.NoError(t, err)

	require.NoError(t, r.FeedStream("c1", "stdout", "line1\n"))
	cell := r.Document().CellByID("c1")
	require.Len(t, cell.Outputs, 1)
	firstHash := cell.Outputs[0]

	require.NoError(t, r.FeedStream("c1", "stdout", "line2\n"))
	cell = r.Document().CellByID("c1")
	require.Len(t, cell.Outputs, 1)
	assert.NotEqual(t, firstHash, cell.Outputs[0])
}

func TestSetRunningClearsStreamTracking(t *testing.T) {
	r := newTestRoom(t)
	_, err := r.doc.LocalChange(func(doc *Document) {
		doc.Cells = append(doc.Cells, &Cell{ID: "c1", Type: CellCode})
	})
	require.NoError(t, err)

	require.NoError(t, r.FeedStream("c1", "stdout", "old\n"))
	require.NoError(t, r.SetRunning("c1", true))

	_, ok := r.streams.OutputIndex("c1", "stdout")
	assert.False(t, ok)
}

func TestSubscribeUnsubscribeTracksCount(t *testing.T) {
	r := newTestRoom(t)
	id, ch := r.Subscribe()
	assert.Equal(t, 1, r.hub.Count())
	r.Unsubscribe(id)
	assert.Equal(t, 0, r.hub.Count())
	_, ok := <-ch
	assert.False(t, ok)
}

func TestEvictionFiresAfterDelayWithNoSubscribers(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	evicted := make(chan string, 1)
	r := New(Config{
		ID:            "room-evict",
		Store:         store,
		EvictionDelay: 30 * time.Millisecond,
		OnEvict:       func(id string) { evicted <- id },
	})
	defer r.Close()

	select {
	case id := <-evicted:
		assert.Equal(t, "room-evict", id)
	case <-time.After(2 * time.Second):
		t.Fatal("eviction did not fire")
	}
}

func TestEvictionCancelledBySubscriber(t *testing.T) {
	store, err := blobstore.New(t.TempDir())
	require.NoError(t, err)

	evicted := make(chan string, 1)
	r := New(Config{
		ID:            "room-evict-2",
		Store:         store,
		EvictionDelay: 30 * time.Millisecond,
		OnEvict:       func(id string) { evicted <- id },
	})
	defer r.Close()

	id, _ := r.Subscribe()
	defer r.Unsubscribe(id)

	select {
	case <-evicted:
		t.Fatal("eviction fired despite an active subscriber")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWriteThroughWritesMirrorFile(t *testing.T) {
	r := newTestRoom(t)
	require.NoError(t, r.SetKernelStatus("busy"))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(r.mirrorPath)
		return err == nil && len(data) > 0
	}, 2*time.Second, 20*time.Millisecond)
}
