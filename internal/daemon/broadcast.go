package daemon

import (
	"encoding/json"
	"io"

	"github.com/runtimed/runtimed/internal/envpool"
	"github.com/runtimed/runtimed/internal/framing"
	"github.com/runtimed/runtimed/internal/room"
)

// writeTaggedFrame writes a one-byte tag followed by payload as a single
// data frame. Used for pool_state_subscribe/daemon_state_subscribe, which
// are plain broadcast-only channels outside the notebook_sync v1/v2 typed
// frame protocol, so framing's NotebookFrameType validity rules don't
// apply here.
func writeTaggedFrame(w io.Writer, tag byte, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = tag
	copy(buf[1:], payload)
	return framing.WriteFrame(w, buf)
}

// Wire tags for the pool_state_subscribe and daemon_state_subscribe
// channels. These hubs are daemon-wide, not per-room, so they get their
// own small tag space distinct from room.Broadcast's per-notebook tags.
const (
	broadcastPoolEnvProgress byte = 0x00
	broadcastPoolError       byte = 0x01
	broadcastPoolStats       byte = 0x02

	broadcastDaemonShuttingDown byte = 0x00
)

// notebookBroadcastEnvProgress/PoolError reuse room's own broadcast tag
// space (spec §6 notebook-sync broadcasts: env_progress, pool_error).
const (
	notebookBroadcastEnvProgress = room.BroadcastEnvProgress
	notebookBroadcastPoolError   = room.BroadcastPoolError
)

type envProgressWire struct {
	EnvType string        `json:"env_type"`
	Phase   envpool.Phase `json:"phase"`
}

func marshalEnvProgress(envType envpool.Type, phase envpool.Phase) ([]byte, error) {
	return json.Marshal(envProgressWire{EnvType: string(envType), Phase: phase})
}

type poolErrorWire struct {
	EnvType string `json:"env_type"`
	Message string `json:"message"`
}

func marshalPoolError(perr envpool.PoolError) ([]byte, error) {
	return json.Marshal(poolErrorWire{EnvType: string(perr.EnvType), Message: perr.Message})
}
