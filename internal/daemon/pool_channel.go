package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/runtimed/runtimed/internal/envpool"
	"github.com/runtimed/runtimed/internal/framing"
	"github.com/runtimed/runtimed/internal/protoerr"
)

// poolRequest is one pool-channel request frame (spec §6 Pool IPC
// messages), tagged by Type.
type poolRequest struct {
	Type    string   `json:"type"`
	EnvType string   `json:"env_type,omitempty"`
	Env     *envWire `json:"env,omitempty"`
}

type envWire struct {
	EnvType         string    `json:"env_type"`
	Dir             string    `json:"dir"`
	InterpreterPath string    `json:"interpreter_path"`
	CreatedAt       time.Time `json:"created_at"`
}

type poolResponse struct {
	Type    string         `json:"type"`
	Env     *envWire       `json:"env,omitempty"`
	Stats   *envpool.Stats `json:"stats,omitempty"`
	Message string         `json:"message,omitempty"`
}

func toEnvWire(env *envpool.PooledEnv) *envWire {
	if env == nil {
		return nil
	}
	return &envWire{
		EnvType:         string(env.EnvType),
		Dir:             env.Dir,
		InterpreterPath: env.InterpreterPath,
		CreatedAt:       env.CreatedAt,
	}
}

// handlePoolChannel serves pool IPC requests until the connection drops or
// a shutdown request is handled (spec §4.H, §6).
func (d *Daemon) handlePoolChannel(conn net.Conn) {
	for {
		var req poolRequest
		if err := framing.ReadControlJSON(conn, &req); err != nil {
			if protoerr.Of(err) != protoerr.ConnectionClosed {
				slog.Warn("daemon: pool channel read failed", "error", err)
			}
			return
		}

		resp := d.dispatchPoolRequest(req)
		if err := framing.WriteJSON(conn, resp); err != nil {
			slog.Warn("daemon: pool channel write failed", "error", err)
			return
		}
		if resp.Type == "shutting_down" {
			return
		}
	}
}

func (d *Daemon) dispatchPoolRequest(req poolRequest) poolResponse {
	switch req.Type {
	case "take":
		pool := d.poolFor(req.EnvType)
		if pool == nil {
			return poolResponse{Type: "error", Message: fmt.Sprintf("unknown env_type %q", req.EnvType)}
		}
		env := pool.Take(context.Background())
		if env == nil {
			return poolResponse{Type: "empty"}
		}
		return poolResponse{Type: "env", Env: toEnvWire(env)}

	case "return":
		return poolResponse{Type: "returned"}

	case "status":
		uvAvail, uvWarm := d.uvPool.Stats()
		condaAvail, condaWarm := d.condaPool.Stats()
		stats := envpool.Stats{UVAvailable: uvAvail, UVWarming: uvWarm, CondaAvailable: condaAvail, CondaWarming: condaWarm}
		return poolResponse{Type: "stats", Stats: &stats}

	case "ping":
		return poolResponse{Type: "pong"}

	case "shutdown":
		go func() { _ = d.Shutdown(context.Background()) }()
		return poolResponse{Type: "shutting_down"}

	case "flush_pool":
		uvFlushed := d.uvPool.Flush()
		condaFlushed := d.condaPool.Flush()
		slog.Info("daemon: pool flushed", "uv_removed", uvFlushed, "conda_removed", condaFlushed)
		return poolResponse{Type: "flushed"}

	default:
		return poolResponse{Type: "error", Message: fmt.Sprintf("unknown pool request type %q", req.Type)}
	}
}
