package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"path/filepath"

	"github.com/runtimed/runtimed/internal/framing"
	"github.com/runtimed/runtimed/internal/kernel"
	"github.com/runtimed/runtimed/internal/protoerr"
	"github.com/runtimed/runtimed/internal/room"
)

// notebookRequest is one typed request frame (type 0x01) on the
// notebook_sync v2 protocol (spec §6 Notebook-sync typed requests).
type notebookRequest struct {
	Action       string          `json:"action"`
	CellID       string          `json:"cell_id,omitempty"`
	OutputJSON   json.RawMessage `json:"output_json,omitempty"`
	Count        int             `json:"count,omitempty"`
	KernelType   string          `json:"kernel_type,omitempty"`
	EnvSource    string          `json:"env_source,omitempty"`
	NotebookPath string          `json:"notebook_path,omitempty"`
}

type notebookResponse struct {
	Type  string `json:"type"`
	Hash  string `json:"hash,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleNotebookChannel serves one notebook_sync connection (spec §4.J,
// §4.L): it joins (or creates) the notebook's room, performs the initial
// sync and comm replay, then relays CRDT sync frames and (protocol v2)
// typed requests for the lifetime of the connection.
func (d *Daemon) handleNotebookChannel(conn net.Conn, hs *framing.Handshake) {
	r := d.getOrCreateRoom(hs.NotebookID)
	subID, broadcasts := r.Subscribe()
	defer r.Unsubscribe(subID)

	isV2 := hs.Protocol == "v2"

	snap, err := r.Snapshot()
	if err != nil {
		slog.Warn("daemon: notebook snapshot failed", "notebook_id", hs.NotebookID, "error", err)
		return
	}
	if err := d.writeNotebookFrame(conn, isV2, framing.FrameCRDTSync, snap); err != nil {
		return
	}

	if isV2 {
		if replay, err := r.CommReplayPayload(); err == nil {
			if err := framing.WriteTypedFrame(conn, framing.FrameBroadcast, append([]byte{room.BroadcastCommReplay}, replay...)); err != nil {
				return
			}
		}
	}

	reads := make(chan *framing.TypedFrame)
	readErrs := make(chan error, 1)
	go func() {
		for {
			tf, err := d.readNotebookFrame(conn, isV2)
			if err != nil {
				readErrs <- err
				return
			}
			reads <- tf
		}
	}()

	for {
		select {
		case <-d.closing:
			return
		case <-readErrs:
			return
		case tf := <-reads:
			switch tf.Type {
			case framing.FrameCRDTSync:
				local, err := r.ApplySync(tf.Payload)
				if err != nil {
					slog.Warn("daemon: applying crdt sync failed", "notebook_id", hs.NotebookID, "error", err)
					continue
				}
				if len(local) > 0 {
					r.Hub().Publish(room.Broadcast{Type: room.BroadcastCRDTSync, Payload: local})
				}
			case framing.FrameRequest:
				resp := d.handleNotebookRequest(hs.NotebookID, r, tf.Payload)
				if err := framing.WriteTypedFrame(conn, framing.FrameResponse, mustJSON(resp)); err != nil {
					return
				}
			default:
				// v1 connections and malformed v2 frames carry no other type.
			}
		case b, ok := <-broadcasts:
			if !ok {
				return
			}
			// CRDT-sync broadcasts go out as sync frames; every other room
			// broadcast is a FrameBroadcast whose first payload byte is its
			// sub-tag.
			ft, payload := framing.FrameCRDTSync, b.Payload
			if b.Type != room.BroadcastCRDTSync {
				ft, payload = framing.FrameBroadcast, append([]byte{b.Type}, b.Payload...)
			}
			if err := d.writeNotebookFrame(conn, isV2, ft, payload); err != nil {
				return
			}
		}
	}
}

// writeNotebookFrame writes a v2 typed frame, or (v1) the raw payload with
// no type byte — new servers detect the absent `protocol` field and fall
// back (spec §4.A).
func (d *Daemon) writeNotebookFrame(conn net.Conn, isV2 bool, ft framing.NotebookFrameType, payload []byte) error {
	if isV2 {
		return framing.WriteTypedFrame(conn, ft, payload)
	}
	if ft != framing.FrameCRDTSync {
		return nil // v1 only ever carries CRDT sync bytes
	}
	return framing.WriteFrame(conn, payload)
}

func (d *Daemon) readNotebookFrame(conn net.Conn, isV2 bool) (*framing.TypedFrame, error) {
	if isV2 {
		return framing.ReadTypedFrame(conn)
	}
	payload, err := framing.ReadFrame(conn, framing.MaxDataFrame)
	if err != nil {
		return nil, err
	}
	return &framing.TypedFrame{Type: framing.FrameCRDTSync, Payload: payload}, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","error":"internal encoding error"}`)
	}
	return data
}

func (d *Daemon) handleNotebookRequest(notebookID string, r *room.Room, payload []byte) notebookResponse {
	var req notebookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return notebookResponse{Type: "error", Error: "invalid request JSON"}
	}

	switch req.Action {
	case "append_output":
		return d.appendOutput(r, req)
	case "clear_outputs":
		if err := r.ClearOutputs(req.CellID); err != nil {
			return notebookResponse{Type: "error", Error: err.Error()}
		}
		return notebookResponse{Type: "ok"}
	case "set_execution_count":
		if err := r.SetExecutionCount(req.CellID, req.Count); err != nil {
			return notebookResponse{Type: "error", Error: err.Error()}
		}
		return notebookResponse{Type: "ok"}
	case "mark_cell_running":
		if err := r.SetRunning(req.CellID, true); err != nil {
			return notebookResponse{Type: "error", Error: err.Error()}
		}
		return notebookResponse{Type: "ok"}
	case "mark_cell_not_running":
		if err := r.SetRunning(req.CellID, false); err != nil {
			return notebookResponse{Type: "error", Error: err.Error()}
		}
		return notebookResponse{Type: "ok"}
	case "launch_kernel":
		return d.launchKernel(notebookID, r, req)
	case "interrupt":
		return d.interruptKernel(notebookID)
	case "restart":
		return d.restartKernel(notebookID, r)
	default:
		return notebookResponse{Type: "error", Error: "unknown action"}
	}
}

func (d *Daemon) appendOutput(r *room.Room, req notebookRequest) notebookResponse {
	var output struct {
		OutputType string            `json:"output_type"`
		Data       map[string]string `json:"data"`
		Metadata   json.RawMessage   `json:"metadata"`
		Extra      map[string]any    `json:"-"`
	}
	if err := json.Unmarshal(req.OutputJSON, &output); err != nil {
		return notebookResponse{Type: "error", Error: "invalid output_json"}
	}
	if err := r.AppendOutput(req.CellID, output.OutputType, output.Data, output.Metadata, nil); err != nil {
		return notebookResponse{Type: "error", Error: err.Error()}
	}
	return notebookResponse{Type: "ok"}
}

func (d *Daemon) launchKernel(notebookID string, r *room.Room, req notebookRequest) notebookResponse {
	interpreter, err := d.resolveInterpreter(context.Background(), req.EnvSource, req.NotebookPath)
	if err != nil {
		return notebookResponse{Type: "error", Error: err.Error()}
	}

	kt := kernel.TypePython
	if req.KernelType == string(kernel.TypeTypeScript) {
		kt = kernel.TypeTypeScript
	}

	workDir := filepath.Dir(req.NotebookPath)
	if workDir == "" || workDir == "." {
		workDir = d.cfg.CacheDir
	}

	sup, err := kernel.Spawn(context.Background(), kernel.LaunchSpec{
		Type:           kt,
		InterpreterBin: interpreter,
		WorkDir:        workDir,
		ConnDir:        filepath.Join(d.cfg.CacheDir, "connections"),
	}, func(err error) {
		_ = r.SetKernelStatus("dead")
		r.SetKernel(nil)
		d.roomsMu.Lock()
		delete(d.roomKernels, notebookID)
		d.roomsMu.Unlock()
	})
	if err != nil {
		return notebookResponse{Type: "error", Error: err.Error()}
	}

	r.SetKernel(sup)
	d.roomsMu.Lock()
	d.roomKernels[notebookID] = sup
	d.roomsMu.Unlock()
	_ = r.SetKernelStatus("idle")

	return notebookResponse{Type: "ok"}
}

func (d *Daemon) interruptKernel(notebookID string) notebookResponse {
	d.roomsMu.Lock()
	sup, ok := d.roomKernels[notebookID]
	d.roomsMu.Unlock()
	if !ok {
		return notebookResponse{Type: "error", Error: string(protoerr.NotFound)}
	}
	if err := sup.Interrupt(); err != nil {
		return notebookResponse{Type: "error", Error: err.Error()}
	}
	return notebookResponse{Type: "ok"}
}

func (d *Daemon) restartKernel(notebookID string, r *room.Room) notebookResponse {
	d.roomsMu.Lock()
	sup, ok := d.roomKernels[notebookID]
	d.roomsMu.Unlock()
	if !ok {
		return notebookResponse{Type: "error", Error: string(protoerr.NotFound)}
	}

	fresh, err := kernel.Restart(context.Background(), sup, func(err error) {
		_ = r.SetKernelStatus("dead")
		r.SetKernel(nil)
		d.roomsMu.Lock()
		delete(d.roomKernels, notebookID)
		d.roomsMu.Unlock()
	})
	if err != nil {
		return notebookResponse{Type: "error", Error: err.Error()}
	}

	r.SetKernel(fresh)
	d.roomsMu.Lock()
	d.roomKernels[notebookID] = fresh
	d.roomsMu.Unlock()
	r.Comms().Clear()
	_ = r.SetKernelStatus("idle")

	return notebookResponse{Type: "ok"}
}
