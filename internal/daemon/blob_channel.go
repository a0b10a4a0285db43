package daemon

import (
	"fmt"
	"log/slog"
	"net"

	humanize "github.com/dustin/go-humanize"

	"github.com/runtimed/runtimed/internal/framing"
	"github.com/runtimed/runtimed/internal/protoerr"
)

type blobRequest struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
}

type blobResponse struct {
	Type       string `json:"type"`
	Hash       string `json:"hash,omitempty"`
	Port       int    `json:"port,omitempty"`
	Count      int    `json:"count,omitempty"`
	TotalBytes uint64 `json:"total_bytes,omitempty"`
	Message    string `json:"message,omitempty"`
}

// handleBlobChannel serves blob store requests (spec §4.B, §4.C, §6 Blob
// channel): `store` is followed by one data frame of raw bytes, `get_port`
// returns the blob HTTP server's port, `stats` reports aggregate store size
// for the CLI's `status` table.
func (d *Daemon) handleBlobChannel(conn net.Conn) {
	for {
		var req blobRequest
		if err := framing.ReadControlJSON(conn, &req); err != nil {
			if protoerr.Of(err) != protoerr.ConnectionClosed {
				slog.Warn("daemon: blob channel read failed", "error", err)
			}
			return
		}

		switch req.Type {
		case "store":
			data, err := framing.ReadFrame(conn, framing.MaxDataFrame)
			if err != nil {
				slog.Warn("daemon: blob store payload read failed", "error", err)
				return
			}
			hash, err := d.blobs.Put(data, req.MediaType)
			if err != nil {
				if werr := framing.WriteJSON(conn, blobResponse{Type: "error", Message: err.Error()}); werr != nil {
					return
				}
				continue
			}
			slog.Debug("daemon: blob stored", "hash", hash, "size", humanize.Bytes(uint64(len(data))))
			if err := framing.WriteJSON(conn, blobResponse{Type: "hash", Hash: hash}); err != nil {
				return
			}

		case "get_port":
			if err := framing.WriteJSON(conn, blobResponse{Type: "port", Port: d.blobSrv.Port()}); err != nil {
				return
			}

		case "stats":
			hashes, err := d.blobs.List()
			if err != nil {
				if werr := framing.WriteJSON(conn, blobResponse{Type: "error", Message: err.Error()}); werr != nil {
					return
				}
				continue
			}
			var total uint64
			for _, h := range hashes {
				if meta, err := d.blobs.GetMeta(h); err == nil {
					total += meta.Size
				}
			}
			slog.Debug("daemon: blob stats", "count", len(hashes), "total_size", humanize.Bytes(total))
			if err := framing.WriteJSON(conn, blobResponse{Type: "stats", Count: len(hashes), TotalBytes: total}); err != nil {
				return
			}

		default:
			if err := framing.WriteJSON(conn, blobResponse{Type: "error", Message: fmt.Sprintf("unknown blob request %q", req.Type)}); err != nil {
				return
			}
		}
	}
}
