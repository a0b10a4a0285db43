package daemon

import (
	"log/slog"
	"net"
	"time"

	"github.com/runtimed/runtimed/internal/framing"
	"github.com/runtimed/runtimed/internal/protoerr"
	"github.com/runtimed/runtimed/internal/room"
)

// handleConn reads the first-frame handshake and dispatches the connection
// to its channel handler (spec §4.A, §4.L). Each connection runs on its
// own goroutine, tracked in connWG so Shutdown can wait for a grace period
// before forcing closes.
func (d *Daemon) handleConn(conn net.Conn) {
	defer d.connWG.Done()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hs, err := framing.ReadHandshake(conn)
	if err != nil {
		if protoerr.Of(err) != protoerr.ConnectionClosed {
			slog.Warn("daemon: handshake failed", "error", err)
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch hs.Channel {
	case framing.ChannelPool:
		d.handlePoolChannel(conn)
	case framing.ChannelBlob:
		d.handleBlobChannel(conn)
	case framing.ChannelSettingsSync:
		d.handleSettingsChannel(conn)
	case framing.ChannelNotebookSync:
		d.handleNotebookChannel(conn, hs)
	case framing.ChannelPoolStateSubscribe:
		d.handleBroadcastSubscribe(conn, d.poolHub)
	case framing.ChannelDaemonStateSubscribe:
		d.handleBroadcastSubscribe(conn, d.daemonHub)
	default:
		slog.Warn("daemon: unreachable handshake channel", "channel", hs.Channel)
	}
}

// handleBroadcastSubscribe streams a read-only hub's broadcasts to conn
// until the connection drops or the daemon starts shutting down (spec §6
// pool_state_subscribe / daemon_state_subscribe).
func (d *Daemon) handleBroadcastSubscribe(conn net.Conn, hub *room.Hub) {
	id, ch := hub.Subscribe()
	defer hub.Unsubscribe(id)

	for {
		select {
		case <-d.closing:
			return
		case b, ok := <-ch:
			if !ok {
				return
			}
			if err := writeTaggedFrame(conn, b.Type, b.Payload); err != nil {
				return
			}
		}
	}
}
