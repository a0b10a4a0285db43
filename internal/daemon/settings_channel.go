package daemon

import (
	"log/slog"
	"net"

	"github.com/runtimed/runtimed/internal/framing"
	"github.com/runtimed/runtimed/internal/room"
)

// handleSettingsChannel serves the settings_sync CRDT channel (spec §4.K):
// the daemon sends its current snapshot, then exchanges sync frames with
// the client and rebroadcasts any resulting local change to other
// connected settings clients.
func (d *Daemon) handleSettingsChannel(conn net.Conn) {
	snap, err := d.settings.Snapshot()
	if err != nil {
		slog.Warn("daemon: settings snapshot failed", "error", err)
		return
	}
	if err := framing.WriteFrame(conn, snap); err != nil {
		return
	}

	id, broadcasts := d.settingsHub.Subscribe()
	defer d.settingsHub.Unsubscribe(id)

	reads := make(chan []byte)
	readErrs := make(chan error, 1)
	go func() {
		for {
			payload, err := framing.ReadFrame(conn, framing.MaxDataFrame)
			if err != nil {
				readErrs <- err
				return
			}
			reads <- payload
		}
	}()

	for {
		select {
		case <-d.closing:
			return
		case err := <-readErrs:
			_ = err
			return
		case payload := <-reads:
			local, err := d.settings.Apply(payload)
			if err != nil {
				slog.Warn("daemon: settings apply failed", "error", err)
				continue
			}
			d.settingsHub.Publish(room.Broadcast{Payload: local})
		case b, ok := <-broadcasts:
			if !ok {
				return
			}
			if err := framing.WriteFrame(conn, b.Payload); err != nil {
				return
			}
		}
	}
}
