// Package framing implements the daemon's length-prefixed wire framing and
// the first-frame JSON handshake that routes a connection to a channel
// (spec §4.A). Every byte stream between a front-end and the daemon speaks
// this format: a 4-byte big-endian length followed by that many payload
// bytes.
package framing

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/runtimed/runtimed/internal/protoerr"
)

const (
	// MaxDataFrame is the ceiling for data frames (blob bodies, large outputs).
	MaxDataFrame = 100 * 1024 * 1024
	// MaxControlFrame is the ceiling for the handshake and all JSON
	// request/response traffic. Kept far smaller than MaxDataFrame so a
	// malformed length prefix on the control path can't force a
	// multi-megabyte allocation before channel routing has happened.
	MaxControlFrame = 64 * 1024

	lengthPrefixSize = 4
)

// ReadFrame reads one length-prefixed frame, enforcing maxSize. It returns
// protoerr.ErrConnectionClosed on a clean EOF before any bytes of the length
// prefix are read, and protoerr.ErrProtocol for anything else that's wrong
// (truncated length header, frame over the ceiling).
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, protoerr.ErrConnectionClosed
		}
		return nil, protoerr.New(protoerr.Protocol, "truncated length header", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if int(length) > maxSize {
		return nil, protoerr.New(protoerr.Protocol, fmt.Sprintf("frame of %d bytes exceeds ceiling %d", length, maxSize), nil)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, protoerr.New(protoerr.Protocol, "truncated frame payload", err)
		}
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame. Callers are expected to
// flush/close appropriately; this package performs no buffering of its own.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxDataFrame {
		return protoerr.New(protoerr.Protocol, fmt.Sprintf("frame of %d bytes exceeds data ceiling", len(payload)), nil)
	}
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteJSON marshals v and writes it as a single control frame.
func WriteJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > MaxControlFrame {
		return protoerr.New(protoerr.Protocol, "control frame exceeds ceiling", nil)
	}
	return WriteFrame(w, data)
}

// ReadControlJSON reads one control-sized frame and unmarshals it into v.
func ReadControlJSON(r io.Reader, v any) error {
	payload, err := ReadFrame(r, MaxControlFrame)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return protoerr.New(protoerr.Protocol, "invalid JSON frame", err)
	}
	return nil
}

// Channel names the handshake's "channel" tag (spec §4.A).
type Channel string

const (
	ChannelPool                 Channel = "pool"
	ChannelSettingsSync         Channel = "settings_sync"
	ChannelNotebookSync         Channel = "notebook_sync"
	ChannelBlob                 Channel = "blob"
	ChannelPoolStateSubscribe   Channel = "pool_state_subscribe"
	ChannelDaemonStateSubscribe Channel = "daemon_state_subscribe"
)

// Handshake is the first JSON frame on every connection.
type Handshake struct {
	Channel    Channel `json:"channel"`
	NotebookID string  `json:"notebook_id,omitempty"`
	Protocol   string  `json:"protocol,omitempty"`
}

// ReadHandshake reads and validates the first frame of a connection.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var hs Handshake
	if err := ReadControlJSON(r, &hs); err != nil {
		return nil, err
	}
	switch hs.Channel {
	case ChannelPool, ChannelSettingsSync, ChannelNotebookSync, ChannelBlob,
		ChannelPoolStateSubscribe, ChannelDaemonStateSubscribe:
	default:
		return nil, protoerr.New(protoerr.Protocol, fmt.Sprintf("unknown channel %q", hs.Channel), nil)
	}
	if hs.Channel == ChannelNotebookSync && hs.NotebookID == "" {
		return nil, protoerr.New(protoerr.Protocol, "notebook_sync handshake missing notebook_id", nil)
	}
	return &hs, nil
}

// Typed notebook-sync frame kinds (spec §4.A, protocol v2).
type NotebookFrameType byte

const (
	FrameCRDTSync  NotebookFrameType = 0x00
	FrameRequest   NotebookFrameType = 0x01
	FrameResponse  NotebookFrameType = 0x02
	FrameBroadcast NotebookFrameType = 0x03
)

func (t NotebookFrameType) Valid() bool {
	switch t {
	case FrameCRDTSync, FrameRequest, FrameResponse, FrameBroadcast:
		return true
	default:
		return false
	}
}

// TypedFrame is a v2 notebook-sync frame: one type byte followed by payload.
type TypedFrame struct {
	Type    NotebookFrameType
	Payload []byte
}

// ReadTypedFrame reads one v2 notebook-sync frame (data-sized, since CRDT
// sync payloads and appended outputs can legitimately be large).
func ReadTypedFrame(r io.Reader) (*TypedFrame, error) {
	raw, err := ReadFrame(r, MaxDataFrame)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, protoerr.New(protoerr.Protocol, "empty typed frame", nil)
	}
	ft := NotebookFrameType(raw[0])
	if !ft.Valid() {
		return nil, protoerr.New(protoerr.Protocol, fmt.Sprintf("unknown typed frame byte 0x%02x", raw[0]), nil)
	}
	return &TypedFrame{Type: ft, Payload: raw[1:]}, nil
}

// WriteTypedFrame writes one v2 notebook-sync frame.
func WriteTypedFrame(w io.Writer, ft NotebookFrameType, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(ft)
	copy(buf[1:], payload)
	return WriteFrame(w, buf)
}
