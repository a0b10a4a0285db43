package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runtimed/runtimed/internal/framing"
)

func TestPoolChannelPingPong(t *testing.T) {
	d := newTestDaemon(t)
	client, server := pipeConns(t)
	withDeadline(client)
	withDeadline(server)
	go d.handlePoolChannel(server)

	require.NoError(t, framing.WriteJSON(client, poolRequest{Type: "ping"}))
	var resp poolResponse
	require.NoError(t, framing.ReadControlJSON(client, &resp))
	assert.Equal(t, "pong", resp.Type)
}

func TestPoolChannelStatusReportsBothPools(t *testing.T) {
	d := newTestDaemon(t)
	client, server := pipeConns(t)
	withDeadline(client)
	withDeadline(server)
	go d.handlePoolChannel(server)

	require.NoError(t, framing.WriteJSON(client, poolRequest{Type: "status"}))
	var resp poolResponse
	require.NoError(t, framing.ReadControlJSON(client, &resp))
	assert.Equal(t, "stats", resp.Type)
	require.NotNil(t, resp.Stats)
}

func TestPoolChannelTakeReturnsEmptyWithoutWarming(t *testing.T) {
	d := newTestDaemon(t)
	client, server := pipeConns(t)
	withDeadline(client)
	withDeadline(server)
	go d.handlePoolChannel(server)

	require.NoError(t, framing.WriteJSON(client, poolRequest{Type: "take", EnvType: "uv"}))
	var resp poolResponse
	require.NoError(t, framing.ReadControlJSON(client, &resp))
	assert.Equal(t, "empty", resp.Type)
}

func TestPoolChannelTakeUnknownEnvTypeErrors(t *testing.T) {
	d := newTestDaemon(t)
	client, server := pipeConns(t)
	withDeadline(client)
	withDeadline(server)
	go d.handlePoolChannel(server)

	require.NoError(t, framing.WriteJSON(client, poolRequest{Type: "take", EnvType: "bogus"}))
	var resp poolResponse
	require.NoError(t, framing.ReadControlJSON(client, &resp))
	assert.Equal(t, "error", resp.Type)
}

func TestPoolChannelFlushPool(t *testing.T) {
	d := newTestDaemon(t)
	client, server := pipeConns(t)
	withDeadline(client)
	withDeadline(server)
	go d.handlePoolChannel(server)

	require.NoError(t, framing.WriteJSON(client, poolRequest{Type: "flush_pool"}))
	var resp poolResponse
	require.NoError(t, framing.ReadControlJSON(client, &resp))
	assert.Equal(t, "flushed", resp.Type)
}
