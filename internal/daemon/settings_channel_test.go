package daemon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runtimed/runtimed/internal/framing"
	"github.com/runtimed/runtimed/internal/settings"
)

func TestSettingsChannelSendsInitialSnapshot(t *testing.T) {
	d := newTestDaemon(t)
	client, server := pipeConns(t)
	withDeadline(client)
	withDeadline(server)
	go d.handleSettingsChannel(server)

	payload, err := framing.ReadFrame(client, framing.MaxDataFrame)
	require.NoError(t, err)

	var doc settings.Document
	require.NoError(t, json.Unmarshal(payload, &doc))
	assert.Equal(t, "system", doc.ThemeMode)
}

func TestSettingsChannelAppliesSyncAndRebroadcasts(t *testing.T) {
	d := newTestDaemon(t)

	// A second subscriber receives the rebroadcast of the first client's change.
	listenerClient, listenerServer := pipeConns(t)
	withDeadline(listenerClient)
	withDeadline(listenerServer)
	go d.handleSettingsChannel(listenerServer)
	_, err := framing.ReadFrame(listenerClient, framing.MaxDataFrame)
	require.NoError(t, err)

	client, server := pipeConns(t)
	withDeadline(client)
	withDeadline(server)
	go d.handleSettingsChannel(server)
	_, err = framing.ReadFrame(client, framing.MaxDataFrame)
	require.NoError(t, err)

	updated, err := json.Marshal(settings.Document{ThemeMode: "dark", DefaultRuntime: "python", DefaultEnvKind: "uv"})
	require.NoError(t, err)
	require.NoError(t, framing.WriteFrame(client, updated))

	broadcast, err := framing.ReadFrame(listenerClient, framing.MaxDataFrame)
	require.NoError(t, err)
	var doc settings.Document
	require.NoError(t, json.Unmarshal(broadcast, &doc))
	assert.Equal(t, "dark", doc.ThemeMode)
}
