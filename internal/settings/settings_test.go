package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paths(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "settings.bin"), filepath.Join(dir, "settings.json")
}

func TestLoadReturnsDefaultsWhenMissing(t *testing.T) {
	bin, mirror := paths(t)
	s, err := Load(bin, mirror)
	require.NoError(t, err)
	assert.Equal(t, "system", s.Document().ThemeMode)
}

func TestApplyPersistsToMirrorWithSchema(t *testing.T) {
	bin, mirror := paths(t)
	s, err := Load(bin, mirror)
	require.NoError(t, err)

	payload, err := json.Marshal(Document{ThemeMode: "dark", DefaultRuntime: "python", DefaultEnvKind: "conda"})
	require.NoError(t, err)

	_, err = s.Apply(payload)
	require.NoError(t, err)

	data, err := os.ReadFile(mirror)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, SchemaPointer, decoded["$schema"])
	assert.Equal(t, "dark", decoded["theme_mode"])
}

func TestLoadRoundTripsPriorDocument(t *testing.T) {
	bin, mirror := paths(t)
	s, err := Load(bin, mirror)
	require.NoError(t, err)

	payload, err := json.Marshal(Document{ThemeMode: "dark"})
	require.NoError(t, err)
	_, err = s.Apply(payload)
	require.NoError(t, err)

	reloaded, err := Load(bin, mirror)
	require.NoError(t, err)
	assert.Equal(t, "dark", reloaded.Document().ThemeMode)
}

func TestSnapshotReturnsCurrentDocument(t *testing.T) {
	bin, mirror := paths(t)
	s, err := Load(bin, mirror)
	require.NoError(t, err)

	snap, err := s.Snapshot()
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(snap, &doc))
	assert.Equal(t, "uv", doc.DefaultEnvKind)
}
