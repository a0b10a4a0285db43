package kernel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeHeartbeatSucceedsWhenListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	err = probeHeartbeat(context.Background(), port, 500*time.Millisecond)
	assert.NoError(t, err)
}

func TestProbeHeartbeatTimesOutWhenNothingListening(t *testing.T) {
	err := probeHeartbeat(context.Background(), 1, 300*time.Millisecond)
	assert.Error(t, err)
}

func TestLaunchArgsPython(t *testing.T) {
	args := launchArgs(LaunchSpec{Type: TypePython}, "/tmp/conn.json")
	assert.Equal(t, []string{"-m", "ipykernel_launcher", "-f", "/tmp/conn.json"}, args)
}

func TestLaunchArgsTypeScript(t *testing.T) {
	args := launchArgs(LaunchSpec{Type: TypeTypeScript}, "/tmp/conn.json")
	assert.Equal(t, []string{"--kernel", "-f", "/tmp/conn.json"}, args)
}

func TestSpawnFailsFastOnMissingInterpreter(t *testing.T) {
	dir := t.TempDir()
	_, err := Spawn(context.Background(), LaunchSpec{
		Type:           TypePython,
		InterpreterBin: "/nonexistent/interpreter-does-not-exist",
		WorkDir:        dir,
		ConnDir:        dir,
	}, nil)
	assert.Error(t, err)
}
