package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/runtimed/runtimed/internal/blobserver"
	"github.com/runtimed/runtimed/internal/blobstore"
	"github.com/runtimed/runtimed/internal/config"
	"github.com/runtimed/runtimed/internal/envpool"
	"github.com/runtimed/runtimed/internal/settings"
)

// fakeProvisioner always succeeds instantly, writing a stub interpreter
// file so envpool.Take's liveness check passes.
type fakeProvisioner struct{}

func (fakeProvisioner) Provision(ctx context.Context, envType envpool.Type, dir string, progress func(envpool.Phase)) (string, error) {
	progress(envpool.Phase{Name: envpool.PhaseReady})
	interp := filepath.Join(dir, "bin", "python3")
	if err := os.MkdirAll(filepath.Dir(interp), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(interp, []byte("#!/bin/sh\n"), 0o755); err != nil {
		return "", err
	}
	return interp, nil
}

// newTestDaemon builds a Daemon with every subsystem live except the
// singleton guard and IPC listener, which channel-level tests don't need.
func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CacheDir = dir
	cfg.TargetUV = 1
	cfg.TargetConda = 1
	require.NoError(t, cfg.EnsureDirs())

	blobs, err := blobstore.New(cfg.BlobsDir())
	require.NoError(t, err)

	blobSrv, err := blobserver.Listen(blobs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobSrv.Close() })
	go func() { _ = blobSrv.Serve() }()

	settingsStore, err := settings.Load(
		filepath.Join(cfg.SettingsPath(), "settings.bin"),
		filepath.Join(cfg.SettingsPath(), "settings.json"),
	)
	require.NoError(t, err)

	d := New(cfg, "test")
	d.blobs = blobs
	d.blobSrv = blobSrv
	d.settings = settingsStore
	d.uvPool = envpool.New(envpool.Options{EnvType: envpool.TypeUV, Root: cfg.EnvsDir(), Target: cfg.TargetUV, Provisioner: fakeProvisioner{}})
	d.condaPool = envpool.New(envpool.Options{EnvType: envpool.TypeConda, Root: cfg.EnvsDir(), Target: cfg.TargetConda, Provisioner: fakeProvisioner{}})

	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	return d
}

func pipeConns(t *testing.T) (client, server net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() { _ = c.Close(); _ = s.Close() })
	return c, s
}

func withDeadline(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
}
