// Package daemon wires every other package into the runtimed process
// (spec §4.L): singleton lock, settings store, blob store/server,
// environment pools, notebook rooms, and the IPC accept loop. Startup and
// shutdown orchestration is grounded on the teacher's `cmd/container-use`
// root-command lifecycle, generalized from a CLI tool's one-shot run to a
// long-lived listener.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustinkirkland/golang-petname"
	"github.com/google/uuid"

	"github.com/runtimed/runtimed/internal/blobserver"
	"github.com/runtimed/runtimed/internal/blobstore"
	"github.com/runtimed/runtimed/internal/config"
	"github.com/runtimed/runtimed/internal/envdetect"
	"github.com/runtimed/runtimed/internal/envpool"
	"github.com/runtimed/runtimed/internal/kernel"
	"github.com/runtimed/runtimed/internal/protoerr"
	"github.com/runtimed/runtimed/internal/room"
	"github.com/runtimed/runtimed/internal/settings"
	"github.com/runtimed/runtimed/internal/singleton"
)

// handshakeTimeout bounds how long a connection may take to send its first
// frame before the daemon gives up on it (spec §5 timeouts).
const handshakeTimeout = 5 * time.Second

// shutdownGrace bounds how long Shutdown waits for in-flight connection
// handlers to drain before forcing them closed (spec §4.L shutdown).
const shutdownGrace = 5 * time.Second

// Daemon is the long-lived runtimed process: one singleton lock, one blob
// store/server, two environment pools, a settings document, and a
// dynamically populated set of notebook rooms.
type Daemon struct {
	cfg     *config.Config
	version string

	guard    *singleton.Guard
	blobs    *blobstore.Store
	blobSrv  *blobserver.Server
	settings *settings.Store

	uvPool    *envpool.Pool
	condaPool *envpool.Pool

	listener net.Listener

	poolHub      *room.Hub // pool_state_subscribe broadcasts
	daemonHub    *room.Hub // daemon_state_subscribe broadcasts
	settingsHub  *room.Hub // settings_sync fan-out between connected clients
	roomsMu      sync.Mutex
	rooms        map[string]*room.Room
	roomKernels  map[string]*kernel.Supervisor
	cancelPools  context.CancelFunc
	connWG       sync.WaitGroup
	closing      chan struct{}
	shutdownOnce sync.Once
}

// New constructs a Daemon from cfg. Call Run to start it.
func New(cfg *config.Config, version string) *Daemon {
	return &Daemon{
		cfg:         cfg,
		version:     version,
		poolHub:     room.NewHub(),
		daemonHub:   room.NewHub(),
		settingsHub: room.NewHub(),
		rooms:       make(map[string]*room.Room),
		roomKernels: make(map[string]*kernel.Supervisor),
		closing:     make(chan struct{}),
	}
}

// Run performs full startup (spec §4.L Startup) and blocks serving
// connections until ctx is cancelled, at which point it runs Shutdown and
// returns.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("preparing cache directories: %w", err)
	}

	store, err := blobstore.New(d.cfg.BlobsDir())
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}
	d.blobs = store

	blobSrv, err := blobserver.Listen(store)
	if err != nil {
		return fmt.Errorf("starting blob http server: %w", err)
	}
	d.blobSrv = blobSrv
	go func() {
		if err := blobSrv.Serve(); err != nil {
			slog.Error("daemon: blob server exited", "error", err)
		}
	}()

	// A live daemon holds the lock for its whole lifetime; checking it
	// before binding keeps listenEndpoint from unlinking that daemon's socket.
	if running, err := singleton.Running(d.cfg.LockPath()); err == nil && running {
		_ = blobSrv.Close()
		return protoerr.New(protoerr.DaemonRunning, "another runtimed instance is already running", nil)
	}

	endpoint := d.cfg.SocketPath()
	ln, err := listenEndpoint(endpoint)
	if err != nil {
		_ = blobSrv.Close()
		return fmt.Errorf("binding ipc listener at %s: %w", endpoint, err)
	}
	d.listener = ln
	// ln.Addr().String() is recorded rather than the computed endpoint
	// path: on the Windows loopback-TCP stand-in (listen_windows.go) the
	// real address is an ephemeral port the caller can't predict.
	actualEndpoint := ln.Addr().String()

	guard, err := singleton.Acquire(ctx, d.cfg.LockPath(), d.cfg.InfoPath(), singleton.Info{
		PID:       os.Getpid(),
		Endpoint:  actualEndpoint,
		Version:   d.version,
		BlobPort:  blobSrv.Port(),
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		_ = ln.Close()
		_ = blobSrv.Close()
		return err
	}
	d.guard = guard

	settingsStore, err := settings.Load(
		filepath.Join(d.cfg.SettingsPath(), "settings.bin"),
		filepath.Join(d.cfg.SettingsPath(), "settings.json"),
	)
	if err != nil {
		d.failStartup()
		return fmt.Errorf("loading settings: %w", err)
	}
	d.settings = settingsStore

	poolCtx, cancelPools := context.WithCancel(context.Background())
	d.cancelPools = cancelPools
	d.uvPool = envpool.New(envpool.Options{
		EnvType: envpool.TypeUV, Root: d.cfg.EnvsDir(), Target: d.cfg.TargetUV, MaxAge: d.cfg.MaxAge,
		Provisioner: envpool.NewShellProvisioner("", ""),
		OnProgress:  d.broadcastEnvProgress, OnError: d.broadcastPoolError,
	})
	d.condaPool = envpool.New(envpool.Options{
		EnvType: envpool.TypeConda, Root: d.cfg.EnvsDir(), Target: d.cfg.TargetConda, MaxAge: d.cfg.MaxAge,
		Provisioner: envpool.NewShellProvisioner("", ""),
		OnProgress:  d.broadcastEnvProgress, OnError: d.broadcastPoolError,
	})
	if err := d.uvPool.Recover(); err != nil {
		slog.Warn("daemon: uv pool recovery failed", "error", err)
	}
	if err := d.condaPool.Recover(); err != nil {
		slog.Warn("daemon: conda pool recovery failed", "error", err)
	}
	d.uvPool.Start(poolCtx)
	d.condaPool.Start(poolCtx)

	slog.Info("daemon: listening", "endpoint", actualEndpoint, "blob_port", blobSrv.Port(), "version", d.version)

	go d.acceptLoop()

	<-ctx.Done()
	return d.Shutdown(context.Background())
}

func (d *Daemon) failStartup() {
	_ = d.guard.Release()
	_ = d.blobSrv.Close()
	if d.listener != nil {
		_ = d.listener.Close()
	}
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.closing:
				return
			default:
				slog.Error("daemon: accept failed", "error", err)
				return
			}
		}
		d.connWG.Add(1)
		go d.handleConn(conn)
	}
}

// Shutdown performs the graceful shutdown sequence (spec §4.L Shutdown).
// Safe to call more than once; only the first call does anything.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() {
		close(d.closing)
		d.daemonHub.Publish(room.Broadcast{Type: broadcastDaemonShuttingDown})

		if d.listener != nil {
			_ = d.listener.Close()
		}

		drained := make(chan struct{})
		go func() {
			d.connWG.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(shutdownGrace):
			slog.Warn("daemon: shutdown grace period elapsed with handlers still active")
		}

		if d.cancelPools != nil {
			d.cancelPools()
		}
		if d.uvPool != nil {
			d.uvPool.Stop()
		}
		if d.condaPool != nil {
			d.condaPool.Stop()
		}

		d.roomsMu.Lock()
		rooms := make([]*room.Room, 0, len(d.rooms))
		for _, r := range d.rooms {
			rooms = append(rooms, r)
		}
		kernels := make([]*kernel.Supervisor, 0, len(d.roomKernels))
		for _, k := range d.roomKernels {
			kernels = append(kernels, k)
		}
		d.roomsMu.Unlock()

		for _, k := range kernels {
			if err := k.Shutdown(ctx); err != nil {
				slog.Warn("daemon: kernel shutdown failed", "error", err)
			}
		}
		for _, r := range rooms {
			r.Close()
		}

		if d.blobSrv != nil {
			_ = d.blobSrv.Close()
		}
		removeEndpoint(d.cfg.SocketPath())
		_ = d.guard.Release()

		slog.Info("daemon: shutdown complete")
	})
	return nil
}

// getOrCreateRoom returns the live room for notebookID, creating it (and a
// friendly petname-derived label for unsaved sessions, used only in logs)
// if this is the first subscriber.
func (d *Daemon) getOrCreateRoom(notebookID string) *room.Room {
	d.roomsMu.Lock()
	defer d.roomsMu.Unlock()

	if r, ok := d.rooms[notebookID]; ok {
		return r
	}

	label := notebookID
	if label == "" {
		notebookID = uuid.NewString()
		label = petname.Generate(2, "-")
	}

	r := room.New(room.Config{
		ID:              notebookID,
		Store:           d.blobs,
		InlineThreshold: d.cfg.InlineThreshold,
		MirrorPath:      filepath.Join(d.cfg.CacheDir, "rooms", notebookID+".json"),
		EvictionDelay:   d.cfg.RoomEvictionDelay,
		OnEvict:         d.evictRoom,
	})
	d.rooms[notebookID] = r
	slog.Info("daemon: room created", "notebook_id", notebookID, "label", label)
	return r
}

func (d *Daemon) evictRoom(notebookID string) {
	d.roomsMu.Lock()
	r, ok := d.rooms[notebookID]
	if ok {
		delete(d.rooms, notebookID)
		delete(d.roomKernels, notebookID)
	}
	d.roomsMu.Unlock()
	if ok {
		r.Close()
		slog.Info("daemon: room evicted", "notebook_id", notebookID)
	}
}

func (d *Daemon) poolFor(envType string) *envpool.Pool {
	switch envpool.Type(envType) {
	case envpool.TypeUV:
		return d.uvPool
	case envpool.TypeConda:
		return d.condaPool
	default:
		return nil
	}
}

func (d *Daemon) broadcastEnvProgress(envType envpool.Type, phase envpool.Phase) {
	payload, err := marshalEnvProgress(envType, phase)
	if err != nil {
		return
	}
	d.poolHub.Publish(room.Broadcast{Type: broadcastPoolEnvProgress, Payload: payload})

	d.roomsMu.Lock()
	rooms := make([]*room.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.roomsMu.Unlock()
	for _, r := range rooms {
		r.Hub().Publish(room.Broadcast{Type: notebookBroadcastEnvProgress, Payload: payload})
	}
}

func (d *Daemon) broadcastPoolError(perr envpool.PoolError) {
	payload, err := marshalPoolError(perr)
	if err != nil {
		return
	}
	slog.Warn("daemon: pool error", "env_type", perr.EnvType, "message", perr.Message)
	d.poolHub.Publish(room.Broadcast{Type: broadcastPoolError, Payload: payload})

	d.roomsMu.Lock()
	rooms := make([]*room.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.roomsMu.Unlock()
	for _, r := range rooms {
		r.Hub().Publish(room.Broadcast{Type: notebookBroadcastPoolError, Payload: payload})
	}
}

// resolveInterpreter implements the kernel spawn environment resolution
// order (spec §4.I Spawn): take from the matching pool, or auto-detect a
// nearby project file, falling back to whatever python3 is on PATH. When a
// project file declares dependencies beyond the prewarmed pool's base set,
// the taken environment is claimed under a dependency-derived key so that
// repeated launches against the same manifest reuse the same directory
// instead of re-provisioning (spec §4.H Claim).
func (d *Daemon) resolveInterpreter(ctx context.Context, envSource, notebookPath string) (string, error) {
	switch envSource {
	case "uv":
		env := d.uvPool.Take(ctx)
		if env == nil {
			return "", protoerr.New(protoerr.EnvCreationFailed, "uv pool empty and no fallback requested", nil)
		}
		return d.claimForManifest(env, notebookPath)
	case "conda":
		env := d.condaPool.Take(ctx)
		if env == nil {
			return "", protoerr.New(protoerr.EnvCreationFailed, "conda pool empty and no fallback requested", nil)
		}
		return d.claimForManifest(env, notebookPath)
	default:
		if notebookPath != "" {
			if det, err := envdetect.Detect(notebookPath); err == nil && det != nil {
				var env *envpool.PooledEnv
				if det.Kind == envdetect.KindPyprojectToml {
					env = d.uvPool.Take(ctx)
				} else {
					env = d.condaPool.Take(ctx)
				}
				if env != nil {
					return d.claimManifest(env, det)
				}
			}
		}
		return "python3", nil
	}
}

// claimForManifest auto-detects notebookPath's nearest project file (if
// any) and claims env against it; with no project file found it returns
// env's interpreter unclaimed, still live in the prewarm directory.
func (d *Daemon) claimForManifest(env *envpool.PooledEnv, notebookPath string) (string, error) {
	if notebookPath == "" {
		return env.InterpreterPath, nil
	}
	det, err := envdetect.Detect(notebookPath)
	if err != nil || det == nil {
		return env.InterpreterPath, nil
	}
	return d.claimManifest(env, det)
}

func (d *Daemon) claimManifest(env *envpool.PooledEnv, det *envdetect.Detected) (string, error) {
	manifest, err := envdetect.ParseManifest(det)
	if err != nil || (len(manifest.Dependencies) == 0 && len(manifest.Channels) == 0) {
		return env.InterpreterPath, nil
	}

	key := envpool.EnvKey(manifest.Dependencies, manifest.Channels, "", det.Path)
	rel, err := filepath.Rel(env.Dir, env.InterpreterPath)
	if err != nil {
		return env.InterpreterPath, nil
	}

	claimedDir, err := envpool.Claim(env, d.cfg.EnvsDir(), key)
	if err != nil {
		slog.Warn("daemon: env claim failed, using prewarmed path", "key", key, "error", err)
		return env.InterpreterPath, nil
	}
	return filepath.Join(claimedDir, rel), nil
}
