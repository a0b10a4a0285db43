// Package singleton enforces that at most one daemon instance runs against
// a given cache directory, using an advisory file lock (spec §4.G). It
// generalizes the exclusive-lock pattern the teacher repo uses for
// per-repository git operations to a single process-wide lock plus a JSON
// sidecar publishing how to reach the running daemon.
package singleton

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/runtimed/runtimed/internal/protoerr"
)

// Info is the sidecar published alongside the lock so clients (and the CLI's
// `status`/`stop` subcommands) can find a running daemon without parsing
// process tables.
type Info struct {
	PID       int       `json:"pid"`
	Endpoint  string    `json:"endpoint"`
	Version   string    `json:"version"`
	BlobPort  int       `json:"blob_port"`
	StartedAt time.Time `json:"started_at"`
}

// Guard holds the daemon's exclusive lock and the sidecar file it wrote.
type Guard struct {
	lock     *flock.Flock
	infoPath string
}

// Acquire takes the exclusive daemon lock at lockPath and, on success,
// writes info to infoPath. If another process already holds the lock,
// Acquire returns protoerr.ErrDaemonRunning wrapping the sidecar contents it
// could read, so the caller can report who's running.
func Acquire(ctx context.Context, lockPath, infoPath string, info Info) (*Guard, error) {
	lock := flock.New(lockPath)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		existing, readErr := ReadInfo(infoPath)
		if readErr != nil {
			return nil, protoerr.New(protoerr.DaemonRunning, "another runtimed instance is already running", nil)
		}
		return nil, protoerr.New(protoerr.DaemonRunning,
			fmt.Sprintf("another runtimed instance is already running (pid %d, endpoint %s)", existing.PID, existing.Endpoint), nil)
	}

	if err := writeInfo(infoPath, info); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("writing daemon info: %w", err)
	}

	return &Guard{lock: lock, infoPath: infoPath}, nil
}

// Release removes the sidecar file and releases the lock. It is safe to call
// on a nil Guard.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	_ = os.Remove(g.infoPath)
	return g.lock.Unlock()
}

func writeInfo(path string, info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadInfo reads the sidecar at path. It returns an error if the file is
// missing or malformed, distinguishing "no daemon running" from "daemon
// running but sidecar unreadable" at the call site.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding daemon info: %w", err)
	}
	return &info, nil
}

// Running reports whether a daemon appears to be running, based on whether
// the lock at lockPath can be acquired without blocking. It does not hold
// the lock afterward.
func Running(lockPath string) (bool, error) {
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return false, err
	}
	if locked {
		_ = lock.Unlock()
		return false, nil
	}
	return true, nil
}
