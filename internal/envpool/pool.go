package envpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// warmingTickInterval is how often the background warming loop recomputes
// deficit and spawns replacement creations (spec §4.H).
const warmingTickInterval = 30 * time.Second

// Pool manages one environment type's prewarm FIFO, warming count, and
// background replenishment loop.
type Pool struct {
	envType Type
	root    string // cache dir; prewarm-<uuid> and <key> directories live here
	target  int
	maxAge  time.Duration

	provisioner Provisioner
	onProgress  func(Type, Phase)
	onError     func(PoolError)

	mu        sync.Mutex
	available []*PooledEnv
	warming   int
	lastErr   *PoolError

	stop chan struct{}
	wg   sync.WaitGroup
}

// Options configures a new Pool.
type Options struct {
	EnvType     Type
	Root        string
	Target      int
	MaxAge      time.Duration
	Provisioner Provisioner
	OnProgress  func(Type, Phase)
	OnError     func(PoolError)
}

// New creates a pool. Call Start to begin the background warming loop.
func New(opts Options) *Pool {
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 48 * time.Hour
	}
	return &Pool{
		envType:     opts.EnvType,
		root:        opts.Root,
		target:      opts.Target,
		maxAge:      maxAge,
		provisioner: opts.Provisioner,
		onProgress:  opts.OnProgress,
		onError:     opts.OnError,
		stop:        make(chan struct{}),
	}
}

// Deficit returns target - (available + warming), floored at zero.
func (p *Pool) Deficit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deficitLocked()
}

func (p *Pool) deficitLocked() int {
	d := p.target - (len(p.available) + p.warming)
	if d < 0 {
		return 0
	}
	return d
}

// Stats returns the pool's current available/warming counts.
func (p *Pool) Stats() (available, warming int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available), p.warming
}

// Flush discards every available prewarmed environment, removing their
// directories from disk, and returns how many were removed. Used by the
// pool IPC's `flush_pool` request.
func (p *Pool) Flush() int {
	p.mu.Lock()
	drained := p.available
	p.available = nil
	p.mu.Unlock()

	for _, env := range drained {
		_ = os.RemoveAll(env.Dir)
	}
	return len(drained)
}

// Start launches the background warming loop.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.warmLoop(ctx)
}

// Stop halts the background warming loop and waits for it to exit.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Pool) warmLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(warmingTickInterval)
	defer ticker.Stop()

	p.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pool) tick(ctx context.Context) {
	deficit := p.Deficit()
	if deficit <= 0 {
		return
	}
	p.mu.Lock()
	p.warming += deficit
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		go p.createOne(ctx)
	}
}

// createOne provisions one new environment under prewarm-<uuid> and adds
// it to the available FIFO on success.
func (p *Pool) createOne(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		if p.warming > 0 {
			p.warming--
		}
		p.mu.Unlock()
	}()

	dir := filepath.Join(p.root, "prewarm-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.recordError(fmt.Errorf("creating prewarm dir: %w", err))
		return
	}

	progress := func(ph Phase) {
		if p.onProgress != nil {
			p.onProgress(p.envType, ph)
		}
	}

	interpreter, err := p.provisioner.Provision(ctx, p.envType, dir, progress)
	if err != nil {
		_ = os.RemoveAll(dir)
		p.recordError(err)
		return
	}

	if err := os.WriteFile(filepath.Join(dir, ".warmed"), []byte("1"), 0o644); err != nil {
		_ = os.RemoveAll(dir)
		p.recordError(fmt.Errorf("writing warmed marker: %w", err))
		return
	}

	env := &PooledEnv{EnvType: p.envType, Dir: dir, InterpreterPath: interpreter, CreatedAt: time.Now()}
	p.mu.Lock()
	p.available = append(p.available, env)
	p.lastErr = nil
	p.mu.Unlock()
}

func (p *Pool) recordError(err error) {
	perr := PoolError{EnvType: p.envType, Message: err.Error(), At: time.Now()}
	p.mu.Lock()
	p.lastErr = &perr
	p.mu.Unlock()
	slog.Warn("envpool: provisioning failed", "env_type", p.envType, "error", err)
	if p.onError != nil {
		p.onError(perr)
	}
}

// LastError returns the most recent unrecovered warming error, or nil.
func (p *Pool) LastError() *PoolError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Take drops every entry older than maxAge, then pops the first remaining
// entry whose interpreter still exists on disk off the FIFO, dropping the
// entries ahead of it whose interpreter is missing. It spawns one
// replacement creation in the background on success (spec §4.H Take).
func (p *Pool) Take(ctx context.Context) *PooledEnv {
	p.mu.Lock()
	now := time.Now()
	var kept []*PooledEnv
	var taken *PooledEnv
	for _, env := range p.available {
		if now.Sub(env.CreatedAt) > p.maxAge {
			continue // pruned: too old
		}
		if taken != nil {
			kept = append(kept, env)
			continue
		}
		if !fileExists(env.InterpreterPath) {
			continue // pruned: stale, interpreter missing
		}
		taken = env
	}
	p.available = kept
	p.mu.Unlock()

	if taken != nil {
		go p.createOne(ctx)
	}
	return taken
}

// EnvKey computes the 16-hex-char environment identity: a SHA-256 prefix
// over the canonical sorted dependency list, sorted channels, the Python
// constraint, and an optional per-notebook environment id (spec §3
// Environment key).
func EnvKey(deps []string, channels []string, pythonConstraint, notebookEnvID string) string {
	sortedDeps := append([]string(nil), deps...)
	sort.Strings(sortedDeps)
	sortedChannels := append([]string(nil), channels...)
	sort.Strings(sortedChannels)

	h := sha256.New()
	for _, d := range sortedDeps {
		io.WriteString(h, d)
		h.Write([]byte{0})
	}
	for _, c := range sortedChannels {
		io.WriteString(h, c)
		h.Write([]byte{0})
	}
	io.WriteString(h, pythonConstraint)
	h.Write([]byte{0})
	io.WriteString(h, notebookEnvID)

	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Claim renames a prewarmed environment's directory to its key-derived
// final path. If the target already exists (a race winner already
// materialized it), the prewarmed env is discarded (spec §4.H Claim).
func Claim(env *PooledEnv, envsRoot, key string) (string, error) {
	target := filepath.Join(envsRoot, key)

	if fileExists(target) {
		_ = os.RemoveAll(env.Dir)
		return target, nil
	}

	if err := os.Rename(env.Dir, target); err != nil {
		if copyErr := copyDirThenRemove(env.Dir, target); copyErr != nil {
			return "", fmt.Errorf("claiming env (rename failed: %v): %w", err, copyErr)
		}
	}
	return target, nil
}

func copyDirThenRemove(src, dst string) error {
	if err := copyDir(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Recover scans root for prewarm-* directories left over from a crashed
// process: entries with a working interpreter and a `.warmed` marker are
// added to the pool (up to target), extras are removed, and unwarmed
// entries are removed as half-finished creations (spec §4.H Recovery).
func (p *Pool) Recover() error {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var recovered []*PooledEnv
	for _, entry := range entries {
		if !entry.IsDir() || len(entry.Name()) < 8 || entry.Name()[:8] != "prewarm-" {
			continue
		}
		dir := filepath.Join(p.root, entry.Name())
		interp := platformInterpreterPath(dir)

		if !fileExists(filepath.Join(dir, ".warmed")) || !fileExists(interp) {
			_ = os.RemoveAll(dir)
			continue
		}

		info, statErr := os.Stat(dir)
		createdAt := time.Now()
		if statErr == nil {
			createdAt = info.ModTime()
		}
		recovered = append(recovered, &PooledEnv{EnvType: p.envType, Dir: dir, InterpreterPath: interp, CreatedAt: createdAt})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, env := range recovered {
		if i >= p.target {
			_ = os.RemoveAll(env.Dir)
			continue
		}
		p.available = append(p.available, env)
	}
	return nil
}
