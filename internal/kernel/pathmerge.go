package kernel

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

// fallbackPathDirs is the well-known-directory list used when the login
// shell probe fails, so that uv/conda/deno binaries installed into user
// profile locations are still found (spec §4.L).
var fallbackPathDirs = []string{
	"/opt/homebrew/bin",
	"/usr/local/bin",
	"/home/linuxbrew/.linuxbrew/bin",
}

func init() {
	if home, err := os.UserHomeDir(); err == nil {
		fallbackPathDirs = append(fallbackPathDirs,
			home+"/.cargo/bin",
			home+"/.deno/bin",
			home+"/.pixi/bin",
			home+"/.nix-profile/bin",
			home+"/.local/bin",
		)
	}
}

// ResolveKernelPath returns the PATH value to export to a kernel subprocess:
// the current process's PATH with the user's login shell PATH merged in
// front, deduplicated. GUI-launched daemons inherit a stripped PATH on
// Unix, so binaries installed by uv/conda/deno into user profile
// directories would otherwise be invisible.
func ResolveKernelPath(ctx context.Context) string {
	current := os.Getenv("PATH")

	loginPath, err := loginShellPath(ctx)
	if err != nil || loginPath == "" {
		return mergePaths(fallbackPathDirsString(), current)
	}
	return mergePaths(loginPath, current)
}

func fallbackPathDirsString() string {
	return strings.Join(fallbackPathDirs, string(os.PathListSeparator))
}

// loginShellPath spawns the user's login shell once to print its PATH, the
// way a GUI-launched process recovers the interactive shell's environment.
func loginShellPath(ctx context.Context) (string, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-l", "-c", "printf %s \"$PATH\"")
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// mergePaths concatenates PATH-list strings, front-to-back, deduplicating
// entries while preserving first-seen order.
func mergePaths(lists ...string) string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, dir := range strings.Split(list, string(os.PathListSeparator)) {
			if dir == "" || seen[dir] {
				continue
			}
			seen[dir] = true
			out = append(out, dir)
		}
	}
	return strings.Join(out, string(os.PathListSeparator))
}

// BuildKernelEnv returns the environment slice for a kernel subprocess:
// the current process environment (PATH replaced with the merged value)
// plus COLUMNS/LINES fixed to match the stream-terminal emulator's
// dimensions (spec §4.E, §4.I).
func BuildKernelEnv(ctx context.Context) []string {
	merged := ResolveKernelPath(ctx)
	base := os.Environ()
	out := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, "PATH=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, "PATH="+merged, "COLUMNS=80", "LINES=100")
	return out
}
