//go:build !windows

package envpool

import "path/filepath"

func platformInterpreterPath(envDir string) string {
	return filepath.Join(envDir, "bin", "python")
}
