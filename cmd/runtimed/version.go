package main

import (
	"context"
	"os/exec"
	"regexp"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultTimeout = 2 * time.Second

func init() {
	if version == "dev" {
		if buildCommit, buildTime := getBuildInfoFromBinary(); buildCommit != "unknown" {
			commit = buildCommit
			date = buildTime
		}
	}

	versionCmd.Flags().BoolP("system", "s", false, "Show detected interpreters and runtimes")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of the runtimed binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		showSystem, _ := cmd.Flags().GetBool("system")

		cmd.Printf("runtimed version %s\n", version)
		if commit != "unknown" {
			cmd.Printf("commit: %s\n", commit)
		}
		if date != "unknown" {
			cmd.Printf("built: %s\n", date)
		}

		if showSystem {
			cmd.Printf("\nSystem:\n")
			cmd.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)

			if v := getToolVersion(cmd.Context(), "python3", "--version"); v != "" {
				cmd.Printf("  python3: %s\n", v)
			} else {
				cmd.Printf("  python3: not found\n")
			}
			if v := getToolVersion(cmd.Context(), "uv", "--version"); v != "" {
				cmd.Printf("  uv: %s\n", v)
			} else {
				cmd.Printf("  uv: not found (uv environment pool will stay empty)\n")
			}
			if v := getToolVersion(cmd.Context(), "conda", "--version"); v != "" {
				cmd.Printf("  conda: %s\n", v)
			} else {
				cmd.Printf("  conda: not found (conda environment pool will stay empty)\n")
			}
		}

		return nil
	},
}

var versionRegex = regexp.MustCompile(`v?(\d+\.\d+(?:\.\d+)?)`)

func extractVersion(output string) string {
	if matches := versionRegex.FindStringSubmatch(output); len(matches) > 1 {
		return matches[1]
	}
	return "unknown"
}

func getToolVersion(ctx context.Context, tool string, args ...string) string {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, tool, args...).CombinedOutput()
	if err != nil {
		return ""
	}
	return extractVersion(strings.TrimSpace(string(out)))
}

func getBuildInfoFromBinary() (string, string) {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown", "unknown"
	}

	var revision, buildTime, modified string
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			buildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}

	if len(revision) > 7 {
		revision = revision[:7]
	}
	if modified == "true" {
		revision += "-dirty"
	}
	if revision == "" {
		revision = "unknown"
	}
	if buildTime == "" {
		buildTime = "unknown"
	}

	return revision, buildTime
}
