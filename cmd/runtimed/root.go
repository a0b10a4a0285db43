package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/runtimed/runtimed/internal/config"
)

var (
	cfgPath  string
	logLevel string
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "runtimed",
	Short: "Local-machine notebook runtime daemon",
	Long:  `runtimed mediates between notebook front-ends and Jupyter-style kernels: environment pooling, kernel supervision, CRDT notebook sync, and content-addressed output storage, all behind one local IPC socket.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(resolvedConfigPath())
		if err != nil {
			return err
		}
		cfg = loaded
		setupLogging(cmd)
		return nil
	},
}

func resolvedConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	return config.Default().DefaultPath()
}

func setupLogging(cmd *cobra.Command) {
	level := slog.LevelInfo
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to runtimed.toml (default: <cache dir>/runtimed.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.SilenceUsage = true
}
