package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/runtimed/runtimed/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	Long:  `Acquire the singleton lock, start the blob/pool/IPC subsystems, and serve connections until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		d := daemon.New(cfg, version)
		slog.Info("runtimed: starting", "cache_dir", cfg.CacheDir)
		return d.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
