package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runtimed/runtimed/internal/framing"
	"github.com/runtimed/runtimed/internal/singleton"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running daemon to shut down gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := singleton.ReadInfo(cfg.InfoPath())
		if err != nil {
			return fmt.Errorf("no runtimed daemon appears to be running: %w", err)
		}

		conn, err := dialEndpoint(info.Endpoint)
		if err != nil {
			return fmt.Errorf("connecting to daemon at %s: %w", info.Endpoint, err)
		}
		defer conn.Close()

		if err := framing.WriteJSON(conn, framing.Handshake{Channel: framing.ChannelPool}); err != nil {
			return err
		}
		if err := framing.WriteJSON(conn, map[string]string{"type": "shutdown"}); err != nil {
			return err
		}

		var resp map[string]string
		if err := framing.ReadControlJSON(conn, &resp); err != nil {
			return err
		}
		cmd.Printf("runtimed (pid %d) is shutting down\n", info.PID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
