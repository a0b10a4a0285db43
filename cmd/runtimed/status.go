package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/runtimed/runtimed/internal/framing"
	"github.com/runtimed/runtimed/internal/singleton"
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type poolStats struct {
	UVAvailable    int `json:"uv_available"`
	UVWarming      int `json:"uv_warming"`
	CondaAvailable int `json:"conda_available"`
	CondaWarming   int `json:"conda_warming"`
}

type blobStats struct {
	Count      int    `json:"count"`
	TotalBytes uint64 `json:"total_bytes"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running and its pool state",
	RunE: func(cmd *cobra.Command, args []string) error {
		width := 80
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
			width = w
		}

		info, err := singleton.ReadInfo(cfg.InfoPath())
		if err != nil {
			cmd.Println(warnStyle.Render("runtimed is not running"))
			return nil
		}

		cmd.Printf("%s %s\n", labelStyle.Render("status:"), okStyle.Render("running"))
		cmd.Printf("%s %d\n", labelStyle.Render("pid:"), info.PID)
		cmd.Printf("%s %s\n", labelStyle.Render("version:"), info.Version)
		cmd.Printf("%s %s\n", labelStyle.Render("uptime:"), time.Since(info.StartedAt).Round(time.Second))
		cmd.Printf("%s %s\n", labelStyle.Render("endpoint:"), info.Endpoint)
		cmd.Println(lipgloss.NewStyle().Width(width).Render(""))

		stats, err := fetchPoolStats(info.Endpoint)
		if err != nil {
			cmd.Println(warnStyle.Render(fmt.Sprintf("pool query failed: %v", err)))
			return nil
		}
		cmd.Printf("%s %d available, %d warming\n", labelStyle.Render("uv pool:"), stats.UVAvailable, stats.UVWarming)
		cmd.Printf("%s %d available, %d warming\n", labelStyle.Render("conda pool:"), stats.CondaAvailable, stats.CondaWarming)

		if bstats, err := fetchBlobStats(info.Endpoint); err == nil {
			cmd.Printf("%s %d blobs, %s\n", labelStyle.Render("blob store:"), bstats.Count, humanize.Bytes(bstats.TotalBytes))
		}
		return nil
	},
}

func fetchPoolStats(endpoint string) (*poolStats, error) {
	conn, err := dialEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := framing.WriteJSON(conn, framing.Handshake{Channel: framing.ChannelPool}); err != nil {
		return nil, err
	}
	if err := framing.WriteJSON(conn, map[string]string{"type": "status"}); err != nil {
		return nil, err
	}

	var resp struct {
		Type  string     `json:"type"`
		Stats *poolStats `json:"stats"`
	}
	if err := framing.ReadControlJSON(conn, &resp); err != nil {
		return nil, err
	}
	if resp.Stats == nil {
		return nil, fmt.Errorf("unexpected response %s", mustMarshal(resp))
	}
	return resp.Stats, nil
}

func fetchBlobStats(endpoint string) (*blobStats, error) {
	conn, err := dialEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := framing.WriteJSON(conn, framing.Handshake{Channel: framing.ChannelBlob}); err != nil {
		return nil, err
	}
	if err := framing.WriteJSON(conn, map[string]string{"type": "stats"}); err != nil {
		return nil, err
	}

	var resp struct {
		Type       string `json:"type"`
		Count      int    `json:"count"`
		TotalBytes uint64 `json:"total_bytes"`
	}
	if err := framing.ReadControlJSON(conn, &resp); err != nil {
		return nil, err
	}
	if resp.Type != "stats" {
		return nil, fmt.Errorf("unexpected response %s", mustMarshal(resp))
	}
	return &blobStats{Count: resp.Count, TotalBytes: resp.TotalBytes}, nil
}

func mustMarshal(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "<unmarshalable>"
	}
	return string(data)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
