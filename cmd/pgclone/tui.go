package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/tui"
)

var tuiAPIAddr string

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Attach a live dashboard to a running pgclone serve instance",
	Long:  `tui polls a remote "pgclone serve" status API and renders the same dashboard "pgclone clone --tui" shows locally.`,
	RunE:  runTUI,
}

func init() {
	tuiCmd.Flags().StringVar(&tuiAPIAddr, "api-addr", "http://localhost:7654", "Base URL of a running pgclone serve instance")
	rootCmd.AddCommand(tuiCmd)
}

func runTUI(cmd *cobra.Command, args []string) error {
	collector := metrics.NewCollector(logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go pollRemote(ctx, tuiAPIAddr, collector)

	if err := tui.Run(collector); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}

func pollRemote(ctx context.Context, addr string, collector *metrics.Collector) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := fetchStatus(ctx, addr)
			if err != nil {
				continue
			}
			collector.SetPhase(snap.Phase)
			collector.SetTables(snap.Tables)
		}
	}
}

func fetchStatus(ctx context.Context, addr string) (*metrics.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var snap metrics.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
