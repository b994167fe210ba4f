package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/metrics"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current run's phase, lag, and throughput",
	Long:  `status reads the state file written by a running (or last-run) pgclone process and prints a summary.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	snap, err := metrics.ReadStateFile()
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	fmt.Printf("phase:          %s\n", snap.Phase)
	fmt.Printf("elapsed:        %s\n", time.Duration(snap.ElapsedSec*float64(time.Second)).Round(time.Second))
	fmt.Printf("applied lsn:    %s\n", snap.AppliedLSN)
	fmt.Printf("confirmed lsn:  %s\n", snap.ConfirmedLSN)
	fmt.Printf("replay lag:     %s\n", snap.LagFormatted)
	fmt.Printf("tables:         %d/%d\n", snap.TablesCopied, snap.TablesTotal)
	fmt.Printf("rows/sec:       %.1f\n", snap.RowsPerSec)
	fmt.Printf("bytes/sec:      %.1f\n", snap.BytesPerSec)
	if snap.ErrorCount > 0 {
		fmt.Printf("errors:         %d\n", snap.ErrorCount)
	}
	if snap.LastError != "" {
		fmt.Printf("last error:     %s\n", snap.LastError)
	}
	return nil
}
