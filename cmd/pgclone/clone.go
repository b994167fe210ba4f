package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/pipeline"
	"github.com/jfoltran/pgclone/internal/server"
	"github.com/jfoltran/pgclone/internal/tui"
)

var (
	cloneFollow bool
	cloneAPIPort int
	cloneTUI     bool
)

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Copy schema and data from source to target",
	Long: `clone introspects the source database, builds a Work Plan, applies
pre-data DDL, copies every table and large object, then builds indexes and
constraints. With --follow it stays attached afterward and streams logical
replication changes until a sentinel confirms cutover.`,
	RunE: runClone,
}

func init() {
	cloneCmd.Flags().BoolVar(&cloneFollow, "follow", false, "Stay attached and stream CDC changes after the initial copy")
	cloneCmd.Flags().IntVar(&cloneAPIPort, "api-port", 0, "Serve the status API on this port while cloning (0 disables)")
	cloneCmd.Flags().BoolVar(&cloneTUI, "tui", false, "Show the live TUI dashboard instead of log output")
	rootCmd.AddCommand(cloneCmd)
}

func runClone(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(&cfg, logger)
	defer p.Close()

	var errCh chan error
	if cloneTUI || cloneAPIPort != 0 {
		p.SetLogger(logger.Output(metrics.NewLogWriter(p.Metrics)))
	}

	if cloneAPIPort != 0 {
		srv := server.New(p.Metrics, &cfg, logger)
		srv.StartBackground(ctx, cloneAPIPort)
	}

	run := p.RunClone
	if cloneFollow {
		run = p.RunCloneAndFollow
	}

	if cloneTUI {
		errCh = make(chan error, 1)
		go func() { errCh <- run(ctx) }()
		if err := tui.Run(p.Metrics); err != nil {
			return fmt.Errorf("tui: %w", err)
		}
		stop()
		return <-errCh
	}

	return run(ctx)
}
