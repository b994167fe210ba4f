package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/metrics"
	"github.com/jfoltran/pgclone/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the status REST API, WebSocket feed, and web dashboard",
	Long:  `serve runs a standalone HTTP server that reads the state file written by a running pgclone process and exposes it over HTTP.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 7654, "HTTP listen port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(logger)
	if snap, err := metrics.ReadStateFile(); err == nil {
		collector.SetPhase(snap.Phase)
		collector.SetTables(snap.Tables)
	} else {
		logger.Warn().Err(err).Msg("no prior state file found; serving empty status until a run starts")
	}

	srv := server.New(collector, &cfg, logger)
	return srv.Start(ctx, servePort)
}
