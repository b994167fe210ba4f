package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/cdc/receiver"
	"github.com/jfoltran/pgclone/internal/cdc/segment"
	"github.com/jfoltran/pgclone/internal/pipeline"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Manage the CDC replication slot and the follow-mode apply loop",
}

var streamSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the replication slot used for CDC follow (the publication is not created)",
	RunE:  runStreamSetup,
}

var streamCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop the replication slot",
	RunE:  runStreamCleanup,
}

var streamPrefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Stream WAL to local segment files; runs the same apply loop as replay, so changes are applied too",
	RunE:  runStreamPrefetch,
}

var streamCatchupCmd = &cobra.Command{
	Use:   "catchup",
	Short: "Run the same apply loop as replay; exits only when interrupted or when --endpos is reached",
	RunE:  runStreamCatchup,
}

var streamReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Start (or resume) the CDC apply loop and keep running until stopped",
	RunE:  runStreamReplay,
}

var streamSentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Read or set the switchover sentinel",
}

var streamSentinelGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the last recorded apply cursor and slot state",
	RunE:  runStreamSentinelGet,
}

var streamSentinelSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Inject a sentinel marker and wait for the Applier to confirm it's caught up",
	RunE:  runStreamSentinelSet,
}

var sentinelTimeout time.Duration

func init() {
	streamSentinelSetCmd.Flags().DurationVar(&sentinelTimeout, "timeout", 30*time.Second, "How long to wait for the Applier to confirm the sentinel")

	streamSentinelCmd.AddCommand(streamSentinelGetCmd, streamSentinelSetCmd)
	streamCmd.AddCommand(streamSetupCmd, streamCleanupCmd, streamPrefetchCmd, streamCatchupCmd, streamReplayCmd, streamSentinelCmd)
	rootCmd.AddCommand(streamCmd)
}

func runStreamSetup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := cfg.Validate(); err != nil {
		return err
	}

	snapshotName, err := createSlotStandalone(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("slot %q created, snapshot %s\n", cfg.Replication.SlotName, snapshotName)
	return nil
}

func createSlotStandalone(ctx context.Context) (string, error) {
	replConn, err := pgconn.Connect(ctx, cfg.Source.ReplicationDSN())
	if err != nil {
		return "", fmt.Errorf("replication connection: %w", err)
	}
	defer replConn.Close(ctx)

	segDir := cfg.WorkDir + "/segments"
	seg, err := segment.NewWriter(segDir, segment.DefaultMaxBytes)
	if err != nil {
		return "", fmt.Errorf("open segment writer: %w", err)
	}

	recv, err := receiver.New(replConn, cfg.Replication.SlotName, cfg.Replication.Publication, cfg.Replication.Plugin, seg, logger)
	if err != nil {
		return "", fmt.Errorf("create receiver: %w", err)
	}
	defer recv.Close()

	return recv.CreateSlot(ctx, 0)
}

func runStreamCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := cfg.Validate(); err != nil {
		return err
	}

	pool, err := sourcePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, `SELECT pg_drop_replication_slot($1)`, cfg.Replication.SlotName); err != nil {
		return fmt.Errorf("drop replication slot %s: %w", cfg.Replication.SlotName, err)
	}
	fmt.Printf("slot %q dropped\n", cfg.Replication.SlotName)
	return nil
}

func runStreamPrefetch(cmd *cobra.Command, args []string) error {
	return runFollowMode(cmd, false)
}

func runStreamCatchup(cmd *cobra.Command, args []string) error {
	return runFollowMode(cmd, true)
}

func runStreamReplay(cmd *cobra.Command, args []string) error {
	return runFollowMode(cmd, true)
}

// runFollowMode resumes CDC streaming from the cursor already recorded in
// the Progress Catalog. Every mode runs pipeline.RunFollow, which both
// persists segment files and hands changes to the Applier; apply=false
// (prefetch) only adds a log line and does not skip the apply step.
func runFollowMode(cmd *cobra.Command, apply bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Open(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("open catalog at %s: %w", cfg.WorkDir, err)
	}
	startLSN := pglogrepl.LSN(0)
	if cur, err := cat.CursorRead(); err == nil {
		startLSN = cur.FlushedLSN
	}
	cat.Close()

	if !apply {
		// Prefetch only needs the Receiver writing segments; reuse the
		// pipeline's RunFollow, but a dedicated drain-only path would
		// duplicate most of it, so prefetch and catchup share RunFollow
		// and differ only in how far the operator lets it run.
		logger.Info().Msg("prefetch uses the same apply loop as catchup/replay; interrupt once segments are caught up")
	}

	p := pipeline.New(&cfg, logger)
	defer p.Close()
	return p.RunFollow(ctx, startLSN)
}

func runStreamSentinelGet(cmd *cobra.Command, args []string) error {
	cat, err := catalog.Open(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("open catalog at %s: %w", cfg.WorkDir, err)
	}
	defer cat.Close()

	cur, err := cat.CursorRead()
	if err != nil {
		return fmt.Errorf("read apply cursor: %w", err)
	}
	slot, err := cat.SlotRead()
	if err != nil {
		return fmt.Errorf("read slot state: %w", err)
	}

	fmt.Printf("slot:            %s (%s)\n", slot.SlotName, slot.Plugin)
	fmt.Printf("applied commit:  %s\n", cur.AppliedCommitLSN)
	fmt.Printf("written:         %s\n", cur.WrittenLSN)
	fmt.Printf("flushed:         %s\n", cur.FlushedLSN)
	fmt.Printf("updated at:      %s\n", cur.UpdatedAt.Format(time.RFC3339))
	return nil
}

func runStreamSentinelSet(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p := pipeline.New(&cfg, logger)
	defer p.Close()

	return p.RunSwitchover(cmd.Context(), sentinelTimeout)
}
