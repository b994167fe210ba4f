package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Hold open a REPEATABLE READ transaction and print its exported snapshot name",
	Long: `snapshot opens a transaction on the source at REPEATABLE READ isolation,
exports its snapshot with pg_export_snapshot(), and prints the snapshot name.
The transaction is held open until the command is interrupted. No pgclone
command takes the printed name as input: --snapshot is accepted but not read.`,
	RunE: runSnapshot,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := sourcePool(ctx)
	if err != nil {
		return err
	}
	defer src.Close()

	tx, err := src.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ, READ ONLY"); err != nil {
		return fmt.Errorf("set isolation level: %w", err)
	}

	var name string
	if err := tx.QueryRow(ctx, "SELECT pg_export_snapshot()").Scan(&name); err != nil {
		return fmt.Errorf("export snapshot: %w", err)
	}

	fmt.Printf("snapshot: %s\n", name)
	fmt.Println("holding transaction open — press Ctrl+C to release")

	<-ctx.Done()
	return nil
}
