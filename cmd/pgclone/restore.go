package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

var restoreInput string

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a pg_dump custom-format archive onto the target",
	Long:  `restore shells out to pg_restore against an archive produced by "pgclone dump", the counterpart operation for operators driving the Schema Bridge manually.`,
	RunE:  runRestore,
}

func init() {
	restoreCmd.Flags().StringVar(&restoreInput, "input", "", "Input path (default <dir>/schema/dump.pgdump)")
	rootCmd.AddCommand(restoreCmd)
}

func runRestore(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	in := restoreInput
	if in == "" {
		in = filepath.Join(cfg.WorkDir, "schema", "dump.pgdump")
	}
	if _, err := os.Stat(in); err != nil {
		return fmt.Errorf("archive %s: %w", in, err)
	}

	restoreArgs := []string{"--dbname=" + cfg.Dest.DSN(), "--format=custom"}
	if cfg.Modes.NoOwner {
		restoreArgs = append(restoreArgs, "--no-owner")
	}
	if cfg.Modes.NoACL {
		restoreArgs = append(restoreArgs, "--no-privileges")
	}
	if cfg.Modes.DropIfExists {
		restoreArgs = append(restoreArgs, "--clean", "--if-exists")
	}
	restoreArgs = append(restoreArgs, in)

	pgRestore := exec.CommandContext(cmd.Context(), "pg_restore", restoreArgs...)
	pgRestore.Stderr = os.Stderr
	pgRestore.Stdout = os.Stdout
	if err := pgRestore.Run(); err != nil {
		return fmt.Errorf("pg_restore: %w", err)
	}

	logger.Info().Str("path", in).Msg("schema restored")
	return nil
}
