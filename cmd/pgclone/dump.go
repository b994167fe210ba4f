package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

var dumpOutput string

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the source schema to a pg_dump custom-format archive",
	Long:  `dump shells out to pg_dump in custom format and writes the result under the working directory's schema/ subdirectory, for operators who want to drive pg_restore themselves instead of going through the Schema Bridge.`,
	RunE:  runDump,
}

func init() {
	dumpCmd.Flags().StringVar(&dumpOutput, "output", "", "Output path (default <dir>/schema/dump.pgdump)")
	rootCmd.AddCommand(dumpCmd)
}

func runDump(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	out := dumpOutput
	if out == "" {
		out = filepath.Join(cfg.WorkDir, "schema", "dump.pgdump")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create schema dir: %w", err)
	}

	dumpArgs := []string{"--format=custom", "--file=" + out, "--dbname=" + cfg.Source.DSN()}
	if cfg.Modes.NoOwner {
		dumpArgs = append(dumpArgs, "--no-owner")
	}
	if cfg.Modes.NoACL {
		dumpArgs = append(dumpArgs, "--no-privileges")
	}

	pgDump := exec.CommandContext(cmd.Context(), "pg_dump", dumpArgs...)
	pgDump.Stderr = os.Stderr
	if err := pgDump.Run(); err != nil {
		return fmt.Errorf("pg_dump: %w", err)
	}

	logger.Info().Str("path", out).Msg("schema dumped")
	return nil
}
