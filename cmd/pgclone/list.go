package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/plan"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List source objects or the current run's progress",
}

var listTablesCmd = &cobra.Command{Use: "tables", Short: "List source tables", RunE: runListTables}
var listIndexesCmd = &cobra.Command{Use: "indexes", Short: "List source indexes", RunE: runListIndexes}
var listSchemasCmd = &cobra.Command{Use: "schemas", Short: "List source schemas", RunE: runListSchemas}
var listCollationsCmd = &cobra.Command{Use: "collations", Short: "List source collations", RunE: runListCollations}
var listExtensionsCmd = &cobra.Command{Use: "extensions", Short: "List source extensions", RunE: runListExtensions}
var listProgressCmd = &cobra.Command{Use: "progress", Short: "List task progress from the current run's Progress Catalog", RunE: runListProgress}

func init() {
	listCmd.AddCommand(listTablesCmd, listIndexesCmd, listSchemasCmd, listCollationsCmd, listExtensionsCmd, listProgressCmd)
	rootCmd.AddCommand(listCmd)
}

func sourcePool(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Source.Host == "" || cfg.Source.DBName == "" {
		return nil, fmt.Errorf("--source is required")
	}
	return pgxpool.New(ctx, cfg.Source.DSN())
}

func runListTables(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, err := sourcePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, `
		SELECT schemaname, tablename, pg_total_relation_size(format('%I.%I', schemaname, tablename)::regclass)
		FROM pg_tables
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY 1, 2`)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, name string
		var size int64
		if err := rows.Scan(&schema, &name, &size); err != nil {
			return err
		}
		fmt.Printf("%s.%s\t%d bytes\n", schema, name, size)
	}
	return rows.Err()
}

func runListIndexes(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, err := sourcePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, `
		SELECT schemaname, tablename, indexname
		FROM pg_indexes
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY 1, 2, 3`)
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, table, index string
		if err := rows.Scan(&schema, &table, &index); err != nil {
			return err
		}
		fmt.Printf("%s.%s\t%s\n", schema, table, index)
	}
	return rows.Err()
}

func runListSchemas(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, err := sourcePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, `
		SELECT nspname FROM pg_namespace
		WHERE nspname NOT LIKE 'pg_%' AND nspname != 'information_schema'
		ORDER BY 1`)
	if err != nil {
		return fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		fmt.Println(name)
	}
	return rows.Err()
}

func runListCollations(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, err := sourcePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, `
		SELECT n.nspname, c.collname, c.collcollate
		FROM pg_collation c JOIN pg_namespace n ON n.oid = c.collnamespace
		WHERE n.nspname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY 1, 2`)
	if err != nil {
		return fmt.Errorf("list collations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var schema, name, locale string
		if err := rows.Scan(&schema, &name, &locale); err != nil {
			return err
		}
		fmt.Printf("%s.%s\t%s\n", schema, name, locale)
	}
	return rows.Err()
}

func runListExtensions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	pool, err := sourcePool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, `SELECT extname, extversion FROM pg_extension ORDER BY 1`)
	if err != nil {
		return fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, version string
		if err := rows.Scan(&name, &version); err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", name, version)
	}
	return rows.Err()
}

func runListProgress(cmd *cobra.Command, args []string) error {
	cat, err := catalog.Open(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("open catalog at %s: %w", cfg.WorkDir, err)
	}
	defer cat.Close()

	has, err := cat.HasPlan()
	if err != nil {
		return err
	}
	if !has {
		fmt.Println("no work plan yet — run \"pgclone clone\" first")
		return nil
	}

	result, err := cat.TasksByKind(plan.KindTable)
	if err != nil {
		return fmt.Errorf("list table tasks: %w", err)
	}
	tasks, ok := result.([]plan.TableTask)
	if !ok {
		return fmt.Errorf("unexpected task type for table tasks")
	}

	counts := map[plan.TaskState]int{}
	for _, t := range tasks {
		counts[t.State]++
		fmt.Printf("%s.%s\t%s\n", t.Schema, t.Name, t.State)
	}
	fmt.Printf("\n%d planned, %d in-progress, %d copied, %d failed, %d skipped\n",
		counts[plan.StatePlanned], counts[plan.StateInProgress], counts[plan.StateCopied], counts[plan.StateFailed], counts[plan.StateSkipped])
	return nil
}
