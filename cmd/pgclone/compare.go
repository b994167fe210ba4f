package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/schemabridge"
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare schema or data between source and target",
}

var compareSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Report table/column differences between source and target",
	RunE:  runCompareSchema,
}

var compareDataCmd = &cobra.Command{
	Use:   "data",
	Short: "Report row-count mismatches between source and target (sampling, not a full diff)",
	RunE:  runCompareData,
}

func init() {
	compareCmd.AddCommand(compareSchemaCmd, compareDataCmd)
	rootCmd.AddCommand(compareCmd)
}

func connectPools(ctx context.Context) (src, dst *pgxpool.Pool, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	src, err = pgxpool.New(ctx, cfg.Source.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("source pool: %w", err)
	}
	dst, err = pgxpool.New(ctx, cfg.Dest.DSN())
	if err != nil {
		src.Close()
		return nil, nil, fmt.Errorf("dest pool: %w", err)
	}
	return src, dst, nil
}

func runCompareSchema(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	src, dst, err := connectPools(ctx)
	if err != nil {
		return err
	}
	defer src.Close()
	defer dst.Close()

	bridge := schemabridge.New(cfg.Source.DSN(), dst, cfg.Filters, cfg.Modes, logger)
	diff, err := bridge.CompareSchemas(ctx, src, dst)
	if err != nil {
		return fmt.Errorf("compare schema: %w", err)
	}

	if !diff.HasDifferences() {
		fmt.Println("schema matches")
		return nil
	}

	for _, t := range diff.MissingTables {
		fmt.Printf("missing on target: %s\n", t)
	}
	for _, t := range diff.ExtraTables {
		fmt.Printf("extra on target:   %s\n", t)
	}
	for _, c := range diff.ColumnDiffs {
		fmt.Printf("column mismatch:   %s.%s source=%s target=%s\n", c.Table, c.Column, c.SourceType, c.DestType)
	}
	return fmt.Errorf("schema differences found")
}

func runCompareData(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	src, dst, err := connectPools(ctx)
	if err != nil {
		return err
	}
	defer src.Close()
	defer dst.Close()

	tables, err := listCommonTables(ctx, src, dst)
	if err != nil {
		return err
	}

	mismatch := false
	for _, t := range tables {
		srcCount, err := rowCount(ctx, src, t)
		if err != nil {
			return fmt.Errorf("count %s on source: %w", t, err)
		}
		dstCount, err := rowCount(ctx, dst, t)
		if err != nil {
			return fmt.Errorf("count %s on target: %w", t, err)
		}
		if srcCount != dstCount {
			mismatch = true
			fmt.Printf("row count mismatch: %s source=%d target=%d\n", t, srcCount, dstCount)
		}
	}
	if !mismatch {
		fmt.Println("row counts match")
		return nil
	}
	return fmt.Errorf("row count mismatches found")
}

func listCommonTables(ctx context.Context, src, dst *pgxpool.Pool) ([]string, error) {
	srcTables, err := queryQualifiedTables(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("list source tables: %w", err)
	}
	dstSet := map[string]bool{}
	dstTables, err := queryQualifiedTables(ctx, dst)
	if err != nil {
		return nil, fmt.Errorf("list target tables: %w", err)
	}
	for _, t := range dstTables {
		dstSet[t] = true
	}

	var common []string
	for _, t := range srcTables {
		if dstSet[t] {
			common = append(common, t)
		}
	}
	sort.Strings(common)
	return common, nil
}

func queryQualifiedTables(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT schemaname || '.' || tablename
		FROM pg_tables
		WHERE schemaname NOT IN ('pg_catalog', 'information_schema')
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func rowCount(ctx context.Context, pool *pgxpool.Pool, qualifiedTable string) (int64, error) {
	var n int64
	err := pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, qualifiedTable)).Scan(&n)
	return n, err
}
