package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/jfoltran/pgclone/internal/blobsvc"
	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/copysvc"
	"github.com/jfoltran/pgclone/internal/indexsvc"
	"github.com/jfoltran/pgclone/internal/introspect"
	"github.com/jfoltran/pgclone/internal/plan"
	"github.com/jfoltran/pgclone/internal/schemabridge"
)

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Run one phase of the copy pipeline in isolation",
	Long:  `copy exposes the Schema Bridge and the Copy/Index/Blob Supervisors as standalone phases, for operators who want to drive the migration step by step instead of through "pgclone clone".`,
}

var copySchemaCmd = &cobra.Command{Use: "schema", Short: "Dump and apply pre-data and post-data DDL (no data; post-data includes indexes and constraints)", RunE: runCopySchema}
var copyDataCmd = &cobra.Command{Use: "data", Short: "Copy table data, sequences, and large objects (schema and indexes must already exist)", RunE: runCopyData}
var copyTableDataCmd = &cobra.Command{Use: "table-data", Short: "Copy table data only", RunE: runCopyTableData}
var copyBlobsCmd = &cobra.Command{Use: "blobs", Short: "Copy large objects only", RunE: runCopyBlobs}
var copySequencesCmd = &cobra.Command{Use: "sequences", Short: "Copy sequence current values only", RunE: runCopySequences}
var copyIndexesCmd = &cobra.Command{Use: "indexes", Short: "Build indexes from the Work Plan", RunE: runCopyIndexes}
var copyConstraintsCmd = &cobra.Command{Use: "constraints", Short: "Apply constraints from the Work Plan", RunE: runCopyConstraints}

func init() {
	copyCmd.AddCommand(copySchemaCmd, copyDataCmd, copyTableDataCmd, copyBlobsCmd, copySequencesCmd, copyIndexesCmd, copyConstraintsCmd)
	rootCmd.AddCommand(copyCmd)
}

// workingSet holds the connections and components a standalone "copy"
// subcommand needs, without any of the CDC machinery pipeline.Pipeline
// also wires — these commands never stream changes, only run one phase.
type workingSet struct {
	src, dst     *pgxpool.Pool
	cat          *catalog.Catalog
	introspector *introspect.Introspector
	bridge       *schemabridge.Bridge
	copySup      *copysvc.Supervisor
	indexSup     *indexsvc.Supervisor
	blobSup      *blobsvc.Supervisor
}

func openWorkingSet(ctx context.Context) (*workingSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	src, dst, err := connectPools(ctx)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(cfg.WorkDir)
	if err != nil {
		src.Close()
		dst.Close()
		return nil, fmt.Errorf("open catalog at %s: %w", cfg.WorkDir, err)
	}

	ws := &workingSet{
		src:          src,
		dst:          dst,
		cat:          cat,
		introspector: introspect.New(src, cfg.Filters, cfg.Parallelism.SplitTablesLargerThan, logger),
		bridge:       schemabridge.New(cfg.Source.DSN(), dst, cfg.Filters, cfg.Modes, logger),
		copySup:      copysvc.New(src, dst, cat, cfg.Parallelism.TableJobs, cfg.Modes.DropIfExists, logger),
		indexSup:     indexsvc.New(dst, cat, cfg.Parallelism.IndexJobs, cfg.Parallelism.VacuumJobs, cfg.Modes.SkipVacuum, logger),
	}
	if !cfg.Modes.SkipLargeObjects {
		ws.blobSup = blobsvc.New(src, dst, cat, cfg.Parallelism.LargeObjectsJobs, logger)
	}
	return ws, nil
}

func (ws *workingSet) close() {
	ws.cat.Close() //nolint:errcheck
	ws.src.Close()
	ws.dst.Close()
}

// loadPlan reuses a plan already in the Catalog, or introspects a fresh one
// with no exported snapshot — standalone phase commands have no COPY-time
// transaction to pin, so they read the source as of "now".
func (ws *workingSet) loadPlan(ctx context.Context) (plan.WorkPlan, error) {
	has, err := ws.cat.HasPlan()
	if err != nil {
		return plan.WorkPlan{}, err
	}
	if has {
		return ws.cat.LoadPlan()
	}

	wp, err := ws.introspector.Build(ctx, plan.SourceIdentity{}, "")
	if err != nil {
		return plan.WorkPlan{}, fmt.Errorf("introspect source: %w", err)
	}
	if err := ws.cat.PlanInit(wp); err != nil {
		return plan.WorkPlan{}, fmt.Errorf("persist work plan: %w", err)
	}
	return wp, nil
}

func runCopySchema(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkingSet(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	for _, section := range []schemabridge.Section{schemabridge.SectionPreData, schemabridge.SectionPostData} {
		ddl, err := ws.bridge.DumpSection(ctx, section, "")
		if err != nil {
			return fmt.Errorf("dump %s: %w", section, err)
		}
		applied, skipped, err := ws.bridge.ApplySection(ctx, ddl)
		if err != nil {
			return fmt.Errorf("apply %s: %w", section, err)
		}
		logger.Info().Str("section", string(section)).Int("applied", applied).Int("skipped", skipped).Msg("schema section applied")
	}
	return nil
}

func runCopyTableData(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkingSet(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	if _, err := ws.loadPlan(ctx); err != nil {
		return err
	}
	return ws.copySup.Run(ctx, "")
}

func runCopyBlobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkingSet(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	if ws.blobSup == nil {
		return fmt.Errorf("large objects are disabled by --skip-large-objects")
	}
	if _, err := ws.loadPlan(ctx); err != nil {
		return err
	}
	if err := ws.blobSup.Plan(ctx); err != nil {
		return fmt.Errorf("plan blob ranges: %w", err)
	}
	return ws.blobSup.Run(ctx)
}

func runCopySequences(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkingSet(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	wp, err := ws.loadPlan(ctx)
	if err != nil {
		return err
	}
	return applySequencesStandalone(ctx, ws.src, ws.dst, wp)
}

func runCopyIndexes(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkingSet(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	if _, err := ws.loadPlan(ctx); err != nil {
		return err
	}
	return ws.indexSup.RunIndexes(ctx)
}

func runCopyConstraints(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkingSet(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	if _, err := ws.loadPlan(ctx); err != nil {
		return err
	}
	return ws.indexSup.RunConstraints(ctx)
}

func runCopyData(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ws, err := openWorkingSet(ctx)
	if err != nil {
		return err
	}
	defer ws.close()

	wp, err := ws.loadPlan(ctx)
	if err != nil {
		return err
	}
	if err := ws.copySup.Run(ctx, ""); err != nil {
		return fmt.Errorf("copy tables: %w", err)
	}
	if err := applySequencesStandalone(ctx, ws.src, ws.dst, wp); err != nil {
		return err
	}
	if ws.blobSup != nil {
		if err := ws.blobSup.Plan(ctx); err != nil {
			return fmt.Errorf("plan blob ranges: %w", err)
		}
		if err := ws.blobSup.Run(ctx); err != nil {
			return fmt.Errorf("copy blobs: %w", err)
		}
	}
	return nil
}

// applySequencesStandalone mirrors pipeline.Pipeline.applySequences for the
// "copy sequences"/"copy data" commands, which have no Pipeline of their own.
func applySequencesStandalone(ctx context.Context, src, dst *pgxpool.Pool, wp plan.WorkPlan) error {
	for _, seq := range wp.Sequences {
		qn := seq.Name
		qualified := fmt.Sprintf("%q", seq.Name)
		if seq.Schema != "" && seq.Schema != "public" {
			qn = seq.Schema + "." + seq.Name
			qualified = fmt.Sprintf("%q.%q", seq.Schema, seq.Name)
		}

		var lastValue int64
		var isCalled bool
		if err := src.QueryRow(ctx, fmt.Sprintf(`SELECT last_value, is_called FROM %s`, qualified)).Scan(&lastValue, &isCalled); err != nil {
			return fmt.Errorf("read sequence %s: %w", qn, err)
		}
		if _, err := dst.Exec(ctx, `SELECT setval($1, $2, $3)`, qn, lastValue, isCalled); err != nil {
			return fmt.Errorf("setval %s: %w", qn, err)
		}
	}
	return nil
}
