// Package introspect implements the Source Introspector (spec §4.2):
// a single-threaded, one-shot catalog scan of the source database that
// produces an immutable Work Plan under a REPEATABLE READ snapshot.
//
// Grounded on the teacher's internal/cluster.Introspect (pg_catalog /
// pg_stat_user_tables queries against a live connection) and
// internal/migration/snapshot.Copier.ListTables (size estimation query),
// generalized into the full catalog scan spec §4.2 describes.
package introspect

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/config"
	"github.com/jfoltran/pgclone/internal/plan"
)

// Introspector scans a source database's system catalogs.
type Introspector struct {
	pool    *pgxpool.Pool
	logger  zerolog.Logger
	filters config.FilterManifest

	// SplitThreshold is the byte size above which a table without a
	// suitable integer primary key is partitioned by-ctid-range instead
	// of copied as a single unit (spec §4.2).
	SplitThreshold int64
}

// New creates an Introspector bound to a pool already connected to the source.
func New(pool *pgxpool.Pool, filters config.FilterManifest, splitThreshold int64, logger zerolog.Logger) *Introspector {
	return &Introspector{
		pool:           pool,
		logger:         logger.With().Str("component", "introspect").Logger(),
		filters:        filters,
		SplitThreshold: splitThreshold,
	}
}

// rawTable is the shape read straight off pg_class/pg_stat_user_tables
// before it is turned into a plan.TableTask.
type rawTable struct {
	oid             uint32
	schema          string
	name            string
	relpages        int64
	blockSize       int64
	preciseBytes    int64
	rowEstimate     int64
	replicaIdentity plan.ReplicaIdentity
	isPartitioned   bool
	parentOID       uint32 // nonzero if this is a partition leaf
	pkColumn        string
	pkIsInteger     bool
}

// Build runs the full catalog scan inside a single REPEATABLE READ,
// read-only transaction and returns the resulting Work Plan. sysIdent and
// timeline are supplied by the caller (read via pg_control_system() /
// the replication slot creation reply) so the Plan can be pinned to a
// specific server instance.
func (in *Introspector) Build(ctx context.Context, source plan.SourceIdentity, snapshotName string) (plan.WorkPlan, error) {
	conn, err := in.pool.Acquire(ctx)
	if err != nil {
		return plan.WorkPlan{}, fmt.Errorf("acquire introspection connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return plan.WorkPlan{}, fmt.Errorf("begin introspection tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if snapshotName != "" {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", snapshotName)); err != nil {
			return plan.WorkPlan{}, fmt.Errorf("set introspection snapshot: %w", err)
		}
	}

	rawTables, err := in.listTables(ctx, tx)
	if err != nil {
		return plan.WorkPlan{}, err
	}

	wp := plan.WorkPlan{Source: source, SnapshotName: snapshotName}

	tableByOID := make(map[uint32]*plan.TableTask, len(rawTables))
	idByOID := make(map[uint32]string, len(rawTables))
	parents := make(map[uint32][]uint32) // parent OID -> partition leaf OIDs

	for _, rt := range rawTables {
		if rt.parentOID != 0 {
			parents[rt.parentOID] = append(parents[rt.parentOID], rt.oid)
			continue // partitions are appended once we know the parent's id
		}
		tt := in.toTableTask(rt)
		wp.Tables = append(wp.Tables, tt)
		idByOID[rt.oid] = tt.ID
	}
	// Second pass: attach partition leaves now that every root has an id.
	for i := range wp.Tables {
		root := &wp.Tables[i]
		leaves := parents[tableOIDFromID(root.ID, rawTables)]
		if len(leaves) == 0 {
			continue
		}
		root.IsPartitionedRoot = true
		for _, leafOID := range leaves {
			rt := findRaw(rawTables, leafOID)
			if rt == nil {
				continue
			}
			leafTask := in.toTableTask(*rt)
			wp.Tables = append(wp.Tables, leafTask)
			root.Partitions = append(root.Partitions, leafTask.ID)
			idByOID[leafOID] = leafTask.ID
		}
	}
	for i := range wp.Tables {
		tableByOID[oidFromTask(wp.Tables[i], rawTables)] = &wp.Tables[i]
	}

	if err := in.assignSplitRanges(ctx, tx, wp.Tables, rawTables); err != nil {
		return plan.WorkPlan{}, err
	}

	indexes, err := in.listIndexes(ctx, tx, idByOID)
	if err != nil {
		return plan.WorkPlan{}, err
	}
	wp.Indexes = indexes

	constraints, err := in.listConstraints(ctx, tx, idByOID, indexes)
	if err != nil {
		return plan.WorkPlan{}, err
	}
	wp.Constraints = constraints

	sequences, err := in.listSequences(ctx, tx)
	if err != nil {
		return plan.WorkPlan{}, err
	}
	wp.Sequences = sequences

	extensions, err := in.listExtensions(ctx, tx)
	if err != nil {
		return plan.WorkPlan{}, err
	}
	wp.Extensions = extensions

	wp.Blob = &plan.BlobTask{ID: "blob/0", Kind: plan.KindBlob}

	return wp, nil
}

func tableOIDFromID(id string, raws []rawTable) uint32 {
	for _, r := range raws {
		if tableTaskID(r) == id {
			return r.oid
		}
	}
	return 0
}

func oidFromTask(t plan.TableTask, raws []rawTable) uint32 {
	for _, r := range raws {
		if tableTaskID(r) == t.ID {
			return r.oid
		}
	}
	return 0
}

func findRaw(raws []rawTable, oid uint32) *rawTable {
	for i := range raws {
		if raws[i].oid == oid {
			return &raws[i]
		}
	}
	return nil
}

func tableTaskID(r rawTable) string {
	return fmt.Sprintf("table/%s.%s", r.schema, r.name)
}

const defaultBlockSize = 8192

func (in *Introspector) toTableTask(rt rawTable) plan.TableTask {
	size := rt.preciseBytes
	if size == 0 {
		size = rt.relpages * defaultBlockSize
	}

	strategy := plan.PartitionNone
	pkCol := ""
	if size > in.SplitThreshold && in.SplitThreshold > 0 {
		if rt.pkIsInteger {
			strategy = plan.PartitionByInt
			pkCol = rt.pkColumn
		} else {
			strategy = plan.PartitionByCTID
		}
	}

	return plan.TableTask{
		ID:              tableTaskID(rt),
		Kind:            plan.KindTable,
		SourceOID:       rt.oid,
		Schema:          rt.schema,
		Name:            rt.name,
		SizeBytes:       size,
		RowEstimate:     rt.rowEstimate,
		ReplicaIdentity: rt.replicaIdentity,
		Strategy:        strategy,
		PKColumn:        pkCol,
		State:           plan.StatePlanned,
	}
}

// listTables enumerates ordinary tables, partitioned parents, and
// partitions, classifying materialized views and plain views out of scope
// (materialized views are handled as post-data REFRESH statements by the
// Schema Bridge, never as Table Tasks).
func (in *Introspector) listTables(ctx context.Context, tx pgx.Tx) ([]rawTable, error) {
	query := `
		SELECT
			c.oid,
			n.nspname,
			c.relname,
			c.relpages,
			pg_relation_size(c.oid),
			GREATEST(c.reltuples::bigint, 0),
			c.relreplident,
			c.relkind = 'p' AS is_partitioned,
			COALESCE(i.inhparent, 0) AS parent_oid,
			COALESCE(pk.attname, ''),
			COALESCE(pk.is_integer, false)
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_inherits i ON i.inhrelid = c.oid
		LEFT JOIN LATERAL (
			SELECT a.attname, a.atttypid IN ('int2'::regtype, 'int4'::regtype, 'int8'::regtype) AS is_integer
			FROM pg_index idx
			JOIN pg_attribute a ON a.attrelid = idx.indrelid AND a.attnum = idx.indkey[0]
			WHERE idx.indrelid = c.oid AND idx.indisprimary AND idx.indnatts = 1
			LIMIT 1
		) pk ON true
		WHERE c.relkind IN ('r', 'p')
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		ORDER BY pg_relation_size(c.oid) DESC`

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []rawTable
	for rows.Next() {
		var rt rawTable
		var replident string
		if err := rows.Scan(&rt.oid, &rt.schema, &rt.name, &rt.relpages, &rt.preciseBytes,
			&rt.rowEstimate, &replident, &rt.isPartitioned, &rt.parentOID, &rt.pkColumn, &rt.pkIsInteger); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		rt.replicaIdentity = decodeReplicaIdentity(replident)
		if !in.includeTable(rt.schema, rt.name) {
			continue
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func decodeReplicaIdentity(code string) plan.ReplicaIdentity {
	switch code {
	case "f":
		return plan.ReplicaIdentityFull
	case "n":
		return plan.ReplicaIdentityNothing
	case "i":
		return plan.ReplicaIdentityIndex
	default:
		return plan.ReplicaIdentityDefault
	}
}

func (in *Introspector) includeTable(schema, name string) bool {
	qualified := schema + "." + name
	if len(in.filters.IncludeOnlySchema) > 0 && !containsFold(in.filters.IncludeOnlySchema, schema) {
		return false
	}
	if containsFold(in.filters.ExcludeSchema, schema) {
		return false
	}
	if len(in.filters.IncludeOnlyTable) > 0 && !containsFold(in.filters.IncludeOnlyTable, qualified) {
		return false
	}
	if containsFold(in.filters.ExcludeTable, qualified) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// listIndexes enumerates every index on every scanned table, recording
// whether it backs a unique/PK constraint.
func (in *Introspector) listIndexes(ctx context.Context, tx pgx.Tx, idByOID map[uint32]string) ([]plan.IndexTask, error) {
	query := `
		SELECT idx.indexrelid, idx.indrelid, n.nspname, ic.relname, pg_get_indexdef(idx.indexrelid), idx.indisunique,
		       EXISTS (SELECT 1 FROM pg_constraint con WHERE con.conindid = idx.indexrelid)
		FROM pg_index idx
		JOIN pg_class c ON c.oid = idx.indrelid
		JOIN pg_class ic ON ic.oid = idx.indexrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')`

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list indexes: %w", err)
	}
	defer rows.Close()

	var out []plan.IndexTask
	for rows.Next() {
		var indexOID, tableOID uint32
		var schema, name, def string
		var unique, backsConstraint bool
		if err := rows.Scan(&indexOID, &tableOID, &schema, &name, &def, &unique, &backsConstraint); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		tableID, ok := idByOID[tableOID]
		if !ok {
			continue // owning table was filtered out
		}
		if containsFold(in.filters.ExcludeIndex, schema+"."+name) {
			continue
		}
		out = append(out, plan.IndexTask{
			ID:              fmt.Sprintf("index/%d", indexOID),
			Kind:            plan.KindIndex,
			SourceOID:       indexOID,
			TableID:         tableID,
			Name:            name,
			Definition:      def,
			BacksConstraint: backsConstraint,
			State:           plan.StatePlanned,
		})
	}
	return out, rows.Err()
}

// listConstraints enumerates PK/UK/FK/CHECK constraints, wiring FK tasks
// to both endpoint tables so the Index & Constraint Supervisor can defer
// them until every referenced table is `copied` (spec §4.5).
func (in *Introspector) listConstraints(ctx context.Context, tx pgx.Tx, idByOID map[uint32]string, indexes []plan.IndexTask) ([]plan.ConstraintTask, error) {
	indexByOID := make(map[uint32]string, len(indexes))
	for _, idx := range indexes {
		indexByOID[idx.SourceOID] = idx.ID
	}

	query := `
		SELECT con.oid, con.conrelid, con.confrelid, con.conname, con.contype,
		       pg_get_constraintdef(con.oid), COALESCE(con.conindid, 0)
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
		  AND con.contype IN ('p', 'u', 'f', 'c')`

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list constraints: %w", err)
	}
	defer rows.Close()

	var out []plan.ConstraintTask
	for rows.Next() {
		var oid, tableOID, refTableOID, indexOID uint32
		var name, contype, def string
		if err := rows.Scan(&oid, &tableOID, &refTableOID, &name, &contype, &def, &indexOID); err != nil {
			return nil, fmt.Errorf("scan constraint row: %w", err)
		}
		tableID, ok := idByOID[tableOID]
		if !ok {
			continue
		}
		ct := plan.ConstraintTask{
			ID:         fmt.Sprintf("constraint/%d", oid),
			Kind:       plan.KindConstraint,
			SourceOID:  oid,
			TableID:    tableID,
			Name:       name,
			Definition: def,
			State:      plan.StatePlanned,
		}
		switch contype {
		case "p":
			ct.ConstraintKind = plan.ConstraintPrimaryKey
			ct.BackingIndexID = indexByOID[indexOID]
		case "u":
			ct.ConstraintKind = plan.ConstraintUnique
			ct.BackingIndexID = indexByOID[indexOID]
		case "f":
			ct.ConstraintKind = plan.ConstraintForeignKey
			ct.ReferencedTableIDs = []string{tableID}
			if refID, ok := idByOID[refTableOID]; ok {
				ct.ReferencedTableIDs = append(ct.ReferencedTableIDs, refID)
			}
		case "c":
			ct.ConstraintKind = plan.ConstraintCheck
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

func (in *Introspector) listSequences(ctx context.Context, tx pgx.Tx) ([]plan.SequenceTask, error) {
	query := `
		SELECT c.oid, n.nspname, c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'S'
		  AND n.nspname NOT IN ('pg_catalog', 'information_schema')`

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var out []plan.SequenceTask
	for rows.Next() {
		var oid uint32
		var schema, name string
		if err := rows.Scan(&oid, &schema, &name); err != nil {
			return nil, fmt.Errorf("scan sequence row: %w", err)
		}
		if !in.includeTable(schema, name) {
			continue
		}
		out = append(out, plan.SequenceTask{
			ID:        fmt.Sprintf("sequence/%s.%s", schema, name),
			Kind:      plan.KindSequence,
			SourceOID: oid,
			Schema:    schema,
			Name:      name,
			State:     plan.StatePlanned,
		})
	}
	return out, rows.Err()
}

// maxSplitRanges bounds how many sub-tasks a single table explodes into,
// so an enormous table doesn't turn into thousands of tiny Catalog entries.
const maxSplitRanges = 64

// splitRangeCount picks how many contiguous sub-ranges a table above the
// split threshold is divided into, sized so each range is roughly one
// threshold's worth of data.
func splitRangeCount(sizeBytes, threshold int64) int {
	if threshold <= 0 || sizeBytes <= 0 {
		return 0
	}
	n := int(sizeBytes / threshold)
	if sizeBytes%threshold != 0 {
		n++
	}
	if n < 2 {
		n = 2
	}
	if n > maxSplitRanges {
		n = maxSplitRanges
	}
	return n
}

// assignSplitRanges computes plan.CopyRange sub-tasks for every table the
// earlier pass marked PartitionByCTID/PartitionByInt (spec §4.2's "pages
// are divided into N contiguous ranges"), and demotes the strategy back to
// PartitionNone for tables that turn out to have nothing to split (relpages
// stale at 0, or an integer PK column with no rows).
func (in *Introspector) assignSplitRanges(ctx context.Context, tx pgx.Tx, tables []plan.TableTask, rawTables []rawTable) error {
	for i := range tables {
		t := &tables[i]
		if t.Strategy == plan.PartitionNone {
			continue
		}

		var ranges []plan.CopyRange
		var err error
		switch t.Strategy {
		case plan.PartitionByCTID:
			rt := findRaw(rawTables, oidFromTask(*t, rawTables))
			relpages := int64(0)
			if rt != nil {
				relpages = rt.relpages
			}
			ranges = ctidRanges(relpages, t.SizeBytes, in.SplitThreshold)
		case plan.PartitionByInt:
			qn := quoteQualifiedName(t.Schema, t.Name)
			ranges, err = in.intRanges(ctx, tx, qn, t.PKColumn, t.SizeBytes)
		}
		if err != nil {
			return fmt.Errorf("compute split ranges for %s: %w", t.QualifiedName(), err)
		}

		if len(ranges) == 0 {
			t.Strategy = plan.PartitionNone
			t.PKColumn = ""
			continue
		}
		t.SplitRanges = ranges
	}
	return nil
}

// ctidRanges divides a table's pages into contiguous, non-overlapping
// CTID page ranges. relpages is as of the last ANALYZE and may be 0 if
// statistics were never collected, in which case it returns no ranges and
// the caller falls back to an unpartitioned copy.
func ctidRanges(relpages, sizeBytes, threshold int64) []plan.CopyRange {
	if relpages <= 0 {
		return nil
	}
	n := splitRangeCount(sizeBytes, threshold)
	if n == 0 {
		return nil
	}
	if int64(n) > relpages {
		n = int(relpages)
	}
	if n < 2 {
		return nil
	}

	step := relpages / int64(n)
	if step < 1 {
		step = 1
	}
	ranges := make([]plan.CopyRange, 0, n)
	low := int64(0)
	for i := 0; i < n && low < relpages; i++ {
		high := low + step
		if i == n-1 || high > relpages {
			high = relpages
		}
		ranges = append(ranges, plan.CopyRange{Index: i, CTIDLow: low, CTIDHigh: high})
		low = high
	}
	return ranges
}

// intRanges divides the span of an integer primary key column into
// contiguous, non-overlapping bands. An empty table (min/max both NULL)
// returns no ranges so the caller falls back to an unpartitioned copy.
func (in *Introspector) intRanges(ctx context.Context, tx pgx.Tx, qualified, pkColumn string, sizeBytes int64) ([]plan.CopyRange, error) {
	var minVal, maxVal *int64
	query := fmt.Sprintf(`SELECT min(%s), max(%s) FROM %s`, quoteIdent(pkColumn), quoteIdent(pkColumn), qualified)
	if err := tx.QueryRow(ctx, query).Scan(&minVal, &maxVal); err != nil {
		return nil, fmt.Errorf("read pk bounds: %w", err)
	}
	if minVal == nil || maxVal == nil {
		return nil, nil
	}

	n := splitRangeCount(sizeBytes, in.SplitThreshold)
	if n == 0 {
		return nil, nil
	}
	span := *maxVal - *minVal + 1
	if int64(n) > span {
		n = int(span)
	}
	if n < 2 {
		return nil, nil
	}

	step := span / int64(n)
	if step < 1 {
		step = 1
	}
	ranges := make([]plan.CopyRange, 0, n)
	low := *minVal
	for i := 0; i < n && low <= *maxVal; i++ {
		high := low + step
		if i == n-1 || high > *maxVal {
			high = *maxVal + 1
		}
		ranges = append(ranges, plan.CopyRange{Index: i, IntLow: low, IntHigh: high})
		low = high
	}
	return ranges, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteQualifiedName(schema, name string) string {
	if schema == "" || schema == "public" {
		return quoteIdent(name)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}

func (in *Introspector) listExtensions(ctx context.Context, tx pgx.Tx) ([]plan.ExtensionTask, error) {
	rows, err := tx.Query(ctx, `SELECT extname, extversion FROM pg_extension WHERE extname != 'plpgsql'`)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()

	var out []plan.ExtensionTask
	for rows.Next() {
		var name, version string
		if err := rows.Scan(&name, &version); err != nil {
			return nil, fmt.Errorf("scan extension row: %w", err)
		}
		if containsFold(in.filters.ExcludeExtension, name) {
			continue
		}
		out = append(out, plan.ExtensionTask{
			ID:      fmt.Sprintf("extension/%s", name),
			Kind:    plan.KindExtension,
			Name:    name,
			Version: version,
			State:   plan.StatePlanned,
		})
	}
	return out, rows.Err()
}
