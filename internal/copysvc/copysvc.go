// Package copysvc implements the Copy Supervisor (spec §4.4): a fixed
// worker pool that drains Table Tasks from the Progress Catalog in
// largest-first order and streams each one through pgx's binary COPY
// protocol under the run's consistent snapshot.
//
// Grounded on the teacher's internal/migration/snapshot.Copier, which
// already streams rows one at a time via a pgx.CopyFromSource adapter
// instead of buffering a whole table (rowStreamer below is kept nearly
// verbatim). Generalized here with: Catalog-backed claim/state
// transitions instead of an in-memory channel of TableInfo, longest-
// processing-time-first scheduling by SizeBytes, CTID-range/integer-
// column sub-task expansion for split tables, and transient-failure
// retry bounded by maxAttempts.
package copysvc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/errs"
	"github.com/jfoltran/pgclone/internal/plan"
)

const maxAttempts = 3

// ProgressFunc reports COPY progress for one table or sub-range.
// event is "start", "progress", or "done".
type ProgressFunc func(task plan.TableTask, rangeIndex int, event string, rowsCopied int64)

// Supervisor drains Table Tasks from the Catalog using a fixed worker pool.
type Supervisor struct {
	source   *pgxpool.Pool
	dest     *pgxpool.Pool
	cat      *catalog.Catalog
	logger   zerolog.Logger
	progress ProgressFunc

	workers     int
	truncateAll bool // Modes.DropIfExists-driven: truncate before first write
}

// New creates a Supervisor bound to a Catalog already populated with a Work Plan.
func New(source, dest *pgxpool.Pool, cat *catalog.Catalog, workers int, truncateFirst bool, logger zerolog.Logger) *Supervisor {
	if workers < 1 {
		workers = 1
	}
	return &Supervisor{
		source:      source,
		dest:        dest,
		cat:         cat,
		logger:      logger.With().Str("component", "copysvc").Logger(),
		workers:     workers,
		truncateAll: truncateFirst,
	}
}

// SetProgressFunc installs a progress callback.
func (s *Supervisor) SetProgressFunc(fn ProgressFunc) { s.progress = fn }

// Run copies every planned/resumable table task to completion, scheduling
// the largest tables first so a handful of stragglers don't tail a run
// that otherwise finished minutes ago.
func (s *Supervisor) Run(ctx context.Context, snapshotName string) error {
	tasksAny, err := s.cat.TasksByKind(plan.KindTable)
	if err != nil {
		return fmt.Errorf("load table tasks: %w", err)
	}
	tasks, _ := tasksAny.([]plan.TableTask)

	// Expand to copyable leaves: a partitioned root is never copied
	// itself, only its Partitions; everything else copies directly,
	// exploding by SplitRanges.Index when the task calls for partitioning.
	type unit struct {
		task  plan.TableTask
		rng   *plan.CopyRange
	}
	var units []unit
	byID := make(map[string]plan.TableTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		if t.IsPartitionedRoot {
			continue
		}
		if t.Strategy == plan.PartitionNone || len(t.SplitRanges) == 0 {
			units = append(units, unit{task: t})
			continue
		}
		for i := range t.SplitRanges {
			r := t.SplitRanges[i]
			units = append(units, unit{task: t, rng: &r})
		}
	}

	// Largest-first (LPT): sort descending by the owning table's total size.
	sort.Slice(units, func(i, j int) bool {
		return units[i].task.SizeBytes > units[j].task.SizeBytes
	})

	work := make(chan unit, len(units))
	for _, u := range units {
		work <- u
	}
	close(work)

	truncated := make(map[string]bool)
	var truncatedMu sync.Mutex

	var (
		wg       sync.WaitGroup
		firstErr error
		errMu    sync.Mutex
	)

	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for u := range work {
				select {
				case <-ctx.Done():
					return
				default:
				}

				if s.truncateAll {
					truncatedMu.Lock()
					already := truncated[u.task.ID]
					if !already {
						truncated[u.task.ID] = true
					}
					truncatedMu.Unlock()
					if !already {
						if err := s.truncateTable(ctx, u.task); err != nil {
							s.recordFailure(u.task, rangeIndexOf(u.rng), err)
							errMu.Lock()
							if firstErr == nil {
								firstErr = err
							}
							errMu.Unlock()
							continue
						}
					}
				}

				if err := s.copyUnit(ctx, u.task, u.rng, snapshotName, workerID); err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
				}
			}
		}(w)
	}

	wg.Wait()
	return firstErr
}

func rangeIndexOf(r *plan.CopyRange) int {
	if r == nil {
		return -1
	}
	return r.Index
}

func (s *Supervisor) truncateTable(ctx context.Context, t plan.TableTask) error {
	qn := quoteQualifiedName(t.Schema, t.Name)
	_, err := s.dest.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", qn))
	return err
}

// copyUnit claims (and, on transient failure, retries) either a whole
// table or one of its CopyRange sub-tasks.
func (s *Supervisor) copyUnit(ctx context.Context, t plan.TableTask, r *plan.CopyRange, snapshotName string, workerID int) error {
	rangeIdx := rangeIndexOf(r)

	var (
		claimed bool
		err     error
	)
	if r != nil {
		claimed, err = s.cat.TaskClaimRange(t.ID, r.Index)
	} else {
		claimed, err = s.cat.TaskClaim(plan.KindTable, t.ID)
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", t.QualifiedName(), err)
	}
	if !claimed {
		return nil // already in-progress/copied elsewhere (resume)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rows, bytes, err := s.copyOnce(ctx, t, r, snapshotName, workerID)
		if err == nil {
			s.recordSuccess(t, rangeIdx, rows, bytes)
			return nil
		}
		lastErr = err
		if errs.Classify(err) != errs.Transient || attempt == maxAttempts {
			break
		}
		s.logger.Warn().Str("table", t.QualifiedName()).Int("attempt", attempt).Err(err).Msg("retrying transient COPY failure")
		time.Sleep(backoff(attempt))
	}

	s.recordFailure(t, rangeIdx, lastErr)
	return lastErr
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * 200 * time.Millisecond
}

func (s *Supervisor) recordSuccess(t plan.TableTask, rangeIdx int, rows, bytes int64) {
	now := time.Now()
	stats := catalog.TaskStats{
		RowsCopied:  &rows,
		BytesCopied: &bytes,
		FinishedAt:  &now,
	}
	var err error
	if rangeIdx >= 0 {
		err = s.cat.TaskSetRangeState(t.ID, rangeIdx, plan.StateCopied, stats)
	} else {
		err = s.cat.TaskSetState(plan.KindTable, t.ID, plan.StateCopied, stats)
	}
	if err != nil {
		s.logger.Error().Str("table", t.QualifiedName()).Err(err).Msg("failed to persist copy completion")
	}
	if s.progress != nil {
		s.progress(t, rangeIdx, "done", rows)
	}
}

func (s *Supervisor) recordFailure(t plan.TableTask, rangeIdx int, err error) {
	msg := err.Error()
	stats := catalog.TaskStats{LastError: &msg}
	var setErr error
	if rangeIdx >= 0 {
		setErr = s.cat.TaskSetRangeState(t.ID, rangeIdx, plan.StateFailed, stats)
	} else {
		setErr = s.cat.TaskSetState(plan.KindTable, t.ID, plan.StateFailed, stats)
	}
	if setErr != nil {
		s.logger.Error().Str("table", t.QualifiedName()).Err(setErr).Msg("failed to persist copy failure")
	}
}

func (s *Supervisor) copyOnce(ctx context.Context, t plan.TableTask, r *plan.CopyRange, snapshotName string, workerID int) (rows, bytes int64, err error) {
	log := s.logger.With().Str("table", t.QualifiedName()).Int("worker", workerID).Logger()
	if r != nil {
		log = log.With().Int("range", r.Index).Logger()
	}
	log.Info().Msg("starting COPY")
	if s.progress != nil {
		s.progress(t, rangeIndexOf(r), "start", 0)
	}

	srcConn, err := s.source.Acquire(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("acquire source conn: %w", err)
	}
	defer srcConn.Release()

	srcTx, err := srcConn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return 0, 0, fmt.Errorf("begin source tx: %w", err)
	}
	defer srcTx.Rollback(ctx) //nolint:errcheck

	if snapshotName != "" {
		if _, err := srcTx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", snapshotName)); err != nil {
			return 0, 0, fmt.Errorf("set snapshot: %w", err)
		}
	}

	qn := quoteQualifiedName(t.Schema, t.Name)
	query, args := selectQuery(qn, t, r)
	srcRows, err := srcTx.Query(ctx, query, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("select from %s: %w", qn, err)
	}

	fieldDescs := srcRows.FieldDescriptions()
	colNames := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		colNames[i] = fd.Name
	}

	src := &rowStreamer{rows: srcRows, report: s.progress, table: t, rangeIdx: rangeIndexOf(r)}

	n, err := s.dest.CopyFrom(ctx, pgx.Identifier{t.Schema, t.Name}, colNames, src)
	srcRows.Close()
	if err != nil {
		return 0, 0, fmt.Errorf("copy to %s: %w", qn, err)
	}
	if src.err != nil {
		return 0, 0, fmt.Errorf("read from %s: %w", qn, src.err)
	}

	log.Info().Int64("rows", n).Int64("bytes", src.bytes).Msg("COPY complete")
	return n, src.bytes, nil
}

// selectQuery builds the SELECT feeding a table's COPY, narrowing by CTID
// range or integer-column range when the task is partitioned.
func selectQuery(qn string, t plan.TableTask, r *plan.CopyRange) (string, []any) {
	if r == nil {
		return fmt.Sprintf("SELECT * FROM %s", qn), nil
	}
	switch t.Strategy {
	case plan.PartitionByCTID:
		return fmt.Sprintf("SELECT * FROM %s WHERE ctid >= '(%d,0)'::tid AND ctid < '(%d,0)'::tid", qn, r.CTIDLow, r.CTIDHigh), nil
	case plan.PartitionByInt:
		col := quoteIdent(t.PKColumn)
		return fmt.Sprintf("SELECT * FROM %s WHERE %s >= $1 AND %s < $2", qn, col, col), []any{r.IntLow, r.IntHigh}
	default:
		return fmt.Sprintf("SELECT * FROM %s", qn), nil
	}
}

const progressReportInterval = 500 * time.Millisecond

// rowStreamer implements pgx.CopyFromSource by streaming rows one at a
// time from a pgx.Rows result set, avoiding buffering a whole table (or
// sub-range) in memory.
type rowStreamer struct {
	rows       pgx.Rows
	report     ProgressFunc
	table      plan.TableTask
	rangeIdx   int
	count      int64
	bytes      int64
	vals       []any
	err        error
	lastReport time.Time
}

func (rs *rowStreamer) Next() bool {
	if !rs.rows.Next() {
		return false
	}
	vals, err := rs.rows.Values()
	if err != nil {
		rs.err = err
		return false
	}
	rs.vals = vals
	rs.count++
	for _, raw := range rs.rows.RawValues() {
		rs.bytes += int64(len(raw))
	}
	if rs.report != nil && time.Since(rs.lastReport) >= progressReportInterval {
		rs.report(rs.table, rs.rangeIdx, "progress", rs.count)
		rs.lastReport = time.Now()
	}
	return true
}

func (rs *rowStreamer) Values() ([]any, error) { return rs.vals, nil }

func (rs *rowStreamer) Err() error {
	if rs.err != nil {
		return rs.err
	}
	return rs.rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteQualifiedName(schema, table string) string {
	if schema == "" || schema == "public" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}
