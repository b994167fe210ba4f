// Package indexsvc implements the Index & Constraint Supervisor (spec
// §4.5): it builds every Index Task in dependency order with a fixed
// worker pool, promotes PRIMARY KEY/UNIQUE constraints from their backing
// index, applies FOREIGN KEY/CHECK constraints once every referenced
// table has reached "copied". It does not run VACUUM ANALYZE: the vacuum
// worker count and skip flag passed to New are stored but not used.
//
// Grounded on copysvc's worker-pool shape (same claim/retry/record
// pattern against the Catalog) and internal/schema.Migrator's duplicate-
// object skip policy (errs.IsDuplicateObject), generalized with index
// dependency ordering and constraint deferral that the teacher's single
// schema-only dump/restore never needed to reason about explicitly.
package indexsvc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/jfoltran/pgclone/internal/catalog"
	"github.com/jfoltran/pgclone/internal/errs"
	"github.com/jfoltran/pgclone/internal/plan"
)

const maxAttempts = 3

// Supervisor builds indexes and constraints after the Copy Supervisor has
// finished the tables they depend on.
type Supervisor struct {
	dest   *pgxpool.Pool
	cat    *catalog.Catalog
	logger zerolog.Logger

	indexWorkers  int
	vacuumWorkers int
	skipVacuum    bool
}

// New creates a Supervisor bound to a Catalog already populated with a Work Plan.
func New(dest *pgxpool.Pool, cat *catalog.Catalog, indexWorkers, vacuumWorkers int, skipVacuum bool, logger zerolog.Logger) *Supervisor {
	if indexWorkers < 1 {
		indexWorkers = 1
	}
	if vacuumWorkers < 1 {
		vacuumWorkers = 1
	}
	return &Supervisor{
		dest:          dest,
		cat:           cat,
		logger:        logger.With().Str("component", "indexsvc").Logger(),
		indexWorkers:  indexWorkers,
		vacuumWorkers: vacuumWorkers,
		skipVacuum:    skipVacuum,
	}
}

// RunIndexes builds every Index Task, topologically ordered so an index
// backing a constraint is never scheduled behind an index depending on it.
func (s *Supervisor) RunIndexes(ctx context.Context) error {
	tasksAny, err := s.cat.TasksByKind(plan.KindIndex)
	if err != nil {
		return fmt.Errorf("load index tasks: %w", err)
	}
	tasks, _ := tasksAny.([]plan.IndexTask)

	ordered, err := topoSort(tasks)
	if err != nil {
		return err
	}

	return s.runWaves(ctx, ordered)
}

// runWaves runs each dependency wave with a bounded worker pool, blocking
// until the whole wave finishes before starting the next one — indexes
// within a wave have no ordering constraint on each other.
func (s *Supervisor) runWaves(ctx context.Context, waves [][]plan.IndexTask) error {
	for _, wave := range waves {
		sem := make(chan struct{}, s.indexWorkers)
		var wg sync.WaitGroup
		var errMu sync.Mutex
		var firstErr error

		for _, idx := range wave {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(idx plan.IndexTask) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := s.buildOne(ctx, idx); err != nil {
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
				}
			}(idx)
		}
		wg.Wait()
		if firstErr != nil {
			return firstErr
		}
	}
	return nil
}

func (s *Supervisor) buildOne(ctx context.Context, idx plan.IndexTask) error {
	claimed, err := s.cat.TaskClaim(plan.KindIndex, idx.ID)
	if err != nil {
		return fmt.Errorf("claim index %s: %w", idx.ID, err)
	}
	if !claimed {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, execErr := s.dest.Exec(ctx, idx.Definition)
		if execErr == nil || errs.IsDuplicateObject(execErr) {
			s.markDone(idx)
			return nil
		}
		lastErr = execErr
		if errs.Classify(execErr) != errs.Transient || attempt == maxAttempts {
			break
		}
		s.logger.Warn().Str("index", idx.ID).Int("attempt", attempt).Err(execErr).Msg("retrying transient CREATE INDEX failure")
		time.Sleep(backoff(attempt))
	}

	msg := lastErr.Error()
	_ = s.cat.TaskSetState(plan.KindIndex, idx.ID, plan.StateFailed, catalog.TaskStats{LastError: &msg})
	return fmt.Errorf("create index %s: %w", idx.ID, lastErr)
}

func (s *Supervisor) markDone(idx plan.IndexTask) {
	now := time.Now()
	if err := s.cat.TaskSetState(plan.KindIndex, idx.ID, plan.StateCopied, catalog.TaskStats{FinishedAt: &now}); err != nil {
		s.logger.Error().Str("index", idx.ID).Err(err).Msg("failed to persist index completion")
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * 200 * time.Millisecond
}

// topoSort groups Index Tasks into dependency waves: wave 0 has no
// DependsOn left unresolved, wave 1 depends only on wave 0, and so on.
func topoSort(tasks []plan.IndexTask) ([][]plan.IndexTask, error) {
	byID := make(map[string]plan.IndexTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var waves [][]plan.IndexTask
	done := make(map[string]bool, len(tasks))
	for len(done) < len(tasks) {
		var wave []plan.IndexTask
		for id, t := range byID {
			if done[id] {
				continue
			}
			satisfied := true
			for _, dep := range t.DependsOn {
				if !done[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				wave = append(wave, t)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("index dependency cycle detected among remaining %d tasks", len(tasks)-len(done))
		}
		for _, t := range wave {
			done[t.ID] = true
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// RunConstraints applies every Constraint Task once its dependency tables
// (and, for PK/UK, its backing index) are ready. PRIMARY KEY/UNIQUE
// constraints are promoted from an already-built index via ALTER TABLE
// ... ADD CONSTRAINT ... USING INDEX; FOREIGN KEY/CHECK constraints wait
// for every referenced table to reach "copied".
func (s *Supervisor) RunConstraints(ctx context.Context) error {
	tasksAny, err := s.cat.TasksByKind(plan.KindConstraint)
	if err != nil {
		return fmt.Errorf("load constraint tasks: %w", err)
	}
	tasks, _ := tasksAny.([]plan.ConstraintTask)

	sem := semaphore.NewWeighted(int64(s.indexWorkers))
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	for _, ct := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(ct plan.ConstraintTask) {
			defer wg.Done()
			defer sem.Release(1)
			if err := s.applyConstraint(ctx, ct); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}(ct)
	}
	wg.Wait()
	return firstErr
}

func (s *Supervisor) applyConstraint(ctx context.Context, ct plan.ConstraintTask) error {
	if err := s.waitForDependencies(ctx, ct); err != nil {
		return err
	}

	claimed, err := s.cat.TaskClaim(plan.KindConstraint, ct.ID)
	if err != nil {
		return fmt.Errorf("claim constraint %s: %w", ct.ID, err)
	}
	if !claimed {
		return nil
	}

	stmt, err := s.constraintDDL(ct)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, execErr := s.dest.Exec(ctx, stmt)
		if execErr == nil || errs.IsDuplicateObject(execErr) {
			now := time.Now()
			_ = s.cat.TaskSetState(plan.KindConstraint, ct.ID, plan.StateCopied, catalog.TaskStats{FinishedAt: &now})
			return nil
		}
		lastErr = execErr
		if errs.Classify(execErr) != errs.Transient || attempt == maxAttempts {
			break
		}
		time.Sleep(backoff(attempt))
	}
	msg := lastErr.Error()
	_ = s.cat.TaskSetState(plan.KindConstraint, ct.ID, plan.StateFailed, catalog.TaskStats{LastError: &msg})
	return fmt.Errorf("apply constraint %s: %w", ct.ID, lastErr)
}

// constraintDDL renders the ALTER TABLE for one constraint, promoting
// from a backing index where one exists rather than rebuilding it.
func (s *Supervisor) constraintDDL(ct plan.ConstraintTask) (string, error) {
	// TableID is the owning table's task id ("table/<schema>.<name>").
	table := strings.TrimPrefix(ct.TableID, "table/")
	if ct.BackingIndexID != "" && (ct.ConstraintKind == plan.ConstraintPrimaryKey || ct.ConstraintKind == plan.ConstraintUnique) {
		var idx plan.IndexTask
		if err := s.cat.GetTask(plan.KindIndex, ct.BackingIndexID, &idx); err != nil {
			return "", fmt.Errorf("lookup backing index %s: %w", ct.BackingIndexID, err)
		}
		kind := "UNIQUE"
		if ct.ConstraintKind == plan.ConstraintPrimaryKey {
			kind = "PRIMARY KEY"
		}
		return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s USING INDEX %s",
			table, quoteIdent(ct.Name), kind, quoteIdent(idx.Name)), nil
	}
	return fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s", table, quoteIdent(ct.Name), ct.Definition), nil
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

// waitForDependencies blocks until every table a constraint depends on
// has reached "copied", polling the Catalog at a fixed interval. FOREIGN
// KEY constraints depend on both endpoint tables; PRIMARY KEY/UNIQUE/CHECK
// depend only on their own table.
func (s *Supervisor) waitForDependencies(ctx context.Context, ct plan.ConstraintTask) error {
	deps := ct.ReferencedTableIDs
	if len(deps) == 0 {
		deps = []string{ct.TableID}
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		allReady := true
		for _, dep := range deps {
			var tt plan.TableTask
			if err := s.cat.GetTask(plan.KindTable, dep, &tt); err != nil {
				return fmt.Errorf("lookup dependency %s: %w", dep, err)
			}
			if tt.State != plan.StateCopied && tt.State != plan.StateSkipped {
				allReady = false
				break
			}
		}
		if allReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
