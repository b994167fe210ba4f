// Package catalog implements the Progress Catalog: a local, embedded,
// transactional store that durably persists the Work Plan, every Task's
// state, and CDC bookkeeping (Slot State, Apply Cursor). It is the only
// shared mutable store in the system — every worker mutation goes through
// here as a short, serialized transaction, and nothing else needs locking.
//
// Grounded on the teacher's internal/migrationstore and internal/cluster
// CRUD stores, which persist the same shape of data (migrations, nodes,
// progress) against a control-plane Postgres; the Progress Catalog needs
// to work with no network dependency at all, so it is rebuilt here on top
// of an embedded key-value engine (bbolt) instead.
package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/jfoltran/pgclone/internal/plan"
)

// formatVersion is the on-disk schema version. A mismatch means the
// catalog must be rebuilt from a fresh introspection — resumability is a
// within-version guarantee only, never an across-upgrade one.
const formatVersion = 1

var (
	bucketMeta        = []byte("meta")
	bucketPlan         = []byte("plan")
	bucketTablesByID   = []byte("tables")
	bucketIndexesByID  = []byte("indexes")
	bucketConstraints  = []byte("constraints")
	bucketSequences    = []byte("sequences")
	bucketExtensions   = []byte("extensions")
	bucketBlob         = []byte("blob")
	bucketCursor       = []byte("cursor")
	bucketSlot         = []byte("slot")

	keyFormatVersion = []byte("format_version")
	keyPlanHeader    = []byte("header")
	keyCursor        = []byte("apply_cursor")
	keySlot          = []byte("slot_state")

	// ErrNotFound is returned when a requested task id does not exist.
	ErrNotFound = errors.New("catalog: not found")
	// ErrFormatMismatch is returned by Open when an existing catalog file
	// was written by an incompatible format version.
	ErrFormatMismatch = errors.New("catalog: format version mismatch, rebuild required")
	// ErrClaimFailed describes a claim on a task that was not in the
	// expected state. TaskClaim does not return it: it reports that case
	// as (false, nil).
	ErrClaimFailed = errors.New("catalog: claim failed")
)

// Catalog is the embedded store described in spec §4.1.
type Catalog struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the catalog file under dir. If an
// existing file carries a different format version, it is closed and
// ErrFormatMismatch is returned so the caller can decide to rebuild from a
// fresh introspection rather than silently reinterpret incompatible bytes.
func Open(dir string) (*Catalog, error) {
	path := filepath.Join(dir, "pgclone.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}

	c := &Catalog{db: db}
	if err := c.ensureBuckets(); err != nil {
		db.Close()
		return nil, err
	}
	if err := c.checkFormatVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) ensureBuckets() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketMeta, bucketPlan, bucketTablesByID, bucketIndexesByID,
			bucketConstraints, bucketSequences, bucketExtensions, bucketBlob,
			bucketCursor, bucketSlot,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

func (c *Catalog) checkFormatVersion() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		raw := meta.Get(keyFormatVersion)
		if raw == nil {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, formatVersion)
			return meta.Put(keyFormatVersion, buf)
		}
		if binary.BigEndian.Uint64(raw) != formatVersion {
			return ErrFormatMismatch
		}
		return nil
	})
}

// Close flushes and closes the underlying store.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Reset wipes all plan/task/cursor state so a fresh PlanInit can run. It
// needs an open Catalog; Open does not return one when checkFormatVersion
// fails.
func (c *Catalog) Reset() error {
	if err := c.db.Close(); err != nil {
		return err
	}
	db, err := bolt.Open(c.db.Path(), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	c.db = db
	return c.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketPlan, bucketTablesByID, bucketIndexesByID, bucketConstraints,
			bucketSequences, bucketExtensions, bucketBlob, bucketCursor, bucketSlot,
		} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// HasPlan reports whether PlanInit has already been run against this catalog.
func (c *Catalog) HasPlan() (bool, error) {
	var has bool
	err := c.db.View(func(tx *bolt.Tx) error {
		has = tx.Bucket(bucketPlan).Get(keyPlanHeader) != nil
		return nil
	})
	return has, err
}

// planHeader is the immutable, non-task portion of a WorkPlan.
type planHeader struct {
	Source       plan.SourceIdentity `json:"source"`
	SnapshotName string              `json:"snapshot_name"`
	CreatedAt    time.Time           `json:"created_at"`
}

// PlanInit writes a newly produced Work Plan once. It is an error to call
// this on a catalog that already has a plan — resume flows must read the
// existing plan instead.
func (c *Catalog) PlanInit(p plan.WorkPlan) error {
	has, err := c.HasPlan()
	if err != nil {
		return err
	}
	if has {
		return fmt.Errorf("catalog: plan already initialized")
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		hdr := planHeader{Source: p.Source, SnapshotName: p.SnapshotName, CreatedAt: p.CreatedAt}
		if err := putJSON(tx.Bucket(bucketPlan), keyPlanHeader, hdr); err != nil {
			return err
		}
		tb := tx.Bucket(bucketTablesByID)
		for i := range p.Tables {
			if p.Tables[i].State == "" {
				p.Tables[i].State = plan.StatePlanned
			}
			if err := putJSON(tb, []byte(p.Tables[i].ID), p.Tables[i]); err != nil {
				return err
			}
		}
		ib := tx.Bucket(bucketIndexesByID)
		for i := range p.Indexes {
			if p.Indexes[i].State == "" {
				p.Indexes[i].State = plan.StatePlanned
			}
			if err := putJSON(ib, []byte(p.Indexes[i].ID), p.Indexes[i]); err != nil {
				return err
			}
		}
		cb := tx.Bucket(bucketConstraints)
		for i := range p.Constraints {
			if p.Constraints[i].State == "" {
				p.Constraints[i].State = plan.StatePlanned
			}
			if err := putJSON(cb, []byte(p.Constraints[i].ID), p.Constraints[i]); err != nil {
				return err
			}
		}
		sb := tx.Bucket(bucketSequences)
		for i := range p.Sequences {
			if p.Sequences[i].State == "" {
				p.Sequences[i].State = plan.StatePlanned
			}
			if err := putJSON(sb, []byte(p.Sequences[i].ID), p.Sequences[i]); err != nil {
				return err
			}
		}
		eb := tx.Bucket(bucketExtensions)
		for i := range p.Extensions {
			if p.Extensions[i].State == "" {
				p.Extensions[i].State = plan.StatePlanned
			}
			if err := putJSON(eb, []byte(p.Extensions[i].ID), p.Extensions[i]); err != nil {
				return err
			}
		}
		if p.Blob != nil {
			if p.Blob.State == "" {
				p.Blob.State = plan.StatePlanned
			}
			if err := putJSON(tx.Bucket(bucketBlob), []byte(p.Blob.ID), *p.Blob); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadPlan reconstructs the full WorkPlan from the catalog, used on resume.
func (c *Catalog) LoadPlan() (plan.WorkPlan, error) {
	var out plan.WorkPlan
	err := c.db.View(func(tx *bolt.Tx) error {
		var hdr planHeader
		if err := getJSON(tx.Bucket(bucketPlan), keyPlanHeader, &hdr); err != nil {
			return err
		}
		out.Source, out.SnapshotName, out.CreatedAt = hdr.Source, hdr.SnapshotName, hdr.CreatedAt

		if err := forEachJSON(tx.Bucket(bucketTablesByID), func(v []byte) error {
			var t plan.TableTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out.Tables = append(out.Tables, t)
			return nil
		}); err != nil {
			return err
		}
		if err := forEachJSON(tx.Bucket(bucketIndexesByID), func(v []byte) error {
			var t plan.IndexTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out.Indexes = append(out.Indexes, t)
			return nil
		}); err != nil {
			return err
		}
		if err := forEachJSON(tx.Bucket(bucketConstraints), func(v []byte) error {
			var t plan.ConstraintTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out.Constraints = append(out.Constraints, t)
			return nil
		}); err != nil {
			return err
		}
		if err := forEachJSON(tx.Bucket(bucketSequences), func(v []byte) error {
			var t plan.SequenceTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out.Sequences = append(out.Sequences, t)
			return nil
		}); err != nil {
			return err
		}
		if err := forEachJSON(tx.Bucket(bucketExtensions), func(v []byte) error {
			var t plan.ExtensionTask
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out.Extensions = append(out.Extensions, t)
			return nil
		}); err != nil {
			return err
		}
		bb := tx.Bucket(bucketBlob)
		c := bb.Cursor()
		if k, v := c.First(); k != nil {
			var b plan.BlobTask
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out.Blob = &b
		}
		return nil
	})
	return out, err
}

// TasksByKind returns every task of the given kind, in catalog (id) order.
// The returned value is `any` holding a []plan.TableTask, []plan.IndexTask,
// etc. matching kind — callers type-assert.
func (c *Catalog) TasksByKind(kind plan.TaskKind) (any, error) {
	switch kind {
	case plan.KindTable:
		var out []plan.TableTask
		err := c.db.View(func(tx *bolt.Tx) error {
			return forEachJSON(tx.Bucket(bucketTablesByID), func(v []byte) error {
				var t plan.TableTask
				if err := json.Unmarshal(v, &t); err != nil {
					return err
				}
				out = append(out, t)
				return nil
			})
		})
		return out, err
	case plan.KindIndex:
		var out []plan.IndexTask
		err := c.db.View(func(tx *bolt.Tx) error {
			return forEachJSON(tx.Bucket(bucketIndexesByID), func(v []byte) error {
				var t plan.IndexTask
				if err := json.Unmarshal(v, &t); err != nil {
					return err
				}
				out = append(out, t)
				return nil
			})
		})
		return out, err
	case plan.KindConstraint:
		var out []plan.ConstraintTask
		err := c.db.View(func(tx *bolt.Tx) error {
			return forEachJSON(tx.Bucket(bucketConstraints), func(v []byte) error {
				var t plan.ConstraintTask
				if err := json.Unmarshal(v, &t); err != nil {
					return err
				}
				out = append(out, t)
				return nil
			})
		})
		return out, err
	case plan.KindSequence:
		var out []plan.SequenceTask
		err := c.db.View(func(tx *bolt.Tx) error {
			return forEachJSON(tx.Bucket(bucketSequences), func(v []byte) error {
				var t plan.SequenceTask
				if err := json.Unmarshal(v, &t); err != nil {
					return err
				}
				out = append(out, t)
				return nil
			})
		})
		return out, err
	case plan.KindExtension:
		var out []plan.ExtensionTask
		err := c.db.View(func(tx *bolt.Tx) error {
			return forEachJSON(tx.Bucket(bucketExtensions), func(v []byte) error {
				var t plan.ExtensionTask
				if err := json.Unmarshal(v, &t); err != nil {
					return err
				}
				out = append(out, t)
				return nil
			})
		})
		return out, err
	case plan.KindBlob:
		var out []plan.BlobTask
		err := c.db.View(func(tx *bolt.Tx) error {
			return forEachJSON(tx.Bucket(bucketBlob), func(v []byte) error {
				var t plan.BlobTask
				if err := json.Unmarshal(v, &t); err != nil {
					return err
				}
				out = append(out, t)
				return nil
			})
		})
		return out, err
	default:
		return nil, fmt.Errorf("catalog: unsupported kind %q", kind)
	}
}

func bucketFor(kind plan.TaskKind) []byte {
	switch kind {
	case plan.KindTable:
		return bucketTablesByID
	case plan.KindIndex:
		return bucketIndexesByID
	case plan.KindConstraint:
		return bucketConstraints
	case plan.KindSequence:
		return bucketSequences
	case plan.KindExtension:
		return bucketExtensions
	case plan.KindBlob:
		return bucketBlob
	default:
		return nil
	}
}

// taskEnvelope is the minimal shape every task JSON document shares,
// enough to read/flip State without knowing the concrete task type.
type taskEnvelope struct {
	State plan.TaskState `json:"state"`
}

// TaskClaim atomically transitions a task from StatePlanned to
// StateInProgress, returning false (no error) if it was not in
// StatePlanned — e.g. another worker already claimed it, or a resumed run
// is skipping a `copied` task.
func (c *Catalog) TaskClaim(kind plan.TaskKind, id string) (bool, error) {
	bucketName := bucketFor(kind)
	if bucketName == nil {
		return false, fmt.Errorf("catalog: unsupported kind %q", kind)
	}
	claimed := false
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var env taskEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		if env.State != plan.StatePlanned {
			return nil
		}
		patched, err := setJSONField(raw, "state", plan.StateInProgress)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), patched); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// TaskStats carries the fields TaskSetState is allowed to update alongside
// state; zero values are left untouched except where explicitly set via
// the pointer fields.
type TaskStats struct {
	BytesCopied *int64
	RowsCopied  *int64
	Attempts    *int
	LastError   *string
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// TaskSetState writes a new state (and optional stats) for a task. Unlike
// TaskClaim this is not conditional — callers already own the task by
// virtue of having claimed it.
func (c *Catalog) TaskSetState(kind plan.TaskKind, id string, state plan.TaskState, stats TaskStats) error {
	bucketName := bucketFor(kind)
	if bucketName == nil {
		return fmt.Errorf("catalog: unsupported kind %q", kind)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		m := map[string]json.RawMessage{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		setRaw(m, "state", state)
		if stats.BytesCopied != nil {
			setRaw(m, "bytes_copied", *stats.BytesCopied)
		}
		if stats.RowsCopied != nil {
			setRaw(m, "rows_copied", *stats.RowsCopied)
		}
		if stats.Attempts != nil {
			setRaw(m, "attempts", *stats.Attempts)
		}
		if stats.LastError != nil {
			setRaw(m, "last_error", *stats.LastError)
		}
		if stats.StartedAt != nil {
			setRaw(m, "started_at", *stats.StartedAt)
		}
		if stats.FinishedAt != nil {
			setRaw(m, "finished_at", *stats.FinishedAt)
		}
		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// TaskClaimRange atomically transitions one split sub-range of a table
// task (plan.TableTask.SplitRanges[rangeIndex]) from unclaimed/planned to
// StateInProgress, tracked in the task's own RangeProgress map — there is
// no per-range bucket, since sub-ranges only ever exist nested under the
// table task that owns them. The parent table task moves to
// StateInProgress on its first sub-range claim, so a plain TasksByKind
// scan shows movement before any one sub-range finishes.
func (c *Catalog) TaskClaimRange(id string, rangeIndex int) (bool, error) {
	claimed := false
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTablesByID)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var t plan.TableTask
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if t.RangeProgress == nil {
			t.RangeProgress = make(map[int]plan.TaskState)
		}
		if state, ok := t.RangeProgress[rangeIndex]; ok && state != plan.StatePlanned {
			return nil // already claimed by another worker, or terminal
		}
		t.RangeProgress[rangeIndex] = plan.StateInProgress
		if t.State == plan.StatePlanned {
			t.State = plan.StateInProgress
		}
		if err := putJSON(b, []byte(id), t); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// TaskSetRangeState records one split sub-range's terminal state and
// stats (bytes/rows copied are added to the parent table task's running
// total, since every sub-range contributes a disjoint slice of the same
// table). The parent's own State rolls up to Copied once every expected
// sub-range has reached Copied, or to Failed as soon as any sub-range
// fails — mirroring the whole-table TaskSetState contract for callers
// that only ever look at the table task's top-level State.
func (c *Catalog) TaskSetRangeState(id string, rangeIndex int, state plan.TaskState, stats TaskStats) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTablesByID)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var t plan.TableTask
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if t.RangeProgress == nil {
			t.RangeProgress = make(map[int]plan.TaskState)
		}
		t.RangeProgress[rangeIndex] = state
		if stats.BytesCopied != nil {
			t.BytesCopied += *stats.BytesCopied
		}
		if stats.RowsCopied != nil {
			t.RowsCopied += *stats.RowsCopied
		}
		if stats.LastError != nil {
			t.LastError = *stats.LastError
		}

		switch {
		case state == plan.StateFailed:
			t.State = plan.StateFailed
		case allRangesCopied(t):
			t.State = plan.StateCopied
			t.FinishedAt = time.Now()
		}
		return putJSON(b, []byte(id), t)
	})
}

// allRangesCopied reports whether every sub-range a table task was split
// into has reached StateCopied.
func allRangesCopied(t plan.TableTask) bool {
	if len(t.SplitRanges) == 0 {
		return false
	}
	for _, r := range t.SplitRanges {
		if t.RangeProgress[r.Index] != plan.StateCopied {
			return false
		}
	}
	return true
}

// GetTask reads a single task's raw JSON and decodes it into dst (a
// pointer to the matching concrete *Task type).
func (c *Catalog) GetTask(kind plan.TaskKind, id string, dst any) error {
	bucketName := bucketFor(kind)
	if bucketName == nil {
		return fmt.Errorf("catalog: unsupported kind %q", kind)
	}
	return c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, dst)
	})
}

// PutBlobTask writes (or overwrites) a single Blob Task. Unlike table,
// index, constraint, sequence, and extension tasks — which are all fixed
// by the Introspector's one-time scan — the Blob Supervisor itself decides
// how many range tasks exist (Supervisor.Plan), so it needs direct write
// access rather than going through PlanInit.
func (c *Catalog) PutBlobTask(t plan.BlobTask) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketBlob), []byte(t.ID), t)
	})
}

// CursorRead returns the persisted Apply Cursor (zero value if never written).
func (c *Catalog) CursorRead() (plan.ApplyCursor, error) {
	var cur plan.ApplyCursor
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCursor).Get(keyCursor)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &cur)
	})
	return cur, err
}

// CursorWrite durably persists the Apply Cursor. Returns once fsync'd.
func (c *Catalog) CursorWrite(cur plan.ApplyCursor) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCursor), keyCursor, cur)
	})
}

// SlotRead returns the persisted Slot State (zero value if never written).
func (c *Catalog) SlotRead() (plan.SlotState, error) {
	var s plan.SlotState
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSlot).Get(keySlot)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &s)
	})
	return s, err
}

// SlotWrite durably persists the Slot State.
func (c *Catalog) SlotWrite(s plan.SlotState) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSlot), keySlot, s)
	})
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return b.Put(key, raw)
}

func getJSON(b *bolt.Bucket, key []byte, dst any) error {
	raw := b.Get(key)
	if raw == nil {
		return ErrNotFound
	}
	return json.Unmarshal(raw, dst)
}

func forEachJSON(b *bolt.Bucket, fn func(v []byte) error) error {
	return b.ForEach(func(_, v []byte) error {
		return fn(v)
	})
}

func setRaw(m map[string]json.RawMessage, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	m[key] = raw
}

// setJSONField patches a single top-level field of a JSON document without
// disturbing the rest, used by TaskClaim's hot path. A nil value is a
// deliberate no-op (kept for call-site symmetry with TaskSetState).
func setJSONField(raw []byte, field string, value any) ([]byte, error) {
	if value == nil {
		return raw, nil
	}
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	setRaw(m, field, value)
	return json.Marshal(m)
}
