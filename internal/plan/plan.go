// Package plan defines the Work Plan data model: the immutable set of
// tasks produced once per run by the Source Introspector and consumed by
// the Copy, Index & Constraint, and Blob Supervisors.
package plan

import (
	"time"

	"github.com/jackc/pglogrepl"
)

// TaskKind identifies which supervisor owns a task.
type TaskKind string

const (
	KindTable      TaskKind = "table"
	KindIndex      TaskKind = "index"
	KindConstraint TaskKind = "constraint"
	KindSequence   TaskKind = "sequence"
	KindBlob       TaskKind = "blob"
	KindExtension  TaskKind = "extension"
)

// TaskState is the lifecycle state of any task. Transitions are
// CAS-guarded by the Progress Catalog: planned -> in-progress -> copied,
// or -> failed/skipped. Tasks are never deleted.
type TaskState string

const (
	StatePlanned    TaskState = "planned"
	StateInProgress TaskState = "in-progress"
	StateCopied     TaskState = "copied"
	StateFailed     TaskState = "failed"
	StateSkipped    TaskState = "skipped"
)

// PartitionStrategy selects how a large table's COPY is split across
// concurrent workers.
type PartitionStrategy string

const (
	PartitionNone    PartitionStrategy = "none"
	PartitionByCTID  PartitionStrategy = "by-ctid-range"
	PartitionByInt   PartitionStrategy = "by-integer-column"
)

// ReplicaIdentity mirrors pg_class.relreplident.
type ReplicaIdentity string

const (
	ReplicaIdentityDefault ReplicaIdentity = "default" // primary key
	ReplicaIdentityFull    ReplicaIdentity = "full"
	ReplicaIdentityNothing ReplicaIdentity = "nothing"
	ReplicaIdentityIndex   ReplicaIdentity = "index"
)

// TaskRef is a lightweight, copyable handle to a task: the only thing
// Supervisors hold onto. All mutation goes back through the Catalog by id.
type TaskRef struct {
	ID   string
	Kind TaskKind
}

// CopyRange describes one sub-range of a partitioned table COPY.
// Exactly one of (CTIDLow, CTIDHigh) or (IntLow, IntHigh) is populated,
// matching the owning Table Task's PartitionStrategy.
type CopyRange struct {
	Index     int // 0-based sub-task index within the parent table
	CTIDLow   int64
	CTIDHigh  int64 // exclusive page bound
	IntLow    int64
	IntHigh   int64 // exclusive bound on the partition column
}

// TableTask is a unit of bulk-copy work.
type TableTask struct {
	ID   string `json:"id"`
	Kind TaskKind `json:"kind"`

	SourceOID   uint32 `json:"source_oid"`
	Schema      string `json:"schema"`
	Name        string `json:"name"`
	SizeBytes   int64  `json:"size_bytes"`
	RowEstimate int64  `json:"row_estimate"`

	ReplicaIdentity ReplicaIdentity `json:"replica_identity"`

	// IsPartitionedRoot is true for a partitioned parent; the parent
	// itself is never copied, only its Partitions.
	IsPartitionedRoot bool     `json:"is_partitioned_root,omitempty"`
	Partitions        []string `json:"partitions,omitempty"` // child TableTask IDs

	Strategy    PartitionStrategy `json:"strategy"`
	PKColumn    string            `json:"pk_column,omitempty"`
	SplitRanges []CopyRange       `json:"split_ranges,omitempty"`

	State        TaskState `json:"state"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
	BytesCopied  int64     `json:"bytes_copied"`
	RowsCopied   int64     `json:"rows_copied"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	FinishedAt   time.Time `json:"finished_at,omitzero"`

	// RangeProgress tracks the state of each sub-task for split tables,
	// keyed by CopyRange.Index, so a partial resume only re-copies the
	// sub-ranges that never reached "copied".
	RangeProgress map[int]TaskState `json:"range_progress,omitempty"`
}

// QualifiedName returns schema.table, omitting a "public" schema.
func (t TableTask) QualifiedName() string {
	if t.Schema == "" || t.Schema == "public" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// IndexTask builds one index on an already-copied table.
type IndexTask struct {
	ID   string   `json:"id"`
	Kind TaskKind `json:"kind"`

	SourceOID  uint32 `json:"source_oid"`
	TableID    string `json:"table_id"`
	Name       string `json:"name"` // server-side index name, for USING INDEX promotion
	Definition string `json:"definition"` // full CREATE INDEX ... text from pg_get_indexdef

	// BacksConstraint is true when this unique/PK index is promoted via
	// ALTER TABLE ... ADD CONSTRAINT ... USING INDEX rather than being a
	// plain secondary index.
	BacksConstraint bool     `json:"backs_constraint,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"` // other IndexTask IDs

	State      TaskState `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// ConstraintKind distinguishes how a Constraint Task is realized.
type ConstraintKind string

const (
	ConstraintPrimaryKey ConstraintKind = "primary_key"
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintCheck      ConstraintKind = "check"
)

// ConstraintTask applies one constraint after its dependency tables (and,
// for PK/UK, its backing index) are ready.
type ConstraintTask struct {
	ID   string   `json:"id"`
	Kind TaskKind `json:"kind"`

	SourceOID      uint32         `json:"source_oid"`
	TableID        string         `json:"table_id"`
	Name           string         `json:"name"`
	ConstraintKind ConstraintKind `json:"constraint_kind"`
	Definition     string         `json:"definition"`

	// BackingIndexID is set for PRIMARY KEY / UNIQUE constraints promoted
	// from an already-built unique index.
	BackingIndexID string `json:"backing_index_id,omitempty"`
	// ReferencedTableIDs lists every table a FOREIGN KEY constraint
	// depends on (the owning table plus the referenced table).
	ReferencedTableIDs []string `json:"referenced_table_ids,omitempty"`

	State      TaskState `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// SequenceTask copies one sequence's current value after data copy.
type SequenceTask struct {
	ID         string    `json:"id"`
	Kind       TaskKind  `json:"kind"`
	SourceOID  uint32    `json:"source_oid"`
	Schema     string    `json:"schema"`
	Name       string    `json:"name"`
	State      TaskState `json:"state"`
	LastError  string    `json:"last_error,omitempty"`
}

// ExtensionTask installs one extension on the destination before pre-data.
type ExtensionTask struct {
	ID        string    `json:"id"`
	Kind      TaskKind  `json:"kind"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	State     TaskState `json:"state"`
	LastError string    `json:"last_error,omitempty"`
}

// BlobTask is the single logical large-object copy unit; OIDLow..OIDHigh
// bound the slice of large objects a worker is responsible for, and
// LastCopiedOID records the resume point within that slice.
type BlobTask struct {
	ID             string    `json:"id"`
	Kind           TaskKind  `json:"kind"`
	Index          int       `json:"index"`
	OIDLow         uint32    `json:"oid_low"`
	OIDHigh        uint32    `json:"oid_high"`
	LastCopiedOID  uint32    `json:"last_copied_oid"`
	State          TaskState `json:"state"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
}

// SourceIdentity pins the Work Plan to a specific source server instance
// and timeline, so a Catalog cannot be accidentally resumed against a
// different cluster.
type SourceIdentity struct {
	SystemIdentifier string `json:"system_identifier"`
	Timeline         int32  `json:"timeline"`
}

// WorkPlan is produced once per run and is immutable after creation.
type WorkPlan struct {
	Source       SourceIdentity `json:"source"`
	SnapshotName string         `json:"snapshot_name"`
	CreatedAt    time.Time      `json:"created_at"`

	Tables      []TableTask      `json:"tables"`
	Indexes     []IndexTask      `json:"indexes"`
	Constraints []ConstraintTask `json:"constraints"`
	Sequences   []SequenceTask   `json:"sequences"`
	Extensions  []ExtensionTask  `json:"extensions"`
	Blob        *BlobTask        `json:"blob,omitempty"`
}

// SlotState tracks the CDC replication slot across the life of a follow-mode run.
type SlotState struct {
	SlotName       string         `json:"slot_name"`
	Plugin         string         `json:"plugin"`
	ConsistentLSN  pglogrepl.LSN  `json:"consistent_lsn"`
	FlushLSN       pglogrepl.LSN  `json:"flush_lsn"`
	WriteLSN       pglogrepl.LSN  `json:"write_lsn"`
	Timeline       int32          `json:"timeline"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ApplyCursor records how far the CDC Applier has progressed. The
// invariant flushed <= written <= applied-commit <= received is
// maintained by internal/cdc/apply.
type ApplyCursor struct {
	AppliedCommitLSN pglogrepl.LSN `json:"applied_commit_lsn"`
	WrittenLSN       pglogrepl.LSN `json:"written_lsn"`
	FlushedLSN       pglogrepl.LSN `json:"flushed_lsn"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
