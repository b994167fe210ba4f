// Package message defines the change-stream vocabulary shared by the CDC
// Receiver, Transformer, and Applier: the architectural spine described in
// spec §4.7, kept deliberately plugin-agnostic so the same Applier runs
// unchanged whether the Transformer decoded pgoutput's binary wire format
// or wal2json/test_decoding's text formats.
//
// Ported from the teacher's internal/migration/stream.Message family with
// the package renamed and a ReplicaIdentity-aware RelationMessage added,
// since idempotent apply (spec §4.8) needs to know which columns form the
// row's stable identity, not only its current column list.
package message

import (
	"time"

	"github.com/jackc/pglogrepl"
)

// Kind identifies the concrete type flowing through the pipeline.
type Kind int

const (
	KindBegin Kind = iota
	KindCommit
	KindChange
	KindRelation
	KindTruncate
	KindSentinel
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "Begin"
	case KindCommit:
		return "Commit"
	case KindChange:
		return "Change"
	case KindRelation:
		return "Relation"
	case KindTruncate:
		return "Truncate"
	case KindSentinel:
		return "Sentinel"
	default:
		return "Unknown"
	}
}

// Message is implemented by every value flowing through the receiver ->
// transform -> apply pipeline, including synthetic sentinels.
type Message interface {
	Kind() Kind
	LSN() pglogrepl.LSN
	OriginID() string
	Timestamp() time.Time
}

// Op is the DML operation a ChangeMessage carries.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Column is one column's value in a tuple, plus enough metadata for the
// Applier to build parameterized SQL without a second catalog lookup.
type Column struct {
	Name     string
	DataType uint32
	Value    []byte
	IsNull   bool
}

// TupleData holds a row's column values, before or after a change.
type TupleData struct {
	Columns []Column
}

// BeginMessage marks the start of a source transaction.
type BeginMessage struct {
	TxnLSN  pglogrepl.LSN
	TxnTime time.Time
	XID     uint32
}

func (m *BeginMessage) Kind() Kind           { return KindBegin }
func (m *BeginMessage) LSN() pglogrepl.LSN   { return m.TxnLSN }
func (m *BeginMessage) OriginID() string     { return "" }
func (m *BeginMessage) Timestamp() time.Time { return m.TxnTime }

// CommitMessage marks the end of a source transaction; its LSN is the
// commit LSN the Applier persists as the crash-recovery cursor.
type CommitMessage struct {
	CommitLSN pglogrepl.LSN
	TxnTime   time.Time
}

func (m *CommitMessage) Kind() Kind           { return KindCommit }
func (m *CommitMessage) LSN() pglogrepl.LSN   { return m.CommitLSN }
func (m *CommitMessage) OriginID() string     { return "" }
func (m *CommitMessage) Timestamp() time.Time { return m.TxnTime }

// RelationMessage carries schema metadata for a relation, including which
// columns form its replica identity so the Applier can build idempotent
// upsert/delete predicates without a live catalog connection.
type RelationMessage struct {
	RelationID      uint32
	Namespace       string
	Name            string
	Columns         []Column
	IdentityColumns []string // subset (or all) of Columns.Name forming the replica identity
	MsgLSN          pglogrepl.LSN
	MsgTime         time.Time
}

func (m *RelationMessage) Kind() Kind           { return KindRelation }
func (m *RelationMessage) LSN() pglogrepl.LSN   { return m.MsgLSN }
func (m *RelationMessage) OriginID() string     { return "" }
func (m *RelationMessage) Timestamp() time.Time { return m.MsgTime }

// ChangeMessage represents one INSERT, UPDATE, or DELETE.
type ChangeMessage struct {
	Op         Op
	RelationID uint32
	Namespace  string
	Table      string
	OldTuple   *TupleData
	NewTuple   *TupleData
	MsgLSN     pglogrepl.LSN
	MsgTime    time.Time
	Origin     string
}

func (m *ChangeMessage) Kind() Kind           { return KindChange }
func (m *ChangeMessage) LSN() pglogrepl.LSN   { return m.MsgLSN }
func (m *ChangeMessage) OriginID() string     { return m.Origin }
func (m *ChangeMessage) Timestamp() time.Time { return m.MsgTime }

// TruncateMessage mirrors a source TRUNATE, applied verbatim per spec §4.8.
type TruncateMessage struct {
	Namespace string
	Tables    []string
	MsgLSN    pglogrepl.LSN
	MsgTime   time.Time
	Origin    string
}

func (m *TruncateMessage) Kind() Kind           { return KindTruncate }
func (m *TruncateMessage) LSN() pglogrepl.LSN   { return m.MsgLSN }
func (m *TruncateMessage) OriginID() string     { return m.Origin }
func (m *TruncateMessage) Timestamp() time.Time { return m.MsgTime }

// SentinelMessage is a synthetic marker injected into the stream (spec
// §10 `stream sentinel set/get`) so an operator can confirm the Applier
// has drained every change committed before the marker was requested.
type SentinelMessage struct {
	ID      string
	MsgLSN  pglogrepl.LSN
	MsgTime time.Time
}

func (m *SentinelMessage) Kind() Kind           { return KindSentinel }
func (m *SentinelMessage) LSN() pglogrepl.LSN   { return m.MsgLSN }
func (m *SentinelMessage) OriginID() string     { return "" }
func (m *SentinelMessage) Timestamp() time.Time { return m.MsgTime }
