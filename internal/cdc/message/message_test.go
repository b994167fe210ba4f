package message

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindBegin, "Begin"},
		{KindCommit, "Commit"},
		{KindChange, "Change"},
		{KindRelation, "Relation"},
		{KindTruncate, "Truncate"},
		{KindSentinel, "Sentinel"},
		{Kind(99), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestOpString(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{OpInsert, "INSERT"},
		{OpUpdate, "UPDATE"},
		{OpDelete, "DELETE"},
		{Op(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Op(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestBeginMessage(t *testing.T) {
	now := time.Now()
	m := &BeginMessage{TxnLSN: pglogrepl.LSN(100), TxnTime: now, XID: 42}

	if m.Kind() != KindBegin {
		t.Errorf("Kind() = %v, want KindBegin", m.Kind())
	}
	if m.LSN() != pglogrepl.LSN(100) {
		t.Errorf("LSN() = %v, want 100", m.LSN())
	}
	if m.OriginID() != "" {
		t.Errorf("OriginID() = %q, want empty", m.OriginID())
	}
	if !m.Timestamp().Equal(now) {
		t.Errorf("Timestamp() = %v, want %v", m.Timestamp(), now)
	}
}

func TestRelationMessage_IdentityColumns(t *testing.T) {
	m := &RelationMessage{
		RelationID:      1,
		Namespace:       "public",
		Name:            "users",
		Columns:         []Column{{Name: "id", DataType: 23}, {Name: "email", DataType: 25}},
		IdentityColumns: []string{"id"},
		MsgLSN:          pglogrepl.LSN(300),
		MsgTime:         time.Now(),
	}

	if m.Kind() != KindRelation {
		t.Errorf("Kind() = %v, want KindRelation", m.Kind())
	}
	if len(m.IdentityColumns) != 1 || m.IdentityColumns[0] != "id" {
		t.Errorf("IdentityColumns = %v, want [id]", m.IdentityColumns)
	}
}

func TestChangeMessage_Origin(t *testing.T) {
	m := &ChangeMessage{
		Op:       OpInsert,
		Table:    "users",
		NewTuple: &TupleData{Columns: []Column{{Name: "id", Value: []byte("1")}}},
		MsgLSN:   pglogrepl.LSN(400),
		MsgTime:  time.Now(),
		Origin:   "origin-a",
	}
	if m.OriginID() != "origin-a" {
		t.Errorf("OriginID() = %q, want origin-a", m.OriginID())
	}

	noOrigin := &ChangeMessage{Op: OpUpdate}
	if noOrigin.OriginID() != "" {
		t.Errorf("OriginID() = %q, want empty for no origin", noOrigin.OriginID())
	}
}

func TestTruncateMessage(t *testing.T) {
	m := &TruncateMessage{Namespace: "public", Tables: []string{"users", "orders"}, MsgLSN: pglogrepl.LSN(500)}
	if m.Kind() != KindTruncate {
		t.Errorf("Kind() = %v, want KindTruncate", m.Kind())
	}
	if len(m.Tables) != 2 {
		t.Errorf("Tables = %v, want 2 entries", m.Tables)
	}
}

func TestSentinelMessage(t *testing.T) {
	m := &SentinelMessage{ID: "checkpoint-1", MsgLSN: pglogrepl.LSN(600)}
	if m.Kind() != KindSentinel {
		t.Errorf("Kind() = %v, want KindSentinel", m.Kind())
	}
	if m.LSN() != pglogrepl.LSN(600) {
		t.Errorf("LSN() = %v, want 600", m.LSN())
	}
}
