package transform

import (
	"testing"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgclone/internal/cdc/message"
)

func TestNewParser_UnsupportedPlugin(t *testing.T) {
	if _, err := NewParser("made-up-plugin"); err == nil {
		t.Fatal("expected error for unsupported plugin, got nil")
	}
}

func TestNewParser_DefaultsToPgoutput(t *testing.T) {
	p, err := NewParser("")
	if err != nil {
		t.Fatalf("NewParser(\"\") error: %v", err)
	}
	if _, ok := p.(*pgoutputParser); !ok {
		t.Errorf("NewParser(\"\") = %T, want *pgoutputParser", p)
	}
}

func TestWal2JSONParser_InsertUpdateDelete(t *testing.T) {
	p := &wal2jsonParser{cache: newRelationCache()}

	doc := []byte(`{
		"xid": 1234,
		"change": [
			{"kind":"insert","schema":"public","table":"users","columnnames":["id","email"],"columnvalues":[1,"a@example.com"]},
			{"kind":"update","schema":"public","table":"users","columnnames":["id","email"],"columnvalues":[1,"b@example.com"],"oldkeys":{"keynames":["id"],"keyvalues":[1]}},
			{"kind":"delete","schema":"public","table":"users","oldkeys":{"keynames":["id"],"keyvalues":[1]}}
		]
	}`)

	msgs, err := p.Parse(doc, pglogrepl.LSN(100))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	var begins, commits, relations, changes int
	var ops []message.Op
	for _, m := range msgs {
		switch v := m.(type) {
		case *message.BeginMessage:
			begins++
		case *message.CommitMessage:
			commits++
		case *message.RelationMessage:
			relations++
		case *message.ChangeMessage:
			changes++
			ops = append(ops, v.Op)
		}
	}

	if begins != 1 || commits != 1 {
		t.Errorf("begins=%d commits=%d, want 1 and 1", begins, commits)
	}
	if relations != 1 {
		t.Errorf("relations=%d, want 1 (cached across changes)", relations)
	}
	if changes != 3 {
		t.Fatalf("changes=%d, want 3", changes)
	}
	want := []message.Op{message.OpInsert, message.OpUpdate, message.OpDelete}
	for i, op := range want {
		if ops[i] != op {
			t.Errorf("ops[%d] = %v, want %v", i, ops[i], op)
		}
	}
}

func TestWal2JSONParser_NullColumnValue(t *testing.T) {
	p := &wal2jsonParser{cache: newRelationCache()}
	doc := []byte(`{"xid":1,"change":[{"kind":"insert","schema":"public","table":"t","columnnames":["a"],"columnvalues":[null]}]}`)

	msgs, err := p.Parse(doc, pglogrepl.LSN(1))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	for _, m := range msgs {
		if cm, ok := m.(*message.ChangeMessage); ok {
			if !cm.NewTuple.Columns[0].IsNull {
				t.Errorf("expected column to be null")
			}
		}
	}
}

func TestTestDecodingParser_BeginCommit(t *testing.T) {
	p := &testDecodingParser{cache: newRelationCache()}

	msgs, err := p.Parse([]byte("BEGIN 1001"), pglogrepl.LSN(10))
	if err != nil {
		t.Fatalf("Parse(BEGIN) error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind() != message.KindBegin {
		t.Fatalf("expected one BeginMessage, got %+v", msgs)
	}
	bm := msgs[0].(*message.BeginMessage)
	if bm.XID != 1001 {
		t.Errorf("XID = %d, want 1001", bm.XID)
	}

	msgs, err = p.Parse([]byte("COMMIT 1001"), pglogrepl.LSN(20))
	if err != nil {
		t.Fatalf("Parse(COMMIT) error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind() != message.KindCommit {
		t.Fatalf("expected one CommitMessage, got %+v", msgs)
	}
}

func TestTestDecodingParser_InsertLine(t *testing.T) {
	p := &testDecodingParser{cache: newRelationCache()}
	line := []byte(`table public.users: INSERT: id[integer]:1 name[text]:'alice' bio[text]:null`)

	msgs, err := p.Parse(line, pglogrepl.LSN(30))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	cm, ok := msgs[0].(*message.ChangeMessage)
	if !ok {
		t.Fatalf("got %T, want *message.ChangeMessage", msgs[0])
	}
	if cm.Op != message.OpInsert || cm.Namespace != "public" || cm.Table != "users" {
		t.Errorf("unexpected change message: %+v", cm)
	}
	if len(cm.NewTuple.Columns) != 3 {
		t.Fatalf("got %d columns, want 3: %+v", len(cm.NewTuple.Columns), cm.NewTuple.Columns)
	}
	if string(cm.NewTuple.Columns[0].Value) != "1" {
		t.Errorf("id value = %q, want 1", cm.NewTuple.Columns[0].Value)
	}
	if string(cm.NewTuple.Columns[1].Value) != "alice" {
		t.Errorf("name value = %q, want alice", cm.NewTuple.Columns[1].Value)
	}
	if !cm.NewTuple.Columns[2].IsNull {
		t.Errorf("bio expected null")
	}
}

func TestTestDecodingParser_MalformedLine(t *testing.T) {
	p := &testDecodingParser{cache: newRelationCache()}
	if _, err := p.Parse([]byte("not a valid line"), pglogrepl.LSN(1)); err == nil {
		t.Fatal("expected error for unparseable line")
	}
}
