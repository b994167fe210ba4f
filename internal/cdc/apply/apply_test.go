package apply

import (
	"testing"

	"github.com/jfoltran/pgclone/internal/cdc/message"
)

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"users", `"users"`},
		{"order", `"order"`},
		{`my"table`, `"my""table"`},
		{"", `""`},
		{"CamelCase", `"CamelCase"`},
	}
	for _, tt := range tests {
		got := quoteIdent(tt.input)
		if got != tt.want {
			t.Errorf("quoteIdent(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestQualifiedName(t *testing.T) {
	tests := []struct {
		namespace string
		table     string
		want      string
	}{
		{"public", "users", `"users"`},
		{"", "users", `"users"`},
		{"myschema", "users", `"myschema"."users"`},
		{"my schema", "my table", `"my schema"."my table"`},
	}
	for _, tt := range tests {
		got := qualifiedName(tt.namespace, tt.table)
		if got != tt.want {
			t.Errorf("qualifiedName(%q, %q) = %q, want %q", tt.namespace, tt.table, got, tt.want)
		}
	}
}

func TestBuildSetClauses(t *testing.T) {
	a := &Applier{relations: make(map[uint32]*message.RelationMessage)}

	tuple := &message.TupleData{
		Columns: []message.Column{
			{Name: "name", Value: []byte("bob")},
			{Name: "email", Value: []byte("bob@example.com")},
		},
	}

	clauses, vals := a.buildSetClauses(tuple)
	if len(clauses) != 2 {
		t.Fatalf("expected 2 clauses, got %d", len(clauses))
	}
	if clauses[0] != `"name" = $1` || clauses[1] != `"email" = $2` {
		t.Errorf("clauses = %v", clauses)
	}
	if vals[0] != "bob" || vals[1] != "bob@example.com" {
		t.Errorf("vals = %v", vals)
	}
}

func TestBuildWhereClauses_NoRelation_FallsBackToAllColumns(t *testing.T) {
	a := &Applier{relations: make(map[uint32]*message.RelationMessage)}

	m := &message.ChangeMessage{
		OldTuple: &message.TupleData{Columns: []message.Column{
			{Name: "id", Value: []byte("42")},
			{Name: "name", Value: []byte("alice")},
		}},
	}

	clauses, vals := a.buildWhereClauses(m, nil, 2)
	if len(clauses) != 2 {
		t.Fatalf("expected 2 WHERE clauses (no relation cached, fall back to all cols), got %d: %v", len(clauses), clauses)
	}
	if clauses[0] != `"id" = $3` || clauses[1] != `"name" = $4` {
		t.Errorf("clauses = %v", clauses)
	}
	if vals[0] != "42" || vals[1] != "alice" {
		t.Errorf("vals = %v", vals)
	}
}

func TestBuildWhereClauses_RestrictsToIdentityColumns(t *testing.T) {
	a := &Applier{relations: make(map[uint32]*message.RelationMessage)}
	rel := &message.RelationMessage{IdentityColumns: []string{"id"}}

	m := &message.ChangeMessage{
		OldTuple: &message.TupleData{Columns: []message.Column{
			{Name: "id", Value: []byte("42")},
			{Name: "name", Value: []byte("alice")},
		}},
	}

	clauses, vals := a.buildWhereClauses(m, rel, 0)
	if len(clauses) != 1 {
		t.Fatalf("expected 1 WHERE clause restricted to identity column, got %d: %v", len(clauses), clauses)
	}
	if clauses[0] != `"id" = $1` {
		t.Errorf("clause = %q, want %q", clauses[0], `"id" = $1`)
	}
	if vals[0] != "42" {
		t.Errorf("val = %v", vals[0])
	}
}

func TestBuildWhereClauses_FallbackToNewTuple(t *testing.T) {
	a := &Applier{relations: make(map[uint32]*message.RelationMessage)}

	m := &message.ChangeMessage{
		OldTuple: nil,
		NewTuple: &message.TupleData{Columns: []message.Column{{Name: "id", Value: []byte("7")}}},
	}

	clauses, vals := a.buildWhereClauses(m, nil, 0)
	if len(clauses) != 1 || clauses[0] != `"id" = $1` {
		t.Errorf("clauses = %v, want [\"id\" = $1]", clauses)
	}
	if vals[0] != "7" {
		t.Errorf("val = %v", vals[0])
	}
}

func TestBuildWhereClauses_BothNil(t *testing.T) {
	a := &Applier{relations: make(map[uint32]*message.RelationMessage)}
	m := &message.ChangeMessage{}

	clauses, vals := a.buildWhereClauses(m, nil, 0)
	if len(clauses) != 0 || len(vals) != 0 {
		t.Errorf("expected empty results, got clauses=%v vals=%v", clauses, vals)
	}
}

func TestInsertBatch_MatchesAndResets(t *testing.T) {
	var b insertBatch
	b.reset("public", "users")

	m := &message.ChangeMessage{Namespace: "public", Table: "users", NewTuple: &message.TupleData{
		Columns: []message.Column{{Name: "id", Value: []byte("1")}},
	}}
	if !b.matches(m) {
		t.Fatal("expected batch to match same-table change")
	}
	b.add(m)
	if b.len() != 1 {
		t.Fatalf("len() = %d, want 1", b.len())
	}

	other := &message.ChangeMessage{Namespace: "public", Table: "orders"}
	if b.matches(other) {
		t.Fatal("expected batch not to match different-table change")
	}
}

func TestInsertBatch_NullColumn(t *testing.T) {
	var b insertBatch
	b.reset("public", "users")
	b.add(&message.ChangeMessage{Namespace: "public", Table: "users", NewTuple: &message.TupleData{
		Columns: []message.Column{{Name: "bio", IsNull: true}},
	}})
	if b.rows[0][0] != nil {
		t.Errorf("expected null column to map to nil, got %v", b.rows[0][0])
	}
}

func TestUpsertClause_NoIdentityDoesNothing(t *testing.T) {
	got := upsertClause([]string{"id", "name"}, nil)
	if got != " ON CONFLICT DO NOTHING" {
		t.Errorf("got %q, want %q", got, " ON CONFLICT DO NOTHING")
	}
}

func TestUpsertClause_IdentityUpdatesRemainingColumns(t *testing.T) {
	got := upsertClause([]string{"id", "name", "email"}, []string{"id"})
	want := ` ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name", "email" = EXCLUDED."email"`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestUpsertClause_IdentityCoversAllColumns(t *testing.T) {
	got := upsertClause([]string{"id"}, []string{"id"})
	want := ` ON CONFLICT ("id") DO NOTHING`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIdentityColumns(t *testing.T) {
	a := &Applier{relations: map[uint32]*message.RelationMessage{
		1: {RelationID: 1, IdentityColumns: []string{"id"}},
	}}
	if got := a.identityColumns(1); len(got) != 1 || got[0] != "id" {
		t.Errorf("identityColumns(1) = %v, want [id]", got)
	}
	if got := a.identityColumns(99); got != nil {
		t.Errorf("identityColumns(99) = %v, want nil", got)
	}
}
