package indexsvc

import (
	"testing"

	"github.com/jfoltran/pgclone/internal/plan"
)

func TestTopoSort_NoDependencies(t *testing.T) {
	tasks := []plan.IndexTask{
		{ID: "index/1"},
		{ID: "index/2"},
		{ID: "index/3"},
	}
	waves, err := topoSort(tasks)
	if err != nil {
		t.Fatalf("topoSort() error: %v", err)
	}
	if len(waves) != 1 || len(waves[0]) != 3 {
		t.Fatalf("expected a single wave of 3, got %v", waves)
	}
}

func TestTopoSort_LinearChain(t *testing.T) {
	tasks := []plan.IndexTask{
		{ID: "index/1"},
		{ID: "index/2", DependsOn: []string{"index/1"}},
		{ID: "index/3", DependsOn: []string{"index/2"}},
	}
	waves, err := topoSort(tasks)
	if err != nil {
		t.Fatalf("topoSort() error: %v", err)
	}
	if len(waves) != 3 {
		t.Fatalf("expected 3 waves, got %d: %v", len(waves), waves)
	}
	if waves[0][0].ID != "index/1" || waves[1][0].ID != "index/2" || waves[2][0].ID != "index/3" {
		t.Errorf("unexpected wave ordering: %v", waves)
	}
}

func TestTopoSort_DetectsCycle(t *testing.T) {
	tasks := []plan.IndexTask{
		{ID: "index/1", DependsOn: []string{"index/2"}},
		{ID: "index/2", DependsOn: []string{"index/1"}},
	}
	if _, err := topoSort(tasks); err == nil {
		t.Fatal("expected cycle detection error, got nil")
	}
}

func TestConstraintDDL_PlainCheck(t *testing.T) {
	s := &Supervisor{}
	ct := plan.ConstraintTask{
		TableID:        "public.orders",
		Name:           "orders_total_check",
		ConstraintKind: plan.ConstraintCheck,
		Definition:     "CHECK (total >= 0)",
	}
	ddl, err := s.constraintDDL(ct)
	if err != nil {
		t.Fatalf("constraintDDL() error: %v", err)
	}
	want := `ALTER TABLE public.orders ADD CONSTRAINT "orders_total_check" CHECK (total >= 0)`
	if ddl != want {
		t.Errorf("constraintDDL() = %q, want %q", ddl, want)
	}
}

func TestBackoffIsMonotonic(t *testing.T) {
	if backoff(1) >= backoff(2) || backoff(2) >= backoff(3) {
		t.Errorf("expected strictly increasing backoff, got %v, %v, %v", backoff(1), backoff(2), backoff(3))
	}
}
