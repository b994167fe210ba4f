package catalog

import (
	"testing"
	"time"

	"github.com/jfoltran/pgclone/internal/plan"
)

func testPlan() plan.WorkPlan {
	return plan.WorkPlan{
		Source:    plan.SourceIdentity{SystemIdentifier: "12345", Timeline: 1},
		CreatedAt: time.Now(),
		Tables: []plan.TableTask{
			{ID: "table/public.a", Kind: plan.KindTable, Schema: "public", Name: "a"},
			{ID: "table/public.b", Kind: plan.KindTable, Schema: "public", Name: "b"},
		},
		Indexes: []plan.IndexTask{
			{ID: "index/a_pkey", Kind: plan.KindIndex, TableID: "table/public.a", BacksConstraint: true},
		},
	}
}

func TestPlanInitAndLoad(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	if err := c.PlanInit(testPlan()); err != nil {
		t.Fatalf("plan init: %v", err)
	}

	if err := c.PlanInit(testPlan()); err == nil {
		t.Fatal("expected error re-initializing an existing plan")
	}

	loaded, err := c.LoadPlan()
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if len(loaded.Tables) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(loaded.Tables))
	}
	if loaded.Tables[0].State != plan.StatePlanned {
		t.Fatalf("expected planned state, got %q", loaded.Tables[0].State)
	}
}

func TestTaskClaimIsExclusive(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if err := c.PlanInit(testPlan()); err != nil {
		t.Fatalf("plan init: %v", err)
	}

	first, err := c.TaskClaim(plan.KindTable, "table/public.a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !first {
		t.Fatal("expected first claim to succeed")
	}

	second, err := c.TaskClaim(plan.KindTable, "table/public.a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second {
		t.Fatal("expected second claim to fail, task already in-progress")
	}

	var got plan.TableTask
	if err := c.GetTask(plan.KindTable, "table/public.a", &got); err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != plan.StateInProgress {
		t.Fatalf("expected in-progress, got %q", got.State)
	}
}

func TestTaskSetStateThenResumeSkipsCopied(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if err := c.PlanInit(testPlan()); err != nil {
		t.Fatalf("plan init: %v", err)
	}

	if _, err := c.TaskClaim(plan.KindTable, "table/public.a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rows := int64(100)
	if err := c.TaskSetState(plan.KindTable, "table/public.a", plan.StateCopied, TaskStats{RowsCopied: &rows}); err != nil {
		t.Fatalf("set state: %v", err)
	}

	tasksAny, err := c.TasksByKind(plan.KindTable)
	if err != nil {
		t.Fatalf("tasks by kind: %v", err)
	}
	tasks := tasksAny.([]plan.TableTask)
	var a, b plan.TableTask
	for _, tk := range tasks {
		switch tk.ID {
		case "table/public.a":
			a = tk
		case "table/public.b":
			b = tk
		}
	}
	if a.State != plan.StateCopied || a.RowsCopied != 100 {
		t.Fatalf("table a not updated correctly: %+v", a)
	}
	if b.State != plan.StatePlanned {
		t.Fatalf("table b should remain planned: %+v", b)
	}

	claimed, err := c.TaskClaim(plan.KindTable, "table/public.a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed {
		t.Fatal("a copied task must never be reclaimed on resume")
	}
}

func splitTablePlan() plan.WorkPlan {
	p := testPlan()
	p.Tables = append(p.Tables, plan.TableTask{
		ID: "table/public.big", Kind: plan.KindTable, Schema: "public", Name: "big",
		Strategy: plan.PartitionByCTID,
		SplitRanges: []plan.CopyRange{
			{Index: 0, CTIDLow: 0, CTIDHigh: 50},
			{Index: 1, CTIDLow: 50, CTIDHigh: 100},
		},
	})
	return p
}

func TestTaskClaimRangeIsExclusive(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if err := c.PlanInit(splitTablePlan()); err != nil {
		t.Fatalf("plan init: %v", err)
	}

	first, err := c.TaskClaimRange("table/public.big", 0)
	if err != nil {
		t.Fatalf("claim range: %v", err)
	}
	if !first {
		t.Fatal("expected first claim of range 0 to succeed")
	}

	second, err := c.TaskClaimRange("table/public.big", 0)
	if err != nil {
		t.Fatalf("claim range: %v", err)
	}
	if second {
		t.Fatal("expected second claim of range 0 to fail, already in-progress")
	}

	third, err := c.TaskClaimRange("table/public.big", 1)
	if err != nil {
		t.Fatalf("claim range: %v", err)
	}
	if !third {
		t.Fatal("expected range 1 to claim independently of range 0")
	}

	var got plan.TableTask
	if err := c.GetTask(plan.KindTable, "table/public.big", &got); err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != plan.StateInProgress {
		t.Fatalf("expected parent task in-progress after first range claim, got %q", got.State)
	}
}

func TestTaskSetRangeStateRollsUpToCopied(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if err := c.PlanInit(splitTablePlan()); err != nil {
		t.Fatalf("plan init: %v", err)
	}

	if _, err := c.TaskClaimRange("table/public.big", 0); err != nil {
		t.Fatalf("claim range 0: %v", err)
	}
	if _, err := c.TaskClaimRange("table/public.big", 1); err != nil {
		t.Fatalf("claim range 1: %v", err)
	}

	rows0, bytes0 := int64(40), int64(4000)
	if err := c.TaskSetRangeState("table/public.big", 0, plan.StateCopied, TaskStats{RowsCopied: &rows0, BytesCopied: &bytes0}); err != nil {
		t.Fatalf("set range 0 state: %v", err)
	}

	var mid plan.TableTask
	if err := c.GetTask(plan.KindTable, "table/public.big", &mid); err != nil {
		t.Fatalf("get task: %v", err)
	}
	if mid.State != plan.StateInProgress {
		t.Fatalf("expected parent still in-progress with one range outstanding, got %q", mid.State)
	}

	rows1, bytes1 := int64(60), int64(6000)
	if err := c.TaskSetRangeState("table/public.big", 1, plan.StateCopied, TaskStats{RowsCopied: &rows1, BytesCopied: &bytes1}); err != nil {
		t.Fatalf("set range 1 state: %v", err)
	}

	var done plan.TableTask
	if err := c.GetTask(plan.KindTable, "table/public.big", &done); err != nil {
		t.Fatalf("get task: %v", err)
	}
	if done.State != plan.StateCopied {
		t.Fatalf("expected parent copied once every range is copied, got %q", done.State)
	}
	if done.RowsCopied != 100 {
		t.Fatalf("expected summed RowsCopied = 100, got %d", done.RowsCopied)
	}
	if done.BytesCopied != 10000 {
		t.Fatalf("expected summed BytesCopied = 10000, got %d", done.BytesCopied)
	}
	if done.FinishedAt.IsZero() {
		t.Fatal("expected FinishedAt to be set once all ranges are copied")
	}
}

func TestTaskSetRangeStateFailurePropagates(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if err := c.PlanInit(splitTablePlan()); err != nil {
		t.Fatalf("plan init: %v", err)
	}

	if _, err := c.TaskClaimRange("table/public.big", 0); err != nil {
		t.Fatalf("claim range 0: %v", err)
	}
	msg := "boom"
	if err := c.TaskSetRangeState("table/public.big", 0, plan.StateFailed, TaskStats{LastError: &msg}); err != nil {
		t.Fatalf("set range 0 state: %v", err)
	}

	var got plan.TableTask
	if err := c.GetTask(plan.KindTable, "table/public.big", &got); err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != plan.StateFailed {
		t.Fatalf("expected parent task failed once any range fails, got %q", got.State)
	}
	if got.LastError != msg {
		t.Fatalf("expected LastError = %q, got %q", msg, got.LastError)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	cur := plan.ApplyCursor{AppliedCommitLSN: 100, WrittenLSN: 90, FlushedLSN: 80}
	if err := c.CursorWrite(cur); err != nil {
		t.Fatalf("cursor write: %v", err)
	}
	got, err := c.CursorRead()
	if err != nil {
		t.Fatalf("cursor read: %v", err)
	}
	if got.AppliedCommitLSN != 100 || got.WrittenLSN != 90 || got.FlushedLSN != 80 {
		t.Fatalf("unexpected cursor: %+v", got)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.PlanInit(testPlan()); err != nil {
		t.Fatalf("plan init: %v", err)
	}
	c.Close()

	c2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	has, err := c2.HasPlan()
	if err != nil {
		t.Fatalf("has plan: %v", err)
	}
	if !has {
		t.Fatal("expected plan to survive reopen")
	}
}
