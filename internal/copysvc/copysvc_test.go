package copysvc

import (
	"strings"
	"testing"

	"github.com/jfoltran/pgclone/internal/plan"
)

func TestSelectQuery_NoRange(t *testing.T) {
	tt := plan.TableTask{Schema: "public", Name: "events"}
	query, args := selectQuery(quoteQualifiedName(tt.Schema, tt.Name), tt, nil)
	if args != nil {
		t.Errorf("expected no args, got %v", args)
	}
	if !strings.Contains(query, `SELECT * FROM "events"`) {
		t.Errorf("unexpected query: %q", query)
	}
}

func TestSelectQuery_CTIDRange(t *testing.T) {
	tt := plan.TableTask{Schema: "public", Name: "events", Strategy: plan.PartitionByCTID}
	r := &plan.CopyRange{Index: 2, CTIDLow: 100, CTIDHigh: 200}
	query, args := selectQuery(quoteQualifiedName(tt.Schema, tt.Name), tt, r)
	if args != nil {
		t.Errorf("ctid range should not use positional args, got %v", args)
	}
	if !strings.Contains(query, "ctid >= '(100,0)'::tid") || !strings.Contains(query, "ctid < '(200,0)'::tid") {
		t.Errorf("unexpected ctid-range query: %q", query)
	}
}

func TestSelectQuery_IntegerColumnRange(t *testing.T) {
	tt := plan.TableTask{Schema: "public", Name: "events", Strategy: plan.PartitionByInt, PKColumn: "id"}
	r := &plan.CopyRange{Index: 1, IntLow: 1000, IntHigh: 2000}
	query, args := selectQuery(quoteQualifiedName(tt.Schema, tt.Name), tt, r)
	if len(args) != 2 || args[0] != int64(1000) || args[1] != int64(2000) {
		t.Errorf("unexpected args: %v", args)
	}
	if !strings.Contains(query, `"id" >= $1`) || !strings.Contains(query, `"id" < $2`) {
		t.Errorf("unexpected integer-range query: %q", query)
	}
}

func TestQuoteQualifiedName(t *testing.T) {
	tests := []struct {
		schema, table, want string
	}{
		{"public", "events", `"events"`},
		{"", "events", `"events"`},
		{"tenant_a", "events", `"tenant_a"."events"`},
		{"public", `weird"name`, `"weird""name"`},
	}
	for _, tt := range tests {
		if got := quoteQualifiedName(tt.schema, tt.table); got != tt.want {
			t.Errorf("quoteQualifiedName(%q, %q) = %q, want %q", tt.schema, tt.table, got, tt.want)
		}
	}
}

func TestRangeIndexOf(t *testing.T) {
	if got := rangeIndexOf(nil); got != -1 {
		t.Errorf("rangeIndexOf(nil) = %d, want -1", got)
	}
	if got := rangeIndexOf(&plan.CopyRange{Index: 5}); got != 5 {
		t.Errorf("rangeIndexOf(&{Index:5}) = %d, want 5", got)
	}
}
