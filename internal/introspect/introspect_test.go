package introspect

import (
	"testing"

	"github.com/jfoltran/pgclone/internal/config"
	"github.com/jfoltran/pgclone/internal/plan"
)

func TestContainsFold(t *testing.T) {
	tests := []struct {
		name string
		list []string
		v    string
		want bool
	}{
		{"exact match", []string{"public", "reporting"}, "public", true},
		{"case insensitive", []string{"Public"}, "public", true},
		{"no match", []string{"public"}, "private", false},
		{"empty list", nil, "public", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := containsFold(tt.list, tt.v); got != tt.want {
				t.Errorf("containsFold(%v, %q) = %v, want %v", tt.list, tt.v, got, tt.want)
			}
		})
	}
}

func TestIncludeTable(t *testing.T) {
	tests := []struct {
		name    string
		filters config.FilterManifest
		schema  string
		table   string
		want    bool
	}{
		{"no filters", config.FilterManifest{}, "public", "accounts", true},
		{
			"include only schema, match",
			config.FilterManifest{IncludeOnlySchema: []string{"public"}},
			"public", "accounts", true,
		},
		{
			"include only schema, no match",
			config.FilterManifest{IncludeOnlySchema: []string{"reporting"}},
			"public", "accounts", false,
		},
		{
			"exclude schema",
			config.FilterManifest{ExcludeSchema: []string{"public"}},
			"public", "accounts", false,
		},
		{
			"include only table, match",
			config.FilterManifest{IncludeOnlyTable: []string{"public.accounts"}},
			"public", "accounts", true,
		},
		{
			"include only table, no match",
			config.FilterManifest{IncludeOnlyTable: []string{"public.orders"}},
			"public", "accounts", false,
		},
		{
			"exclude table",
			config.FilterManifest{ExcludeTable: []string{"public.accounts"}},
			"public", "accounts", false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Introspector{filters: tt.filters}
			if got := in.includeTable(tt.schema, tt.table); got != tt.want {
				t.Errorf("includeTable(%q, %q) = %v, want %v", tt.schema, tt.table, got, tt.want)
			}
		})
	}
}

func TestDecodeReplicaIdentity(t *testing.T) {
	tests := []struct {
		code string
		want plan.ReplicaIdentity
	}{
		{"f", plan.ReplicaIdentityFull},
		{"n", plan.ReplicaIdentityNothing},
		{"i", plan.ReplicaIdentityIndex},
		{"d", plan.ReplicaIdentityDefault},
		{"", plan.ReplicaIdentityDefault},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := decodeReplicaIdentity(tt.code); got != tt.want {
				t.Errorf("decodeReplicaIdentity(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestToTableTask_PartitionStrategy(t *testing.T) {
	tests := []struct {
		name      string
		threshold int64
		rt        rawTable
		want      plan.PartitionStrategy
		wantPK    string
	}{
		{
			name:      "below threshold stays unpartitioned",
			threshold: 1 << 30,
			rt:        rawTable{schema: "public", name: "small", preciseBytes: 1024},
			want:      plan.PartitionNone,
		},
		{
			name:      "threshold disabled",
			threshold: 0,
			rt:        rawTable{schema: "public", name: "huge", preciseBytes: 1 << 40},
			want:      plan.PartitionNone,
		},
		{
			name:      "above threshold with integer PK splits by range",
			threshold: 1024,
			rt:        rawTable{schema: "public", name: "big", preciseBytes: 1 << 20, pkIsInteger: true, pkColumn: "id"},
			want:      plan.PartitionByInt,
			wantPK:    "id",
		},
		{
			name:      "above threshold without integer PK splits by ctid",
			threshold: 1024,
			rt:        rawTable{schema: "public", name: "big", preciseBytes: 1 << 20},
			want:      plan.PartitionByCTID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Introspector{SplitThreshold: tt.threshold}
			tt2 := in.toTableTask(tt.rt)
			if tt2.Strategy != tt.want {
				t.Errorf("Strategy = %v, want %v", tt2.Strategy, tt.want)
			}
			if tt2.PKColumn != tt.wantPK {
				t.Errorf("PKColumn = %q, want %q", tt2.PKColumn, tt.wantPK)
			}
			if tt2.State != plan.StatePlanned {
				t.Errorf("State = %v, want StatePlanned", tt2.State)
			}
		})
	}
}

func TestToTableTask_SizeFallsBackToRelpages(t *testing.T) {
	in := &Introspector{}
	rt := rawTable{schema: "public", name: "t", preciseBytes: 0, relpages: 10}
	tt := in.toTableTask(rt)
	if tt.SizeBytes != 10*defaultBlockSize {
		t.Errorf("SizeBytes = %d, want %d", tt.SizeBytes, 10*defaultBlockSize)
	}
}

func TestSplitRangeCount(t *testing.T) {
	tests := []struct {
		name      string
		sizeBytes int64
		threshold int64
		want      int
	}{
		{"threshold disabled", 1 << 30, 0, 0},
		{"size zero", 0, 1024, 0},
		{"exact multiple clamps to minimum of 2", 2048, 1024, 2},
		{"rounds up on remainder", 2049, 1024, 3},
		{"clamps to maxSplitRanges", 1 << 40, 1, maxSplitRanges},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitRangeCount(tt.sizeBytes, tt.threshold); got != tt.want {
				t.Errorf("splitRangeCount(%d, %d) = %d, want %d", tt.sizeBytes, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestCtidRanges(t *testing.T) {
	tests := []struct {
		name      string
		relpages  int64
		sizeBytes int64
		threshold int64
		wantN     int
	}{
		{"no page stats yields no ranges", 0, 1 << 30, 1024, 0},
		{"fewer pages than ranges clamps to page count", 1, 1 << 30, 1, 0},
		{"typical split", 100, 4096, 1024, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranges := ctidRanges(tt.relpages, tt.sizeBytes, tt.threshold)
			if len(ranges) != tt.wantN {
				t.Fatalf("len(ranges) = %d, want %d", len(ranges), tt.wantN)
			}
			for i, r := range ranges {
				if r.Index != i {
					t.Errorf("ranges[%d].Index = %d, want %d", i, r.Index, i)
				}
				if r.CTIDLow >= r.CTIDHigh {
					t.Errorf("ranges[%d] is empty: low=%d high=%d", i, r.CTIDLow, r.CTIDHigh)
				}
				if i > 0 && r.CTIDLow != ranges[i-1].CTIDHigh {
					t.Errorf("ranges[%d] does not start where ranges[%d] ended: %d != %d", i, i-1, r.CTIDLow, ranges[i-1].CTIDHigh)
				}
			}
			if len(ranges) > 0 && ranges[len(ranges)-1].CTIDHigh != tt.relpages {
				t.Errorf("last range high = %d, want %d (covers every page)", ranges[len(ranges)-1].CTIDHigh, tt.relpages)
			}
		})
	}
}

func TestQuoteQualifiedName(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		table  string
		want   string
	}{
		{"public schema unquoted", "public", "accounts", `"accounts"`},
		{"empty schema", "", "accounts", `"accounts"`},
		{"other schema qualified", "reporting", "accounts", `"reporting"."accounts"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quoteQualifiedName(tt.schema, tt.table); got != tt.want {
				t.Errorf("quoteQualifiedName(%q, %q) = %s, want %s", tt.schema, tt.table, got, tt.want)
			}
		})
	}
}
