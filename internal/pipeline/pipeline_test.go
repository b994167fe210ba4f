package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgclone/internal/config"
)

func TestQuoteQualified(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		table  string
		want   string
	}{
		{"public schema unquoted", "public", "accounts", `"accounts"`},
		{"empty schema", "", "accounts", `"accounts"`},
		{"non-public schema qualified", "reporting", "accounts", `"reporting"."accounts"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := quoteQualified(tt.schema, tt.table); got != tt.want {
				t.Errorf("quoteQualified(%q, %q) = %s, want %s", tt.schema, tt.table, got, tt.want)
			}
		})
	}
}

func TestNew_InitialState(t *testing.T) {
	cfg := &config.Config{}
	p := New(cfg, zerolog.Nop())

	if p.Config() != cfg {
		t.Error("Config() should return the same pointer passed to New")
	}
	if p.Metrics == nil {
		t.Error("New should build a metrics collector")
	}
	if got := p.Status().Phase; got != "idle" {
		t.Errorf("initial phase = %q, want %q", got, "idle")
	}
}

func TestClose_NeverConnected(t *testing.T) {
	p := New(&config.Config{}, zerolog.Nop())
	p.Close() // must not panic when nothing was ever connected
}

func TestRunSwitchover_RequiresConnect(t *testing.T) {
	p := New(&config.Config{}, zerolog.Nop())
	defer p.Close()

	if err := p.RunSwitchover(context.Background(), 0); err == nil {
		t.Error("RunSwitchover before connect() should fail, not panic")
	}
}
