package errs

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadlock is transient", &pgconn.PgError{Code: "40P01"}, Transient},
		{"unique violation is data", &pgconn.PgError{Code: "23505"}, Data},
		{"permission denied is planning", &pgconn.PgError{Code: "42501"}, Planning},
		{"unrecognized code defaults planning", &pgconn.PgError{Code: "99999"}, Planning},
		{"plain error defaults planning", errors.New("boom"), Planning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsDuplicateObject(t *testing.T) {
	if !IsDuplicateObject(&pgconn.PgError{Code: "42P07"}) {
		t.Error("expected 42P07 to be a duplicate object error")
	}
	if IsDuplicateObject(&pgconn.PgError{Code: "23505"}) {
		t.Error("unique violation must not be classified as duplicate object")
	}
}

func TestWrapAndAs(t *testing.T) {
	err := Wrap(Transient, errors.New("connection reset"))
	e, ok := As(err)
	if !ok {
		t.Fatal("expected Error to unwrap via As")
	}
	if e.Kind != Transient {
		t.Errorf("kind = %q, want transient", e.Kind)
	}
	if !IsKind(err, Transient) {
		t.Error("IsKind should report transient")
	}
}
