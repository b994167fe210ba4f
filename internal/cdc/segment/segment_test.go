package segment

import (
	"bytes"
	"testing"

	"github.com/jackc/pglogrepl"
)

func TestWriterRotatesAndPublishes(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 32) // tiny, forces rotation quickly
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}

	if err := w.Append(pglogrepl.LSN(100), []byte("first-payload")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := w.Append(pglogrepl.LSN(200), []byte("second-payload")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	names, err := ListPublished(dir)
	if err != nil {
		t.Fatalf("ListPublished() error: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected at least one published segment")
	}

	var all []Record
	for _, name := range names {
		recs, err := ReadAll(dir, name)
		if err != nil {
			t.Fatalf("ReadAll(%s) error: %v", name, err)
		}
		all = append(all, recs...)
	}

	if len(all) != 2 {
		t.Fatalf("got %d records across segments, want 2: %+v", len(all), all)
	}
	if all[0].LSN != 100 || !bytes.Equal(all[0].Payload, []byte("first-payload")) {
		t.Errorf("unexpected first record: %+v", all[0])
	}
	if all[1].LSN != 200 || !bytes.Equal(all[1].Payload, []byte("second-payload")) {
		t.Errorf("unexpected second record: %+v", all[1])
	}
}

func TestListPublished_MissingDirReturnsEmpty(t *testing.T) {
	names, err := ListPublished("/nonexistent/path/for/pgclone/segments")
	if err != nil {
		t.Fatalf("ListPublished() error: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected no segments, got %v", names)
	}
}

func TestFileName_SortsByLSN(t *testing.T) {
	a := fileName(pglogrepl.LSN(10))
	b := fileName(pglogrepl.LSN(200))
	if !(a < b) {
		t.Errorf("expected %q < %q for increasing LSNs", a, b)
	}
}
