// Package segment implements the append-only WAL segment files that sit
// between the CDC Receiver and the Transformer (spec §4.7): the Receiver
// is the sole writer, the Transformer the sole reader, and a segment is
// handed off by atomic rename only once it is closed, so the Transformer
// never observes a partially-written file.
//
// This has no teacher analogue — internal/migration/stream.Decoder
// delivers messages directly over a Go channel with no on-disk staging —
// so it is new code, built in the teacher's style (small struct,
// zerolog component logger, errors wrapped with %w).
package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pglogrepl"
)

const (
	// DefaultMaxBytes rotates to a new segment once the current one
	// exceeds this size, bounding how much a crash mid-segment can lose.
	DefaultMaxBytes = 64 * 1024 * 1024

	tmpSuffix = ".tmp"
)

// fileName returns the segment's final name: first-LSN-in-hex, so
// lexical sort order equals LSN order.
func fileName(first pglogrepl.LSN) string {
	return fmt.Sprintf("%016x.seg", uint64(first))
}

// Writer is the Receiver's sole handle onto the segment directory. Not
// safe for concurrent use; the Receiver owns it from a single goroutine.
type Writer struct {
	dir        string
	maxBytes   int64
	cur        *os.File
	curBuf     *bufio.Writer
	curFirst   pglogrepl.LSN
	curWritten int64
}

// NewWriter creates a Writer rooted at dir, creating it if necessary.
func NewWriter(dir string, maxBytes int64) (*Writer, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	return &Writer{dir: dir, maxBytes: maxBytes}, nil
}

// Append writes one raw plugin message (the CopyData payload, unparsed)
// tagged with the LSN it arrived at. It opens a new segment file on the
// first call and whenever the current one crosses maxBytes.
func (w *Writer) Append(lsn pglogrepl.LSN, payload []byte) error {
	if w.cur == nil {
		if err := w.rotate(lsn); err != nil {
			return err
		}
	}

	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(lsn))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(len(payload)))
	if _, err := w.curBuf.Write(hdr[:]); err != nil {
		return fmt.Errorf("write segment record header: %w", err)
	}
	if _, err := w.curBuf.Write(payload); err != nil {
		return fmt.Errorf("write segment record payload: %w", err)
	}
	w.curWritten += int64(len(hdr)) + int64(len(payload))

	if w.curWritten >= w.maxBytes {
		return w.rotate(0)
	}
	return nil
}

// rotate closes (and atomically publishes) the current segment, then
// opens a fresh one starting at nextFirst. nextFirst of 0 defers naming
// until the next Append call supplies a real LSN.
func (w *Writer) rotate(nextFirst pglogrepl.LSN) error {
	if w.cur != nil {
		if err := w.closeCurrent(); err != nil {
			return err
		}
	}
	if nextFirst == 0 {
		w.cur = nil
		w.curBuf = nil
		return nil
	}
	tmpPath := filepath.Join(w.dir, fileName(nextFirst)+tmpSuffix)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create segment file: %w", err)
	}
	w.cur = f
	w.curBuf = bufio.NewWriter(f)
	w.curFirst = nextFirst
	w.curWritten = 0
	return nil
}

func (w *Writer) closeCurrent() error {
	if err := w.curBuf.Flush(); err != nil {
		w.cur.Close()
		return fmt.Errorf("flush segment: %w", err)
	}
	if err := w.cur.Sync(); err != nil {
		w.cur.Close()
		return fmt.Errorf("sync segment: %w", err)
	}
	tmpPath := w.cur.Name()
	if err := w.cur.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	finalPath := strings.TrimSuffix(tmpPath, tmpSuffix)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("publish segment %s: %w", finalPath, err)
	}
	return nil
}

// Close flushes and publishes any open segment.
func (w *Writer) Close() error {
	if w.cur == nil {
		return nil
	}
	return w.closeCurrent()
}

// Record is one decoded entry read back from a published segment file.
type Record struct {
	LSN     pglogrepl.LSN
	Payload []byte
}

// ListPublished returns the on-disk segment file names under dir, in LSN order.
func ListPublished(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list segment dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		if strings.HasSuffix(e.Name(), ".seg") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadAll decodes every record from one published segment file.
func ReadAll(dir, name string) ([]Record, error) {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}
	defer f.Close()

	var out []Record
	r := bufio.NewReader(f)
	for {
		var hdr [16]byte
		_, err := io.ReadFull(r, hdr[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read segment record header: %w", err)
		}
		lsn := pglogrepl.LSN(binary.BigEndian.Uint64(hdr[0:8]))
		n := binary.BigEndian.Uint64(hdr[8:16])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read segment record payload: %w", err)
		}
		out = append(out, Record{LSN: lsn, Payload: payload})
	}
	return out, nil
}
