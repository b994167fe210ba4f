// Package transform turns the raw bytes the Receiver reads off the wire
// (or off a segment file, during replay) into message.Message values.
// Spec §4.7 requires support for three decoder plugins — pgoutput
// (binary), wal2json and test_decoding (text) — so a single Parser
// interface is dispatched by configured plugin name rather than hard-
// wiring pgoutput the way the teacher's Decoder does.
//
// The pgoutput branch is grounded on the teacher's
// internal/migration/stream.Decoder.decodeWALData, moved here verbatim in
// spirit (same message construction, same relation-cache-by-OID pattern)
// but separated from the network receive loop so it can also run over
// bytes read back from a segment file. The wal2json/test_decoding
// branches have no teacher analogue; they follow each plugin's documented
// output grammar, generalizing the same RelationMessage/ChangeMessage
// target shape.
package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jfoltran/pgclone/internal/cdc/message"
	"github.com/jfoltran/pgclone/internal/errs"
)

// Parser turns one raw WAL-data payload into zero or more Messages. A
// single payload can yield multiple messages (wal2json batches a whole
// transaction into one JSON document).
type Parser interface {
	Parse(raw []byte, lsn pglogrepl.LSN) ([]message.Message, error)
}

// relationCache is shared state every Parser implementation needs: the
// column list (and, for pgoutput, replica identity) of every relation
// seen so far, keyed by the plugin's own relation identifier.
type relationCache struct {
	byOID  *lru.Cache[uint32, *message.RelationMessage]
	byName *lru.Cache[string, *message.RelationMessage]
}

func newRelationCache() *relationCache {
	byOID, _ := lru.New[uint32, *message.RelationMessage](4096)
	byName, _ := lru.New[string, *message.RelationMessage](4096)
	return &relationCache{byOID: byOID, byName: byName}
}

// NewParser returns the Parser for the named plugin ("pgoutput",
// "wal2json", or "test_decoding"); empty defaults to pgoutput.
func NewParser(plugin string) (Parser, error) {
	switch plugin {
	case "", "pgoutput":
		return &pgoutputParser{cache: newRelationCache()}, nil
	case "wal2json":
		return &wal2jsonParser{cache: newRelationCache()}, nil
	case "test_decoding":
		return &testDecodingParser{cache: newRelationCache()}, nil
	default:
		return nil, errs.Wrap(errs.Planning, fmt.Errorf("unsupported replication plugin %q", plugin))
	}
}

// --- pgoutput (binary) ------------------------------------------------

type pgoutputParser struct {
	cache        *relationCache
	pendingBegin *message.BeginMessage
	origin       string
}

func (p *pgoutputParser) Parse(raw []byte, lsn pglogrepl.LSN) ([]message.Message, error) {
	logicalMsg, err := pglogrepl.Parse(raw)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, fmt.Errorf("parse pgoutput message at %s: %w", lsn, err))
	}

	now := time.Now()
	var out []message.Message

	switch msg := logicalMsg.(type) {
	case *pglogrepl.BeginMessage:
		p.pendingBegin = &message.BeginMessage{TxnLSN: pglogrepl.LSN(msg.FinalLSN), TxnTime: msg.CommitTime, XID: msg.Xid}

	case *pglogrepl.CommitMessage:
		if p.pendingBegin != nil {
			// Transaction touched nothing we're publishing (e.g. it only
			// wrote to an un-published table); drop the orphaned BEGIN.
			p.pendingBegin = nil
			return nil, nil
		}
		out = append(out, &message.CommitMessage{CommitLSN: pglogrepl.LSN(msg.CommitLSN), TxnTime: msg.CommitTime})

	case *pglogrepl.RelationMessage:
		cols := make([]message.Column, len(msg.Columns))
		var identity []string
		for i, c := range msg.Columns {
			cols[i] = message.Column{Name: c.Name, DataType: c.DataType}
			if c.Flags&1 == 1 { // pglogrepl sets bit 0 for replica-identity columns
				identity = append(identity, c.Name)
			}
		}
		rel := &message.RelationMessage{
			RelationID:      msg.RelationID,
			Namespace:       msg.Namespace,
			Name:            msg.RelationName,
			Columns:         cols,
			IdentityColumns: identity,
			MsgLSN:          lsn,
			MsgTime:         now,
		}
		p.cache.byOID.Add(msg.RelationID, rel)
		out = append(out, p.flushBegin(), rel)

	case *pglogrepl.InsertMessage:
		rel, ok := p.cache.byOID.Get(msg.RelationID)
		if !ok {
			return nil, errs.Wrap(errs.Protocol, fmt.Errorf("insert references unknown relation %d", msg.RelationID))
		}
		out = append(out, p.flushBegin(), &message.ChangeMessage{
			Op: message.OpInsert, RelationID: msg.RelationID, Namespace: rel.Namespace, Table: rel.Name,
			NewTuple: decodeTuple(msg.Tuple, rel.Columns), MsgLSN: lsn, MsgTime: now, Origin: p.origin,
		})

	case *pglogrepl.UpdateMessage:
		rel, ok := p.cache.byOID.Get(msg.RelationID)
		if !ok {
			return nil, errs.Wrap(errs.Protocol, fmt.Errorf("update references unknown relation %d", msg.RelationID))
		}
		cm := &message.ChangeMessage{
			Op: message.OpUpdate, RelationID: msg.RelationID, Namespace: rel.Namespace, Table: rel.Name,
			NewTuple: decodeTuple(msg.NewTuple, rel.Columns), MsgLSN: lsn, MsgTime: now, Origin: p.origin,
		}
		if msg.OldTuple != nil {
			cm.OldTuple = decodeTuple(msg.OldTuple, rel.Columns)
		}
		out = append(out, p.flushBegin(), cm)

	case *pglogrepl.DeleteMessage:
		rel, ok := p.cache.byOID.Get(msg.RelationID)
		if !ok {
			return nil, errs.Wrap(errs.Protocol, fmt.Errorf("delete references unknown relation %d", msg.RelationID))
		}
		out = append(out, p.flushBegin(), &message.ChangeMessage{
			Op: message.OpDelete, RelationID: msg.RelationID, Namespace: rel.Namespace, Table: rel.Name,
			OldTuple: decodeTuple(msg.OldTuple, rel.Columns), MsgLSN: lsn, MsgTime: now, Origin: p.origin,
		})

	case *pglogrepl.TruncateMessage:
		var tables []string
		for _, oid := range msg.RelationIDs {
			if rel, ok := p.cache.byOID.Get(oid); ok {
				tables = append(tables, rel.Name)
			}
		}
		out = append(out, p.flushBegin(), &message.TruncateMessage{Tables: tables, MsgLSN: lsn, MsgTime: now, Origin: p.origin})

	case *pglogrepl.OriginMessage:
		p.origin = msg.Name
	}

	return compact(out), nil
}

func (p *pgoutputParser) flushBegin() message.Message {
	if p.pendingBegin == nil {
		return nil
	}
	b := p.pendingBegin
	p.pendingBegin = nil
	return b
}

func compact(msgs []message.Message) []message.Message {
	var out []message.Message
	for _, m := range msgs {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

func decodeTuple(tuple *pglogrepl.TupleData, cols []message.Column) *message.TupleData {
	if tuple == nil {
		return nil
	}
	td := &message.TupleData{Columns: make([]message.Column, len(tuple.Columns))}
	for i, c := range tuple.Columns {
		col := message.Column{}
		if i < len(cols) {
			col.Name, col.DataType = cols[i].Name, cols[i].DataType
		}
		if c.DataType == 'n' { // pglogrepl tuple-column type byte for SQL NULL
			col.IsNull = true
		} else {
			col.Value = c.Data
		}
		td.Columns[i] = col
	}
	return td
}

// --- wal2json (text, JSON documents) -----------------------------------

type wal2jsonParser struct {
	cache *relationCache
}

type wal2jsonChange struct {
	Kind         string   `json:"kind"`
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	ColumnNames  []string `json:"columnnames"`
	ColumnValues []any    `json:"columnvalues"`
	OldKeys      struct {
		KeyNames  []string `json:"keynames"`
		KeyValues []any    `json:"keyvalues"`
	} `json:"oldkeys"`
}

type wal2jsonDoc struct {
	Xid     uint32           `json:"xid"`
	Change  []wal2jsonChange `json:"change"`
	NextLSN string           `json:"nextlsn"`
}

// Parse decodes one wal2json document, which represents an entire
// transaction, into a Begin/[Relation,Change...]/Commit sequence so the
// Applier's coalescing logic sees the same shape regardless of plugin.
func (p *wal2jsonParser) Parse(raw []byte, lsn pglogrepl.LSN) ([]message.Message, error) {
	var doc wal2jsonDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Wrap(errs.Protocol, fmt.Errorf("parse wal2json document at %s: %w", lsn, err))
	}

	now := time.Now()
	out := []message.Message{&message.BeginMessage{TxnLSN: lsn, TxnTime: now, XID: doc.Xid}}

	for _, c := range doc.Change {
		relKey := c.Schema + "." + c.Table
		rel, ok := p.cache.byName.Get(relKey)
		if !ok {
			rel = &message.RelationMessage{Namespace: c.Schema, Name: c.Table, MsgLSN: lsn, MsgTime: now}
			for _, n := range c.ColumnNames {
				rel.Columns = append(rel.Columns, message.Column{Name: n})
			}
			p.cache.byName.Add(relKey, rel)
			out = append(out, rel)
		}

		cm := &message.ChangeMessage{Namespace: c.Schema, Table: c.Table, MsgLSN: lsn, MsgTime: now}
		switch strings.ToUpper(c.Kind) {
		case "INSERT":
			cm.Op = message.OpInsert
			cm.NewTuple = tupleFromNamesValues(c.ColumnNames, c.ColumnValues)
		case "UPDATE":
			cm.Op = message.OpUpdate
			cm.NewTuple = tupleFromNamesValues(c.ColumnNames, c.ColumnValues)
			if len(c.OldKeys.KeyNames) > 0 {
				cm.OldTuple = tupleFromNamesValues(c.OldKeys.KeyNames, c.OldKeys.KeyValues)
			}
		case "DELETE":
			cm.Op = message.OpDelete
			cm.OldTuple = tupleFromNamesValues(c.OldKeys.KeyNames, c.OldKeys.KeyValues)
		default:
			continue
		}
		out = append(out, cm)
	}

	out = append(out, &message.CommitMessage{CommitLSN: lsn, TxnTime: now})
	return out, nil
}

func tupleFromNamesValues(names []string, values []any) *message.TupleData {
	td := &message.TupleData{Columns: make([]message.Column, len(names))}
	for i, n := range names {
		col := message.Column{Name: n}
		if i < len(values) {
			if values[i] == nil {
				col.IsNull = true
			} else {
				col.Value = []byte(fmt.Sprintf("%v", values[i]))
			}
		}
		td.Columns[i] = col
	}
	return td
}

// --- test_decoding (text, line-oriented) --------------------------------

type testDecodingParser struct {
	cache *relationCache
}

// table public.events: INSERT: id[integer]:1 name[text]:'alice'
var testDecodingLineRE = regexp.MustCompile(`^table ([^.]+)\.([^:]+): (INSERT|UPDATE|DELETE): (.*)$`)
var testDecodingColRE = regexp.MustCompile(`(\S+)\[([^\]]+)\]:(?:'((?:[^']|'')*)'|(\S+))`)

// Parse decodes one test_decoding BEGIN/COMMIT/table-change line. Unlike
// wal2json, test_decoding emits one line per message rather than batching
// a transaction into a single document, so each call yields at most one
// Message.
func (p *testDecodingParser) Parse(raw []byte, lsn pglogrepl.LSN) ([]message.Message, error) {
	line := strings.TrimRight(string(raw), "\n")
	now := time.Now()

	switch {
	case strings.HasPrefix(line, "BEGIN"):
		xid, _ := parseTrailingXID(line)
		return []message.Message{&message.BeginMessage{TxnLSN: lsn, TxnTime: now, XID: xid}}, nil
	case strings.HasPrefix(line, "COMMIT"):
		return []message.Message{&message.CommitMessage{CommitLSN: lsn, TxnTime: now}}, nil
	}

	m := testDecodingLineRE.FindStringSubmatch(line)
	if m == nil {
		return nil, errs.Wrap(errs.Protocol, fmt.Errorf("unparseable test_decoding line at %s: %q", lsn, line))
	}
	schema, table, kind, rest := m[1], m[2], m[3], m[4]

	cols := parseTestDecodingColumns(rest)
	cm := &message.ChangeMessage{Namespace: schema, Table: table, MsgLSN: lsn, MsgTime: now}
	switch kind {
	case "INSERT":
		cm.Op = message.OpInsert
		cm.NewTuple = &message.TupleData{Columns: cols}
	case "UPDATE":
		cm.Op = message.OpUpdate
		cm.NewTuple = &message.TupleData{Columns: cols}
	case "DELETE":
		cm.Op = message.OpDelete
		cm.OldTuple = &message.TupleData{Columns: cols}
	}
	return []message.Message{cm}, nil
}

func parseTestDecodingColumns(rest string) []message.Column {
	matches := testDecodingColRE.FindAllStringSubmatch(rest, -1)
	cols := make([]message.Column, 0, len(matches))
	for _, mm := range matches {
		name := mm[1]
		quoted, bare := mm[3], mm[4]
		col := message.Column{Name: name}
		switch {
		case bare == "null":
			col.IsNull = true
		case mm[3] != "" || strings.Contains(mm[0], "'"):
			col.Value = []byte(strings.ReplaceAll(quoted, "''", "'"))
		default:
			col.Value = []byte(bare)
		}
		cols = append(cols, col)
	}
	return cols
}

func parseTrailingXID(line string) (uint32, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed BEGIN line: %q", line)
	}
	v, err := strconv.ParseUint(fields[1], 10, 32)
	return uint32(v), err
}
