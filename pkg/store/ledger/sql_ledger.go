// Package ledger persists the audit log to SQL so it survives restarts and
// can be verified and exported offline. The mirror keeps every hashed field
// of each record intact, so a restored log verifies bit for bit. One process
// writes a mirror at a time; sequences are the writer's own numbering. SQLite (modernc.org/sqlite) serves lite mode,
// Postgres (lib/pq) serves deployments.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/acuitybridge/core/pkg/audit"
)

// Dialect selects placeholder syntax and the database/sql driver name.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var (
	ErrUnknownDialect = errors.New("ledger: unknown dialect")
	ErrSequenceGap    = errors.New("ledger: sequence gap in mirrored records")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS audit_entries (
	sequence BIGINT PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	ts TEXT NOT NULL,
	org_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	actor_role TEXT NOT NULL,
	event_type TEXT NOT NULL,
	target_entity TEXT NOT NULL,
	metadata TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	hash TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_org ON audit_entries (org_id, sequence)`,
}

const columns = `sequence, entry_id, ts, org_id, actor_id, actor_role, event_type, target_entity, metadata, previous_hash, hash`

// SQLLedger mirrors audit records into a SQL table. It implements
// audit.Sink.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLLedger wraps an open database.
func NewSQLLedger(db *sql.DB, dialect Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect}
}

// Open connects with the driver for dialect and creates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLLedger, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// single writer; avoids SQLITE_BUSY under the mirror's own concurrency
		db.SetMaxOpenConns(1)
	}
	l := NewSQLLedger(db, dialect)
	if err := l.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// Init creates the table and index if missing.
func (s *SQLLedger) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLLedger) Close() error {
	return s.db.Close()
}

// Write inserts one record.
func (s *SQLLedger) Write(ctx context.Context, rec audit.Record) error {
	metadata, err := audit.EncodeMetadata(rec.Entry.Metadata)
	if err != nil {
		return fmt.Errorf("ledger: encode metadata for %s: %w", rec.Entry.EntryID, err)
	}
	e := rec.Entry
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO audit_entries (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(rec.Sequence), e.EntryID, e.Timestamp.UTC().Format(audit.TimestampLayout),
		e.OrgID, e.ActorID, e.ActorRole, string(e.EventType), e.TargetEntity,
		string(metadata), e.PreviousHash, rec.Hash,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert record %d: %w", rec.Sequence, err)
	}
	return nil
}

// Load returns every mirrored record in sequence order. When sequences are
// missing it still returns every record found, together with an error
// wrapping ErrSequenceGap that names the first gap.
func (s *SQLLedger) Load(ctx context.Context) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM audit_entries ORDER BY sequence`)
	if err != nil {
		return nil, fmt.Errorf("ledger: query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]audit.Record, 0)
	var gap error
	for rows.Next() {
		var (
			seq       int64
			ts        string
			eventType string
			metadata  string
			rec       audit.Record
		)
		if err := rows.Scan(&seq, &rec.Entry.EntryID, &ts, &rec.Entry.OrgID, &rec.Entry.ActorID,
			&rec.Entry.ActorRole, &eventType, &rec.Entry.TargetEntity, &metadata,
			&rec.Entry.PreviousHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("ledger: scan record: %w", err)
		}
		if gap == nil {
			if want := nextSequence(records); seq != want {
				gap = fmt.Errorf("%w: expected %d, found %d", ErrSequenceGap, want, seq)
			}
		}
		rec.Sequence = uint64(seq)
		rec.Entry.EventType = audit.EventType(eventType)
		if rec.Entry.Timestamp, err = time.Parse(audit.TimestampLayout, ts); err != nil {
			return nil, fmt.Errorf("ledger: record %d timestamp: %w", seq, err)
		}
		rec.Entry.Timestamp = rec.Entry.Timestamp.UTC()
		if rec.Entry.Metadata, err = audit.DecodeMetadata([]byte(metadata)); err != nil {
			return nil, fmt.Errorf("ledger: record %d metadata: %w", seq, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate records: %w", err)
	}
	return records, gap
}

func nextSequence(records []audit.Record) int64 {
	if len(records) == 0 {
		return 0
	}
	return int64(records[len(records)-1].Sequence) + 1
}

// Count returns the number of mirrored records.
func (s *SQLLedger) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count records: %w", err)
	}
	return n, nil
}

// Restore loads the mirror and rebuilds an audit log from it. A sequence gap
// still yields the log, whose chain then verifies as broken, along with the
// ErrSequenceGap error.
func (s *SQLLedger) Restore(ctx context.Context, opts ...audit.Option) (*audit.Log, error) {
	records, err := s.Load(ctx)
	if err != nil && !errors.Is(err, ErrSequenceGap) {
		return nil, err
	}
	return audit.Restore(records, opts...), err
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLLedger) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
