package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
	"github.com/dislovemartin/ACGS-sub005/pkg/store"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	sequence BIGINT PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	conflict_id TEXT NOT NULL,
	actor_id TEXT,
	event_data TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_conflict ON audit_entries(conflict_id);
`

// SQLLog implements Log over database/sql. It works with modernc.org/sqlite
// and lib/pq.
type SQLLog struct {
	db      *sql.DB
	dialect store.Dialect
}

// NewSQLLog wraps db. Call Migrate before first use.
func NewSQLLog(db *sql.DB, dialect store.Dialect) *SQLLog {
	return &SQLLog{db: db, dialect: dialect}
}

// Migrate creates the audit_entries table if needed.
func (l *SQLLog) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(auditSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return nil
}

// Append implements Log.
func (l *SQLLog) Append(ctx context.Context, entry contracts.AuditEntry) error {
	data, err := json.Marshal(entry.EventData)
	if err != nil {
		return fmt.Errorf("audit: marshal event data: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(sequence) FROM audit_entries").Scan(&head); err != nil {
		return fmt.Errorf("audit: read head: %w", err)
	}
	if head.Valid && int64(entry.Sequence) <= head.Int64 {
		return contracts.E(contracts.KindChainIntegrityViolation, "audit.SQLLog.Append",
			"sequence %d not after head %d", entry.Sequence, head.Int64)
	}

	query := l.dialect.Rebind(`INSERT INTO audit_entries
		(sequence, entry_id, timestamp, event_type, conflict_id, actor_id, event_data, entry_hash, previous_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		int64(entry.Sequence),
		entry.EntryID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		string(entry.EventType),
		entry.ConflictID,
		nullString(entry.ActorID),
		string(data),
		entry.EntryHash,
		entry.PreviousHash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry %d: %w", entry.Sequence, err)
	}
	return tx.Commit()
}

// Iterate implements Log.
func (l *SQLLog) Iterate(ctx context.Context, from uint64, fn func(contracts.AuditEntry) error) error {
	query := l.dialect.Rebind(`SELECT sequence, entry_id, timestamp, event_type, conflict_id, actor_id, event_data, entry_hash, previous_hash
		FROM audit_entries WHERE sequence >= ? ORDER BY sequence ASC`)
	rows, err := l.db.QueryContext(ctx, query, int64(from))
	if err != nil {
		return fmt.Errorf("audit: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Head implements Log.
func (l *SQLLog) Head(ctx context.Context) (contracts.AuditEntry, bool, error) {
	row := l.db.QueryRowContext(ctx, `SELECT sequence, entry_id, timestamp, event_type, conflict_id, actor_id, event_data, entry_hash, previous_hash
		FROM audit_entries ORDER BY sequence DESC LIMIT 1`)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.AuditEntry{}, false, nil
	}
	if err != nil {
		return contracts.AuditEntry{}, false, err
	}
	return entry, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (contracts.AuditEntry, error) {
	var (
		e         contracts.AuditEntry
		seq       int64
		ts        string
		eventType string
		actor     sql.NullString
		data      string
	)
	if err := s.Scan(&seq, &e.EntryID, &ts, &eventType, &e.ConflictID, &actor, &data, &e.EntryHash, &e.PreviousHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("audit: scan entry: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return e, fmt.Errorf("audit: entry %d timestamp: %w", seq, err)
	}
	if err := json.Unmarshal([]byte(data), &e.EventData); err != nil {
		return e, fmt.Errorf("audit: entry %d event data: %w", seq, err)
	}
	e.Sequence = uint64(seq)
	e.Timestamp = parsed
	e.EventType = contracts.AuditEventType(eventType)
	if actor.Valid {
		e.ActorID = actor.String
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
