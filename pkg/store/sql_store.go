package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const conflictSchema = `
CREATE TABLE IF NOT EXISTS conflict_records (
	conflict_id TEXT PRIMARY KEY,
	candidate_id TEXT NOT NULL,
	conflict_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	principle_ids TEXT NOT NULL,
	principle_key TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	priority_score DOUBLE PRECISION NOT NULL,
	status TEXT NOT NULL,
	resolution_details TEXT,
	outcomes TEXT,
	detection_metadata TEXT,
	version BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflict_records_status ON conflict_records(status);
`

const selectColumns = `conflict_id, candidate_id, conflict_type, severity, principle_ids, confidence, priority_score,
	status, resolution_details, outcomes, detection_metadata, version, created_at, updated_at`

// SQLStore implements ConflictStore over database/sql for SQLite
// (modernc.org/sqlite) and Postgres (lib/pq).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewSQLStore wraps db. Call Migrate before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

// NewSQLiteStore is NewSQLStore with the SQLite dialect.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return NewSQLStore(db, DialectSQLite)
}

// NewPostgresStore is NewSQLStore with the Postgres dialect.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return NewSQLStore(db, DialectPostgres)
}

// WithClock sets the clock used for CreatedAt and UpdatedAt.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// Migrate creates the conflict_records table if needed.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(conflictSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

type encodedRecord struct {
	principleIDs string
	details      sql.NullString
	outcomes     sql.NullString
	metadata     sql.NullString
}

func encode(rec contracts.ConflictRecord) (encodedRecord, error) {
	var out encodedRecord
	ids, err := json.Marshal(rec.PrincipleIDs)
	if err != nil {
		return out, err
	}
	out.principleIDs = string(ids)
	if out.details, err = jsonColumn(rec.ResolutionDetails, len(rec.ResolutionDetails) > 0); err != nil {
		return out, fmt.Errorf("resolution details: %w", err)
	}
	if out.outcomes, err = jsonColumn(rec.Outcomes, len(rec.Outcomes) > 0); err != nil {
		return out, fmt.Errorf("outcomes: %w", err)
	}
	if out.metadata, err = jsonColumn(rec.DetectionMetadata, len(rec.DetectionMetadata) > 0); err != nil {
		return out, fmt.Errorf("detection metadata: %w", err)
	}
	return out, nil
}

func jsonColumn(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// Create implements ConflictStore.
func (s *SQLStore) Create(ctx context.Context, rec contracts.ConflictRecord) (contracts.ConflictRecord, error) {
	const op = "store.Create"
	if err := validateNew(op, rec); err != nil {
		return contracts.ConflictRecord{}, err
	}
	enc, err := encode(rec)
	if err != nil {
		return contracts.ConflictRecord{}, contracts.Wrap(contracts.KindValidationFailure, op, err)
	}
	now := s.clock().UTC()

	query := s.dialect.Rebind(`INSERT INTO conflict_records
		(conflict_id, candidate_id, conflict_type, severity, principle_ids, principle_key, confidence, priority_score,
		 status, resolution_details, outcomes, detection_metadata, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (conflict_id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		rec.ConflictID, rec.CandidateID, string(rec.ConflictType), string(rec.Severity),
		enc.principleIDs, contracts.PrincipleSetKey(rec.PrincipleIDs), rec.Confidence, rec.PriorityScore,
		string(rec.Status), enc.details, enc.outcomes, enc.metadata,
		now.Format(timeLayout), now.Format(timeLayout),
	)
	if err != nil {
		return contracts.ConflictRecord{}, fmt.Errorf("store: insert conflict %s: %w", rec.ConflictID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return contracts.ConflictRecord{}, contracts.E(contracts.KindValidationFailure, op, "conflict %s already exists", rec.ConflictID)
	}

	out := rec.Clone()
	out.Version = 1
	out.CreatedAt = now
	out.UpdatedAt = now
	return out, nil
}

// Update implements ConflictStore. The version and principle checks live in
// the WHERE clause, so a rejected write changes nothing.
func (s *SQLStore) Update(ctx context.Context, rec contracts.ConflictRecord, expectedVersion int64) (contracts.ConflictRecord, error) {
	const op = "store.Update"
	enc, err := encode(rec)
	if err != nil {
		return contracts.ConflictRecord{}, contracts.Wrap(contracts.KindValidationFailure, op, err)
	}
	now := s.clock().UTC()

	query := s.dialect.Rebind(`UPDATE conflict_records SET
		candidate_id = ?, conflict_type = ?, severity = ?, confidence = ?, priority_score = ?, status = ?,
		resolution_details = ?, outcomes = ?, detection_metadata = ?, version = version + 1, updated_at = ?
		WHERE conflict_id = ? AND version = ? AND principle_key = ?`)
	res, err := s.db.ExecContext(ctx, query,
		rec.CandidateID, string(rec.ConflictType), string(rec.Severity), rec.Confidence, rec.PriorityScore, string(rec.Status),
		enc.details, enc.outcomes, enc.metadata, now.Format(timeLayout),
		rec.ConflictID, expectedVersion, contracts.PrincipleSetKey(rec.PrincipleIDs),
	)
	if err != nil {
		return contracts.ConflictRecord{}, fmt.Errorf("store: update conflict %s: %w", rec.ConflictID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contracts.ConflictRecord{}, fmt.Errorf("store: update conflict %s: %w", rec.ConflictID, err)
	}
	if n == 0 {
		return contracts.ConflictRecord{}, s.classifyMiss(ctx, op, rec, expectedVersion)
	}
	return s.Get(ctx, rec.ConflictID)
}

func (s *SQLStore) classifyMiss(ctx context.Context, op string, rec contracts.ConflictRecord, expectedVersion int64) error {
	var (
		version int64
		key     string
	)
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT version, principle_key FROM conflict_records WHERE conflict_id = ?`), rec.ConflictID)
	if err := row.Scan(&version, &key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.E(contracts.KindNotFound, op, "conflict %s", rec.ConflictID)
		}
		return fmt.Errorf("store: read conflict %s: %w", rec.ConflictID, err)
	}
	if version != expectedVersion {
		return contracts.E(contracts.KindVersionConflict, op,
			"conflict %s is at version %d, caller expected %d", rec.ConflictID, version, expectedVersion)
	}
	if key != contracts.PrincipleSetKey(rec.PrincipleIDs) {
		return contracts.E(contracts.KindValidationFailure, op, "principle ids of conflict %s are immutable", rec.ConflictID)
	}
	// The row changed between the UPDATE and this read.
	return contracts.E(contracts.KindVersionConflict, op, "conflict %s changed concurrently", rec.ConflictID)
}

// Get implements ConflictStore.
func (s *SQLStore) Get(ctx context.Context, conflictID string) (contracts.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT `+selectColumns+` FROM conflict_records WHERE conflict_id = ?`), conflictID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ConflictRecord{}, contracts.E(contracts.KindNotFound, "store.Get", "conflict %s", conflictID)
	}
	return rec, err
}

// List implements ConflictStore.
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]contracts.ConflictRecord, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Type != "" {
		where = append(where, "conflict_type = ?")
		args = append(args, string(filter.Type))
	}

	query := `SELECT ` + selectColumns + ` FROM conflict_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, conflict_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []contracts.ConflictRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete implements ConflictStore.
func (s *SQLStore) Delete(ctx context.Context, conflictID string) error {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM conflict_records WHERE conflict_id = ?`), conflictID)
	if err != nil {
		return fmt.Errorf("store: delete conflict %s: %w", conflictID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return contracts.E(contracts.KindNotFound, "store.Delete", "conflict %s", conflictID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (contracts.ConflictRecord, error) {
	var (
		rec          contracts.ConflictRecord
		conflictType string
		severity     string
		status       string
		principleIDs string
		details      sql.NullString
		outcomes     sql.NullString
		metadata     sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := s.Scan(&rec.ConflictID, &rec.CandidateID, &conflictType, &severity, &principleIDs, &rec.Confidence, &rec.PriorityScore,
		&status, &details, &outcomes, &metadata, &rec.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("store: scan conflict: %w", err)
	}
	rec.ConflictType = contracts.ConflictType(conflictType)
	rec.Severity = contracts.Severity(severity)
	rec.Status = contracts.ConflictStatus(status)

	if err := json.Unmarshal([]byte(principleIDs), &rec.PrincipleIDs); err != nil {
		return rec, fmt.Errorf("store: conflict %s principle ids: %w", rec.ConflictID, err)
	}
	for _, col := range []struct {
		v      sql.NullString
		target any
	}{
		{details, &rec.ResolutionDetails},
		{outcomes, &rec.Outcomes},
		{metadata, &rec.DetectionMetadata},
	} {
		if !col.v.Valid || col.v.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.v.String), col.target); err != nil {
			return rec, fmt.Errorf("store: conflict %s: %w", rec.ConflictID, err)
		}
	}
	if rec.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return rec, fmt.Errorf("store: conflict %s created_at: %w", rec.ConflictID, err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return rec, fmt.Errorf("store: conflict %s updated_at: %w", rec.ConflictID, err)
	}
	return rec, nil
}
