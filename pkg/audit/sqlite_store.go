package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists audit records in SQLite. Suitable for
// single-node deployments; the UNIQUE sequence column backs the
// append-only contract at the storage layer.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) an audit database at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite %s: %w", path, err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		sequence INTEGER PRIMARY KEY,
		record_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		actor_did TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details JSON NOT NULL,
		details_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		record_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_records(actor_did);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("audit: sqlite migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, record *AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM audit_records`).Scan(&last); err != nil {
		return fmt.Errorf("audit: sqlite read head: %w", err)
	}
	if record.Sequence != uint64(last.Int64)+1 {
		return ErrSequenceGap
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_records
			(sequence, record_id, timestamp, actor_did, event_type, details, details_hash, prev_hash, record_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Sequence, record.RecordID, record.Timestamp.UTC().Format(time.RFC3339Nano),
		record.ActorDID, string(record.EventType), string(record.Details),
		record.DetailsHash, record.PrevHash, record.RecordHash,
	)
	if err != nil {
		return fmt.Errorf("audit: sqlite insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: sqlite commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Last(ctx context.Context) (*AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM audit_records ORDER BY sequence DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*AuditRecord, error) {
	query, args := buildListQuery(filter, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: sqlite list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT sequence, record_id, timestamp, actor_did, event_type, details, details_hash, prev_hash, record_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*AuditRecord, error) {
	var rec AuditRecord
	var ts, details string
	if err := row.Scan(&rec.Sequence, &rec.RecordID, &ts, &rec.ActorDID,
		(*string)(&rec.EventType), &details, &rec.DetailsHash, &rec.PrevHash, &rec.RecordHash); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("audit: parse timestamp: %w", err)
	}
	rec.Timestamp = parsed
	rec.Details = []byte(details)
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*AuditRecord, error) {
	var out []*AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: list rows: %w", err)
	}
	return out, nil
}

// buildListQuery assembles the filtered, ordered SELECT shared by the
// SQL stores. numbered selects $n placeholders (Postgres) instead of ?.
func buildListQuery(filter Filter, numbered bool) (string, []any) {
	var args []any
	next := func() string {
		if numbered {
			return fmt.Sprintf("$%d", len(args))
		}
		return "?"
	}

	var sb strings.Builder
	sb.WriteString(selectColumns)
	args = append(args, filter.AfterSequence)
	sb.WriteString(` FROM audit_records WHERE sequence > ` + next())

	if filter.ActorDID != "" {
		args = append(args, filter.ActorDID)
		sb.WriteString(` AND actor_did = ` + next())
	}
	if len(filter.EventTypes) > 0 {
		sb.WriteString(` AND event_type IN (`)
		for i, t := range filter.EventTypes {
			if i > 0 {
				sb.WriteString(", ")
			}
			args = append(args, string(t))
			sb.WriteString(next())
		}
		sb.WriteString(`)`)
	}
	sb.WriteString(` ORDER BY sequence ASC`)
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sb.WriteString(` LIMIT ` + next())
	}
	return sb.String(), args
}
