package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists audit records in PostgreSQL for multi-node
// deployments where the audit trail must outlive any single process.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects with the given DSN and runs migrations.
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the audit table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_records (
		sequence BIGINT PRIMARY KEY,
		record_id TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		actor_did TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details JSONB NOT NULL,
		details_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		record_hash TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("audit: postgres migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, record *AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: postgres begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM audit_records`).Scan(&last); err != nil {
		return fmt.Errorf("audit: postgres read head: %w", err)
	}
	if record.Sequence != uint64(last.Int64)+1 {
		return ErrSequenceGap
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_records
			(sequence, record_id, timestamp, actor_did, event_type, details, details_hash, prev_hash, record_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.Sequence, record.RecordID, record.Timestamp.UTC().Format(time.RFC3339Nano),
		record.ActorDID, string(record.EventType), string(record.Details),
		record.DetailsHash, record.PrevHash, record.RecordHash,
	)
	if err != nil {
		return fmt.Errorf("audit: postgres insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("audit: postgres commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Last(ctx context.Context) (*AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM audit_records ORDER BY sequence DESC LIMIT 1`)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*AuditRecord, error) {
	query, args := buildListQuery(filter, true)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: postgres list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectRecords(rows)
}

// Close releases the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
