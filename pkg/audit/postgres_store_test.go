package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreAppend(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT MAX\(sequence\) FROM audit_records`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec(`INSERT INTO audit_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	rec := &AuditRecord{
		RecordID:    "r1",
		Sequence:    1,
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ActorDID:    "did:atp:alice",
		EventType:   EventAuthSuccess,
		Details:     []byte(`{}`),
		DetailsHash: "sha256:d",
		PrevHash:    GenesisHash,
		RecordHash:  "sha256:r",
	}
	require.NoError(t, store.Append(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreAppendGapRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT MAX\(sequence\) FROM audit_records`).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))
	mock.ExpectRollback()

	store := NewPostgresStore(db)
	rec := &AuditRecord{Sequence: 9, Details: []byte(`{}`)}
	assert.ErrorIs(t, store.Append(context.Background(), rec), ErrSequenceGap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339Nano)
	rows := sqlmock.NewRows([]string{
		"sequence", "record_id", "timestamp", "actor_did", "event_type",
		"details", "details_hash", "prev_hash", "record_hash",
	}).
		AddRow(2, "r2", ts, "did:atp:bob", "access_denied", `{}`, "sha256:d2", "sha256:r1", "sha256:r2").
		AddRow(3, "r3", ts, "did:atp:bob", "access_denied", `{}`, "sha256:d3", "sha256:r2", "sha256:r3")

	mock.ExpectQuery(`FROM audit_records WHERE sequence > \$1 AND actor_did = \$2`).
		WithArgs(uint64(1), "did:atp:bob").
		WillReturnRows(rows)

	store := NewPostgresStore(db)
	got, err := store.List(context.Background(), Filter{AfterSequence: 1, ActorDID: "did:atp:bob"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].Sequence)
	assert.Equal(t, EventAccessDenied, got[1].EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}
