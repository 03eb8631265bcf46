package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-trust-protocol/core/pkg/observability"
)

// Recorder is the single logical writer for the audit chain. Appends
// from concurrent producers are serialized through one mutex so
// sequence numbers stay gapless and monotonic; everything else in the
// engine runs without a global lock.
type Recorder struct {
	mu      sync.Mutex
	store   Store
	seq     uint64
	head    string
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.Provider
}

// NewRecorder creates a Recorder over the given store, resuming the
// chain from the store's last record if any.
func NewRecorder(ctx context.Context, store Store, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		store:  store,
		head:   GenesisHash,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger,
	}

	last, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load chain head: %w", err)
	}
	if last != nil {
		r.seq = last.Sequence
		r.head = last.RecordHash
	}
	return r, nil
}

// WithClock overrides the clock for testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// WithMetrics attaches an instrument provider counting chain growth.
func (r *Recorder) WithMetrics(metrics *observability.Provider) *Recorder {
	r.metrics = metrics
	return r
}

// Append records an event, returning the persisted record. The event
// details are hashed in canonical form so any later edit of the
// payload is detectable against DetailsHash.
func (r *Recorder) Append(ctx context.Context, event Event) (*AuditRecord, error) {
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal details: %w", err)
	}
	detailsHash, err := canonicalHash(details)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record := &AuditRecord{
		RecordID:    uuid.New().String(),
		Sequence:    r.seq + 1,
		Timestamp:   r.clock(),
		ActorDID:    event.ActorDID,
		EventType:   event.Type,
		Details:     detailsJSON,
		DetailsHash: detailsHash,
		PrevHash:    r.head,
	}
	record.RecordHash, err = recordHash(record)
	if err != nil {
		return nil, err
	}

	if err := r.store.Append(ctx, record); err != nil {
		return nil, fmt.Errorf("audit: append record %d: %w", record.Sequence, err)
	}

	r.seq = record.Sequence
	r.head = record.RecordHash

	if r.metrics != nil {
		r.metrics.RecordAuditAppend(ctx)
	}

	r.logger.Debug("audit record appended",
		"sequence", record.Sequence,
		"event_type", record.EventType,
		"actor_did", record.ActorDID,
	)
	return record, nil
}

// Query returns matching records ordered by sequence. The result is
// finite and restartable: pass the last seen sequence as
// Filter.AfterSequence to resume.
func (r *Recorder) Query(ctx context.Context, filter Filter) ([]*AuditRecord, error) {
	return r.store.List(ctx, filter)
}

// Verify walks the whole chain and checks sequence contiguity, the
// previous-hash links, and every record's own hash.
func (r *Recorder) Verify(ctx context.Context) error {
	prevHash := GenesisHash
	var lastSeq uint64

	after := uint64(0)
	for {
		batch, err := r.store.List(ctx, Filter{AfterSequence: after, Limit: 256})
		if err != nil {
			return fmt.Errorf("audit: verify read: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, rec := range batch {
			if rec.Sequence != lastSeq+1 {
				return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, lastSeq+1, rec.Sequence)
			}
			if rec.PrevHash != prevHash {
				return fmt.Errorf("audit: chain broken at sequence %d", rec.Sequence)
			}
			computed, err := recordHash(rec)
			if err != nil {
				return err
			}
			if computed != rec.RecordHash {
				return fmt.Errorf("audit: record hash mismatch at sequence %d", rec.Sequence)
			}
			detailsHash, err := canonicalHash(json.RawMessage(rec.Details))
			if err != nil {
				return err
			}
			if detailsHash != rec.DetailsHash {
				return fmt.Errorf("audit: details hash mismatch at sequence %d", rec.Sequence)
			}
			prevHash = rec.RecordHash
			lastSeq = rec.Sequence
		}
		after = lastSeq
	}
}

// Sequence returns the last assigned sequence number.
func (r *Recorder) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Head returns the current chain head hash.
func (r *Recorder) Head() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}
