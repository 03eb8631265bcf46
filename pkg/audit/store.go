package audit

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrRecordNotFound = errors.New("audit: record not found")
	ErrSequenceGap    = errors.New("audit: non-contiguous sequence")
)

// Filter narrows Query results. Zero values match everything.
// Pagination restarts from AfterSequence, so a reader can resume from
// the last sequence it has seen.
type Filter struct {
	AfterSequence uint64
	ActorDID      string
	EventTypes    []EventType
	Limit         int
}

func (f Filter) matches(r *AuditRecord) bool {
	if r.Sequence <= f.AfterSequence {
		return false
	}
	if f.ActorDID != "" && r.ActorDID != f.ActorDID {
		return false
	}
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if r.EventType == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Store persists audit records. Implementations must reject appends
// that would break sequence contiguity; the Recorder is the single
// writer, so contiguity violations indicate corruption.
type Store interface {
	// Append persists a record. The record's sequence must be exactly
	// last stored sequence + 1 (or 1 for an empty store).
	Append(ctx context.Context, record *AuditRecord) error

	// Last returns the highest-sequence record, or nil if empty.
	Last(ctx context.Context) (*AuditRecord, error)

	// List returns matching records ordered by sequence.
	List(ctx context.Context, filter Filter) ([]*AuditRecord, error)
}

// MemoryStore is the in-memory Store used for tests and
// single-process deployments without durability requirements.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, record *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Sequence != uint64(len(s.records))+1 {
		return ErrSequenceGap
	}
	cp := *record
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryStore) Last(ctx context.Context) (*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		return nil, nil
	}
	cp := *s.records[len(s.records)-1]
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*AuditRecord
	for _, r := range s.records {
		if !filter.matches(r) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
