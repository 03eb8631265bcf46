package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStoreNotConfigured is returned when export is invoked without
	// a backing recorder (fail-closed).
	ErrStoreNotConfigured = errors.New("audit: recorder not configured (fail-closed)")

	ErrInvalidRange = errors.New("audit: from_sequence must not exceed to_sequence")
)

// ExportRequest selects a contiguous slice of the chain. ToSequence 0
// means "through the current head".
type ExportRequest struct {
	FromSequence uint64 `json:"from_sequence"`
	ToSequence   uint64 `json:"to_sequence"`
	ActorDID     string `json:"actor_did,omitempty"`
}

// EvidencePack is a verifiable extract of the audit chain for
// operator review. Checksum covers the serialized records, and the
// head hash anchors the slice to the live chain.
type EvidencePack struct {
	GeneratedAt time.Time      `json:"generated_at"`
	HeadHash    string         `json:"head_hash"`
	Checksum    string         `json:"checksum"`
	Records     []*AuditRecord `json:"records"`
}

// Exporter builds evidence packs from a recorder.
type Exporter struct {
	recorder *Recorder
}

func NewExporter(r *Recorder) *Exporter {
	return &Exporter{recorder: r}
}

// Export collects the requested slice, verifies chain integrity
// first, and seals the pack with a checksum.
func (e *Exporter) Export(ctx context.Context, req ExportRequest) (*EvidencePack, error) {
	if e.recorder == nil {
		return nil, ErrStoreNotConfigured
	}
	if req.ToSequence != 0 && req.FromSequence > req.ToSequence {
		return nil, ErrInvalidRange
	}
	if err := e.recorder.Verify(ctx); err != nil {
		return nil, fmt.Errorf("audit: refusing to export broken chain: %w", err)
	}

	after := uint64(0)
	if req.FromSequence > 0 {
		after = req.FromSequence - 1
	}
	var records []*AuditRecord
	for {
		batch, err := e.recorder.Query(ctx, Filter{
			AfterSequence: after,
			ActorDID:      req.ActorDID,
			Limit:         256,
		})
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			if req.ToSequence != 0 && rec.Sequence > req.ToSequence {
				return e.seal(records)
			}
			records = append(records, rec)
		}
		after = batch[len(batch)-1].Sequence
	}
	return e.seal(records)
}

func (e *Exporter) seal(records []*AuditRecord) (*EvidencePack, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("audit: seal evidence pack: %w", err)
	}
	sum := sha256.Sum256(raw)
	return &EvidencePack{
		GeneratedAt: time.Now().UTC(),
		HeadHash:    e.recorder.Head(),
		Checksum:    "sha256:" + hex.EncodeToString(sum[:]),
		Records:     records,
	}, nil
}
