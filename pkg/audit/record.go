// Package audit implements the append-only, hash-chained audit log.
//
// Every authentication and access-control decision produces exactly
// one record. Records are never mutated or deleted; the chain of
// previous-record hashes makes retroactive edits detectable, and the
// gapless sequence makes deletions detectable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// EventType categorizes audit events.
type EventType string

const (
	EventChallengeIssued EventType = "challenge_issued"
	EventAuthSuccess     EventType = "auth_success"
	EventAuthFailure     EventType = "auth_failure"
	EventPolicyEvaluated EventType = "policy_evaluated"
	EventAccessGranted   EventType = "access_granted"
	EventAccessDenied    EventType = "access_denied"
	EventRateLimited     EventType = "rate_limited"
)

// Event is the input to Recorder.Append. Details may carry the full
// diagnostic payload, including failure reasons that are deliberately
// hidden from external callers.
type Event struct {
	ActorDID string
	Type     EventType
	Details  map[string]any
}

// AuditRecord is one immutable entry in the chain.
type AuditRecord struct {
	RecordID    string          `json:"record_id"`
	Sequence    uint64          `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	ActorDID    string          `json:"actor_did"`
	EventType   EventType       `json:"event_type"`
	Details     json.RawMessage `json:"details"`
	DetailsHash string          `json:"details_hash"`
	PrevHash    string          `json:"prev_hash"`
	RecordHash  string          `json:"record_hash"`
}

// GenesisHash anchors the first record of every chain.
const GenesisHash = "genesis"

// canonicalHash computes sha256 over the JCS canonical form of v.
func canonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("audit: marshal for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize for hashing: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// recordHash covers everything except the hash field itself.
func recordHash(r *AuditRecord) (string, error) {
	return canonicalHash(struct {
		RecordID    string `json:"record_id"`
		Sequence    uint64 `json:"sequence"`
		Timestamp   string `json:"timestamp"`
		ActorDID    string `json:"actor_did"`
		EventType   string `json:"event_type"`
		DetailsHash string `json:"details_hash"`
		PrevHash    string `json:"prev_hash"`
	}{
		RecordID:    r.RecordID,
		Sequence:    r.Sequence,
		Timestamp:   r.Timestamp.UTC().Format(time.RFC3339Nano),
		ActorDID:    r.ActorDID,
		EventType:   string(r.EventType),
		DetailsHash: r.DetailsHash,
		PrevHash:    r.PrevHash,
	})
}
