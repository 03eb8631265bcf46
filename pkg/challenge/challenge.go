// Package challenge implements time-bound challenge-response
// authentication for agents, producing trust-snapshotted sessions.
//
// A challenge is redeemable at most once: the first submission for a
// nonce consumes it regardless of outcome, so a replayed response
// always fails even with a correct signature. Expiry is detected
// lazily at submission time; an optional reaper bounds memory.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrChallengeNotFound = errors.New("challenge: not found")
	ErrChallengeConsumed = errors.New("challenge: already consumed")
)

// State tracks the per-attempt state machine:
// Issued -> Verified | Rejected | Expired.
type State string

const (
	StateIssued   State = "issued"
	StateVerified State = "verified"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Challenge is a single-use random value an agent must sign to prove
// key possession.
type Challenge struct {
	Nonce     []byte    `json:"nonce"`
	DID       string    `json:"did"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
	State     State     `json:"state"`
}

// ExpiredAt reports whether the challenge is past its TTL at t.
func (c *Challenge) ExpiredAt(t time.Time) bool {
	return t.After(c.ExpiresAt)
}

// Store persists pending challenges keyed by (did, nonce).
// Implementations must make Consume atomic: exactly one caller ever
// receives a given challenge.
type Store interface {
	// Put stores a freshly issued challenge.
	Put(ctx context.Context, ch *Challenge) error

	// Consume atomically marks the challenge consumed and returns it.
	// A second Consume for the same (did, nonce) fails with
	// ErrChallengeConsumed.
	Consume(ctx context.Context, did string, nonce []byte) (*Challenge, error)

	// Finalize records the terminal state for diagnostics.
	Finalize(ctx context.Context, did string, nonce []byte, state State) error

	// PurgeExpired removes challenges past their TTL, returning the
	// number removed. Correctness never depends on this running.
	PurgeExpired(ctx context.Context, now time.Time) int
}

type challengeKey struct {
	did   string
	nonce string
}

// MemoryStore is the in-memory challenge store. State is partitioned
// per (did, nonce); the map lock is held only for lookups and
// insertions, never across verification.
type MemoryStore struct {
	mu         sync.Mutex
	challenges map[challengeKey]*Challenge
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[challengeKey]*Challenge),
	}
}

func (s *MemoryStore) Put(ctx context.Context, ch *Challenge) error {
	key := challengeKey{did: ch.DID, nonce: string(ch.Nonce)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.challenges[key]; exists {
		return fmt.Errorf("challenge: nonce collision for %s", ch.DID)
	}
	cp := *ch
	s.challenges[key] = &cp
	return nil
}

func (s *MemoryStore) Consume(ctx context.Context, did string, nonce []byte) (*Challenge, error) {
	key := challengeKey{did: did, nonce: string(nonce)}

	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.challenges[key]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	if ch.Consumed {
		return nil, ErrChallengeConsumed
	}
	ch.Consumed = true
	cp := *ch
	return &cp, nil
}

func (s *MemoryStore) Finalize(ctx context.Context, did string, nonce []byte, state State) error {
	key := challengeKey{did: did, nonce: string(nonce)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.challenges[key]; ok {
		ch.State = state
	}
	return nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, ch := range s.challenges {
		if ch.ExpiredAt(now) {
			delete(s.challenges, key)
			removed++
		}
	}
	return removed
}

// Reaper periodically purges expired challenges from a store.
type Reaper struct {
	store    Store
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func NewReaper(store Store, interval time.Duration) *Reaper {
	return &Reaper{
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the purge loop until Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.store.PurgeExpired(ctx, time.Now())
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}
