// Package limiter provides token-bucket rate limiting keyed by agent
// and tool. The in-memory store serves single-instance deployments;
// the Redis store shares buckets across replicas.
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy defines the per-key budget. Burst defaults to
// RequestsPerMinute when zero, so a full minute's quota may be spent
// up front.
type Policy struct {
	RequestsPerMinute int
	Burst             int
}

func (p Policy) normalized() Policy {
	if p.Burst <= 0 {
		p.Burst = p.RequestsPerMinute
	}
	return p
}

// perSecond converts the minute budget to a refill rate.
func (p Policy) perSecond() float64 {
	r := float64(p.RequestsPerMinute) / 60.0
	if r <= 0 {
		r = 1.0
	}
	return r
}

// Store abstracts bucket storage. Allow consumes cost tokens from the
// bucket identified by key, returning whether the request fits the
// budget. Errors are backend failures, not limit verdicts.
type Store interface {
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// MemoryStore keeps buckets in process. Buckets are created lazily
// and rebuilt when their policy changes.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   func() time.Time
}

type bucket struct {
	limiter *rate.Limiter
	policy  Policy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		clock:   time.Now,
	}
}

// WithClock substitutes the time source.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	policy = policy.normalized()

	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok || b.policy != policy {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(policy.perSecond()), policy.Burst),
			policy:  policy,
		}
		s.buckets[key] = b
	}
	now := s.clock()
	s.mu.Unlock()

	return b.limiter.AllowN(now, cost), nil
}
