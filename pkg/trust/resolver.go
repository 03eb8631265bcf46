// Package trust resolves and caches agent trust levels.
//
// The engine never computes reputation itself: an external
// ReputationSource owns the score, and the resolver only validates,
// caches, and fails closed. Sessions snapshot their trust level at
// authentication time; a later demotion does not retroactively alter
// a live session (it expires naturally or is explicitly revoked).
package trust

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-trust-protocol/core/pkg/identity"
)

// DefaultCacheTTL bounds external reputation calls.
const DefaultCacheTTL = 5 * time.Minute

// ErrResolveFailed wraps any reputation-source failure. Callers must
// treat it as fail-closed: the effective level is untrusted.
var ErrResolveFailed = errors.New("trust: resolve failed")

// ReputationSource is the external reputation/identity collaborator.
// Implementations must honor the context deadline.
type ReputationSource interface {
	TrustLevel(ctx context.Context, did string) (identity.TrustLevel, error)
}

type cacheEntry struct {
	level     identity.TrustLevel
	expiresAt time.Time
}

// Resolver caches trust levels from a ReputationSource with a short
// TTL. Entries are invalidated on explicit revocation events.
type Resolver struct {
	mu     sync.RWMutex
	source ReputationSource
	cache  map[string]cacheEntry
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

func NewResolver(source ReputationSource, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		source: source,
		cache:  make(map[string]cacheEntry),
		ttl:    ttl,
		clock:  time.Now,
		logger: logger,
	}
}

// WithClock overrides the clock for testing.
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	r.clock = clock
	return r
}

// Resolve returns the trust level for a DID, consulting the cache
// first. On any source failure (including timeout) it returns
// untrusted with ErrResolveFailed: never fail open.
func (r *Resolver) Resolve(ctx context.Context, did string) (identity.TrustLevel, error) {
	now := r.clock()

	r.mu.RLock()
	entry, ok := r.cache[did]
	r.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.level, nil
	}

	level, err := r.source.TrustLevel(ctx, did)
	if err != nil {
		r.logger.Warn("trust resolution failed, failing closed",
			"did", did, "error", err)
		return identity.TrustUntrusted, errors.Join(ErrResolveFailed, err)
	}

	r.mu.Lock()
	r.cache[did] = cacheEntry{level: level, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()

	return level, nil
}

// Invalidate drops the cached entry for a DID. Called on revocation
// events so the next resolve hits the source.
func (r *Resolver) Invalidate(did string) {
	r.mu.Lock()
	delete(r.cache, did)
	r.mu.Unlock()
}

// ValidateLevelForSession reports whether a session's snapshot trust
// level is still backed by the agent's current level. A false return
// means the agent was demoted after authenticating; the session keeps
// its snapshot until expiry, but the divergence is observable here
// for auditing.
func (r *Resolver) ValidateLevelForSession(ctx context.Context, did string, snapshot identity.TrustLevel) (bool, error) {
	current, err := r.Resolve(ctx, did)
	if err != nil {
		return false, err
	}
	return current.AtLeast(snapshot), nil
}
