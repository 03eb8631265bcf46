package challenge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agent-trust-protocol/core/pkg/audit"
	"github.com/agent-trust-protocol/core/pkg/crypto"
	"github.com/agent-trust-protocol/core/pkg/identity"
)

const (
	// DefaultChallengeTTL is deliberately short: a challenge proves
	// liveness, not identity history.
	DefaultChallengeTTL = 60 * time.Second

	DefaultSessionTTL = 30 * time.Minute
)

// ErrAuthenticationFailed is the uniform external error for every
// submission failure. The specific cause (expired, consumed, bad
// signature) exists only in the audit trail, so callers cannot use
// the engine as an oracle.
var ErrAuthenticationFailed = errors.New("challenge: authentication failed")

// TrustResolver supplies the trust level snapshotted into sessions.
type TrustResolver interface {
	Resolve(ctx context.Context, did string) (identity.TrustLevel, error)
}

// Config tunes the authenticator.
type Config struct {
	ChallengeTTL time.Duration
	SessionTTL   time.Duration
}

// Authenticator implements the challenge-response protocol.
type Authenticator struct {
	registry   identity.Registry
	resolver   TrustResolver
	challenges Store
	sessions   SessionStore
	recorder   *audit.Recorder
	cfg        Config
	clock      func() time.Time
	logger     *slog.Logger
}

func NewAuthenticator(
	registry identity.Registry,
	resolver TrustResolver,
	challenges Store,
	sessions SessionStore,
	recorder *audit.Recorder,
	cfg Config,
	logger *slog.Logger,
) *Authenticator {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		registry:   registry,
		resolver:   resolver,
		challenges: challenges,
		sessions:   sessions,
		recorder:   recorder,
		cfg:        cfg,
		clock:      func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// WithClock overrides the clock for testing.
func (a *Authenticator) WithClock(clock func() time.Time) *Authenticator {
	a.clock = clock
	return a
}

// IssueChallenge creates a fresh single-use challenge for a known
// DID. Unknown DIDs get the uniform identity.ErrUnknownAgent with no
// challenge created and no hint as to why resolution failed.
func (a *Authenticator) IssueChallenge(ctx context.Context, did string) (*Challenge, error) {
	if _, err := a.registry.Resolve(did); err != nil {
		return nil, identity.ErrUnknownAgent
	}

	nonce := make([]byte, crypto.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("challenge: nonce generation failed: %w", err)
	}

	now := a.clock()
	ch := &Challenge{
		Nonce:     nonce,
		DID:       did,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.cfg.ChallengeTTL),
		State:     StateIssued,
	}
	if err := a.challenges.Put(ctx, ch); err != nil {
		return nil, err
	}

	a.record(ctx, did, audit.EventChallengeIssued, map[string]any{
		"nonce":      hex.EncodeToString(nonce),
		"expires_at": ch.ExpiresAt.Format(time.RFC3339),
	})
	return ch, nil
}

// SubmitResponse validates a signed challenge response. The challenge
// is consumed exactly once regardless of outcome. On success it
// returns a session bound to the agent's current trust level.
func (a *Authenticator) SubmitResponse(ctx context.Context, did string, nonce []byte, sig crypto.HybridSignature) (*Session, error) {
	now := a.clock()

	ch, err := a.challenges.Consume(ctx, did, nonce)
	if err != nil {
		return nil, a.reject(ctx, did, nonce, StateRejected, "challenge_unavailable", err)
	}

	if ch.ExpiredAt(now) {
		return nil, a.reject(ctx, did, nonce, StateExpired, "challenge_expired", nil)
	}

	agent, err := a.registry.Resolve(did)
	if err != nil {
		return nil, a.reject(ctx, did, nonce, StateRejected, "unknown_agent", err)
	}

	v := crypto.Verify(crypto.CoveredMessage(ch.Nonce), sig, agent, now)
	if v.Result != crypto.Valid {
		return nil, a.reject(ctx, did, nonce, StateRejected, v.Result.String(), nil)
	}

	level, err := a.resolver.Resolve(ctx, did)
	if err != nil {
		// Trust resolution failures (including timeouts) fail closed
		// into the same uniform authentication error.
		return nil, a.reject(ctx, did, nonce, StateRejected, "trust_resolution_failed", err)
	}
	if v.WeakCombination && level.AtLeast(identity.TrustBasic) {
		// Disjunctive verification never authenticates above basic.
		level = identity.TrustBasic
	}

	session := &Session{
		SessionID:       uuid.New().String(),
		DID:             did,
		TrustLevel:      level,
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(a.cfg.SessionTTL),
	}
	if err := a.sessions.Put(ctx, session); err != nil {
		return nil, a.reject(ctx, did, nonce, StateRejected, "session_store_failed", err)
	}
	_ = a.challenges.Finalize(ctx, did, nonce, StateVerified)

	a.record(ctx, did, audit.EventAuthSuccess, map[string]any{
		"session_id":       session.SessionID,
		"trust_level":      session.TrustLevel.String(),
		"weak_combination": v.WeakCombination,
	})
	return session, nil
}

// Session returns a live session by ID; expired or revoked sessions
// yield ErrSessionNotFound.
func (a *Authenticator) Session(ctx context.Context, sessionID string) (*Session, error) {
	session, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.LiveAt(a.clock()) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// RevokeSession explicitly ends a session before its natural expiry.
func (a *Authenticator) RevokeSession(ctx context.Context, sessionID string) error {
	return a.sessions.Revoke(ctx, sessionID)
}

// reject finalizes the attempt, audits the specific reason for
// operators, and returns the uniform external error.
func (a *Authenticator) reject(ctx context.Context, did string, nonce []byte, state State, reason string, cause error) error {
	_ = a.challenges.Finalize(ctx, did, nonce, state)

	details := map[string]any{
		"nonce":  hex.EncodeToString(nonce),
		"reason": reason,
		"state":  string(state),
	}
	if cause != nil {
		details["cause"] = cause.Error()
	}
	a.record(ctx, did, audit.EventAuthFailure, details)
	return ErrAuthenticationFailed
}

func (a *Authenticator) record(ctx context.Context, did string, typ audit.EventType, details map[string]any) {
	if a.recorder == nil {
		return
	}
	if _, err := a.recorder.Append(ctx, audit.Event{ActorDID: did, Type: typ, Details: details}); err != nil {
		a.logger.Error("audit append failed", "event_type", typ, "error", err)
	}
}
