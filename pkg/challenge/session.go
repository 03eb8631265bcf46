package challenge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agent-trust-protocol/core/pkg/identity"
)

var ErrSessionNotFound = errors.New("challenge: session not found")

// Session is the product of a successful challenge-response. Its
// trust level is a snapshot taken at authentication time and stays
// authoritative for the session's lifetime.
type Session struct {
	SessionID       string              `json:"session_id"`
	DID             string              `json:"did"`
	TrustLevel      identity.TrustLevel `json:"trust_level"`
	AuthenticatedAt time.Time           `json:"authenticated_at"`
	ExpiresAt       time.Time           `json:"expires_at"`
	Revoked         bool                `json:"revoked"`
}

// LiveAt reports whether the session is usable at t.
func (s *Session) LiveAt(t time.Time) bool {
	return !s.Revoked && t.Before(s.ExpiresAt)
}

// SessionStore persists live sessions keyed by session ID with TTL.
type SessionStore interface {
	Put(ctx context.Context, session *Session) error

	// Get returns the session, or ErrSessionNotFound. Expiry is
	// checked lazily by callers via LiveAt.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Revoke marks a session unusable. Idempotent.
	Revoke(ctx context.Context, sessionID string) error
}

// MemorySessionStore is the in-memory SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*Session),
	}
}

func (s *MemorySessionStore) Put(ctx context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.SessionID] = &cp
	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *MemorySessionStore) Revoke(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok {
		session.Revoked = true
	}
	return nil
}
