// Package identity models decentralized agent identities and their
// hybrid key material.
//
// An AgentIdentity is immutable once issued except for trust-level
// updates driven by the trust resolver. Keys are never replaced in
// place: rotation appends a new VerificationKey with an activation
// timestamp, and old keys are retained for verifying historical
// signatures until they expire.
package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnknownAgent is the uniform error for any identity lookup
	// failure. Callers must not distinguish "no such DID" from other
	// resolution failures.
	ErrUnknownAgent = errors.New("identity: unknown agent")

	ErrDuplicateDID = errors.New("identity: did already registered")
	ErrNoKeys       = errors.New("identity: identity has no verification keys")
)

// TrustLevel is a totally ordered classification gating tool access.
type TrustLevel int

const (
	TrustUntrusted TrustLevel = iota
	TrustBasic
	TrustVerified
	TrustPremium
	TrustEnterprise
)

var trustLevelNames = map[TrustLevel]string{
	TrustUntrusted:  "untrusted",
	TrustBasic:      "basic",
	TrustVerified:   "verified",
	TrustPremium:    "premium",
	TrustEnterprise: "enterprise",
}

func (t TrustLevel) String() string {
	if name, ok := trustLevelNames[t]; ok {
		return name
	}
	return fmt.Sprintf("trust(%d)", int(t))
}

// AtLeast reports whether t meets the given minimum level.
func (t TrustLevel) AtLeast(min TrustLevel) bool {
	return t >= min
}

// ParseTrustLevel converts a level name to a TrustLevel.
func ParseTrustLevel(s string) (TrustLevel, error) {
	for level, name := range trustLevelNames {
		if name == s {
			return level, nil
		}
	}
	return TrustUntrusted, fmt.Errorf("identity: unknown trust level %q", s)
}

// CombineMode selects how the two legs of a hybrid signature combine.
type CombineMode string

const (
	// CombineConjunctive requires both the classical and the
	// post-quantum sub-signature to verify. This is the default.
	CombineConjunctive CombineMode = "conjunctive"

	// CombineDisjunctive accepts either sub-signature. It is an
	// explicit opt-in and identities using it are capped at basic
	// trust so the weaker mode stays visible in audit trails.
	CombineDisjunctive CombineMode = "disjunctive"
)

// VerificationKey is one entry in an identity's ordered key set.
type VerificationKey struct {
	KeyID       string     `json:"key_id"`
	Algorithm   string     `json:"algorithm"`
	PublicKey   []byte     `json:"public_key"`
	ActivatedAt time.Time  `json:"activated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the key may verify signatures made at t.
func (k VerificationKey) ActiveAt(t time.Time) bool {
	if t.Before(k.ActivatedAt) {
		return false
	}
	if k.ExpiresAt != nil && !t.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// AgentIdentity is the engine's view of a registered agent.
type AgentIdentity struct {
	DID              string            `json:"did"`
	VerificationKeys []VerificationKey `json:"verification_keys"`
	TrustLevel       TrustLevel        `json:"trust_level"`
	CombineMode      CombineMode       `json:"combine_mode"`
	RegisteredAt     time.Time         `json:"registered_at"`
}

// ActiveKey returns the most recently activated non-expired key for
// the given algorithm, or false if none is active at t.
func (a *AgentIdentity) ActiveKey(algorithm string, t time.Time) (VerificationKey, bool) {
	var best VerificationKey
	found := false
	for _, k := range a.VerificationKeys {
		if k.Algorithm != algorithm || !k.ActiveAt(t) {
			continue
		}
		if !found || k.ActivatedAt.After(best.ActivatedAt) {
			best = k
			found = true
		}
	}
	return best, found
}

// clone returns a deep copy so registry callers never share state.
func (a *AgentIdentity) clone() *AgentIdentity {
	cp := *a
	cp.VerificationKeys = make([]VerificationKey, len(a.VerificationKeys))
	copy(cp.VerificationKeys, a.VerificationKeys)
	return &cp
}

// Registry resolves DIDs to identities. Implementations must be safe
// for concurrent use; mutation is scoped to a single DID's record.
type Registry interface {
	// Resolve returns the identity for a DID, or ErrUnknownAgent.
	Resolve(did string) (*AgentIdentity, error)

	// Register adds a new identity. The DID must be unused.
	Register(agent *AgentIdentity) error

	// RotateKey appends a new verification key to an identity.
	RotateKey(did string, key VerificationKey) error

	// SetTrustLevel updates the stored trust level for a DID.
	SetTrustLevel(did string, level TrustLevel) error
}

// InMemoryRegistry is the default single-process Registry.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*AgentIdentity
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		agents: make(map[string]*AgentIdentity),
	}
}

func (r *InMemoryRegistry) Resolve(did string) (*AgentIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[did]
	if !ok {
		return nil, ErrUnknownAgent
	}
	return agent.clone(), nil
}

func (r *InMemoryRegistry) Register(agent *AgentIdentity) error {
	if agent == nil || agent.DID == "" {
		return fmt.Errorf("identity: missing did")
	}
	if len(agent.VerificationKeys) == 0 {
		return ErrNoKeys
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.DID]; exists {
		return ErrDuplicateDID
	}

	stored := agent.clone()
	if stored.CombineMode == "" {
		stored.CombineMode = CombineConjunctive
	}
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now().UTC()
	}
	r.agents[agent.DID] = stored
	return nil
}

func (r *InMemoryRegistry) RotateKey(did string, key VerificationKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[did]
	if !ok {
		return ErrUnknownAgent
	}
	if key.ActivatedAt.IsZero() {
		key.ActivatedAt = time.Now().UTC()
	}
	agent.VerificationKeys = append(agent.VerificationKeys, key)
	return nil
}

func (r *InMemoryRegistry) SetTrustLevel(did string, level TrustLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[did]
	if !ok {
		return ErrUnknownAgent
	}
	agent.TrustLevel = level
	return nil
}
