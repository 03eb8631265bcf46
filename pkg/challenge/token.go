package challenge

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims are the JWT claims minted for a session so transport
// layers can carry an authenticated session reference without calling
// back into the engine on every message.
type SessionClaims struct {
	jwt.RegisteredClaims
	DID        string `json:"did"`
	TrustLevel string `json:"trust_level"`
}

// TokenManager mints and validates Ed25519-signed session tokens.
type TokenManager struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewTokenManager() (*TokenManager, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("challenge: token keygen failed: %w", err)
	}
	return &TokenManager{pub: pub, priv: priv}, nil
}

// Mint creates a signed JWT for a session. The token expiry mirrors
// the session's own expiry; validating the token never extends the
// session.
func (tm *TokenManager) Mint(session *Session) (string, error) {
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.SessionID,
			Subject:   session.DID,
			IssuedAt:  jwt.NewNumericDate(session.AuthenticatedAt),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			Issuer:    "atp/engine",
			Audience:  jwt.ClaimStrings{"atp/transport"},
		},
		DID:        session.DID,
		TrustLevel: session.TrustLevel.String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(tm.priv)
	if err != nil {
		return "", fmt.Errorf("challenge: token signing failed: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a session token, returning its claims.
func (tm *TokenManager) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("challenge: unexpected signing method %s", t.Method.Alg())
		}
		return tm.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("challenge: token validation failed: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
