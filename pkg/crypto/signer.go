package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/agent-trust-protocol/core/pkg/identity"
)

// HybridSigner holds both legs of an agent's hybrid key pair. The
// engine itself never signs challenges; agents do. This type exists
// for tests, tooling, and the demo binary.
type HybridSigner struct {
	edPub  ed25519.PublicKey
	edPriv ed25519.PrivateKey
	mlPub  *mldsa65.PublicKey
	mlPriv *mldsa65.PrivateKey
	keyID  string
}

// NewHybridSigner generates fresh Ed25519 and ML-DSA-65 key pairs.
func NewHybridSigner() (*HybridSigner, error) {
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: ed25519 keygen failed: %w", err)
	}
	mlPub, mlPriv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: ML-DSA-65 keygen failed: %w", err)
	}
	return &HybridSigner{
		edPub:  edPub,
		edPriv: edPriv,
		mlPub:  mlPub,
		mlPriv: mlPriv,
		keyID:  generateKeyID(),
	}, nil
}

// Sign produces a hybrid signature over the covered message for the
// given nonce.
func (s *HybridSigner) Sign(nonce []byte) (HybridSignature, error) {
	message := CoveredMessage(nonce)

	pqSig := make([]byte, MLDSASignatureSize)
	if err := mldsa65.SignTo(s.mlPriv, message, nil, false, pqSig); err != nil {
		return HybridSignature{}, fmt.Errorf("crypto: ML-DSA-65 signing failed: %w", err)
	}

	return HybridSignature{
		ClassicalSig:   ed25519.Sign(s.edPriv, message),
		PQSig:          pqSig,
		CoveredMessage: message,
	}, nil
}

// VerificationKeys returns the key-set entries to register for this
// signer, activated at the given time.
func (s *HybridSigner) VerificationKeys(activatedAt time.Time) []identity.VerificationKey {
	mlBytes, _ := s.mlPub.MarshalBinary()
	return []identity.VerificationKey{
		{
			KeyID:       s.keyID + "-ed",
			Algorithm:   AlgorithmEd25519,
			PublicKey:   append([]byte(nil), s.edPub...),
			ActivatedAt: activatedAt,
		},
		{
			KeyID:       s.keyID + "-ml",
			Algorithm:   AlgorithmMLDSA65,
			PublicKey:   mlBytes,
			ActivatedAt: activatedAt,
		},
	}
}

// KeyID returns the signer's key identifier.
func (s *HybridSigner) KeyID() string {
	return s.keyID
}

func generateKeyID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("key-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)[:16]
}
