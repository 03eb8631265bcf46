// Package crypto implements hybrid classical + post-quantum signature
// verification for agent authentication.
//
// The classical leg is Ed25519 (RFC 8032). The post-quantum leg is
// ML-DSA-65 (NIST FIPS 204). Under the default conjunctive mode both
// sub-signatures must verify independently against the identity's
// active keys.
//
// Verification is a pure function: no side effects, no clock reads
// beyond the caller-supplied reference time, no audit writes. Callers
// report outcomes to the audit recorder themselves.
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/agent-trust-protocol/core/pkg/identity"
)

// Algorithm identifiers for verification keys.
const (
	AlgorithmEd25519 = "Ed25519"   // RFC 8032
	AlgorithmMLDSA65 = "ML-DSA-65" // NIST FIPS 204
)

// Fixed algorithm-defined sizes. Any length mismatch is an immediate
// InvalidSignature rather than an error path, so malformed input never
// reaches timing-sensitive crypto.
const (
	Ed25519PublicKeySize = ed25519.PublicKeySize
	Ed25519SignatureSize = ed25519.SignatureSize
	MLDSAPublicKeySize   = mldsa65.PublicKeySize
	MLDSASignatureSize   = mldsa65.SignatureSize

	// NonceSize is the challenge nonce length: 256 bits of entropy.
	NonceSize = 32
)

// BindingPrefix is the fixed session-binding suffix appended to the
// challenge nonce to form the covered message. It domain-separates
// authentication signatures from any other use of the same keys.
var BindingPrefix = []byte("atp:session-binding:v1")

// CoveredMessage builds the exact byte sequence an agent must sign:
// nonce || BindingPrefix.
func CoveredMessage(nonce []byte) []byte {
	msg := make([]byte, 0, len(nonce)+len(BindingPrefix))
	msg = append(msg, nonce...)
	return append(msg, BindingPrefix...)
}

// HybridSignature pairs a classical and a post-quantum sub-signature
// over the same covered message.
type HybridSignature struct {
	ClassicalSig   []byte `json:"classical_sig"`
	PQSig          []byte `json:"pq_sig"`
	CoveredMessage []byte `json:"covered_message"`
}

// VerifyResult classifies the outcome of hybrid verification.
type VerifyResult int

const (
	Valid VerifyResult = iota
	InvalidSignature
	UnknownAlgorithm
	KeyNotFound
	MalformedInput
)

func (r VerifyResult) String() string {
	switch r {
	case Valid:
		return "valid"
	case InvalidSignature:
		return "invalid_signature"
	case UnknownAlgorithm:
		return "unknown_algorithm"
	case KeyNotFound:
		return "key_not_found"
	case MalformedInput:
		return "malformed_input"
	default:
		return "unknown"
	}
}

// Verify checks a hybrid signature against an identity's active keys.
//
// The message must equal the covered-message format (nonce followed by
// BindingPrefix) and match the signature's recorded covered message;
// any structural mismatch fails fast with MalformedInput before any
// cryptographic work. Key lookup uses the identity's active keys at
// the reference time at, so rotated-out keys still
// verify historical signatures until expiry.
//
// Combination follows the identity's CombineMode: conjunctive (both
// legs must pass, the default) or disjunctive (either leg). Callers
// treating a disjunctive identity must cap its effective trust at
// basic; the WeakCombination flag on the result surfaces this.
func Verify(message []byte, sig HybridSignature, agent *identity.AgentIdentity, at time.Time) Verification {
	if !wellFormedMessage(message) || !bytes.Equal(message, sig.CoveredMessage) {
		return Verification{Result: MalformedInput}
	}

	mode := agent.CombineMode
	if mode == "" {
		mode = identity.CombineConjunctive
	}

	if len(agent.VerificationKeys) > 0 && !hasSupportedAlgorithm(agent) {
		return Verification{Result: UnknownAlgorithm}
	}

	classicalKey, ok := agent.ActiveKey(AlgorithmEd25519, at)
	if !ok {
		return Verification{Result: KeyNotFound}
	}
	pqKey, ok := agent.ActiveKey(AlgorithmMLDSA65, at)
	if !ok {
		return Verification{Result: KeyNotFound}
	}

	classicalOK, res := verifyClassical(classicalKey.PublicKey, message, sig.ClassicalSig)
	if res != Valid && mode == identity.CombineConjunctive {
		return Verification{Result: res}
	}
	pqOK, pqRes := verifyPQ(pqKey.PublicKey, message, sig.PQSig)

	switch mode {
	case identity.CombineDisjunctive:
		if classicalOK || pqOK {
			return Verification{Result: Valid, WeakCombination: true}
		}
		return Verification{Result: worst(res, pqRes), WeakCombination: true}
	default:
		if pqRes != Valid {
			return Verification{Result: pqRes}
		}
		if classicalOK && pqOK {
			return Verification{Result: Valid}
		}
		return Verification{Result: InvalidSignature}
	}
}

// Verification is the full outcome of a hybrid verification.
type Verification struct {
	Result VerifyResult

	// WeakCombination is set when the identity opted into the
	// disjunctive mode, so callers can audit the weaker guarantee.
	WeakCombination bool
}

// hasSupportedAlgorithm reports whether any key in the set names an
// algorithm this verifier implements. A key set made entirely of
// unrecognized algorithm ids is UnknownAlgorithm, not KeyNotFound.
func hasSupportedAlgorithm(agent *identity.AgentIdentity) bool {
	for _, k := range agent.VerificationKeys {
		if k.Algorithm == AlgorithmEd25519 || k.Algorithm == AlgorithmMLDSA65 {
			return true
		}
	}
	return false
}

func wellFormedMessage(message []byte) bool {
	if len(message) != NonceSize+len(BindingPrefix) {
		return false
	}
	return bytes.Equal(message[NonceSize:], BindingPrefix)
}

func verifyClassical(pub, message, sig []byte) (bool, VerifyResult) {
	if len(pub) != Ed25519PublicKeySize {
		return false, KeyNotFound
	}
	if len(sig) != Ed25519SignatureSize {
		return false, InvalidSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, sig) {
		return false, InvalidSignature
	}
	return true, Valid
}

func verifyPQ(pub, message, sig []byte) (bool, VerifyResult) {
	if len(pub) != MLDSAPublicKeySize {
		return false, KeyNotFound
	}
	if len(sig) != MLDSASignatureSize {
		return false, InvalidSignature
	}
	var pk mldsa65.PublicKey
	if err := pk.UnmarshalBinary(pub); err != nil {
		return false, KeyNotFound
	}
	if !mldsa65.Verify(&pk, message, nil, sig) {
		return false, InvalidSignature
	}
	return true, Valid
}

// worst picks the more specific failure for disjunctive reporting.
func worst(a, b VerifyResult) VerifyResult {
	if a == Valid {
		return b
	}
	if b == Valid {
		return a
	}
	if a == InvalidSignature || b == InvalidSignature {
		return InvalidSignature
	}
	return a
}
