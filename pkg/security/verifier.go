package security

import (
	"crypto/ed25519"
	"crypto/hmac"

	"go.dedis.ch/kyber/v3/sign/schnorr"

	"governance_engine/pkg/data"
)

// ProofVerifier decides whether a proof bundle authenticates message for the
// holder of publicKey. Implementations must be safe for concurrent use.
type ProofVerifier interface {
	Verify(publicKey, message []byte, proof data.ProofBundle) bool
}

// VerifierFunc adapts a function to ProofVerifier
type VerifierFunc func(publicKey, message []byte, proof data.ProofBundle) bool

func (f VerifierFunc) Verify(publicKey, message []byte, proof data.ProofBundle) bool {
	return f(publicKey, message, proof)
}

// Ed25519Verifier checks plain Ed25519 signatures
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(publicKey, message []byte, proof data.ProofBundle) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(proof.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, proof.Signature)
}

// SchnorrVerifier checks Schnorr signatures over the Ed25519 group
type SchnorrVerifier struct{}

func (SchnorrVerifier) Verify(publicKey, message []byte, proof data.ProofBundle) bool {
	if len(proof.Signature) == 0 {
		return false
	}
	point, err := decodeSchnorrPublic(publicKey)
	if err != nil {
		return false
	}
	return schnorr.Verify(suite, point, message, proof.Signature) == nil
}

// CommitRevealVerifier checks that the reveal opens the commitment and is
// itself an Ed25519 or Schnorr signature over message by publicKey
type CommitRevealVerifier struct{}

func (CommitRevealVerifier) Verify(publicKey, message []byte, proof data.ProofBundle) bool {
	if len(proof.Commitment) == 0 || len(proof.Reveal) == 0 {
		return false
	}
	expected, err := Commit(publicKey, message, proof.Reveal)
	if err != nil || !hmac.Equal(expected, proof.Commitment) {
		return false
	}
	signed := data.ProofBundle{Signature: proof.Reveal}
	return Ed25519Verifier{}.Verify(publicKey, message, signed) ||
		SchnorrVerifier{}.Verify(publicKey, message, signed)
}

// SchemeVerifier dispatches on the bundle's scheme. Unknown schemes fail.
type SchemeVerifier map[data.ProofScheme]ProofVerifier

// NewSchemeVerifier returns a verifier for every built-in scheme
func NewSchemeVerifier() SchemeVerifier {
	return SchemeVerifier{
		data.SchemeEd25519:      Ed25519Verifier{},
		data.SchemeSchnorr:      SchnorrVerifier{},
		data.SchemeCommitReveal: CommitRevealVerifier{},
	}
}

func (sv SchemeVerifier) Verify(publicKey, message []byte, proof data.ProofBundle) bool {
	v, ok := sv[proof.Scheme]
	if !ok {
		return false
	}
	return v.Verify(publicKey, message, proof)
}

var (
	_ ProofVerifier = VerifierFunc(nil)
	_ ProofVerifier = Ed25519Verifier{}
	_ ProofVerifier = SchnorrVerifier{}
	_ ProofVerifier = CommitRevealVerifier{}
	_ ProofVerifier = SchemeVerifier(nil)
)
