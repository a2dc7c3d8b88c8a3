package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"

	"governance_engine/pkg/data"
)

const (
	// Key derivation parameters
	pbkdfIterations = 100000
	keyLength       = 32

	// Token parameters
	tokenIssuer = "governance_engine"
)

var ErrInvalidToken = errors.New("invalid session token")

// suite is the kyber group used for Schnorr proofs
var suite = edwards25519.NewBlakeSHA256Ed25519()

// KeyPair represents a cryptographic key pair
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
	Scheme     data.ProofScheme
	Created    time.Time
}

// GenerateKeyPair creates a new Ed25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
		Scheme:     data.SchemeEd25519,
		Created:    time.Now(),
	}, nil
}

// GenerateSchnorrKeyPair creates a key pair on the Ed25519 curve for
// Schnorr proofs
func GenerateSchnorrKeyPair() (*KeyPair, error) {
	private := suite.Scalar().Pick(suite.RandomStream())
	public := suite.Point().Mul(private, nil)

	pub, err := public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	priv, err := private.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}

	return &KeyPair{
		PublicKey:  pub,
		PrivateKey: priv,
		Scheme:     data.SchemeSchnorr,
		Created:    time.Now(),
	}, nil
}

// Prove signs message with the key pair and returns the matching proof bundle
func (kp *KeyPair) Prove(message []byte) (data.ProofBundle, error) {
	switch kp.Scheme {
	case data.SchemeEd25519:
		if len(kp.PrivateKey) != ed25519.PrivateKeySize {
			return data.ProofBundle{}, fmt.Errorf("private key not available")
		}
		return data.ProofBundle{
			Scheme:    data.SchemeEd25519,
			Signature: ed25519.Sign(kp.PrivateKey, message),
		}, nil
	case data.SchemeSchnorr:
		private := suite.Scalar()
		if err := private.UnmarshalBinary(kp.PrivateKey); err != nil {
			return data.ProofBundle{}, fmt.Errorf("decoding private key: %w", err)
		}
		sig, err := schnorr.Sign(suite, private, message)
		if err != nil {
			return data.ProofBundle{}, fmt.Errorf("schnorr signing: %w", err)
		}
		return data.ProofBundle{Scheme: data.SchemeSchnorr, Signature: sig}, nil
	}
	return data.ProofBundle{}, fmt.Errorf("unsupported scheme %q", kp.Scheme)
}

// ExportPublicKey returns the public key in base64
func (kp *KeyPair) ExportPublicKey() string {
	return base64.StdEncoding.EncodeToString(kp.PublicKey)
}

// Commit returns the commitment binding reveal to message under publicKey.
// It is a blake2b-256 MAC keyed with the public key.
func Commit(publicKey, message, reveal []byte) ([]byte, error) {
	h, err := blake2b.New256(publicKey)
	if err != nil {
		return nil, fmt.Errorf("creating commitment hasher: %w", err)
	}
	h.Write(message)
	h.Write(reveal)
	return h.Sum(nil), nil
}

// CommitReveal signs message and commits to the signature. The reveal is the
// signature itself, so only the key holder can open the commitment.
func (kp *KeyPair) CommitReveal(message []byte) (data.ProofBundle, error) {
	signed, err := kp.Prove(message)
	if err != nil {
		return data.ProofBundle{}, err
	}
	commitment, err := Commit(kp.PublicKey, message, signed.Signature)
	if err != nil {
		return data.ProofBundle{}, err
	}
	return data.ProofBundle{
		Scheme:     data.SchemeCommitReveal,
		Commitment: commitment,
		Reveal:     signed.Signature,
	}, nil
}

func decodeSchnorrPublic(publicKey []byte) (kyber.Point, error) {
	point := suite.Point()
	if err := point.UnmarshalBinary(publicKey); err != nil {
		return nil, err
	}
	return point, nil
}

// DeriveKey derives a signing key from a secret and salt
func DeriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, pbkdfIterations, keyLength, sha256.New)
}

// SessionClaims are the JWT claims of an authenticated session
type SessionClaims struct {
	IdentityID string `json:"identity_id"`
	Method     string `json:"method"`
	jwt.RegisteredClaims
}

// TokenSigner issues and validates HS256 session tokens
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner derives the HMAC key from secret and salt with PBKDF2. An
// empty secret draws a random one, so tokens do not survive a restart.
func NewTokenSigner(secret, salt string) (*TokenSigner, error) {
	raw := []byte(secret)
	if len(raw) == 0 {
		raw = make([]byte, keyLength)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generating token secret: %w", err)
		}
	}
	return &TokenSigner{secret: DeriveKey(raw, []byte(salt))}, nil
}

// Issue signs a token for a session
func (ts *TokenSigner) Issue(sessionID, identityID, method string, issuedAt, expiresAt time.Time) (string, error) {
	claims := SessionClaims{
		IdentityID: identityID,
		Method:     method,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Issuer:    tokenIssuer,
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(ts.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Parse checks the token signature and issuer and returns its claims. Expiry
// is left to the caller, which evaluates it against its own clock.
func (ts *TokenSigner) Parse(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ts.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Issuer != tokenIssuer {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
