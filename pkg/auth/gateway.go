package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"governance_engine/pkg/config"
	"governance_engine/pkg/data"
	"governance_engine/pkg/identity"
	"governance_engine/pkg/security"
	"governance_engine/pkg/utils"
)

const nonceSize = 32

var (
	ErrNoChallenge      = errors.New("no pending challenge")
	ErrChallengeExpired = errors.New("challenge expired")
)

// Method is an authentication proof method
type Method string

const (
	MethodEd25519Signature Method = "ed25519_signature"
	MethodSchnorrSignature Method = "schnorr_signature"
	MethodCommitReveal     Method = "commit_reveal"
)

var methodSchemes = map[Method]data.ProofScheme{
	MethodEd25519Signature: data.SchemeEd25519,
	MethodSchnorrSignature: data.SchemeSchnorr,
	MethodCommitReveal:     data.SchemeCommitReveal,
}

// Session is an authenticated, time-boxed session
type Session struct {
	ID         string
	IdentityID string
	Method     Method
	Token      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

type challenge struct {
	nonce     []byte
	expiresAt time.Time
}

// Gateway authenticates identities against a one-time challenge and tracks
// the sessions it opened
type Gateway struct {
	cfg        *config.AuthConfig
	registry   *identity.Registry
	signer     *security.TokenSigner
	verifier   security.SchemeVerifier
	clock      clock.Clock
	logger     *zap.Logger
	challenges map[string]*challenge
	sessions   map[string]*Session
	mu         sync.RWMutex
}

// NewGateway creates an authentication gateway
func NewGateway(cfg *config.AuthConfig, registry *identity.Registry, clk clock.Clock, logger *zap.Logger) (*Gateway, error) {
	if clk == nil {
		clk = clock.New()
	}
	signer, err := security.NewTokenSigner(cfg.JWTSecret, cfg.JWTSalt)
	if err != nil {
		return nil, fmt.Errorf("creating token signer: %w", err)
	}

	return &Gateway{
		cfg:        cfg,
		registry:   registry,
		signer:     signer,
		verifier:   security.NewSchemeVerifier(),
		clock:      clk,
		logger:     logger,
		challenges: make(map[string]*challenge),
		sessions:   make(map[string]*Session),
	}, nil
}

// ChallengeMessage is the message an identity proves possession of its key over
func ChallengeMessage(identityID string, nonce []byte) []byte {
	msg := make([]byte, 0, len(identityID)+1+len(nonce))
	msg = append(msg, identityID...)
	msg = append(msg, 0)
	return append(msg, nonce...)
}

// Challenge issues a fresh nonce for identityID, replacing any pending one
func (g *Gateway) Challenge(ctx context.Context, identityID string) ([]byte, error) {
	if _, err := g.activeIdentity(identityID); err != nil {
		return nil, err
	}

	nonce, err := utils.GenerateRandomBytes(nonceSize)
	if err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	g.mu.Lock()
	g.challenges[identityID] = &challenge{
		nonce:     nonce,
		expiresAt: g.clock.Now().Add(g.cfg.ChallengeTTL),
	}
	g.mu.Unlock()

	return append([]byte(nil), nonce...), nil
}

// Authenticate checks proof against the pending challenge and opens a
// session. A challenge is consumed by the first attempt, successful or not.
func (g *Gateway) Authenticate(ctx context.Context, identityID string, method Method, proof data.ProofBundle) (*Session, error) {
	scheme, ok := methodSchemes[method]
	if !ok {
		return nil, fmt.Errorf("method %q: %w", method, data.ErrUnsupportedMethod)
	}

	now := g.clock.Now()
	g.mu.Lock()
	ch, exists := g.challenges[identityID]
	delete(g.challenges, identityID)
	g.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("identity %s: %w", identityID, ErrNoChallenge)
	}
	if !now.Before(ch.expiresAt) {
		return nil, fmt.Errorf("identity %s: %w", identityID, ErrChallengeExpired)
	}

	ident, err := g.activeIdentity(identityID)
	if err != nil {
		return nil, err
	}
	if proof.Scheme != scheme || !g.verifier.Verify(ident.PublicKey, ChallengeMessage(identityID, ch.nonce), proof) {
		g.logger.Warn("Authentication failed",
			zap.String("identityID", identityID),
			zap.String("method", string(method)))
		return nil, fmt.Errorf("identity %s: %w", identityID, data.ErrInvalidProof)
	}

	session := &Session{
		ID:         uuid.New().String(),
		IdentityID: identityID,
		Method:     method,
		IssuedAt:   now,
		ExpiresAt:  now.Add(g.cfg.SessionTimeout),
	}
	session.Token, err = g.signer.Issue(session.ID, identityID, string(method), session.IssuedAt, session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("issuing session token: %w", err)
	}

	g.mu.Lock()
	g.sessions[session.ID] = session
	g.mu.Unlock()

	g.logger.Info("Session opened",
		zap.String("sessionID", session.ID),
		zap.String("identityID", identityID),
		zap.String("method", string(method)),
		zap.Time("expiresAt", session.ExpiresAt))

	out := *session
	return &out, nil
}

// Validate resolves a token to its live session. Expired sessions and those
// of revoked identities are removed on use.
func (g *Gateway) Validate(ctx context.Context, token string) (*Session, error) {
	claims, err := g.signer.Parse(token)
	if err != nil {
		return nil, err
	}

	g.mu.RLock()
	session, exists := g.sessions[claims.ID]
	g.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("session %s: %w", claims.ID, data.ErrSessionNotFound)
	}

	if !g.clock.Now().Before(session.ExpiresAt) {
		g.remove(session.ID)
		return nil, fmt.Errorf("session %s: %w", session.ID, data.ErrSessionExpired)
	}
	if _, err := g.activeIdentity(session.IdentityID); err != nil {
		g.remove(session.ID)
		return nil, err
	}

	out := *session
	return &out, nil
}

// Close ends a session before its timeout
func (g *Gateway) Close(ctx context.Context, sessionID string) error {
	if !g.remove(sessionID) {
		return fmt.Errorf("session %s: %w", sessionID, data.ErrSessionNotFound)
	}
	g.logger.Info("Session closed", zap.String("sessionID", sessionID))
	return nil
}

// Sweep drops expired sessions and challenges and returns how many sessions
// were removed
func (g *Gateway) Sweep(ctx context.Context) int {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, s := range g.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(g.sessions, id)
			removed++
		}
	}
	for id, ch := range g.challenges {
		if !now.Before(ch.expiresAt) {
			delete(g.challenges, id)
		}
	}

	if removed > 0 {
		g.logger.Debug("Expired sessions swept", zap.Int("removed", removed))
	}
	return removed
}

// ActiveSessions returns the number of tracked sessions
func (g *Gateway) ActiveSessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

func (g *Gateway) activeIdentity(id string) (*data.Identity, error) {
	ident, err := g.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if ident.Revoked {
		return nil, fmt.Errorf("identity %s: %w", id, data.ErrRevokedIdentity)
	}
	return ident, nil
}

func (g *Gateway) remove(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.sessions[sessionID]; !exists {
		return false
	}
	delete(g.sessions, sessionID)
	return true
}
