package identity

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"governance_engine/pkg/data"
	"governance_engine/pkg/security"
	"governance_engine/pkg/utils"
)

// FraudReporter receives registration attempts that reuse a known public key
type FraudReporter interface {
	ReportDuplicateKey(ctx context.Context, existingID, attemptedID string)
}

// RegistrationMessage is the payload a registrant signs to prove it holds
// the private half of publicKey
func RegistrationMessage(nodeID string, publicKey []byte) []byte {
	msg := make([]byte, 0, len("register\x00")+len(nodeID)+1+len(publicKey))
	msg = append(msg, "register\x00"...)
	msg = append(msg, nodeID...)
	msg = append(msg, 0)
	return append(msg, publicKey...)
}

// Registry owns every participant identity. Callers only ever receive clones.
type Registry struct {
	identities map[string]*data.Identity
	byKey      map[string]string
	repo       data.Repository
	verifier   security.ProofVerifier
	clock      clock.Clock
	logger     *zap.Logger
	fraud      FraudReporter
	mu         sync.RWMutex
}

// NewRegistry creates a registry persisting through repo
func NewRegistry(repo data.Repository, clk clock.Clock, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		identities: make(map[string]*data.Identity),
		byKey:      make(map[string]string),
		repo:       repo,
		verifier:   security.NewSchemeVerifier(),
		clock:      clk,
		logger:     logger,
	}
}

// SetVerifier replaces the key possession verifier
func (r *Registry) SetVerifier(v security.ProofVerifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifier = v
}

// SetFraudReporter installs the duplicate-key hook
func (r *Registry) SetFraudReporter(fr FraudReporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fraud = fr
}

// Load restores identities from the repository
func (r *Registry) Load(ctx context.Context) error {
	identities, err := r.repo.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("loading identities: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, identity := range identities {
		r.identities[identity.ID] = identity
		key := keyOf(identity.PublicKey)
		if _, taken := r.byKey[key]; !taken {
			r.byKey[key] = identity.ID
		}
	}

	r.logger.Info("Identities loaded", zap.Int("count", len(identities)))
	return nil
}

// Register creates an identity with a tier assessed from evidence
func (r *Registry) Register(ctx context.Context, nodeID string, publicKey []byte, class data.IdentityClass, evidence data.VerificationEvidence) (*data.Identity, error) {
	if nodeID == "" {
		return nil, data.ErrInvalidID
	}
	if len(publicKey) == 0 {
		return nil, fmt.Errorf("identity %s: public key cannot be empty", nodeID)
	}
	if !class.Valid() {
		return nil, fmt.Errorf("unknown identity class %q", class)
	}
	if evidence.StakeAmount < 0 {
		return nil, data.ErrInvalidAmount
	}

	// Only the key holder may claim a key
	r.mu.RLock()
	verifier := r.verifier
	r.mu.RUnlock()
	if !verifier.Verify(publicKey, RegistrationMessage(nodeID, publicKey), evidence.KeyProof) {
		r.logger.Warn("Registration without proof of key possession",
			zap.String("identityID", nodeID))
		return nil, fmt.Errorf("registration of %s: %w", nodeID, data.ErrInvalidProof)
	}

	identity, existing, fraud, err := r.insert(ctx, nodeID, publicKey, class, evidence)
	if existing != "" {
		r.logger.Warn("Public key already registered",
			zap.String("existingID", existing),
			zap.String("attemptedID", nodeID))
		if fraud != nil {
			fraud.ReportDuplicateKey(ctx, existing, nodeID)
		}
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info("Identity registered",
		zap.String("identityID", nodeID),
		zap.String("class", string(class)),
		zap.Stringer("tier", identity.Tier),
		zap.Float64("votingPower", identity.VotingPower))

	return identity, nil
}

// insert stores a new identity. On a key collision it returns the holder of
// the key so the fraud hook can run outside the lock.
func (r *Registry) insert(ctx context.Context, nodeID string, publicKey []byte, class data.IdentityClass, evidence data.VerificationEvidence) (*data.Identity, string, FraudReporter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.identities[nodeID]; exists {
		return nil, "", nil, fmt.Errorf("identity %s: %w", nodeID, data.ErrDuplicateIdentity)
	}
	if existing, taken := r.byKey[keyOf(publicKey)]; taken {
		return nil, existing, r.fraud, fmt.Errorf("public key of %s already held by %s: %w", nodeID, existing, data.ErrDuplicateIdentity)
	}

	now := r.clock.Now().UTC()
	reputation := InitialScore
	if evidence.ReputationHistory > 0 {
		reputation = utils.Clamp(evidence.ReputationHistory, MinReputationScore, MaxReputationScore)
	}
	tier := AssessTier(evidence)

	identity := &data.Identity{
		ID:          nodeID,
		PublicKey:   append([]byte(nil), publicKey...),
		Class:       class,
		Tier:        tier,
		Reputation:  reputation,
		Stake:       evidence.StakeAmount,
		VotingPower: VotingPower(class, tier, evidence.StakeAmount),
		CreatedAt:   now,
		UpdatedAt:   now,
		LastActive:  now,
	}

	if err := r.persist(ctx, identity); err != nil {
		return nil, "", nil, err
	}
	r.identities[nodeID] = identity
	r.byKey[keyOf(publicKey)] = nodeID

	return identity.Clone(), "", nil, nil
}

// Get returns a copy of the identity
func (r *Registry) Get(id string) (*data.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, exists := r.identities[id]
	if !exists {
		return nil, fmt.Errorf("identity %s: %w", id, data.ErrIdentityNotFound)
	}
	return identity.Clone(), nil
}

// List returns copies of all identities ordered by registration time
func (r *Registry) List() []*data.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]*data.Identity, 0, len(r.identities))
	for _, identity := range r.identities {
		identities = append(identities, identity.Clone())
	}
	sort.Slice(identities, func(i, j int) bool {
		if identities[i].CreatedAt.Equal(identities[j].CreatedAt) {
			return identities[i].ID < identities[j].ID
		}
		return identities[i].CreatedAt.Before(identities[j].CreatedAt)
	})
	return identities
}

// Count returns the number of registered identities, revoked ones included
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

// Endorse records a typed endorsement. The endorsee's tier is not recomputed.
func (r *Registry) Endorse(ctx context.Context, endorserID, endorseeID string, kind data.EndorsementType, weight float64) error {
	if endorserID == endorseeID {
		return fmt.Errorf("identity %s cannot endorse itself", endorserID)
	}
	if weight <= 0 || weight > 1 {
		return fmt.Errorf("endorsement weight must be in (0, 1], got %v", weight)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	endorser, err := r.lookup(endorserID)
	if err != nil {
		return err
	}
	if endorser.Revoked {
		return fmt.Errorf("endorser %s: %w", endorserID, data.ErrRevokedIdentity)
	}

	return r.update(ctx, endorseeID, func(identity *data.Identity, now time.Time) error {
		identity.Endorsements = append(identity.Endorsements, data.Endorsement{
			EndorserID: endorserID,
			Type:       kind,
			Weight:     weight,
			CreatedAt:  now,
		})
		return nil
	})
}

// Reverify re-assesses the tier from fresh evidence and recomputes voting power
func (r *Registry) Reverify(ctx context.Context, id string, evidence data.VerificationEvidence) (*data.Identity, error) {
	if evidence.StakeAmount < 0 {
		return nil, data.ErrInvalidAmount
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.update(ctx, id, func(identity *data.Identity, _ time.Time) error {
		if identity.Revoked {
			return fmt.Errorf("identity %s: %w", id, data.ErrRevokedIdentity)
		}
		identity.Tier = AssessTier(evidence)
		identity.Stake = evidence.StakeAmount
		return nil
	})
	if err != nil {
		return nil, err
	}

	identity := r.identities[id]
	r.logger.Info("Identity re-verified",
		zap.String("identityID", id),
		zap.Stringer("tier", identity.Tier),
		zap.Float64("votingPower", identity.VotingPower))
	return identity.Clone(), nil
}

// Flag appends a security flag and returns its id
func (r *Registry) Flag(ctx context.Context, id string, kind data.ThreatType, severity data.Severity, reason, threatID string) (string, error) {
	flagID := uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.update(ctx, id, func(identity *data.Identity, now time.Time) error {
		identity.Flags = append(identity.Flags, data.SecurityFlag{
			ID:       flagID,
			Type:     kind,
			Severity: severity,
			Reason:   reason,
			RaisedAt: now,
			ThreatID: threatID,
		})
		return nil
	})
	if err != nil {
		return "", err
	}

	r.logger.Warn("Identity flagged",
		zap.String("identityID", id),
		zap.String("type", string(kind)),
		zap.Stringer("severity", severity))
	return flagID, nil
}

// ResolveFlag marks a flag resolved
func (r *Registry) ResolveFlag(ctx context.Context, id, flagID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.update(ctx, id, func(identity *data.Identity, _ time.Time) error {
		for i := range identity.Flags {
			if identity.Flags[i].ID == flagID {
				identity.Flags[i].Resolved = true
				return nil
			}
		}
		return fmt.Errorf("flag %s on %s: %w", flagID, id, data.ErrNotFound)
	})
}

// ResolveThreatFlags resolves every flag raised for threatID and returns how
// many were resolved
func (r *Registry) ResolveThreatFlags(ctx context.Context, threatID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolved := 0
	for id, identity := range r.identities {
		pending := false
		for _, f := range identity.Flags {
			if f.ThreatID == threatID && !f.Resolved {
				pending = true
				break
			}
		}
		if !pending {
			continue
		}
		err := r.update(ctx, id, func(identity *data.Identity, _ time.Time) error {
			for i := range identity.Flags {
				if identity.Flags[i].ThreatID == threatID && !identity.Flags[i].Resolved {
					identity.Flags[i].Resolved = true
					resolved++
				}
			}
			return nil
		})
		if err != nil {
			return resolved, err
		}
	}
	return resolved, nil
}

// Revoke permanently removes the identity's eligibility
func (r *Registry) Revoke(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.update(ctx, id, func(identity *data.Identity, _ time.Time) error {
		identity.Revoked = true
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Warn("Identity revoked", zap.String("identityID", id))
	return nil
}

// ApplyReputationEvent adjusts reputation by the action's bonus or penalty
func (r *Registry) ApplyReputationEvent(ctx context.Context, id string, action ReputationAction, value float64) error {
	delta, err := action.delta(value)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.update(ctx, id, func(identity *data.Identity, now time.Time) error {
		identity.Reputation = utils.Clamp(identity.Reputation+delta, MinReputationScore, MaxReputationScore)
		if action != Inactivity {
			identity.LastActive = now
		}
		return nil
	})
}

// DecayInactive applies the inactivity penalty to identities idle longer
// than idle and returns how many were penalized
func (r *Registry) DecayInactive(ctx context.Context, idle time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	decayed := 0
	for id, identity := range r.identities {
		if identity.Revoked || now.Sub(identity.LastActive) < idle {
			continue
		}
		err := r.update(ctx, id, func(identity *data.Identity, _ time.Time) error {
			identity.Reputation = utils.Clamp(identity.Reputation-InactivityPenalty, MinReputationScore, MaxReputationScore)
			return nil
		})
		if err != nil {
			return decayed, err
		}
		decayed++
	}

	if decayed > 0 {
		r.logger.Debug("Inactivity penalty applied", zap.Int("identities", decayed))
	}
	return decayed, nil
}

// TrustScore sums endorsement weights from non-revoked endorsers, each
// weighted by the endorser's reputation
func (r *Registry) TrustScore(id string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, err := r.lookup(id)
	if err != nil {
		return 0, err
	}

	score := 0.0
	for _, e := range identity.Endorsements {
		endorser, exists := r.identities[e.EndorserID]
		if !exists || endorser.Revoked {
			continue
		}
		score += e.Weight * endorser.Reputation
	}
	return score, nil
}

// TotalEligiblePower sums voting power over non-revoked, unblocked identities
func (r *Registry) TotalEligiblePower() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0.0
	for _, identity := range r.identities {
		if identity.Revoked || identity.Blocked() {
			continue
		}
		total += identity.VotingPower
	}
	return total
}

// CheckEligibility returns a copy of the identity if it satisfies req
func (r *Registry) CheckEligibility(id string, req data.VotingRequirements) (*data.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, err := r.lookup(id)
	if err != nil {
		return nil, err
	}

	switch {
	case identity.Revoked:
		return nil, fmt.Errorf("identity %s: %w", id, data.ErrRevokedIdentity)
	case identity.Blocked():
		return nil, fmt.Errorf("identity %s has blocking security flags: %w", id, data.ErrNotEligible)
	case !identity.Tier.AtLeast(req.MinTier):
		return nil, fmt.Errorf("identity %s tier %s below %s: %w", id, identity.Tier, req.MinTier, data.ErrNotEligible)
	case identity.Stake < req.MinStake:
		return nil, fmt.Errorf("identity %s stake %.2f below %.2f: %w", id, identity.Stake, req.MinStake, data.ErrNotEligible)
	case identity.Reputation < req.MinReputation:
		return nil, fmt.Errorf("identity %s reputation %.2f below %.2f: %w", id, identity.Reputation, req.MinReputation, data.ErrNotEligible)
	}

	return identity.Clone(), nil
}

func (r *Registry) lookup(id string) (*data.Identity, error) {
	identity, exists := r.identities[id]
	if !exists {
		return nil, fmt.Errorf("identity %s: %w", id, data.ErrIdentityNotFound)
	}
	return identity, nil
}

// update applies fn to a copy, recomputes voting power, persists the copy
// and only then swaps it in. Callers hold r.mu.
func (r *Registry) update(ctx context.Context, id string, fn func(identity *data.Identity, now time.Time) error) error {
	current, err := r.lookup(id)
	if err != nil {
		return err
	}

	now := r.clock.Now().UTC()
	next := current.Clone()
	if err := fn(next, now); err != nil {
		return err
	}
	next.VotingPower = VotingPower(next.Class, next.Tier, next.Stake)
	next.UpdatedAt = now

	if err := r.persist(ctx, next); err != nil {
		return err
	}
	r.identities[id] = next
	return nil
}

func (r *Registry) persist(ctx context.Context, identity *data.Identity) error {
	if err := r.repo.SaveIdentity(ctx, identity); err != nil {
		return fmt.Errorf("saving identity %s: %w", identity.ID, err)
	}
	return nil
}

func keyOf(publicKey []byte) string {
	return hex.EncodeToString(publicKey)
}
