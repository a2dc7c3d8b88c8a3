package voting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"governance_engine/pkg/consensus"
	"governance_engine/pkg/data"
	"governance_engine/pkg/identity"
	"governance_engine/pkg/proposal"
	"governance_engine/pkg/security"
)

// MaxClockSkew bounds how far a ballot's signed timestamp may sit from the
// engine clock at acceptance
const MaxClockSkew = 5 * time.Minute

// Ballot is an inbound, signed vote
type Ballot struct {
	ProposalID    string
	VoterID       string
	Choice        data.VoteChoice
	DelegateTo    string
	Justification string
	Timestamp     time.Time
	Proof         data.ProofBundle
}

// SigningBytes returns the message the voter signs
func (b Ballot) SigningBytes() []byte {
	v := data.Vote{
		ProposalID: b.ProposalID,
		VoterID:    b.VoterID,
		Choice:     b.Choice,
		DelegateTo: b.DelegateTo,
		Timestamp:  b.Timestamp,
	}
	return v.SigningBytes()
}

// Listener is called for every accepted vote with the tally it produced
type Listener func(vote data.Vote, tally data.VoteTally)

// Processor validates ballots and records at most one vote per voter and
// proposal
type Processor struct {
	manager   *proposal.Manager
	registry  *identity.Registry
	finalizer *consensus.Finalizer
	verifier  security.ProofVerifier
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *ProcessorMetrics
	listeners []Listener
	mu        sync.RWMutex
}

// NewProcessor creates a vote processor
func NewProcessor(manager *proposal.Manager, registry *identity.Registry, finalizer *consensus.Finalizer, verifier security.ProofVerifier, clk clock.Clock, logger *zap.Logger) *Processor {
	if clk == nil {
		clk = clock.New()
	}
	return &Processor{
		manager:   manager,
		registry:  registry,
		finalizer: finalizer,
		verifier:  verifier,
		clock:     clk,
		logger:    logger,
		metrics:   NewProcessorMetrics(),
	}
}

// OnAccepted registers a listener for accepted votes
func (p *Processor) OnAccepted(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// CastVote validates and records a ballot. Eligibility is checked at the
// moment of acceptance under the proposal lock. A repeated ballot from the
// same voter replaces the earlier vote and is kept in the ballot log.
func (p *Processor) CastVote(ctx context.Context, b Ballot) (*data.Vote, error) {
	vote, tally, err := p.castVote(ctx, b)
	now := p.clock.Now()
	if err != nil {
		p.metrics.RecordRejected(now)
		p.logger.Debug("Vote rejected",
			zap.String("proposalID", b.ProposalID),
			zap.String("voterID", b.VoterID),
			zap.Error(err))
		return nil, err
	}

	p.metrics.RecordAccepted(vote.Weight, vote.Overwrites != "", now)
	if err := p.registry.ApplyReputationEvent(ctx, vote.VoterID, identity.ValidVote, 1); err != nil {
		p.logger.Warn("Failed to apply vote reputation",
			zap.String("voterID", vote.VoterID),
			zap.Error(err))
	}

	p.mu.RLock()
	listeners := p.listeners
	p.mu.RUnlock()
	for _, l := range listeners {
		l(*vote, tally)
	}

	return vote, nil
}

func (p *Processor) castVote(ctx context.Context, b Ballot) (*data.Vote, data.VoteTally, error) {
	vote := &data.Vote{
		ID:            uuid.New().String(),
		ProposalID:    b.ProposalID,
		VoterID:       b.VoterID,
		Choice:        b.Choice,
		DelegateTo:    b.DelegateTo,
		Justification: b.Justification,
		Timestamp:     b.Timestamp.UTC(),
		Proof:         b.Proof,
	}
	if err := vote.Validate(); err != nil {
		if errors.Is(err, data.ErrMissingSignature) {
			return nil, data.VoteTally{}, fmt.Errorf("vote by %s: %w", b.VoterID, data.ErrInvalidProof)
		}
		return nil, data.VoteTally{}, fmt.Errorf("invalid vote: %w", err)
	}

	var tally data.VoteTally
	err := p.manager.CastBallot(ctx, b.ProposalID, func(prop *data.Proposal, now time.Time) (func(), error) {
		// Revocation and flags are settled before the ballot is looked at
		voter, err := p.registry.CheckEligibility(b.VoterID, prop.Requirements)
		if err != nil {
			return nil, fmt.Errorf("voter on %s: %w", b.ProposalID, err)
		}
		if skew := vote.Timestamp.Sub(now); skew > MaxClockSkew || skew < -MaxClockSkew {
			return nil, fmt.Errorf("vote by %s on %s: timestamp %s off by %s: %w",
				b.VoterID, b.ProposalID, vote.Timestamp.Format(time.RFC3339), skew, data.ErrInvalidTime)
		}
		if !p.verifier.Verify(voter.PublicKey, vote.SigningBytes(), vote.Proof) {
			return nil, fmt.Errorf("vote by %s on %s: %w", b.VoterID, b.ProposalID, data.ErrInvalidProof)
		}
		if vote.Choice == data.ChoiceDelegate {
			if _, err := p.registry.CheckEligibility(vote.DelegateTo, data.VotingRequirements{}); err != nil {
				return nil, fmt.Errorf("delegate %s: %w", vote.DelegateTo, err)
			}
		}

		vote.Power = voter.VotingPower
		vote.Weight = ComputeWeight(voter, prop.Category, now)
		vote.AcceptedAt = now.UTC()

		prior := prop.Votes[vote.VoterID]
		if prior != nil {
			vote.Overwrites = prior.ID
		}
		prop.Votes[vote.VoterID] = vote
		prop.Ballots = append(prop.Ballots, vote)

		stored := *vote
		return func() {
			tally = p.finalizer.Apply(prop.ID, prior, &stored, prop.Requirements)
		}, nil
	})
	if err != nil {
		return nil, data.VoteTally{}, err
	}

	fields := []zap.Field{
		zap.String("proposalID", vote.ProposalID),
		zap.String("voterID", vote.VoterID),
		zap.String("choice", string(vote.Choice)),
		zap.Float64("weight", vote.Weight),
		zap.Float64("participation", tally.ParticipationRate),
		zap.String("liveResult", string(tally.Result)),
	}
	if vote.Overwrites != "" {
		p.logger.Info("Vote overwritten", append(fields, zap.String("overwrites", vote.Overwrites))...)
	} else {
		p.logger.Info("Vote recorded", fields...)
	}

	out := *vote
	return &out, tally, nil
}

// GetStats returns vote processing statistics
func (p *Processor) GetStats() ProcessorStats {
	return p.metrics.GetStats()
}
