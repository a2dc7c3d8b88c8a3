package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"governance_engine/pkg/data"
	"governance_engine/pkg/utils"
)

// PowerSource reports the voting power of all currently eligible identities
type PowerSource interface {
	TotalEligiblePower() float64
}

// Finalizer owns the running vote tallies and the append-only, hash-chained
// consensus history
type Finalizer struct {
	repo       data.Repository
	power      PowerSource
	retry      *utils.RetryConfig
	clock      clock.Clock
	logger     *zap.Logger
	tallies    map[string]*data.VoteTally
	history    []*data.ConsensusRound
	byProposal map[string]*data.ConsensusRound
	histMu     sync.Mutex
	mu         sync.RWMutex
}

// NewFinalizer creates a finalizer appending rounds to repo
func NewFinalizer(repo data.Repository, power PowerSource, clk clock.Clock, logger *zap.Logger) *Finalizer {
	if clk == nil {
		clk = clock.New()
	}
	retry := utils.DefaultRetryConfig()
	retry.FatalErrors = []error{data.ErrDuplicate, context.Canceled, context.DeadlineExceeded}

	return &Finalizer{
		repo:       repo,
		power:      power,
		retry:      retry,
		clock:      clk,
		logger:     logger,
		tallies:    make(map[string]*data.VoteTally),
		byProposal: make(map[string]*data.ConsensusRound),
	}
}

// SetRetryConfig overrides the retry policy of durable appends
func (f *Finalizer) SetRetryConfig(cfg *utils.RetryConfig) {
	f.histMu.Lock()
	defer f.histMu.Unlock()
	f.retry = cfg
}

// Load restores the consensus history and verifies its hash chain. A broken
// chain is returned as ErrHistoryBroken and nothing is loaded.
func (f *Finalizer) Load(ctx context.Context) error {
	rounds, err := f.repo.ListRounds(ctx)
	if err != nil {
		return fmt.Errorf("loading consensus history: %w", err)
	}
	if err := data.VerifyChain(rounds); err != nil {
		return err
	}

	f.histMu.Lock()
	defer f.histMu.Unlock()

	f.history = rounds
	f.byProposal = make(map[string]*data.ConsensusRound, len(rounds))
	for _, round := range rounds {
		for _, id := range round.ProposalIDs {
			f.byProposal[id] = round
		}
	}

	f.logger.Info("Consensus history loaded", zap.Int("rounds", len(rounds)))
	return nil
}

// Rebuild recomputes the running tally of every open proposal from its votes
func (f *Finalizer) Rebuild(proposals []*data.Proposal) {
	eligible := f.power.TotalEligiblePower()

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, p := range proposals {
		if p.Status != data.StatusVotingOpen && p.Status != data.StatusVotingClosed {
			continue
		}
		t := Recount(p.ID, p.Votes, eligible)
		t.Result = LiveResult(t, p.Requirements)
		t.ConsensusReached = Decisive(t.Result)
		t.UpdatedAt = f.clock.Now().UTC()
		f.tallies[p.ID] = &t
	}
}

// Apply moves one accepted ballot into the running tally, replacing prior if
// the voter had already voted, and returns the updated tally with its live
// result. Callers serialize Apply per proposal.
func (f *Finalizer) Apply(proposalID string, prior, vote *data.Vote, req data.VotingRequirements) data.VoteTally {
	eligible := f.power.TotalEligiblePower()

	f.mu.Lock()
	defer f.mu.Unlock()

	t, exists := f.tallies[proposalID]
	if !exists {
		t = &data.VoteTally{ProposalID: proposalID}
		f.tallies[proposalID] = t
	}

	if prior != nil {
		addWeight(t, prior.Choice, -prior.Weight)
	} else {
		t.VoteCount++
	}
	addWeight(t, vote.Choice, vote.Weight)

	t.EligiblePower = eligible
	t.ParticipationRate = participation(t.TotalCast, eligible)
	t.Result = LiveResult(*t, req)
	t.ConsensusReached = Decisive(t.Result)
	t.UpdatedAt = f.clock.Now().UTC()

	return *t
}

// Tally returns the running tally of a proposal
func (f *Finalizer) Tally(proposalID string) (data.VoteTally, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	t, exists := f.tallies[proposalID]
	if !exists {
		return data.VoteTally{}, false
	}
	return *t, true
}

// Finalize recounts the proposal's votes, determines the result and durably
// appends a consensus round before returning it. Finalizing an already
// recorded proposal returns its existing round.
func (f *Finalizer) Finalize(ctx context.Context, p *data.Proposal) (*data.ConsensusRound, error) {
	f.histMu.Lock()
	defer f.histMu.Unlock()

	if round, exists := f.byProposal[p.ID]; exists {
		f.logger.Debug("Proposal already finalized",
			zap.String("proposalID", p.ID),
			zap.Uint64("round", round.RoundNumber))
		return round.Clone(), nil
	}

	tally := Recount(p.ID, p.Votes, f.power.TotalEligiblePower())
	result := DetermineResult(tally, p.Requirements)
	now := f.clock.Now().UTC().Truncate(time.Microsecond)
	tally.Result = result
	tally.ConsensusReached = Decisive(result)
	tally.UpdatedAt = now

	round := &data.ConsensusRound{
		RoundNumber: uint64(len(f.history)) + 1,
		ProposerID:  p.ProposerID,
		ProposalIDs: []string{p.ID},
		Votes:       snapshot(p.Votes),
		Tally:       tally,
		Result:      result,
		FinalizedAt: now,
	}
	if err := data.SealRound(round, f.lastHash()); err != nil {
		return nil, fmt.Errorf("sealing round %d: %w", round.RoundNumber, err)
	}

	err := utils.RetryWithBackoff(ctx, func() error {
		return f.repo.AppendRound(ctx, round)
	}, f.retry)
	if err != nil {
		if errors.Is(err, data.ErrDuplicate) {
			f.logger.Error("Consensus round number already taken",
				zap.Uint64("round", round.RoundNumber),
				zap.Error(err))
		}
		return nil, fmt.Errorf("appending round %d: %w", round.RoundNumber, err)
	}

	f.history = append(f.history, round)
	f.byProposal[p.ID] = round

	f.mu.Lock()
	f.tallies[p.ID] = &tally
	f.mu.Unlock()

	f.logger.Info("Consensus round appended",
		zap.Uint64("round", round.RoundNumber),
		zap.String("proposalID", p.ID),
		zap.String("result", string(result)),
		zap.Float64("participation", tally.ParticipationRate),
		zap.Int("votes", len(round.Votes)))

	return round.Clone(), nil
}

// VerifyHistory re-reads the durable history and recomputes its hash chain
func (f *Finalizer) VerifyHistory(ctx context.Context) error {
	rounds, err := f.repo.ListRounds(ctx)
	if err != nil {
		return fmt.Errorf("reading consensus history: %w", err)
	}
	if err := data.VerifyChain(rounds); err != nil {
		return err
	}

	f.histMu.Lock()
	defer f.histMu.Unlock()

	if len(rounds) != len(f.history) {
		return fmt.Errorf("%w: %d durable rounds, %d in memory", data.ErrHistoryBroken, len(rounds), len(f.history))
	}
	return nil
}

// History returns copies of every recorded round in order
func (f *Finalizer) History() []*data.ConsensusRound {
	f.histMu.Lock()
	defer f.histMu.Unlock()

	rounds := make([]*data.ConsensusRound, len(f.history))
	for i, r := range f.history {
		rounds[i] = r.Clone()
	}
	return rounds
}

// Round returns the round that finalized proposalID
func (f *Finalizer) Round(proposalID string) (*data.ConsensusRound, bool) {
	f.histMu.Lock()
	defer f.histMu.Unlock()

	round, exists := f.byProposal[proposalID]
	if !exists {
		return nil, false
	}
	return round.Clone(), true
}

// RoundAt returns the round with the given number
func (f *Finalizer) RoundAt(number uint64) (*data.ConsensusRound, bool) {
	f.histMu.Lock()
	defer f.histMu.Unlock()

	if number == 0 || number > uint64(len(f.history)) {
		return nil, false
	}
	return f.history[number-1].Clone(), true
}

// RoundCount returns the length of the consensus history
func (f *Finalizer) RoundCount() int {
	f.histMu.Lock()
	defer f.histMu.Unlock()
	return len(f.history)
}

// AverageParticipation averages participation over all finalized rounds
func (f *Finalizer) AverageParticipation() float64 {
	f.histMu.Lock()
	defer f.histMu.Unlock()

	if len(f.history) == 0 {
		return 0
	}
	total := 0.0
	for _, r := range f.history {
		total += r.Tally.ParticipationRate
	}
	return total / float64(len(f.history))
}

func (f *Finalizer) lastHash() []byte {
	if len(f.history) == 0 {
		return nil
	}
	return f.history[len(f.history)-1].Hash
}

// snapshot flattens the vote map in voter order so the round hash is stable
func snapshot(votes map[string]*data.Vote) []data.Vote {
	out := make([]data.Vote, 0, len(votes))
	for _, v := range votes {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoterID < out[j].VoterID })
	return out
}
