package proposal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"governance_engine/pkg/config"
	"governance_engine/pkg/data"
	"governance_engine/pkg/identity"
)

// Finalizer turns a closed proposal into a durable consensus round
type Finalizer interface {
	Finalize(ctx context.Context, p *data.Proposal) (*data.ConsensusRound, error)
}

// BallotFunc mutates a copy of an open proposal. The returned commit runs
// after the copy has been persisted, while the proposal lock is still held.
type BallotFunc func(p *data.Proposal, now time.Time) (commit func(), err error)

// Manager owns the proposal lifecycle. Stored proposals are never mutated in
// place: every change is made on a clone, persisted, then swapped in.
type Manager struct {
	cfg       *config.GovernanceConfig
	registry  *identity.Registry
	repo      data.Repository
	finalizer Finalizer
	clock     clock.Clock
	logger    *zap.Logger
	proposals map[string]*data.Proposal
	locks     map[string]*sync.Mutex
	mu        sync.RWMutex
}

// NewManager creates a proposal manager
func NewManager(cfg *config.GovernanceConfig, registry *identity.Registry, repo data.Repository, clk clock.Clock, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		repo:      repo,
		clock:     clk,
		logger:    logger,
		proposals: make(map[string]*data.Proposal),
		locks:     make(map[string]*sync.Mutex),
	}
}

// SetFinalizer installs the consensus finalizer
func (m *Manager) SetFinalizer(f Finalizer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizer = f
}

// Load restores proposals from the repository
func (m *Manager) Load(ctx context.Context) error {
	proposals, err := m.repo.ListProposals(ctx)
	if err != nil {
		return fmt.Errorf("loading proposals: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range proposals {
		if p.Votes == nil {
			p.Votes = make(map[string]*data.Vote)
		}
		m.proposals[p.ID] = p
		m.locks[p.ID] = &sync.Mutex{}
	}

	m.logger.Info("Proposals loaded", zap.Int("count", len(proposals)))
	return nil
}

// Submit validates the proposer, derives voting requirements and opens the
// review period
func (m *Manager) Submit(ctx context.Context, proposerID string, category data.ProposalCategory, title, description string, risk data.RiskAttributes) (*data.Proposal, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("unknown proposal category %q", category)
	}
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("title cannot be empty")
	}

	if _, err := m.registry.CheckEligibility(proposerID, ProposerRequirements(category)); err != nil {
		return nil, fmt.Errorf("proposer for %s: %w", category, err)
	}

	now := m.clock.Now().UTC()
	start := now.Add(m.cfg.ReviewDelay)
	p := &data.Proposal{
		ID:           uuid.New().String(),
		ProposerID:   proposerID,
		Category:     category,
		Title:        title,
		Description:  description,
		Risk:         risk,
		Requirements: Requirements(category, risk, m.cfg.DefaultConsensusThreshold),
		SubmittedAt:  now,
		VotingStart:  start,
		VotingEnd:    start.Add(m.cfg.VotingPeriod),
		Status:       data.StatusDraft,
		Votes:        make(map[string]*data.Vote),
		Result:       data.ResultPending,
	}
	for _, next := range []data.ProposalStatus{data.StatusSubmitted, data.StatusUnderReview} {
		if err := transition(p, next, now); err != nil {
			return nil, err
		}
	}
	advance(p, now)

	m.mu.Lock()
	defer m.mu.Unlock()

	if active := m.activeCountLocked(); active >= m.cfg.MaxActiveProposals {
		return nil, fmt.Errorf("%d active proposals: %w", active, data.ErrCapacityExceeded)
	}
	if err := m.persist(ctx, p); err != nil {
		return nil, err
	}
	m.proposals[p.ID] = p
	m.locks[p.ID] = &sync.Mutex{}

	m.logger.Info("Proposal submitted",
		zap.String("proposalID", p.ID),
		zap.String("proposerID", proposerID),
		zap.String("category", string(category)),
		zap.Float64("consensusThreshold", p.Requirements.ConsensusThreshold),
		zap.Float64("minParticipation", p.Requirements.MinParticipation),
		zap.Time("votingStart", p.VotingStart),
		zap.Time("votingEnd", p.VotingEnd))

	return p.Clone(), nil
}

// Get returns a copy of the proposal with time-driven states advanced
func (m *Manager) Get(ctx context.Context, id string) (*data.Proposal, error) {
	var out *data.Proposal
	err := m.mutate(ctx, id, func(p *data.Proposal, now time.Time) (bool, error) {
		out = p
		return advance(p, now), nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// List returns copies of all proposals ordered by submission time
func (m *Manager) List() []*data.Proposal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	proposals := make([]*data.Proposal, 0, len(m.proposals))
	for _, p := range m.proposals {
		proposals = append(proposals, p.Clone())
	}
	sort.Slice(proposals, func(i, j int) bool {
		if proposals[i].SubmittedAt.Equal(proposals[j].SubmittedAt) {
			return proposals[i].ID < proposals[j].ID
		}
		return proposals[i].SubmittedAt.Before(proposals[j].SubmittedAt)
	})
	return proposals
}

// ActiveCount returns the number of proposals holding an active slot
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCountLocked()
}

// Withdraw cancels a proposal before voting opens. Only the proposer may
// withdraw.
func (m *Manager) Withdraw(ctx context.Context, id, requesterID string) error {
	err := m.mutate(ctx, id, func(p *data.Proposal, now time.Time) (bool, error) {
		advance(p, now)
		if p.ProposerID != requesterID {
			return false, fmt.Errorf("only the proposer may withdraw %s: %w", id, data.ErrNotEligible)
		}
		return true, transition(p, data.StatusWithdrawn, now)
	})
	if err != nil {
		return err
	}

	m.logger.Info("Proposal withdrawn", zap.String("proposalID", id))
	return nil
}

// Discuss appends an entry to the proposal's discussion thread
func (m *Manager) Discuss(ctx context.Context, id, authorID, body, parentID string) (*data.DiscussionEntry, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("discussion body cannot be empty")
	}
	if _, err := m.registry.CheckEligibility(authorID, data.VotingRequirements{}); err != nil {
		return nil, fmt.Errorf("discussion author: %w", err)
	}

	var entry data.DiscussionEntry
	err := m.mutate(ctx, id, func(p *data.Proposal, now time.Time) (bool, error) {
		advance(p, now)
		if !p.Status.IsActive() {
			return false, fmt.Errorf("proposal %s is %s: %w", id, p.Status, data.ErrInvalidTransition)
		}
		if parentID != "" && !hasEntry(p, parentID) {
			return false, fmt.Errorf("parent entry %s: %w", parentID, data.ErrNotFound)
		}
		entry = data.DiscussionEntry{
			ID:        uuid.New().String(),
			AuthorID:  authorID,
			ParentID:  parentID,
			Body:      body,
			CreatedAt: now,
		}
		p.Discussion = append(p.Discussion, entry)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Tick advances every time-driven proposal state and returns how many
// proposals changed
func (m *Manager) Tick(ctx context.Context) (int, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.proposals))
	for id, p := range m.proposals {
		if p.Status == data.StatusUnderReview || p.Status == data.StatusVotingOpen {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	changed := 0
	for _, id := range ids {
		err := m.mutate(ctx, id, func(p *data.Proposal, now time.Time) (bool, error) {
			moved := advance(p, now)
			if moved {
				changed++
			}
			return moved, nil
		})
		if err != nil {
			return changed, err
		}
	}

	if changed > 0 {
		m.logger.Debug("Proposal states advanced", zap.Int("count", changed))
	}
	return changed, nil
}

// CastBallot runs fn against an open proposal under its lock. Outside the
// voting window it fails with ErrVotingNotOpen without calling fn.
func (m *Manager) CastBallot(ctx context.Context, id string, fn BallotFunc) error {
	var commit func()
	return m.mutateThen(ctx, id, func(p *data.Proposal, now time.Time) (bool, error) {
		advance(p, now)
		if p.Status != data.StatusVotingOpen || !p.WindowOpen(now) {
			return false, fmt.Errorf("proposal %s is %s: %w", id, p.Status, data.ErrVotingNotOpen)
		}
		var err error
		commit, err = fn(p, now)
		return err == nil, err
	}, func() {
		if commit != nil {
			commit()
		}
	})
}

// Finalize closes voting, records the consensus round and moves the proposal
// to its terminal status. The round is durable before Finalize returns.
func (m *Manager) Finalize(ctx context.Context, id string) (*data.Proposal, error) {
	m.mu.RLock()
	finalizer := m.finalizer
	m.mu.RUnlock()
	if finalizer == nil {
		return nil, fmt.Errorf("no finalizer configured")
	}

	var out *data.Proposal
	err := m.mutate(ctx, id, func(p *data.Proposal, now time.Time) (bool, error) {
		moved := advance(p, now)
		switch p.Status {
		case data.StatusVotingClosed:
		case data.StatusSubmitted, data.StatusUnderReview, data.StatusVotingOpen:
			return moved, fmt.Errorf("proposal %s voting ends %s: %w", id, p.VotingEnd.Format(time.RFC3339), data.ErrVotingStillOpen)
		default:
			return false, fmt.Errorf("proposal %s is %s: %w", id, p.Status, data.ErrInvalidTransition)
		}

		round, err := finalizer.Finalize(ctx, p)
		if err != nil {
			return moved, fmt.Errorf("finalizing proposal %s: %w", id, err)
		}

		p.Result = round.Result
		p.FinalizedAt = round.FinalizedAt
		if err := transition(p, statusFor(round.Result), now); err != nil {
			return false, err
		}
		out = p
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	m.rewardProposer(ctx, out)
	m.logger.Info("Proposal finalized",
		zap.String("proposalID", id),
		zap.String("result", string(out.Result)),
		zap.String("status", string(out.Status)))

	return out.Clone(), nil
}

// MarkImplemented records that an approved proposal has been carried out
func (m *Manager) MarkImplemented(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(p *data.Proposal, now time.Time) (bool, error) {
		return true, transition(p, data.StatusImplemented, now)
	})
}

func (m *Manager) rewardProposer(ctx context.Context, p *data.Proposal) {
	var action identity.ReputationAction
	switch p.Status {
	case data.StatusApproved:
		action = identity.ProposalApproved
	case data.StatusRejected:
		action = identity.ProposalRejected
	default:
		return
	}
	if err := m.registry.ApplyReputationEvent(ctx, p.ProposerID, action, 1); err != nil {
		m.logger.Warn("Failed to apply proposer reputation",
			zap.String("proposerID", p.ProposerID),
			zap.Error(err))
	}
}

// mutate runs fn on a clone of the proposal under its lock. When fn reports a
// change the clone is persisted and swapped in, even if fn also returns an
// error, so time-driven advancement is never lost.
func (m *Manager) mutate(ctx context.Context, id string, fn func(p *data.Proposal, now time.Time) (bool, error)) error {
	return m.mutateThen(ctx, id, fn, nil)
}

// mutateThen is mutate with a hook that runs after a successful swap, still
// under the proposal lock
func (m *Manager) mutateThen(ctx context.Context, id string, fn func(p *data.Proposal, now time.Time) (bool, error), after func()) error {
	lock, err := m.lockFor(id)
	if err != nil {
		return err
	}
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	current := m.proposals[id]
	m.mu.RUnlock()

	next := current.Clone()
	changed, fnErr := fn(next, m.clock.Now().UTC())
	if !changed {
		return fnErr
	}

	if err := m.persist(ctx, next); err != nil {
		return err
	}
	m.mu.Lock()
	m.proposals[id] = next
	m.mu.Unlock()

	if fnErr == nil && after != nil {
		after()
	}
	return fnErr
}

func (m *Manager) lockFor(id string) (*sync.Mutex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lock, exists := m.locks[id]
	if !exists {
		return nil, fmt.Errorf("proposal %s: %w", id, data.ErrProposalNotFound)
	}
	return lock, nil
}

func (m *Manager) activeCountLocked() int {
	active := 0
	for _, p := range m.proposals {
		if p.Status.IsActive() {
			active++
		}
	}
	return active
}

func (m *Manager) persist(ctx context.Context, p *data.Proposal) error {
	if err := m.repo.SaveProposal(ctx, p); err != nil {
		return fmt.Errorf("saving proposal %s: %w", p.ID, err)
	}
	return nil
}

// transition moves p to next if the lifecycle allows it
func transition(p *data.Proposal, next data.ProposalStatus, now time.Time) error {
	if !p.Status.CanTransition(next) {
		return fmt.Errorf("%s -> %s: %w", p.Status, next, data.ErrInvalidTransition)
	}
	p.StatusHistory = append(p.StatusHistory, data.StatusChange{From: p.Status, To: next, At: now})
	p.Status = next
	return nil
}

// advance applies the time-driven transitions due at now
func advance(p *data.Proposal, now time.Time) bool {
	moved := false
	if p.Status == data.StatusUnderReview && !now.Before(p.VotingStart) {
		_ = transition(p, data.StatusVotingOpen, p.VotingStart)
		moved = true
	}
	if p.Status == data.StatusVotingOpen && !now.Before(p.VotingEnd) {
		_ = transition(p, data.StatusVotingClosed, p.VotingEnd)
		moved = true
	}
	return moved
}

func statusFor(result data.ConsensusResult) data.ProposalStatus {
	switch result {
	case data.ResultApproved:
		return data.StatusApproved
	case data.ResultRejected:
		return data.StatusRejected
	}
	return data.StatusFailed
}

func hasEntry(p *data.Proposal, id string) bool {
	for _, e := range p.Discussion {
		if e.ID == id {
			return true
		}
	}
	return false
}
