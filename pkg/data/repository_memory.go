package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRepository keeps every record in process memory. It backs the
// "memory" database driver and the package tests.
type MemoryRepository struct {
	identities map[string]*Identity
	proposals  map[string]*Proposal
	rounds     []*ConsensusRound
	threats    map[string]*SecurityThreat
	mu         sync.RWMutex
}

// Ensure MemoryRepository implements the Repository interface
var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		identities: make(map[string]*Identity),
		proposals:  make(map[string]*Proposal),
		threats:    make(map[string]*SecurityThreat),
	}
}

// Identity operations
func (m *MemoryRepository) SaveIdentity(ctx context.Context, identity *Identity) error {
	if err := identity.Validate(); err != nil {
		return fmt.Errorf("validating identity: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity.ID] = identity.Clone()
	return nil
}

func (m *MemoryRepository) ListIdentities(ctx context.Context) ([]*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	identities := make([]*Identity, 0, len(m.identities))
	for _, identity := range m.identities {
		identities = append(identities, identity.Clone())
	}
	sort.Slice(identities, func(i, j int) bool {
		if identities[i].CreatedAt.Equal(identities[j].CreatedAt) {
			return identities[i].ID < identities[j].ID
		}
		return identities[i].CreatedAt.Before(identities[j].CreatedAt)
	})
	return identities, nil
}

// Proposal operations
func (m *MemoryRepository) SaveProposal(ctx context.Context, proposal *Proposal) error {
	if err := proposal.Validate(); err != nil {
		return fmt.Errorf("validating proposal: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[proposal.ID] = proposal.Clone()
	return nil
}

func (m *MemoryRepository) ListProposals(ctx context.Context) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	proposals := make([]*Proposal, 0, len(m.proposals))
	for _, proposal := range m.proposals {
		proposals = append(proposals, proposal.Clone())
	}
	sort.Slice(proposals, func(i, j int) bool {
		if proposals[i].SubmittedAt.Equal(proposals[j].SubmittedAt) {
			return proposals[i].ID < proposals[j].ID
		}
		return proposals[i].SubmittedAt.Before(proposals[j].SubmittedAt)
	})
	return proposals, nil
}

// Consensus history
func (m *MemoryRepository) AppendRound(ctx context.Context, round *ConsensusRound) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rounds {
		if existing.RoundNumber == round.RoundNumber {
			return fmt.Errorf("round %d: %w", round.RoundNumber, ErrDuplicate)
		}
	}
	m.rounds = append(m.rounds, round.Clone())
	sort.Slice(m.rounds, func(i, j int) bool {
		return m.rounds[i].RoundNumber < m.rounds[j].RoundNumber
	})
	return nil
}

func (m *MemoryRepository) ListRounds(ctx context.Context) ([]*ConsensusRound, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rounds := make([]*ConsensusRound, len(m.rounds))
	for i, r := range m.rounds {
		rounds[i] = r.Clone()
	}
	return rounds, nil
}

// Threat log
func (m *MemoryRepository) SaveThreat(ctx context.Context, threat *SecurityThreat) error {
	if threat.ID == "" {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threats[threat.ID] = threat.Clone()
	return nil
}

func (m *MemoryRepository) ListThreats(ctx context.Context) ([]*SecurityThreat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	threats := make([]*SecurityThreat, 0, len(m.threats))
	for _, threat := range m.threats {
		threats = append(threats, threat.Clone())
	}
	sort.Slice(threats, func(i, j int) bool {
		if threats[i].DetectedAt.Equal(threats[j].DetectedAt) {
			return threats[i].ID < threats[j].ID
		}
		return threats[i].DetectedAt.Before(threats[j].DetectedAt)
	})
	return threats, nil
}

func (m *MemoryRepository) Close() {}
