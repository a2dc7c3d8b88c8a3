package voting

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"governance_engine/pkg/config"
	"governance_engine/pkg/consensus"
	"governance_engine/pkg/data"
	"governance_engine/pkg/identity"
	"governance_engine/pkg/proposal"
	"governance_engine/pkg/security"
)

type testEnv struct {
	processor *Processor
	manager   *proposal.Manager
	registry  *identity.Registry
	finalizer *consensus.Finalizer
	clock     *clock.Mock
	keys      map[string]*security.KeyPair
}

var stakedEvidence = data.VerificationEvidence{
	ProofOfWork:         []byte("pow"),
	StakeAmount:         500,
	CommunityReferences: []string{"ref"},
	ReputationHistory:   0.8,
}

func setupProcessor(t *testing.T, voters ...string) *testEnv {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	repo := data.NewMemoryRepository()
	registry := identity.NewRegistry(repo, clk, logger)
	manager := proposal.NewManager(&config.GovernanceConfig{
		MaxActiveProposals:        10,
		ReviewDelay:               time.Hour,
		VotingPeriod:              48 * time.Hour,
		ByzantineTolerance:        1.0 / 3.0,
		DefaultConsensusThreshold: 2.0 / 3.0,
	}, registry, repo, clk, logger)
	finalizer := consensus.NewFinalizer(repo, registry, clk, logger)
	manager.SetFinalizer(finalizer)

	env := &testEnv{
		processor: NewProcessor(manager, registry, finalizer, security.NewSchemeVerifier(), clk, logger),
		manager:   manager,
		registry:  registry,
		finalizer: finalizer,
		clock:     clk,
		keys:      map[string]*security.KeyPair{},
	}

	for _, id := range voters {
		kp, err := security.GenerateKeyPair()
		require.NoError(t, err)
		env.enroll(ctx, t, id, kp)
	}

	// identities reach full age weight
	clk.Add(31 * 24 * time.Hour)
	return env
}

func (e *testEnv) enroll(ctx context.Context, t *testing.T, id string, kp *security.KeyPair) {
	ev := stakedEvidence
	proof, err := kp.Prove(identity.RegistrationMessage(id, kp.PublicKey))
	require.NoError(t, err)
	ev.KeyProof = proof
	_, err = e.registry.Register(ctx, id, kp.PublicKey, data.ClassValidator, ev)
	require.NoError(t, err)
	e.keys[id] = kp
}

func (e *testEnv) openProposal(t *testing.T, proposer string) *data.Proposal {
	p, err := e.manager.Submit(context.Background(), proposer, data.CategoryParameterChange, "Adjust fees", "", data.RiskAttributes{})
	require.NoError(t, err)
	e.clock.Add(2 * time.Hour)
	return p
}

func (e *testEnv) ballot(t *testing.T, proposalID, voter string, choice data.VoteChoice) Ballot {
	b := Ballot{
		ProposalID: proposalID,
		VoterID:    voter,
		Choice:     choice,
		Timestamp:  e.clock.Now(),
	}
	proof, err := e.keys[voter].Prove(b.SigningBytes())
	require.NoError(t, err)
	b.Proof = proof
	return b
}

func TestCastVote(t *testing.T) {
	ctx := context.Background()
	env := setupProcessor(t, "alice", "bob")
	p := env.openProposal(t, "alice")

	var seen []data.Vote
	env.processor.OnAccepted(func(v data.Vote, tally data.VoteTally) {
		seen = append(seen, v)
	})

	vote, err := env.processor.CastVote(ctx, env.ballot(t, p.ID, "alice", data.ChoiceYes))
	require.NoError(t, err)
	assert.NotEmpty(t, vote.ID)
	assert.GreaterOrEqual(t, vote.Weight, MinVoteWeight)
	assert.LessOrEqual(t, vote.Weight, MaxVoteWeight)

	alice, err := env.registry.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, alice.VotingPower, vote.Power)
	assert.InDelta(t, 0.8+identity.ValidVoteBonus, alice.Reputation, 1e-9)

	tally, ok := env.finalizer.Tally(p.ID)
	require.True(t, ok)
	assert.InDelta(t, vote.Weight, tally.YesWeight, 1e-9)
	assert.Len(t, seen, 1)

	stats := env.processor.GetStats()
	assert.Equal(t, int64(1), stats.VotesAccepted)
	assert.InDelta(t, vote.Weight, stats.AverageWeight, 1e-9)
}

func TestSingleVoteInvariant(t *testing.T) {
	ctx := context.Background()
	env := setupProcessor(t, "alice", "bob")
	p := env.openProposal(t, "alice")

	first, err := env.processor.CastVote(ctx, env.ballot(t, p.ID, "bob", data.ChoiceYes))
	require.NoError(t, err)

	env.clock.Add(time.Second)
	second, err := env.processor.CastVote(ctx, env.ballot(t, p.ID, "bob", data.ChoiceNo))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.Overwrites)

	tally, ok := env.finalizer.Tally(p.ID)
	require.True(t, ok)
	assert.Zero(t, tally.YesWeight)
	assert.InDelta(t, second.Weight, tally.NoWeight, 1e-9)
	assert.Equal(t, 1, tally.VoteCount)

	got, err := env.manager.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got.Votes, 1)
	assert.Equal(t, data.ChoiceNo, got.Votes["bob"].Choice)
	assert.Len(t, got.Ballots, 2)
	assert.Equal(t, int64(1), env.processor.GetStats().VotesOverwritten)
}

func TestCastVoteRejections(t *testing.T) {
	ctx := context.Background()
	env := setupProcessor(t, "alice", "bob", "carol")

	t.Run("VotingNotOpen", func(t *testing.T) {
		p, err := env.manager.Submit(ctx, "alice", data.CategoryParameterChange, "Early", "", data.RiskAttributes{})
		require.NoError(t, err)
		_, err = env.processor.CastVote(ctx, env.ballot(t, p.ID, "bob", data.ChoiceYes))
		assert.ErrorIs(t, err, data.ErrVotingNotOpen)
	})

	p := env.openProposal(t, "alice")

	t.Run("TamperedChoice", func(t *testing.T) {
		b := env.ballot(t, p.ID, "bob", data.ChoiceYes)
		b.Choice = data.ChoiceNo
		_, err := env.processor.CastVote(ctx, b)
		assert.ErrorIs(t, err, data.ErrInvalidProof)
	})

	t.Run("SignedByAnotherKey", func(t *testing.T) {
		b := env.ballot(t, p.ID, "bob", data.ChoiceYes)
		proof, err := env.keys["carol"].Prove(b.SigningBytes())
		require.NoError(t, err)
		b.Proof = proof
		_, err = env.processor.CastVote(ctx, b)
		assert.ErrorIs(t, err, data.ErrInvalidProof)
	})

	t.Run("MissingProof", func(t *testing.T) {
		b := env.ballot(t, p.ID, "bob", data.ChoiceYes)
		b.Proof = data.ProofBundle{}
		_, err := env.processor.CastVote(ctx, b)
		assert.ErrorIs(t, err, data.ErrInvalidProof)
	})

	t.Run("BlockingFlag", func(t *testing.T) {
		_, err := env.registry.Flag(ctx, "carol", data.ThreatIdentityTheft, data.SeverityHigh, "", "")
		require.NoError(t, err)
		_, err = env.processor.CastVote(ctx, env.ballot(t, p.ID, "carol", data.ChoiceYes))
		assert.ErrorIs(t, err, data.ErrNotEligible)
	})

	t.Run("RevocationIsFinal", func(t *testing.T) {
		_, err := env.processor.CastVote(ctx, env.ballot(t, p.ID, "bob", data.ChoiceYes))
		require.NoError(t, err)

		require.NoError(t, env.registry.Revoke(ctx, "bob"))
		_, err = env.processor.CastVote(ctx, env.ballot(t, p.ID, "bob", data.ChoiceNo))
		assert.ErrorIs(t, err, data.ErrRevokedIdentity)

		// A revoked voter learns nothing about its proof
		garbled := env.ballot(t, p.ID, "bob", data.ChoiceNo)
		garbled.Proof.Signature = []byte("garbage")
		garbled.Timestamp = env.clock.Now().Add(-time.Hour)
		_, err = env.processor.CastVote(ctx, garbled)
		assert.ErrorIs(t, err, data.ErrRevokedIdentity)

		_, err = env.manager.Submit(ctx, "bob", data.CategoryParameterChange, "Late", "", data.RiskAttributes{})
		assert.ErrorIs(t, err, data.ErrRevokedIdentity)
	})

	t.Run("UnknownProposal", func(t *testing.T) {
		_, err := env.processor.CastVote(ctx, env.ballot(t, "missing", "alice", data.ChoiceYes))
		assert.ErrorIs(t, err, data.ErrProposalNotFound)
	})

	assert.Equal(t, int64(8), env.processor.GetStats().VotesRejected)
}

func TestBallotTimestampSkew(t *testing.T) {
	ctx := context.Background()
	env := setupProcessor(t, "alice", "bob")
	p := env.openProposal(t, "alice")

	signedAt := func(voter string, at time.Time) Ballot {
		b := Ballot{ProposalID: p.ID, VoterID: voter, Choice: data.ChoiceYes, Timestamp: at}
		proof, err := env.keys[voter].Prove(b.SigningBytes())
		require.NoError(t, err)
		b.Proof = proof
		return b
	}

	now := env.clock.Now()
	_, err := env.processor.CastVote(ctx, signedAt("bob", now.Add(-MaxClockSkew-time.Second)))
	assert.ErrorIs(t, err, data.ErrInvalidTime)
	_, err = env.processor.CastVote(ctx, signedAt("bob", now.Add(time.Hour)))
	assert.ErrorIs(t, err, data.ErrInvalidTime)

	vote, err := env.processor.CastVote(ctx, signedAt("alice", now.Add(-4*time.Minute)))
	require.NoError(t, err)
	assert.True(t, vote.Timestamp.Equal(now.Add(-4*time.Minute)))
	assert.True(t, vote.AcceptedAt.Equal(now))
}

func TestDelegateVote(t *testing.T) {
	ctx := context.Background()
	env := setupProcessor(t, "alice", "bob")
	p := env.openProposal(t, "alice")

	b := Ballot{ProposalID: p.ID, VoterID: "bob", Choice: data.ChoiceDelegate, DelegateTo: "alice", Timestamp: env.clock.Now()}
	proof, err := env.keys["bob"].Prove(b.SigningBytes())
	require.NoError(t, err)
	b.Proof = proof

	vote, err := env.processor.CastVote(ctx, b)
	require.NoError(t, err)

	tally, ok := env.finalizer.Tally(p.ID)
	require.True(t, ok)
	assert.InDelta(t, vote.Weight, tally.DelegatedWeight, 1e-9)
	assert.Zero(t, tally.YesWeight+tally.NoWeight)
	assert.Greater(t, tally.ParticipationRate, 0.0)
	assert.Equal(t, data.ResultPending, tally.Result)

	b.DelegateTo = "bob"
	_, err = env.processor.CastVote(ctx, b)
	assert.Error(t, err)
}

func TestDelegateMustBeEligible(t *testing.T) {
	ctx := context.Background()
	env := setupProcessor(t, "alice", "bob", "carol")
	p := env.openProposal(t, "alice")

	delegate := func(to string) Ballot {
		b := Ballot{ProposalID: p.ID, VoterID: "bob", Choice: data.ChoiceDelegate, DelegateTo: to, Timestamp: env.clock.Now()}
		proof, err := env.keys["bob"].Prove(b.SigningBytes())
		require.NoError(t, err)
		b.Proof = proof
		return b
	}

	require.NoError(t, env.registry.Revoke(ctx, "carol"))
	_, err := env.processor.CastVote(ctx, delegate("carol"))
	assert.ErrorIs(t, err, data.ErrRevokedIdentity)

	_, err = env.registry.Flag(ctx, "alice", data.ThreatIdentityTheft, data.SeverityCritical, "", "")
	require.NoError(t, err)
	_, err = env.processor.CastVote(ctx, delegate("alice"))
	assert.ErrorIs(t, err, data.ErrNotEligible)

	_, err = env.processor.CastVote(ctx, delegate("ghost"))
	assert.ErrorIs(t, err, data.ErrIdentityNotFound)
}

func TestCommitRevealAndSchnorrBallots(t *testing.T) {
	ctx := context.Background()
	env := setupProcessor(t, "alice")

	kp, err := security.GenerateSchnorrKeyPair()
	require.NoError(t, err)
	env.enroll(ctx, t, "dave", kp)
	env.clock.Add(31 * 24 * time.Hour)

	p := env.openProposal(t, "alice")

	_, err = env.processor.CastVote(ctx, env.ballot(t, p.ID, "dave", data.ChoiceYes))
	require.NoError(t, err)

	b := Ballot{ProposalID: p.ID, VoterID: "alice", Choice: data.ChoiceAbstain, Timestamp: env.clock.Now()}

	t.Run("CommitmentFromPublicKeyOnly", func(t *testing.T) {
		reveal := make([]byte, 64)
		_, err := rand.Read(reveal)
		require.NoError(t, err)
		commitment, err := security.Commit(env.keys["alice"].PublicKey, b.SigningBytes(), reveal)
		require.NoError(t, err)

		forged := b
		forged.Proof = data.ProofBundle{Scheme: data.SchemeCommitReveal, Commitment: commitment, Reveal: reveal}
		_, err = env.processor.CastVote(ctx, forged)
		assert.ErrorIs(t, err, data.ErrInvalidProof)
	})

	t.Run("KeyHolderCommitment", func(t *testing.T) {
		signed := b
		var err error
		signed.Proof, err = env.keys["alice"].CommitReveal(b.SigningBytes())
		require.NoError(t, err)
		_, err = env.processor.CastVote(ctx, signed)
		require.NoError(t, err)
	})
}

func TestConcurrentVotesSerializeTally(t *testing.T) {
	ctx := context.Background()
	voters := make([]string, 20)
	for i := range voters {
		voters[i] = fmt.Sprintf("voter-%02d", i)
	}
	env := setupProcessor(t, voters...)
	p := env.openProposal(t, voters[0])

	ballots := make([]Ballot, 0, len(voters)*2)
	for i, v := range voters {
		choice := data.ChoiceYes
		if i%3 == 0 {
			choice = data.ChoiceNo
		}
		ballots = append(ballots, env.ballot(t, p.ID, v, choice), env.ballot(t, p.ID, v, data.ChoiceAbstain))
	}

	var wg sync.WaitGroup
	for _, b := range ballots {
		wg.Add(1)
		go func(b Ballot) {
			defer wg.Done()
			_, err := env.processor.CastVote(ctx, b)
			assert.NoError(t, err)
		}(b)
	}
	wg.Wait()

	got, err := env.manager.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Votes, len(voters))
	assert.Len(t, got.Ballots, len(ballots))

	running, ok := env.finalizer.Tally(p.ID)
	require.True(t, ok)
	recount := consensus.Recount(p.ID, got.Votes, running.EligiblePower)
	assert.Equal(t, len(voters), running.VoteCount)
	assert.InDelta(t, recount.YesWeight, running.YesWeight, 1e-6)
	assert.InDelta(t, recount.NoWeight, running.NoWeight, 1e-6)
	assert.InDelta(t, recount.AbstainWeight, running.AbstainWeight, 1e-6)
	assert.InDelta(t, recount.TotalCast, running.TotalCast, 1e-6)
}
