package consensus

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"governance_engine/pkg/data"
)

func requirements(participation, threshold float64) data.VotingRequirements {
	return data.VotingRequirements{MinParticipation: participation, ConsensusThreshold: threshold}
}

func tallyOf(yes, no, abstain, eligible float64) data.VoteTally {
	votes := map[string]*data.Vote{}
	add := func(id string, choice data.VoteChoice, w float64) {
		if w > 0 {
			votes[id] = &data.Vote{VoterID: id, Choice: choice, Weight: w}
		}
	}
	add("yes", data.ChoiceYes, yes)
	add("no", data.ChoiceNo, no)
	add("abstain", data.ChoiceAbstain, abstain)
	return Recount("p", votes, eligible)
}

func TestDetermineResultScenarios(t *testing.T) {
	req := requirements(0.5, 0.67)

	t.Run("ApprovedWithQuorum", func(t *testing.T) {
		tally := tallyOf(40, 10, 5, 100)
		assert.InDelta(t, 0.55, tally.ParticipationRate, 1e-9)
		assert.Equal(t, data.ResultApproved, DetermineResult(tally, req))
	})

	t.Run("InsufficientParticipationDespiteTie", func(t *testing.T) {
		tally := tallyOf(20, 20, 0, 100)
		assert.InDelta(t, 0.4, tally.ParticipationRate, 1e-9)
		assert.Equal(t, data.ResultInsufficientParticipation, DetermineResult(tally, req))
	})

	t.Run("Rejected", func(t *testing.T) {
		assert.Equal(t, data.ResultRejected, DetermineResult(tallyOf(10, 50, 0, 100), req))
	})

	t.Run("SplitIsNoConsensus", func(t *testing.T) {
		assert.Equal(t, data.ResultNoConsensus, DetermineResult(tallyOf(30, 30, 0, 100), req))
	})

	t.Run("OnlyAbstentions", func(t *testing.T) {
		assert.Equal(t, data.ResultNoConsensus, DetermineResult(tallyOf(0, 0, 80, 100), req))
	})

	t.Run("NoEligiblePower", func(t *testing.T) {
		assert.Equal(t, data.ResultInsufficientParticipation, DetermineResult(tallyOf(1, 0, 0, 0), req))
	})

	t.Run("ExactTwoThirds", func(t *testing.T) {
		assert.Equal(t, data.ResultApproved, DetermineResult(tallyOf(20, 10, 0, 30), requirements(0.5, 2.0/3.0)))
	})
}

func TestLiveResultMatchesFinalRule(t *testing.T) {
	req := requirements(0.5, 0.67)
	assert.Equal(t, data.ResultApproved, LiveResult(tallyOf(40, 10, 5, 100), req))
	assert.Equal(t, data.ResultPending, LiveResult(tallyOf(20, 20, 0, 100), req))
	assert.Equal(t, data.ResultPending, LiveResult(tallyOf(30, 30, 0, 100), req))
	assert.Equal(t, data.ResultRejected, LiveResult(tallyOf(5, 50, 0, 100), req))
}

func TestDetermineResultCorrectness(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		req := requirements(rng.Float64()*0.9, 0.6+rng.Float64()*0.35)
		tally := tallyOf(rng.Float64()*50, rng.Float64()*50, rng.Float64()*20, 50+rng.Float64()*100)
		result := DetermineResult(tally, req)

		if tally.ParticipationRate < req.MinParticipation-epsilon {
			assert.Equal(t, data.ResultInsufficientParticipation, result)
			continue
		}
		decisive := tally.YesWeight + tally.NoWeight
		if decisive == 0 {
			assert.Equal(t, data.ResultNoConsensus, result)
			continue
		}
		ratio := tally.YesWeight / decisive
		switch {
		case ratio >= req.ConsensusThreshold:
			assert.Equal(t, data.ResultApproved, result, "ratio %v threshold %v", ratio, req.ConsensusThreshold)
		case ratio <= 1-req.ConsensusThreshold:
			assert.Equal(t, data.ResultRejected, result, "ratio %v threshold %v", ratio, req.ConsensusThreshold)
		default:
			assert.Equal(t, data.ResultNoConsensus, result, "ratio %v threshold %v", ratio, req.ConsensusThreshold)
		}
	}
}

func TestRecountDelegation(t *testing.T) {
	votes := map[string]*data.Vote{
		"a": {VoterID: "a", Choice: data.ChoiceYes, Weight: 2},
		"b": {VoterID: "b", Choice: data.ChoiceDelegate, DelegateTo: "a", Weight: 3},
	}
	tally := Recount("p", votes, 10)
	assert.Equal(t, 2, tally.VoteCount)
	assert.InDelta(t, 3.0, tally.DelegatedWeight, 1e-9)
	assert.InDelta(t, 5.0, tally.TotalCast, 1e-9)
	assert.InDelta(t, 0.5, tally.ParticipationRate, 1e-9)
	assert.Zero(t, tally.NoWeight)
}
