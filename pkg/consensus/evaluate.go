package consensus

import (
	"governance_engine/pkg/data"
)

// epsilon absorbs float error when a ratio lands exactly on a threshold
const epsilon = 1e-9

// DetermineResult is the authoritative consensus rule:
//   - participation below the minimum is InsufficientParticipation
//   - no decisive (yes+no) weight is NoConsensus
//   - yesRatio >= threshold is Approved, yesRatio <= 1-threshold is Rejected
//   - anything in between is NoConsensus
func DetermineResult(t data.VoteTally, req data.VotingRequirements) data.ConsensusResult {
	if t.ParticipationRate+epsilon < req.MinParticipation {
		return data.ResultInsufficientParticipation
	}

	decisive := t.YesWeight + t.NoWeight
	if decisive <= 0 {
		return data.ResultNoConsensus
	}

	yesRatio := t.YesWeight / decisive
	switch {
	case yesRatio+epsilon >= req.ConsensusThreshold:
		return data.ResultApproved
	case yesRatio <= 1-req.ConsensusThreshold+epsilon:
		return data.ResultRejected
	}
	return data.ResultNoConsensus
}

// LiveResult is the advisory check run after every accepted vote. It applies
// DetermineResult and reports anything short of a decision as Pending.
func LiveResult(t data.VoteTally, req data.VotingRequirements) data.ConsensusResult {
	switch result := DetermineResult(t, req); result {
	case data.ResultApproved, data.ResultRejected:
		return result
	}
	return data.ResultPending
}

// Decisive reports whether result settles the proposal either way
func Decisive(result data.ConsensusResult) bool {
	return result == data.ResultApproved || result == data.ResultRejected
}

// Recount builds a tally from a vote map against the given eligible power
func Recount(proposalID string, votes map[string]*data.Vote, eligiblePower float64) data.VoteTally {
	t := data.VoteTally{ProposalID: proposalID, EligiblePower: eligiblePower}
	for _, v := range votes {
		addWeight(&t, v.Choice, v.Weight)
		t.VoteCount++
	}
	t.ParticipationRate = participation(t.TotalCast, eligiblePower)
	return t
}

func addWeight(t *data.VoteTally, choice data.VoteChoice, weight float64) {
	switch choice {
	case data.ChoiceYes:
		t.YesWeight += weight
	case data.ChoiceNo:
		t.NoWeight += weight
	case data.ChoiceAbstain:
		t.AbstainWeight += weight
	case data.ChoiceDelegate:
		t.DelegatedWeight += weight
	}
	t.TotalCast += weight
}

func participation(cast, eligible float64) float64 {
	if eligible <= 0 {
		return 0
	}
	rate := cast / eligible
	if rate > 1 {
		return 1
	}
	return rate
}
