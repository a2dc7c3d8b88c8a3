package identity

import "fmt"

// ReputationAction is an event that moves an identity's reputation
type ReputationAction string

const (
	ValidVote        ReputationAction = "valid_vote"
	ProposalApproved ReputationAction = "proposal_approved"
	ProposalRejected ReputationAction = "proposal_rejected"
	Misbehaviour     ReputationAction = "misbehaviour"
	Inactivity       ReputationAction = "inactivity"
)

const (
	// Reputation score bounds
	MinReputationScore = 0.0
	MaxReputationScore = 1.0
	InitialScore       = 0.5

	// Score adjustments, scaled by the event value
	ValidVoteBonus          = 0.01
	ProposalApprovedBonus   = 0.05
	ProposalRejectedPenalty = 0.02
	MisbehaviourPenalty     = 0.1
	InactivityPenalty       = 0.01
)

// delta returns the signed reputation change of an action
func (a ReputationAction) delta(value float64) (float64, error) {
	switch a {
	case ValidVote:
		return ValidVoteBonus * value, nil
	case ProposalApproved:
		return ProposalApprovedBonus * value, nil
	case ProposalRejected:
		return -ProposalRejectedPenalty * value, nil
	case Misbehaviour:
		return -MisbehaviourPenalty * value, nil
	case Inactivity:
		return -InactivityPenalty * value, nil
	}
	return 0, fmt.Errorf("unknown reputation action %q", a)
}
