package data

import "fmt"

// IdentityClass describes the role a participant plays in the network
type IdentityClass string

const (
	ClassMaster      IdentityClass = "master"
	ClassContributor IdentityClass = "contributor"
	ClassObserver    IdentityClass = "observer"
	ClassDeveloper   IdentityClass = "developer"
	ClassCommunity   IdentityClass = "community"
	ClassValidator   IdentityClass = "validator"
)

// Valid reports whether c is a known identity class
func (c IdentityClass) Valid() bool {
	switch c {
	case ClassMaster, ClassContributor, ClassObserver, ClassDeveloper, ClassCommunity, ClassValidator:
		return true
	}
	return false
}

// VerificationTier is an ordered trust level. Higher values are more trusted.
type VerificationTier int

const (
	TierUnverified VerificationTier = iota
	TierBasicVerified
	TierCommunityVerified
	TierStakeVerified
	TierFullyVerified
	TierSuperVerified
)

var tierNames = [...]string{
	"unverified",
	"basic_verified",
	"community_verified",
	"stake_verified",
	"fully_verified",
	"super_verified",
}

func (t VerificationTier) String() string {
	if t < TierUnverified || t > TierSuperVerified {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// AtLeast reports whether t is at or above min
func (t VerificationTier) AtLeast(min VerificationTier) bool {
	return t >= min
}

// ProposalCategory classifies a governance proposal
type ProposalCategory string

const (
	CategoryNetworkUpgrade    ProposalCategory = "network_upgrade"
	CategorySecurityPolicy    ProposalCategory = "security_policy"
	CategoryIdentityRule      ProposalCategory = "identity_rule"
	CategoryNodeAdmission     ProposalCategory = "node_admission"
	CategoryNodeRemoval       ProposalCategory = "node_removal"
	CategoryParameterChange   ProposalCategory = "parameter_change"
	CategoryEmergencyAction   ProposalCategory = "emergency_action"
	CategoryGovernanceRule    ProposalCategory = "governance_rule"
	CategoryEconomicPolicy    ProposalCategory = "economic_policy"
	CategoryTechnicalStandard ProposalCategory = "technical_standard"
)

// Valid reports whether c is a known proposal category
func (c ProposalCategory) Valid() bool {
	switch c {
	case CategoryNetworkUpgrade, CategorySecurityPolicy, CategoryIdentityRule,
		CategoryNodeAdmission, CategoryNodeRemoval, CategoryParameterChange,
		CategoryEmergencyAction, CategoryGovernanceRule, CategoryEconomicPolicy,
		CategoryTechnicalStandard:
		return true
	}
	return false
}

// RiskLevel rates one technical-risk attribute of a proposal
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

// ProposalStatus is a state in the proposal lifecycle
type ProposalStatus string

const (
	StatusDraft        ProposalStatus = "draft"
	StatusSubmitted    ProposalStatus = "submitted"
	StatusUnderReview  ProposalStatus = "under_review"
	StatusVotingOpen   ProposalStatus = "voting_open"
	StatusVotingClosed ProposalStatus = "voting_closed"
	StatusApproved     ProposalStatus = "approved"
	StatusRejected     ProposalStatus = "rejected"
	StatusFailed       ProposalStatus = "failed"
	StatusWithdrawn    ProposalStatus = "withdrawn"
	StatusImplemented  ProposalStatus = "implemented"
)

// proposalTransitions lists the allowed forward edges of the lifecycle.
var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	StatusDraft:        {StatusSubmitted, StatusWithdrawn},
	StatusSubmitted:    {StatusUnderReview, StatusWithdrawn},
	StatusUnderReview:  {StatusVotingOpen, StatusWithdrawn},
	StatusVotingOpen:   {StatusVotingClosed},
	StatusVotingClosed: {StatusApproved, StatusRejected, StatusFailed},
	StatusApproved:     {StatusImplemented},
}

// CanTransition reports whether the lifecycle allows moving from s to next
func (s ProposalStatus) CanTransition(next ProposalStatus) bool {
	for _, allowed := range proposalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive reports whether a proposal in state s occupies an active slot
func (s ProposalStatus) IsActive() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusUnderReview, StatusVotingOpen, StatusVotingClosed:
		return true
	}
	return false
}

// VoteChoice is the option selected by a ballot
type VoteChoice string

const (
	ChoiceYes      VoteChoice = "yes"
	ChoiceNo       VoteChoice = "no"
	ChoiceAbstain  VoteChoice = "abstain"
	ChoiceDelegate VoteChoice = "delegate"
)

// Valid reports whether c is a known vote choice
func (c VoteChoice) Valid() bool {
	switch c {
	case ChoiceYes, ChoiceNo, ChoiceAbstain, ChoiceDelegate:
		return true
	}
	return false
}

// Severity ranks flags and threats
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ThreatType identifies an attack pattern
type ThreatType string

const (
	ThreatSybilAttack      ThreatType = "sybil_attack"
	ThreatVoteManipulation ThreatType = "vote_manipulation"
	ThreatIdentityTheft    ThreatType = "identity_theft"
	ThreatConsensusAttack  ThreatType = "consensus_attack"
	ThreatNetworkFlooding  ThreatType = "network_flooding"
	ThreatEclipseAttack    ThreatType = "eclipse_attack"
	ThreatLongRangeAttack  ThreatType = "long_range_attack"
	ThreatNothingAtStake   ThreatType = "nothing_at_stake"
)

// MitigationStatus tracks the handling of a detected threat
type MitigationStatus string

const (
	MitigationDetected      MitigationStatus = "detected"
	MitigationInvestigating MitigationStatus = "investigating"
	MitigationMitigated     MitigationStatus = "mitigated"
	MitigationFalsePositive MitigationStatus = "false_positive"
)

// Open reports whether the threat still counts against the network
func (m MitigationStatus) Open() bool {
	return m == MitigationDetected || m == MitigationInvestigating
}

// CanTransition reports whether mitigation may move from m to next
func (m MitigationStatus) CanTransition(next MitigationStatus) bool {
	switch m {
	case MitigationDetected:
		return next == MitigationInvestigating || next == MitigationMitigated || next == MitigationFalsePositive
	case MitigationInvestigating:
		return next == MitigationMitigated || next == MitigationFalsePositive
	}
	return false
}

// EndorsementType describes why one identity vouches for another
type EndorsementType string

const (
	EndorseTechnical EndorsementType = "technical"
	EndorseCommunity EndorsementType = "community"
	EndorseCharacter EndorsementType = "character"
	EndorseStake     EndorsementType = "stake"
)

// ProofScheme names the scheme a proof bundle was produced with
type ProofScheme string

const (
	SchemeEd25519      ProofScheme = "ed25519"
	SchemeSchnorr      ProofScheme = "schnorr"
	SchemeCommitReveal ProofScheme = "commit_reveal"
)
