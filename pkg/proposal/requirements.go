package proposal

import (
	"math"

	"governance_engine/pkg/data"
)

// MaxConsensusThreshold caps every derived consensus threshold
const MaxConsensusThreshold = 0.95

// MaxParticipation caps the derived minimum participation
const MaxParticipation = 0.9

var baseRequirements = map[data.ProposalCategory]data.VotingRequirements{
	data.CategoryParameterChange:   {MinParticipation: 0.2, ConsensusThreshold: 0.6, MinTier: data.TierBasicVerified, MinReputation: 0.3},
	data.CategoryTechnicalStandard: {MinParticipation: 0.2, ConsensusThreshold: 0.6, MinTier: data.TierBasicVerified, MinReputation: 0.3},
	data.CategoryEconomicPolicy:    {MinParticipation: 0.3, ConsensusThreshold: 0.6, MinTier: data.TierCommunityVerified, MinStake: 100, MinReputation: 0.4},
	data.CategoryGovernanceRule:    {MinParticipation: 0.3, ConsensusThreshold: 0.67, MinTier: data.TierCommunityVerified, MinStake: 100, MinReputation: 0.5},
	data.CategoryIdentityRule:      {MinParticipation: 0.3, ConsensusThreshold: 0.67, MinTier: data.TierCommunityVerified, MinStake: 100, MinReputation: 0.5},
	data.CategoryNodeAdmission:     {MinParticipation: 0.25, ConsensusThreshold: 0.6, MinTier: data.TierCommunityVerified, MinStake: 50, MinReputation: 0.4},
	data.CategoryNodeRemoval:       {MinParticipation: 0.3, ConsensusThreshold: 0.67, MinTier: data.TierStakeVerified, MinStake: 500, MinReputation: 0.5},
	data.CategoryNetworkUpgrade:    {MinParticipation: 0.4, ConsensusThreshold: 0.67, MinTier: data.TierStakeVerified, MinStake: 1000, MinReputation: 0.6},
	data.CategorySecurityPolicy:    {MinParticipation: 0.4, ConsensusThreshold: 0.75, MinTier: data.TierStakeVerified, MinStake: 1000, MinReputation: 0.6},
	data.CategoryEmergencyAction:   {MinParticipation: 0.5, ConsensusThreshold: 0.8, MinTier: data.TierFullyVerified, MinStake: 5000, MinReputation: 0.7},
}

// proposerRequirements gate who may submit in each category
var proposerRequirements = map[data.ProposalCategory]data.VotingRequirements{
	data.CategoryParameterChange:   {MinTier: data.TierBasicVerified},
	data.CategoryTechnicalStandard: {MinTier: data.TierBasicVerified},
	data.CategoryEconomicPolicy:    {MinTier: data.TierCommunityVerified},
	data.CategoryGovernanceRule:    {MinTier: data.TierCommunityVerified},
	data.CategoryIdentityRule:      {MinTier: data.TierCommunityVerified},
	data.CategoryNodeAdmission:     {MinTier: data.TierCommunityVerified},
	data.CategoryNodeRemoval:       {MinTier: data.TierCommunityVerified},
	data.CategoryNetworkUpgrade:    {MinTier: data.TierCommunityVerified},
	data.CategorySecurityPolicy:    {MinTier: data.TierCommunityVerified, MinReputation: 0.6},
	data.CategoryEmergencyAction:   {MinTier: data.TierStakeVerified, MinReputation: 0.7},
}

var complexitySurcharge = map[data.RiskLevel]float64{
	data.RiskHigh:     0.05,
	data.RiskCritical: 0.10,
}

var securitySurcharge = map[data.RiskLevel]float64{
	data.RiskMedium:   0.05,
	data.RiskHigh:     0.10,
	data.RiskCritical: 0.15,
}

var networkSurcharge = map[data.RiskLevel]float64{
	data.RiskHigh:     0.05,
	data.RiskCritical: 0.10,
}

// Requirements derives the voting requirements of a proposal. The consensus
// threshold never drops below floor and never exceeds MaxConsensusThreshold.
func Requirements(category data.ProposalCategory, risk data.RiskAttributes, floor float64) data.VotingRequirements {
	req := baseRequirements[category]

	consensus := req.ConsensusThreshold + complexitySurcharge[risk.Complexity] + securitySurcharge[risk.SecurityImpact]
	req.ConsensusThreshold = math.Min(math.Max(consensus, floor), MaxConsensusThreshold)
	req.MinParticipation = math.Min(req.MinParticipation+networkSurcharge[risk.NetworkImpact], MaxParticipation)

	return req
}

// ProposerRequirements returns what a proposer must satisfy for category
func ProposerRequirements(category data.ProposalCategory) data.VotingRequirements {
	return proposerRequirements[category]
}
