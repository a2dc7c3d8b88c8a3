package voting

import (
	"math"
	"time"

	"governance_engine/pkg/data"
	"governance_engine/pkg/utils"
)

// Vote weight bounds
const (
	MinVoteWeight = 0.01
	MaxVoteWeight = 10.0
)

const (
	fullAgeDays     = 30.0
	stakeBonusScale = 10000.0
	maxStakeBonus   = 0.5
)

// expertise lists the classes whose votes carry a topical bonus per category
var expertise = map[data.IdentityClass]map[data.ProposalCategory]float64{
	data.ClassDeveloper: {
		data.CategoryNetworkUpgrade:    1.2,
		data.CategoryTechnicalStandard: 1.15,
	},
	data.ClassValidator: {
		data.CategoryNodeAdmission:  1.1,
		data.CategoryNodeRemoval:    1.1,
		data.CategorySecurityPolicy: 1.15,
		data.CategoryNetworkUpgrade: 1.05,
	},
	data.ClassMaster: {
		data.CategoryGovernanceRule:  1.1,
		data.CategoryEmergencyAction: 1.1,
	},
	data.ClassContributor: {
		data.CategoryParameterChange:   1.05,
		data.CategoryTechnicalStandard: 1.05,
	},
	data.ClassCommunity: {
		data.CategoryEconomicPolicy: 1.1,
		data.CategoryIdentityRule:   1.05,
	},
}

// ExpertiseFactor returns the topical bonus of class on category, 1.0 if none
func ExpertiseFactor(class data.IdentityClass, category data.ProposalCategory) float64 {
	if factor, ok := expertise[class][category]; ok {
		return factor
	}
	return 1.0
}

// ComputeWeight derives the effective weight of a vote cast at now
func ComputeWeight(identity *data.Identity, category data.ProposalCategory, now time.Time) float64 {
	reputation := 0.5 + 0.5*utils.Clamp(identity.Reputation, 0, 1)
	stake := 1 + math.Min(math.Max(identity.Stake, 0)/stakeBonusScale, maxStakeBonus)
	age := math.Min(identity.AgeDays(now)/fullAgeDays, 1.0)

	weight := identity.VotingPower * reputation * stake * age * ExpertiseFactor(identity.Class, category)
	if math.IsNaN(weight) {
		return MinVoteWeight
	}
	return utils.Clamp(weight, MinVoteWeight, MaxVoteWeight)
}
