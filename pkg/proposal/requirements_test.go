package proposal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"governance_engine/pkg/data"
)

var allCategories = []data.ProposalCategory{
	data.CategoryNetworkUpgrade, data.CategorySecurityPolicy, data.CategoryIdentityRule,
	data.CategoryNodeAdmission, data.CategoryNodeRemoval, data.CategoryParameterChange,
	data.CategoryEmergencyAction, data.CategoryGovernanceRule, data.CategoryEconomicPolicy,
	data.CategoryTechnicalStandard,
}

var allLevels = []data.RiskLevel{data.RiskLow, data.RiskMedium, data.RiskHigh, data.RiskCritical}

func TestRequirementsSurcharges(t *testing.T) {
	low := Requirements(data.CategoryParameterChange, data.RiskAttributes{}, 0)
	assert.InDelta(t, 0.6, low.ConsensusThreshold, 1e-9)
	assert.InDelta(t, 0.2, low.MinParticipation, 1e-9)

	risky := Requirements(data.CategoryParameterChange, data.RiskAttributes{
		Complexity:     data.RiskCritical,
		SecurityImpact: data.RiskHigh,
		NetworkImpact:  data.RiskCritical,
	}, 0)
	assert.InDelta(t, 0.8, risky.ConsensusThreshold, 1e-9)
	assert.InDelta(t, 0.3, risky.MinParticipation, 1e-9)

	capped := Requirements(data.CategoryEmergencyAction, data.RiskAttributes{
		Complexity:     data.RiskCritical,
		SecurityImpact: data.RiskCritical,
	}, 0)
	assert.InDelta(t, MaxConsensusThreshold, capped.ConsensusThreshold, 1e-9)

	floored := Requirements(data.CategoryParameterChange, data.RiskAttributes{}, 2.0/3.0)
	assert.InDelta(t, 2.0/3.0, floored.ConsensusThreshold, 1e-9)
}

func TestRequirementsThresholdMonotonic(t *testing.T) {
	for _, floor := range []float64{0, 2.0 / 3.0} {
		for _, category := range allCategories {
			for _, complexity := range allLevels {
				for i := 1; i < len(allLevels); i++ {
					lower := Requirements(category, data.RiskAttributes{Complexity: complexity, SecurityImpact: allLevels[i-1]}, floor)
					higher := Requirements(category, data.RiskAttributes{Complexity: complexity, SecurityImpact: allLevels[i]}, floor)
					assert.GreaterOrEqual(t, higher.ConsensusThreshold, lower.ConsensusThreshold, "%s security %d", category, i)
				}
			}
			for _, security := range allLevels {
				for i := 1; i < len(allLevels); i++ {
					lower := Requirements(category, data.RiskAttributes{Complexity: allLevels[i-1], SecurityImpact: security}, floor)
					higher := Requirements(category, data.RiskAttributes{Complexity: allLevels[i], SecurityImpact: security}, floor)
					assert.GreaterOrEqual(t, higher.ConsensusThreshold, lower.ConsensusThreshold, "%s complexity %d", category, i)
					assert.LessOrEqual(t, higher.ConsensusThreshold, MaxConsensusThreshold)
				}
			}
		}
	}
}

func TestProposerRequirementsEscalate(t *testing.T) {
	emergency := ProposerRequirements(data.CategoryEmergencyAction)
	security := ProposerRequirements(data.CategorySecurityPolicy)
	parameter := ProposerRequirements(data.CategoryParameterChange)

	assert.Equal(t, data.TierStakeVerified, emergency.MinTier)
	assert.True(t, emergency.MinTier > security.MinTier)
	assert.True(t, security.MinTier > parameter.MinTier)
}
