package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"governance_engine/pkg/data"
)

func TestAssessTier(t *testing.T) {
	tests := []struct {
		name     string
		evidence data.VerificationEvidence
		want     data.VerificationTier
	}{
		{"NoEvidence", data.VerificationEvidence{}, data.TierUnverified},
		{"ProofOfWorkOnly", data.VerificationEvidence{ProofOfWork: []byte{1}}, data.TierBasicVerified},
		{"SmallStakeIgnored", data.VerificationEvidence{StakeAmount: 99}, data.TierUnverified},
		{"Stake", data.VerificationEvidence{StakeAmount: 100}, data.TierBasicVerified},
		{"LargeStakeCountsTwice", data.VerificationEvidence{StakeAmount: 10000}, data.TierCommunityVerified},
		{"ReferencesAndReputation", data.VerificationEvidence{
			CommunityReferences: []string{"a"},
			ReputationHistory:   0.5,
		}, data.TierCommunityVerified},
		{"Everything", data.VerificationEvidence{
			ProofOfWork:          []byte{1},
			StakeAmount:          20000,
			ReputationHistory:    0.9,
			CommunityReferences:  []string{"a"},
			TechnicalCredentials: []string{"b"},
		}, data.TierSuperVerified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AssessTier(tt.evidence))
		})
	}
}

func TestVotingPower(t *testing.T) {
	assert.InDelta(t, 2.0, VotingPower(data.ClassValidator, data.TierStakeVerified, 0), 1e-9)
	assert.InDelta(t, 3.0, VotingPower(data.ClassValidator, data.TierStakeVerified, 500), 1e-9)

	// stake factor saturates at 2
	assert.InDelta(t, 4.0, VotingPower(data.ClassValidator, data.TierStakeVerified, 5000), 1e-9)
	assert.InDelta(t, 0.025, VotingPower(data.ClassObserver, data.TierUnverified, 0), 1e-9)
	assert.Greater(t,
		VotingPower(data.ClassCommunity, data.TierFullyVerified, 0),
		VotingPower(data.ClassCommunity, data.TierBasicVerified, 0))
}
