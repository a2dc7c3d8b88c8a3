package identity

import (
	"math"

	"governance_engine/pkg/data"
)

// Evidence thresholds for tier points
const (
	stakePointThreshold      = 100.0
	largeStakePointThreshold = 10000.0
	reputationPointThreshold = 0.5
)

var tierMultipliers = map[data.VerificationTier]float64{
	data.TierUnverified:        0.1,
	data.TierBasicVerified:     0.5,
	data.TierCommunityVerified: 0.75,
	data.TierStakeVerified:     1.0,
	data.TierFullyVerified:     1.25,
	data.TierSuperVerified:     1.5,
}

var classBase = map[data.IdentityClass]float64{
	data.ClassMaster:      3.0,
	data.ClassValidator:   2.0,
	data.ClassDeveloper:   1.5,
	data.ClassContributor: 1.2,
	data.ClassCommunity:   1.0,
	data.ClassObserver:    0.25,
}

// AssessTier scores verification evidence into a tier. Each evidence signal
// adds one point, a large stake adds two. Points map onto tiers in order.
func AssessTier(ev data.VerificationEvidence) data.VerificationTier {
	points := 0
	if len(ev.ProofOfWork) > 0 {
		points++
	}
	if len(ev.CommunityReferences) > 0 {
		points++
	}
	if ev.ReputationHistory >= reputationPointThreshold {
		points++
	}
	switch {
	case ev.StakeAmount >= largeStakePointThreshold:
		points += 2
	case ev.StakeAmount >= stakePointThreshold:
		points++
	}
	if len(ev.TechnicalCredentials) > 0 {
		points++
	}

	tier := data.VerificationTier(points)
	if tier > data.TierSuperVerified {
		tier = data.TierSuperVerified
	}
	return tier
}

// TierMultiplier returns the voting power multiplier of a tier
func TierMultiplier(tier data.VerificationTier) float64 {
	return tierMultipliers[tier]
}

// ClassBase returns the base voting power of an identity class
func ClassBase(class data.IdentityClass) float64 {
	return classBase[class]
}

// VotingPower computes base(class) × tierMultiplier(tier) × min(1 + stake/1000, 2)
func VotingPower(class data.IdentityClass, tier data.VerificationTier, stake float64) float64 {
	stakeFactor := math.Min(1+math.Max(stake, 0)/1000, 2.0)
	return ClassBase(class) * TierMultiplier(tier) * stakeFactor
}
