package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeVotes(t *testing.T) {
	round := createTestRound(t, 1, nil)

	raw, err := EncodeVotes(round.Votes)
	require.NoError(t, err)

	votes, err := DecodeVotes(raw)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, round.Votes[0].VoterID, votes[0].VoterID)
	assert.True(t, round.Votes[0].Timestamp.Equal(votes[0].Timestamp))
	assert.Equal(t, round.Votes[0].Proof.Signature, votes[0].Proof.Signature)
	assert.True(t, votes[0].AcceptedAt.IsZero())
	assert.True(t, votes[0].Arrival().Equal(votes[0].Timestamp))

	accepted := round.Votes[0]
	accepted.AcceptedAt = accepted.Timestamp.Add(time.Second)
	raw, err = EncodeVotes([]Vote{accepted})
	require.NoError(t, err)
	votes, err = DecodeVotes(raw)
	require.NoError(t, err)
	assert.True(t, votes[0].Arrival().Equal(accepted.AcceptedAt))

	empty, err := DecodeVotes(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestVerifyChain(t *testing.T) {
	build := func(t *testing.T) []*ConsensusRound {
		first := createTestRound(t, 1, nil)
		second := createTestRound(t, 2, first.Hash)
		third := createTestRound(t, 3, second.Hash)
		return []*ConsensusRound{first, second, third}
	}

	t.Run("Intact History", func(t *testing.T) {
		assert.NoError(t, VerifyChain(build(t)))
		assert.NoError(t, VerifyChain(nil))
	})

	t.Run("Tampered Result", func(t *testing.T) {
		rounds := build(t)
		rounds[1].Result = ResultRejected
		assert.ErrorIs(t, VerifyChain(rounds), ErrHistoryBroken)
	})

	t.Run("Tampered Vote Weight", func(t *testing.T) {
		rounds := build(t)
		rounds[0].Votes[0].Weight = 9
		assert.ErrorIs(t, VerifyChain(rounds), ErrHistoryBroken)
	})

	t.Run("Missing Round", func(t *testing.T) {
		rounds := build(t)
		assert.ErrorIs(t, VerifyChain([]*ConsensusRound{rounds[0], rounds[2]}), ErrHistoryBroken)
	})

	t.Run("Hash Depends On Previous", func(t *testing.T) {
		a := createTestRound(t, 2, []byte("one"))
		b := createTestRound(t, 2, []byte("two"))
		assert.NotEqual(t, a.Hash, b.Hash)
	})
}

func TestEncodeRound(t *testing.T) {
	round := createTestRound(t, 4, []byte("previous"))

	raw, err := EncodeRound(round)
	require.NoError(t, err)

	decoded, err := DecodeRound(raw)
	require.NoError(t, err)
	assert.Equal(t, round.RoundNumber, decoded.RoundNumber)
	assert.Equal(t, round.Result, decoded.Result)
	assert.Equal(t, round.Hash, decoded.Hash)
	assert.True(t, round.FinalizedAt.Equal(decoded.FinalizedAt))

	// The decoded round must still hash to the same value
	hash, err := ComputeRoundHash(decoded)
	require.NoError(t, err)
	assert.Equal(t, round.Hash, hash)

	_, err = DecodeRound([]byte{0xc1})
	assert.Error(t, err)
}
