package data

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"golang.org/x/crypto/blake2b"
)

// voteRecord is the wire form of a Vote. Times are carried as unix nanos so
// the encoding is stable across codec versions.
type voteRecord struct {
	ID            string
	ProposalID    string
	VoterID       string
	Choice        string
	DelegateTo    string
	Justification string
	Power         float64
	Weight        float64
	Timestamp     int64
	Scheme        string
	Signature     []byte
	Commitment    []byte
	Reveal        []byte
	Overwrites    string
	AcceptedAt    int64
}

func toVoteRecords(votes []Vote) []voteRecord {
	records := make([]voteRecord, len(votes))
	for i, v := range votes {
		records[i] = voteRecord{
			ID:            v.ID,
			ProposalID:    v.ProposalID,
			VoterID:       v.VoterID,
			Choice:        string(v.Choice),
			DelegateTo:    v.DelegateTo,
			Justification: v.Justification,
			Power:         v.Power,
			Weight:        v.Weight,
			Timestamp:     v.Timestamp.UnixNano(),
			Scheme:        string(v.Proof.Scheme),
			Signature:     v.Proof.Signature,
			Commitment:    v.Proof.Commitment,
			Reveal:        v.Proof.Reveal,
			Overwrites:    v.Overwrites,
		}
		if !v.AcceptedAt.IsZero() {
			records[i].AcceptedAt = v.AcceptedAt.UnixNano()
		}
	}
	return records
}

func fromVoteRecords(records []voteRecord) []Vote {
	votes := make([]Vote, len(records))
	for i, r := range records {
		votes[i] = Vote{
			ID:            r.ID,
			ProposalID:    r.ProposalID,
			VoterID:       r.VoterID,
			Choice:        VoteChoice(r.Choice),
			DelegateTo:    r.DelegateTo,
			Justification: r.Justification,
			Power:         r.Power,
			Weight:        r.Weight,
			Timestamp:     time.Unix(0, r.Timestamp).UTC(),
			Proof: ProofBundle{
				Scheme:     ProofScheme(r.Scheme),
				Signature:  r.Signature,
				Commitment: r.Commitment,
				Reveal:     r.Reveal,
			},
			Overwrites: r.Overwrites,
		}
		if r.AcceptedAt != 0 {
			votes[i].AcceptedAt = time.Unix(0, r.AcceptedAt).UTC()
		}
	}
	return votes
}

// EncodeVotes serializes a vote snapshot with msgpack
func EncodeVotes(votes []Vote) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(toVoteRecords(votes)); err != nil {
		return nil, fmt.Errorf("encoding vote snapshot: %w", err)
	}
	return buf, nil
}

// DecodeVotes restores a vote snapshot produced by EncodeVotes
func DecodeVotes(raw []byte) ([]Vote, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []voteRecord
	dec := codec.NewDecoderBytes(raw, &codec.MsgpackHandle{})
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding vote snapshot: %w", err)
	}
	return fromVoteRecords(records), nil
}

// roundDigest is the hashed view of a round. Hash itself is excluded.
type roundDigest struct {
	RoundNumber   uint64
	ProposerID    string
	ProposalIDs   []string
	Votes         []voteRecord
	YesWeight     float64
	NoWeight      float64
	AbstainWeight float64
	Participation float64
	Result        string
	FinalizedAt   int64
}

// ComputeRoundHash returns blake2b-256(prevHash || msgpack(round))
func ComputeRoundHash(r *ConsensusRound) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
	digest := roundDigest{
		RoundNumber:   r.RoundNumber,
		ProposerID:    r.ProposerID,
		ProposalIDs:   r.ProposalIDs,
		Votes:         toVoteRecords(r.Votes),
		YesWeight:     r.Tally.YesWeight,
		NoWeight:      r.Tally.NoWeight,
		AbstainWeight: r.Tally.AbstainWeight,
		Participation: r.Tally.ParticipationRate,
		Result:        string(r.Result),
		FinalizedAt:   r.FinalizedAt.UnixNano(),
	}
	if err := enc.Encode(digest); err != nil {
		return nil, fmt.Errorf("encoding round %d: %w", r.RoundNumber, err)
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("creating hasher: %w", err)
	}
	h.Write(r.PrevHash)
	h.Write(buf)
	return h.Sum(nil), nil
}

// SealRound links r to prevHash and sets its hash
func SealRound(r *ConsensusRound, prevHash []byte) error {
	r.PrevHash = append([]byte(nil), prevHash...)
	hash, err := ComputeRoundHash(r)
	if err != nil {
		return err
	}
	r.Hash = hash
	return nil
}

// VerifyChain checks round numbering and hash links across an ordered history
func VerifyChain(rounds []*ConsensusRound) error {
	var prev []byte
	for i, r := range rounds {
		if r.RoundNumber != uint64(i+1) {
			return fmt.Errorf("%w: round %d at position %d", ErrHistoryBroken, r.RoundNumber, i)
		}
		if !bytes.Equal(r.PrevHash, prev) {
			return fmt.Errorf("%w: round %d prev hash mismatch", ErrHistoryBroken, r.RoundNumber)
		}
		hash, err := ComputeRoundHash(r)
		if err != nil {
			return err
		}
		if !bytes.Equal(hash, r.Hash) {
			return fmt.Errorf("%w: round %d hash mismatch", ErrHistoryBroken, r.RoundNumber)
		}
		prev = r.Hash
	}
	return nil
}

// roundRecord is the wire form of a ConsensusRound
type roundRecord struct {
	RoundNumber uint64
	ProposerID  string
	ProposalIDs []string
	Votes       []voteRecord
	Tally       tallyRecord
	Result      string
	FinalizedAt int64
	PrevHash    []byte
	Hash        []byte
}

type tallyRecord struct {
	ProposalID        string
	YesWeight         float64
	NoWeight          float64
	AbstainWeight     float64
	DelegatedWeight   float64
	TotalCast         float64
	EligiblePower     float64
	ParticipationRate float64
	VoteCount         int
	ConsensusReached  bool
	Result            string
	UpdatedAt         int64
}

// EncodeRound serializes a consensus round with msgpack
func EncodeRound(r *ConsensusRound) ([]byte, error) {
	t := r.Tally
	record := roundRecord{
		RoundNumber: r.RoundNumber,
		ProposerID:  r.ProposerID,
		ProposalIDs: r.ProposalIDs,
		Votes:       toVoteRecords(r.Votes),
		Tally: tallyRecord{
			ProposalID:        t.ProposalID,
			YesWeight:         t.YesWeight,
			NoWeight:          t.NoWeight,
			AbstainWeight:     t.AbstainWeight,
			DelegatedWeight:   t.DelegatedWeight,
			TotalCast:         t.TotalCast,
			EligiblePower:     t.EligiblePower,
			ParticipationRate: t.ParticipationRate,
			VoteCount:         t.VoteCount,
			ConsensusReached:  t.ConsensusReached,
			Result:            string(t.Result),
			UpdatedAt:         t.UpdatedAt.UnixNano(),
		},
		Result:      string(r.Result),
		FinalizedAt: r.FinalizedAt.UnixNano(),
		PrevHash:    r.PrevHash,
		Hash:        r.Hash,
	}

	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(record); err != nil {
		return nil, fmt.Errorf("encoding round %d: %w", r.RoundNumber, err)
	}
	return buf, nil
}

// DecodeRound restores a round produced by EncodeRound
func DecodeRound(raw []byte) (*ConsensusRound, error) {
	var record roundRecord
	dec := codec.NewDecoderBytes(raw, &codec.MsgpackHandle{})
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("decoding round: %w", err)
	}

	t := record.Tally
	return &ConsensusRound{
		RoundNumber: record.RoundNumber,
		ProposerID:  record.ProposerID,
		ProposalIDs: record.ProposalIDs,
		Votes:       fromVoteRecords(record.Votes),
		Tally: VoteTally{
			ProposalID:        t.ProposalID,
			YesWeight:         t.YesWeight,
			NoWeight:          t.NoWeight,
			AbstainWeight:     t.AbstainWeight,
			DelegatedWeight:   t.DelegatedWeight,
			TotalCast:         t.TotalCast,
			EligiblePower:     t.EligiblePower,
			ParticipationRate: t.ParticipationRate,
			VoteCount:         t.VoteCount,
			ConsensusReached:  t.ConsensusReached,
			Result:            ConsensusResult(t.Result),
			UpdatedAt:         time.Unix(0, t.UpdatedAt).UTC(),
		},
		Result:      ConsensusResult(record.Result),
		FinalizedAt: time.Unix(0, record.FinalizedAt).UTC(),
		PrevHash:    record.PrevHash,
		Hash:        record.Hash,
	}, nil
}
