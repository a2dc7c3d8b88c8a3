package data

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"
)

// VerificationEvidence is the material submitted at registration and on
// re-verification
type VerificationEvidence struct {
	ProofOfWork          []byte   `json:"proof_of_work,omitempty"`
	StakeAmount          float64  `json:"stake_amount"`
	ReputationHistory    float64  `json:"reputation_history"`
	CommunityReferences  []string `json:"community_references,omitempty"`
	TechnicalCredentials []string `json:"technical_credentials,omitempty"`

	// KeyProof signs the registration message with the submitted key
	KeyProof ProofBundle `json:"key_proof"`
}

// Endorsement is a typed, weighted statement of trust from another identity
type Endorsement struct {
	EndorserID string          `json:"endorser_id"`
	Type       EndorsementType `json:"type"`
	Weight     float64         `json:"weight"`
	CreatedAt  time.Time       `json:"created_at"`
}

// SecurityFlag is an annotation raised against an identity
type SecurityFlag struct {
	ID       string     `json:"id"`
	Type     ThreatType `json:"type"`
	Severity Severity   `json:"severity"`
	Reason   string     `json:"reason,omitempty"`
	Resolved bool       `json:"resolved"`
	RaisedAt time.Time  `json:"raised_at"`
	ThreatID string     `json:"threat_id,omitempty"`
}

// Blocking reports whether the flag removes voting and proposing eligibility.
// Critical flags block even once resolved; High flags block until resolved.
func (f SecurityFlag) Blocking() bool {
	switch f.Severity {
	case SeverityCritical:
		return true
	case SeverityHigh:
		return !f.Resolved
	}
	return false
}

// Identity represents a registered network participant
type Identity struct {
	ID           string           `json:"id"`
	PublicKey    []byte           `json:"public_key"`
	Class        IdentityClass    `json:"class"`
	Tier         VerificationTier `json:"tier"`
	Reputation   float64          `json:"reputation"`
	Stake        float64          `json:"stake"`
	VotingPower  float64          `json:"voting_power"`
	Endorsements []Endorsement    `json:"endorsements,omitempty"`
	Flags        []SecurityFlag   `json:"flags,omitempty"`
	Revoked      bool             `json:"revoked"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	LastActive   time.Time        `json:"last_active"`
}

// Validate checks if the identity is well formed
func (i *Identity) Validate() error {
	if i.ID == "" {
		return ErrInvalidID
	}
	if len(i.PublicKey) == 0 {
		return errors.New("public key cannot be empty")
	}
	if !i.Class.Valid() {
		return errors.New("unknown identity class")
	}
	if i.Reputation < 0 || i.Reputation > 1 {
		return errors.New("reputation must be between 0 and 1")
	}
	if i.Stake < 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Blocked reports whether any flag currently blocks the identity
func (i *Identity) Blocked() bool {
	for _, f := range i.Flags {
		if f.Blocking() {
			return true
		}
	}
	return false
}

// AgeDays returns the identity age in fractional days at now
func (i *Identity) AgeDays(now time.Time) float64 {
	age := now.Sub(i.CreatedAt)
	if age < 0 {
		return 0
	}
	return age.Hours() / 24
}

// Clone returns a deep copy safe to hand across component boundaries
func (i *Identity) Clone() *Identity {
	c := *i
	c.PublicKey = append([]byte(nil), i.PublicKey...)
	c.Endorsements = append([]Endorsement(nil), i.Endorsements...)
	c.Flags = append([]SecurityFlag(nil), i.Flags...)
	return &c
}

// RiskAttributes are the technical-risk ratings of a proposal
type RiskAttributes struct {
	Complexity     RiskLevel `json:"complexity"`
	SecurityImpact RiskLevel `json:"security_impact"`
	NetworkImpact  RiskLevel `json:"network_impact"`
}

// VotingRequirements are derived from a proposal's category and risk
type VotingRequirements struct {
	MinParticipation   float64          `json:"min_participation"`
	ConsensusThreshold float64          `json:"consensus_threshold"`
	MinTier            VerificationTier `json:"min_tier"`
	MinStake           float64          `json:"min_stake"`
	MinReputation      float64          `json:"min_reputation"`
}

// StatusChange records one lifecycle transition
type StatusChange struct {
	From ProposalStatus `json:"from"`
	To   ProposalStatus `json:"to"`
	At   time.Time      `json:"at"`
}

// DiscussionEntry is one message in a proposal's discussion thread
type DiscussionEntry struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Proposal is a governance proposal and its embedded votes
type Proposal struct {
	ID            string             `json:"id"`
	ProposerID    string             `json:"proposer_id"`
	Category      ProposalCategory   `json:"category"`
	Title         string             `json:"title"`
	Description   string             `json:"description"`
	Risk          RiskAttributes     `json:"risk"`
	Requirements  VotingRequirements `json:"requirements"`
	SubmittedAt   time.Time          `json:"submitted_at"`
	VotingStart   time.Time          `json:"voting_start"`
	VotingEnd     time.Time          `json:"voting_end"`
	Status        ProposalStatus     `json:"status"`
	StatusHistory []StatusChange     `json:"status_history"`
	// Votes holds the latest ballot per voter id.
	Votes map[string]*Vote `json:"votes"`
	// Ballots is the append-only log of every accepted ballot, overwrites included.
	Ballots     []*Vote           `json:"ballots"`
	Discussion  []DiscussionEntry `json:"discussion,omitempty"`
	Result      ConsensusResult   `json:"result"`
	FinalizedAt time.Time         `json:"finalized_at,omitempty"`
}

// Validate checks if the proposal is well formed
func (p *Proposal) Validate() error {
	if p.ID == "" {
		return ErrInvalidID
	}
	if p.ProposerID == "" {
		return errors.New("proposer ID cannot be empty")
	}
	if !p.Category.Valid() {
		return errors.New("unknown proposal category")
	}
	if p.Title == "" {
		return errors.New("title cannot be empty")
	}
	if !p.VotingEnd.After(p.VotingStart) {
		return ErrInvalidTime
	}
	return nil
}

// WindowOpen reports whether now lies within the voting window
func (p *Proposal) WindowOpen(now time.Time) bool {
	return !now.Before(p.VotingStart) && now.Before(p.VotingEnd)
}

// Clone returns a deep copy of the proposal
func (p *Proposal) Clone() *Proposal {
	c := *p
	c.StatusHistory = append([]StatusChange(nil), p.StatusHistory...)
	c.Discussion = append([]DiscussionEntry(nil), p.Discussion...)
	c.Votes = make(map[string]*Vote, len(p.Votes))
	for k, v := range p.Votes {
		vc := *v
		c.Votes[k] = &vc
	}
	c.Ballots = make([]*Vote, len(p.Ballots))
	for i, v := range p.Ballots {
		vc := *v
		c.Ballots[i] = &vc
	}
	return &c
}

// ProofBundle carries the authentication material attached to a vote
type ProofBundle struct {
	Scheme     ProofScheme `json:"scheme"`
	Signature  []byte      `json:"signature,omitempty"`
	Commitment []byte      `json:"commitment,omitempty"`
	Reveal     []byte      `json:"reveal,omitempty"`
}

// Empty reports whether the bundle carries no material at all
func (b ProofBundle) Empty() bool {
	return len(b.Signature) == 0 && len(b.Commitment) == 0 && len(b.Reveal) == 0
}

// Vote represents one ballot on a proposal
type Vote struct {
	ID            string      `json:"id"`
	ProposalID    string      `json:"proposal_id"`
	VoterID       string      `json:"voter_id"`
	Choice        VoteChoice  `json:"choice"`
	DelegateTo    string      `json:"delegate_to,omitempty"`
	Justification string      `json:"justification,omitempty"`
	Power         float64     `json:"power"`
	Weight        float64     `json:"weight"`
	Timestamp     time.Time   `json:"timestamp"`
	Proof         ProofBundle `json:"proof"`
	Overwrites    string      `json:"overwrites,omitempty"`

	// AcceptedAt is the engine clock reading when the vote was recorded
	AcceptedAt time.Time `json:"accepted_at"`
}

// Arrival returns when the engine accepted the vote, falling back to the
// signed timestamp for votes recorded before acceptance times were kept
func (v *Vote) Arrival() time.Time {
	if !v.AcceptedAt.IsZero() {
		return v.AcceptedAt
	}
	return v.Timestamp
}

// NewVote creates a new Vote instance
func NewVote(proposalID, voterID string, choice VoteChoice, timestamp time.Time) (*Vote, error) {
	if proposalID == "" {
		return nil, errors.New("proposal ID cannot be empty")
	}
	if voterID == "" {
		return nil, errors.New("voter ID cannot be empty")
	}
	if !choice.Valid() {
		return nil, errors.New("unknown vote choice")
	}

	return &Vote{
		ID:         uuid.New().String(),
		ProposalID: proposalID,
		VoterID:    voterID,
		Choice:     choice,
		Timestamp:  timestamp.UTC(),
	}, nil
}

// Validate checks if the vote is valid
func (v *Vote) Validate() error {
	if v.ID == "" {
		return ErrInvalidID
	}
	if v.ProposalID == "" {
		return errors.New("proposal ID cannot be empty")
	}
	if v.VoterID == "" {
		return errors.New("voter ID cannot be empty")
	}
	if !v.Choice.Valid() {
		return errors.New("unknown vote choice")
	}
	if v.Choice == ChoiceDelegate && (v.DelegateTo == "" || v.DelegateTo == v.VoterID) {
		return errors.New("delegate vote needs another identity to delegate to")
	}
	if v.Proof.Empty() {
		return ErrMissingSignature
	}
	if v.Timestamp.IsZero() {
		return ErrInvalidTime
	}
	return nil
}

// SigningBytes returns the canonical message a voter signs
func (v *Vote) SigningBytes() []byte {
	buf := make([]byte, 0, len(v.ProposalID)+len(v.VoterID)+len(v.Choice)+len(v.DelegateTo)+12)
	buf = append(buf, v.ProposalID...)
	buf = append(buf, 0)
	buf = append(buf, v.VoterID...)
	buf = append(buf, 0)
	buf = append(buf, v.Choice...)
	buf = append(buf, 0)
	buf = append(buf, v.DelegateTo...)
	buf = append(buf, 0)
	return binary.BigEndian.AppendUint64(buf, uint64(v.Timestamp.UnixNano()))
}

// ConsensusResult is the outcome of evaluating a tally
type ConsensusResult string

const (
	ResultPending                   ConsensusResult = "pending"
	ResultApproved                  ConsensusResult = "approved"
	ResultRejected                  ConsensusResult = "rejected"
	ResultNoConsensus               ConsensusResult = "no_consensus"
	ResultInsufficientParticipation ConsensusResult = "insufficient_participation"
)

// VoteTally holds the running weighted sums for one proposal
type VoteTally struct {
	ProposalID        string          `json:"proposal_id"`
	YesWeight         float64         `json:"yes_weight"`
	NoWeight          float64         `json:"no_weight"`
	AbstainWeight     float64         `json:"abstain_weight"`
	DelegatedWeight   float64         `json:"delegated_weight"`
	TotalCast         float64         `json:"total_cast"`
	EligiblePower     float64         `json:"eligible_power"`
	ParticipationRate float64         `json:"participation_rate"`
	VoteCount         int             `json:"vote_count"`
	ConsensusReached  bool            `json:"consensus_reached"`
	Result            ConsensusResult `json:"result"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ConsensusRound is an immutable record of one finalization
type ConsensusRound struct {
	RoundNumber uint64          `json:"round_number"`
	ProposerID  string          `json:"proposer_id"`
	ProposalIDs []string        `json:"proposal_ids"`
	Votes       []Vote          `json:"votes"`
	Tally       VoteTally       `json:"tally"`
	Result      ConsensusResult `json:"result"`
	FinalizedAt time.Time       `json:"finalized_at"`
	PrevHash    []byte          `json:"prev_hash"`
	Hash        []byte          `json:"hash"`
}

// SecurityThreat is one entry in the append-only threat log
type SecurityThreat struct {
	ID                 string           `json:"id"`
	Type               ThreatType       `json:"type"`
	Severity           Severity         `json:"severity"`
	AffectedIdentities []string         `json:"affected_identities,omitempty"`
	ProposalID         string           `json:"proposal_id,omitempty"`
	Description        string           `json:"description"`
	DetectedAt         time.Time        `json:"detected_at"`
	Status             MitigationStatus `json:"status"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the threat
func (t *SecurityThreat) Clone() *SecurityThreat {
	c := *t
	c.AffectedIdentities = append([]string(nil), t.AffectedIdentities...)
	return &c
}

// Clone returns a deep copy of the round
func (r *ConsensusRound) Clone() *ConsensusRound {
	c := *r
	c.ProposalIDs = append([]string(nil), r.ProposalIDs...)
	c.Votes = append([]Vote(nil), r.Votes...)
	c.PrevHash = append([]byte(nil), r.PrevHash...)
	c.Hash = append([]byte(nil), r.Hash...)
	return &c
}
