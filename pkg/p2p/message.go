package p2p

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/libp2p/go-libp2p/core/peer"

	"governance_engine/pkg/data"
)

const protocolVersion = "1.0.0"

// MessageType represents the type of message
type MessageType string

const (
	VoteMessage  MessageType = "Vote"
	RoundMessage MessageType = "ConsensusRound"
)

// Message is the signed envelope gossiped between nodes
type Message struct {
	Type      MessageType
	Version   string
	ID        string
	Timestamp int64
	SenderID  string
	Payload   []byte
	Signature []byte
}

// NewMessage creates a new unsigned message
func NewMessage(msgType MessageType, payload []byte) *Message {
	return &Message{
		Type:      msgType,
		Version:   protocolVersion,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixNano(),
		Payload:   payload,
	}
}

// NewVoteMessage wraps an accepted vote
func NewVoteMessage(vote data.Vote) (*Message, error) {
	payload, err := data.EncodeVotes([]data.Vote{vote})
	if err != nil {
		return nil, err
	}
	return NewMessage(VoteMessage, payload), nil
}

// NewRoundMessage wraps a sealed consensus round
func NewRoundMessage(round *data.ConsensusRound) (*Message, error) {
	payload, err := data.EncodeRound(round)
	if err != nil {
		return nil, err
	}
	return NewMessage(RoundMessage, payload), nil
}

// Vote decodes the payload of a VoteMessage
func (m *Message) Vote() (data.Vote, error) {
	if m.Type != VoteMessage {
		return data.Vote{}, fmt.Errorf("message %s is %s, not a vote", m.ID, m.Type)
	}
	votes, err := data.DecodeVotes(m.Payload)
	if err != nil {
		return data.Vote{}, err
	}
	if len(votes) != 1 {
		return data.Vote{}, fmt.Errorf("message %s carries %d votes", m.ID, len(votes))
	}
	return votes[0], nil
}

// Round decodes the payload of a RoundMessage
func (m *Message) Round() (*data.ConsensusRound, error) {
	if m.Type != RoundMessage {
		return nil, fmt.Errorf("message %s is %s, not a round", m.ID, m.Type)
	}
	return data.DecodeRound(m.Payload)
}

// Sender returns the peer that signed the message
func (m *Message) Sender() (peer.ID, error) {
	return peer.Decode(m.SenderID)
}

// Marshal serializes the message with msgpack
func (m *Message) Marshal() ([]byte, error) {
	return encode(m)
}

// MarshalWithoutSignature serializes everything the signature covers
func (m *Message) MarshalWithoutSignature() ([]byte, error) {
	temp := *m
	temp.Signature = nil
	return encode(&temp)
}

// Unmarshal deserializes the message
func (m *Message) Unmarshal(raw []byte) error {
	dec := codec.NewDecoderBytes(raw, &codec.MsgpackHandle{})
	if err := dec.Decode(m); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}

func encode(m *Message) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return buf, nil
}
