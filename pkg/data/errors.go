package data

import "errors"

// Error variables for consistent error handling
var (
	ErrInvalidID        = errors.New("invalid identifier")
	ErrInvalidTime      = errors.New("invalid timestamp")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrMissingSignature = errors.New("missing required signature")

	ErrNotFound      = errors.New("record not found")
	ErrDuplicate     = errors.New("duplicate record")
	ErrAppendOnly    = errors.New("append-only record cannot be modified")
	ErrHistoryBroken = errors.New("consensus history hash chain broken")
)

// Governance error kinds returned synchronously to callers
var (
	ErrNotEligible       = errors.New("not eligible")
	ErrDuplicateIdentity = errors.New("duplicate identity")
	ErrRevokedIdentity   = errors.New("revoked identity")
	ErrIdentityNotFound  = errors.New("identity not found")
	ErrVotingNotOpen     = errors.New("voting not open")
	ErrVotingStillOpen   = errors.New("voting still open")
	ErrProposalNotFound  = errors.New("proposal not found")
	ErrInvalidProof      = errors.New("invalid proof")
	ErrCapacityExceeded  = errors.New("active proposal capacity exceeded")
	ErrInvalidTransition = errors.New("invalid proposal status transition")
	ErrSessionExpired    = errors.New("session expired")
	ErrSessionNotFound   = errors.New("session not found")
	ErrUnsupportedMethod = errors.New("unsupported authentication method")
	ErrThreatNotFound    = errors.New("threat not found")
	ErrInvalidMitigation = errors.New("invalid mitigation transition")
)
