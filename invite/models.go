package invite

import (
	"errors"
	"time"

	"settleflow/deal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Invitation is an offer to join a deal's split, addressed to a contact that
// may not have an account yet.
type Invitation struct {
	ID              string
	DealID          string
	Contact         string
	ProposedRole    deal.RecipientRole
	ProposedPercent int
	Token           string
	Status          Status
	ExpiresAt       time.Time
	ResendCount     int
	LastSentAt      time.Time
	CreatedAt       time.Time
}

var (
	// ErrInviteNotFound signals no invitation matches the id or token.
	ErrInviteNotFound = errors.New("invite: not found")
	// ErrInviteExpired signals the invitation passed its expiry.
	ErrInviteExpired = errors.New("invite: expired")
	// ErrInviteConsumed signals the invitation already left pending.
	ErrInviteConsumed = errors.New("invite: already consumed")
	// ErrDuplicatePending signals a pending invitation already exists for
	// the contact on this deal.
	ErrDuplicatePending = errors.New("invite: pending invitation exists for contact")
	// ErrRateLimited signals the per-contact send budget is exhausted.
	ErrRateLimited = errors.New("invite: rate limited")
)
