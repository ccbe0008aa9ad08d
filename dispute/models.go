package dispute

import (
	"errors"
	"time"

	"settleflow/deal"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusRejected    Status = "rejected"
	StatusCancelled   Status = "cancelled"
)

// Outcome is the back-office ruling on a resolved dispute.
type Outcome string

const (
	OutcomeApprovedFull    Outcome = "approved_full"
	OutcomeApprovedPartial Outcome = "approved_partial"
	OutcomeRejected        Outcome = "rejected"
)

// Record mirrors the disputes table. PriorDealStatus is the deal state the
// dispute interrupted; resolution restores it.
type Record struct {
	ID                    string
	DealID                string
	PaymentRecordID       *string
	OpenedBy              string
	Reason                string
	Detail                *string
	RefundRequested       bool
	RefundAmountRequested *int64
	Status                Status
	PriorDealStatus       deal.Status
	Outcome               *Outcome
	RefundAmount          *int64
	ResolutionNotes       *string
	ResolvedBy            *string
	ResolvedAt            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

var (
	ErrNotFound = errors.New("dispute: not found")
	// ErrDisputeExists signals the deal already has an active dispute.
	ErrDisputeExists = errors.New("dispute: active dispute exists")
	// ErrBadStatus signals the dispute is not in a state that permits the
	// requested operation.
	ErrBadStatus = errors.New("dispute: invalid status transition")
	// ErrBadRefund signals a refund amount outside the paid total.
	ErrBadRefund = errors.New("dispute: refund amount out of range")
)
