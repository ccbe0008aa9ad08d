package payment

import (
	"errors"
	"time"
)

// Status is the payment-record lifecycle. Transitions are monotonic: pending
// moves to exactly one of paid, expired, or cancelled, and paid is terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Record mirrors the payment_records table. History is retained: a deal has
// at most one pending record but any number of settled ones.
type Record struct {
	ID          string
	DealID      string
	Amount      int64
	Currency    string
	ProviderRef string
	QRPayload   string
	Status      Status
	ExpiresAt   time.Time
	PaidAt      *time.Time
	CreatedAt   time.Time
}

var (
	// ErrRecordNotFound signals no payment record matches the reference.
	ErrRecordNotFound = errors.New("payment: record not found")
	// ErrStalePayment signals a reference that does not match the deal's
	// active pending record.
	ErrStalePayment = errors.New("payment: stale payment reference")
	// ErrBadSignature signals webhook signature verification failed.
	ErrBadSignature = errors.New("payment: invalid webhook signature")
)
