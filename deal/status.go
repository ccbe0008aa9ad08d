package deal

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition signals the requested status change is not in the
	// lifecycle graph.
	ErrInvalidTransition = errors.New("deal: invalid status transition")
	// ErrConcurrentModification signals another transition won the race for
	// this deal; the caller should re-read and retry if still applicable.
	ErrConcurrentModification = errors.New("deal: concurrent modification")
	// ErrNotFound is returned when no deal row exists for the identifier.
	ErrNotFound = errors.New("deal: not found")
	// ErrInvalidSplit signals the recipient shares failed normalization.
	ErrInvalidSplit = errors.New("deal: invalid split")
	// ErrNoRecipients signals submission without a single unlocked recipient.
	ErrNoRecipients = errors.New("deal: no recipients")
	// ErrDealAlreadySubmitted rejects split edits after leaving draft.
	ErrDealAlreadySubmitted = errors.New("deal: already submitted")
	// ErrDisputeOpen blocks payout-path transitions while a dispute is active.
	ErrDisputeOpen = errors.New("deal: open dispute blocks payout")
	// ErrStalePayment signals a payment reference that does not match the
	// active payment record.
	ErrStalePayment = errors.New("deal: stale payment reference")
	// ErrForbidden signals the actor may not perform the transition.
	ErrForbidden = errors.New("deal: forbidden")
)

// terminal reports whether no further transitions may leave the status.
func terminal(s Status) bool {
	switch s {
	case StatusClosed, StatusCancelled:
		return true
	case StatusDraft, StatusAwaitingSignatures, StatusSigned,
		StatusPaymentPending, StatusHoldPeriod, StatusPayoutReady, StatusDispute:
		return false
	}
	return false
}

// canTransition is the closed lifecycle graph. Cancellation is handled
// separately because its guard depends on payment state, not just status.
func canTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusAwaitingSignatures || to == StatusCancelled
	case StatusAwaitingSignatures:
		return to == StatusSigned || to == StatusDraft || to == StatusCancelled
	case StatusSigned:
		return to == StatusPaymentPending || to == StatusDispute || to == StatusCancelled
	case StatusPaymentPending:
		return to == StatusHoldPeriod || to == StatusDispute || to == StatusCancelled
	case StatusHoldPeriod:
		return to == StatusPayoutReady || to == StatusDispute
	case StatusPayoutReady:
		return to == StatusClosed || to == StatusDispute
	case StatusDispute:
		// Resolution restores the pre-dispute status.
		return to == StatusSigned || to == StatusPaymentPending ||
			to == StatusHoldPeriod || to == StatusPayoutReady
	case StatusClosed, StatusCancelled:
		return false
	}
	return false
}

// checkTransition distinguishes a genuinely invalid move from losing a race:
// when the deal already sits in the requested target, another actor applied
// the same transition first.
func checkTransition(current, next Status) error {
	if current == next {
		return fmt.Errorf("%w: deal already %s", ErrConcurrentModification, current)
	}
	if !canTransition(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}
