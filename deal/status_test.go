package deal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusDraft:              {StatusAwaitingSignatures, StatusCancelled},
		StatusAwaitingSignatures: {StatusSigned, StatusDraft, StatusCancelled},
		StatusSigned:             {StatusPaymentPending, StatusDispute, StatusCancelled},
		StatusPaymentPending:     {StatusHoldPeriod, StatusDispute, StatusCancelled},
		StatusHoldPeriod:         {StatusPayoutReady, StatusDispute},
		StatusPayoutReady:        {StatusClosed, StatusDispute},
		StatusDispute:            {StatusSigned, StatusPaymentPending, StatusHoldPeriod, StatusPayoutReady},
		StatusClosed:             {},
		StatusCancelled:          {},
	}

	all := []Status{
		StatusDraft, StatusAwaitingSignatures, StatusSigned, StatusPaymentPending,
		StatusHoldPeriod, StatusPayoutReady, StatusDispute, StatusClosed, StatusCancelled,
	}

	for from, tos := range allowed {
		ok := make(map[Status]bool, len(tos))
		for _, to := range tos {
			ok[to] = true
		}
		for _, to := range all {
			got := canTransition(from, to)
			assert.Equal(t, ok[to], got, "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, terminal(StatusClosed))
	assert.True(t, terminal(StatusCancelled))
	assert.False(t, terminal(StatusDraft))
	assert.False(t, terminal(StatusDispute))
}

func TestCheckTransition_SameStatusIsRace(t *testing.T) {
	err := checkTransition(StatusHoldPeriod, StatusHoldPeriod)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConcurrentModification))
}

func TestCheckTransition_InvalidMove(t *testing.T) {
	err := checkTransition(StatusDraft, StatusClosed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestCheckTransition_HoldPeriodCannotCancel(t *testing.T) {
	// Once money is in, a deal leaves only through payout or a dispute.
	err := checkTransition(StatusHoldPeriod, StatusCancelled)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}
