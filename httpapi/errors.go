package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"settleflow/auth"
	"settleflow/deal"
	"settleflow/dispute"
	"settleflow/httpx"
	"settleflow/invite"
	"settleflow/payment"
	"settleflow/signing"
	"settleflow/split"
)

type errorMapping struct {
	sentinel error
	status   int
	code     string
}

// Order matters only where sentinels wrap each other; they don't, so this is
// a flat scan.
var errorMappings = []errorMapping{
	{deal.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{deal.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{deal.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{deal.ErrConcurrentModification, http.StatusConflict, "CONCURRENT_MODIFICATION"},
	{deal.ErrDealAlreadySubmitted, http.StatusConflict, "DEAL_ALREADY_SUBMITTED"},
	{deal.ErrDisputeOpen, http.StatusConflict, "DISPUTE_OPEN"},
	{deal.ErrInvalidSplit, http.StatusUnprocessableEntity, "INVALID_SPLIT"},
	{deal.ErrNoRecipients, http.StatusUnprocessableEntity, "NO_RECIPIENTS"},

	{split.ErrOutOfRange, http.StatusUnprocessableEntity, "INVALID_SPLIT"},
	{split.ErrBadSum, http.StatusUnprocessableEntity, "INVALID_SPLIT"},
	{split.ErrUnknownRecipient, http.StatusUnprocessableEntity, "INVALID_SPLIT"},
	{split.ErrNoPrimary, http.StatusUnprocessableEntity, "INVALID_SPLIT"},

	{signing.ErrSessionNotFound, http.StatusNotFound, "NOT_FOUND"},
	{signing.ErrBadToken, http.StatusUnauthorized, "BAD_TOKEN"},
	{signing.ErrConsentRequired, http.StatusUnprocessableEntity, "CONSENT_REQUIRED"},
	{signing.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},
	{signing.ErrInvalidCode, http.StatusUnprocessableEntity, "INVALID_CODE"},
	{signing.ErrTooManyAttempts, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS"},
	{signing.ErrCodeExpired, http.StatusGone, "CODE_EXPIRED"},
	{signing.ErrSessionClosed, http.StatusConflict, "SESSION_CLOSED"},

	{payment.ErrRecordNotFound, http.StatusNotFound, "NOT_FOUND"},
	{payment.ErrBadSignature, http.StatusUnauthorized, "BAD_SIGNATURE"},
	{payment.ErrStalePayment, http.StatusConflict, "STALE_PAYMENT"},

	{invite.ErrInviteNotFound, http.StatusNotFound, "NOT_FOUND"},
	{invite.ErrInviteExpired, http.StatusGone, "INVITE_EXPIRED"},
	{invite.ErrInviteConsumed, http.StatusConflict, "INVITE_CONSUMED"},
	{invite.ErrDuplicatePending, http.StatusConflict, "DUPLICATE_INVITATION"},
	{invite.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},

	{dispute.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{dispute.ErrDisputeExists, http.StatusConflict, "DISPUTE_EXISTS"},
	{dispute.ErrBadStatus, http.StatusConflict, "INVALID_TRANSITION"},
	{dispute.ErrBadRefund, http.StatusUnprocessableEntity, "BAD_REFUND"},

	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
	{auth.ErrWeakPassword, http.StatusUnprocessableEntity, "WEAK_PASSWORD"},
	{auth.ErrDuplicateEmail, http.StatusConflict, "DUPLICATE_EMAIL"},
	{auth.ErrUserNotFound, http.StatusNotFound, "NOT_FOUND"},
}

func (a *API) writeDomainError(w http.ResponseWriter, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			httpx.WriteError(w, m.status, m.code, err.Error())
			return
		}
	}
	a.log.Error("unhandled error", zap.Error(err))
	httpx.WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}
