package signing

import (
	"errors"
	"time"
)

// Status is the per-session signing state. A session never re-enters
// pending_consent, and signed is terminal with its document hash frozen.
type Status string

const (
	StatusPendingConsent Status = "pending_consent"
	StatusOTPIssued      Status = "otp_issued"
	StatusSigned         Status = "signed"
	StatusExpired        Status = "expired"
)

// Session mirrors the signing_sessions table.
type Session struct {
	ID           string
	DealID       string
	RecipientID  string
	PartyName    string
	PartyPhone   string
	DocHash      string
	Status       Status
	ConsentPD    bool
	ConsentES    bool
	OTPExpiresAt *time.Time
	OTPAttempts  int
	ResendCount  int
	NextResendAt *time.Time
	SignedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SigningInfo is the public, token-scoped view of a session.
type SigningInfo struct {
	SessionID   string
	DealNumber  string
	PartyName   string
	MaskedPhone string
	DocHash     string
	Status      Status
	Amount      int64
	Currency    string
}

var (
	// ErrSessionNotFound signals no session exists for the identifier.
	ErrSessionNotFound = errors.New("signing: session not found")
	// ErrBadToken signals the signing token failed verification.
	ErrBadToken = errors.New("signing: invalid token")
	// ErrConsentRequired signals both consent flags must be set before OTP.
	ErrConsentRequired = errors.New("signing: consent flags required")
	// ErrRateLimited signals a resend was requested before the backoff window
	// elapsed.
	ErrRateLimited = errors.New("signing: rate limited")
	// ErrInvalidCode signals the submitted OTP does not match.
	ErrInvalidCode = errors.New("signing: invalid code")
	// ErrTooManyAttempts signals the attempt ceiling was reached; the session
	// is locked against further verification.
	ErrTooManyAttempts = errors.New("signing: too many attempts")
	// ErrCodeExpired signals the OTP outlived its window; request a fresh one.
	ErrCodeExpired = errors.New("signing: code expired")
	// ErrSessionClosed signals the session is signed or expired.
	ErrSessionClosed = errors.New("signing: session closed")
)

const (
	otpLength      = 6
	otpTTL         = 5 * time.Minute
	otpMaxAttempts = 5
	resendBase     = time.Minute
	tokenTTL       = 7 * 24 * time.Hour
)
