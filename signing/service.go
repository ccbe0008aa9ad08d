package signing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"settleflow/deal"
)

// Completer finishes the deal-level signing transition once the last required
// session signs. Implemented by the deal service.
type Completer interface {
	CompleteSigningTx(ctx context.Context, tx pgx.Tx, dealID string, actorID *string) error
}

// CodeSender delivers an OTP to a party. Delivery mechanics live outside the
// engine; the default implementation only logs.
type CodeSender interface {
	Send(ctx context.Context, phone, code string) error
}

// LogSender is the no-delivery CodeSender used outside production wiring.
type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) Send(_ context.Context, phone, code string) error {
	if s.Log != nil {
		s.Log.Info("otp issued", zap.String("phone", maskPhone(phone)), zap.Int("len", len(code)))
	}
	return nil
}

// Service drives the per-party consent and OTP protocol.
type Service struct {
	pool      *pgxpool.Pool
	deals     *deal.Repository
	completer Completer
	sender    CodeSender
	tokens    tokens
	limiters  limiterPool
	now       func() time.Time
}

func NewService(pool *pgxpool.Pool, completer Completer, sender CodeSender, tokenSecret string) *Service {
	if sender == nil {
		sender = LogSender{}
	}
	return &Service{
		pool:      pool,
		deals:     deal.NewRepository(),
		completer: completer,
		sender:    sender,
		tokens:    tokens{secret: []byte(tokenSecret)},
		limiters:  limiterPool{entries: make(map[string]*rate.Limiter)},
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SetCompleter breaks the construction cycle between the deal and signing
// services; main wires it after both exist.
func (s *Service) SetCompleter(c Completer) { s.completer = c }

// DealIDForToken resolves which deal a signing link belongs to. The payment
// page uses it to grant token-scoped read access.
func (s *Service) DealIDForToken(token string) (string, error) {
	_, dealID, err := s.tokens.verifyClaims(token)
	if err != nil {
		return "", err
	}
	if dealID == "" {
		return "", ErrBadToken
	}
	return dealID, nil
}

const sessionColumns = `id, deal_id, recipient_id, party_name, party_phone, doc_hash, status::text,
	consent_pd, consent_es, otp_expires_at, otp_attempts, resend_count, next_resend_at,
	signed_at, created_at, updated_at`

func scanSession(row pgx.Row) (Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID, &sess.DealID, &sess.RecipientID, &sess.PartyName, &sess.PartyPhone,
		&sess.DocHash, &sess.Status, &sess.ConsentPD, &sess.ConsentES,
		&sess.OTPExpiresAt, &sess.OTPAttempts, &sess.ResendCount, &sess.NextResendAt,
		&sess.SignedAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	return sess, err
}

// CreateForDeal opens one session per unlocked recipient inside the caller's
// submission transaction and enqueues the signing link for delivery.
func (s *Service) CreateForDeal(ctx context.Context, tx pgx.Tx, d deal.Deal, recipients []deal.Recipient) error {
	if d.DocHash == nil {
		return fmt.Errorf("signing: deal %s has no document hash", d.ID)
	}
	for _, rec := range recipients {
		if rec.Locked {
			continue
		}

		phone := ""
		if rec.UserID != nil {
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(phone, '') FROM users WHERE id = $1`, *rec.UserID).Scan(&phone); err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("signing: resolve party phone: %w", err)
			}
		}

		var sessionID string
		if err := tx.QueryRow(ctx, `
			INSERT INTO signing_sessions (deal_id, recipient_id, party_name, party_phone, doc_hash)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			d.ID, rec.ID, rec.DisplayName, phone, *d.DocHash).Scan(&sessionID); err != nil {
			return fmt.Errorf("signing: insert session: %w", err)
		}

		token, err := s.tokens.issue(sessionID, d.ID, s.now())
		if err != nil {
			return err
		}
		if err := s.deals.EnqueueOutbox(ctx, tx, "signing.invite", map[string]any{
			"deal_id":    d.ID,
			"session_id": sessionID,
			"phone":      phone,
			"token":      token,
		}); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateForDeal expires every session of the deal, signed ones included:
// the document they were bound to is no longer the document.
func (s *Service) InvalidateForDeal(ctx context.Context, tx pgx.Tx, dealID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE signing_sessions
		SET status = 'expired', updated_at = get_tx_timestamp()
		WHERE deal_id = $1 AND status <> 'expired'`, dealID); err != nil {
		return fmt.Errorf("signing: expire sessions: %w", err)
	}
	return nil
}

// InfoByToken resolves the public signing view for a session token.
func (s *Service) InfoByToken(ctx context.Context, token string) (SigningInfo, error) {
	sessionID, err := s.tokens.verify(token)
	if err != nil {
		return SigningInfo{}, err
	}

	const query = `
		SELECT ss.id, d.deal_number, ss.party_name, ss.party_phone, ss.doc_hash, ss.status::text,
		       r.amount, d.currency
		FROM signing_sessions ss
		JOIN deals d ON d.id = ss.deal_id
		JOIN recipients r ON r.id = ss.recipient_id
		WHERE ss.id = $1`
	var info SigningInfo
	var phone string
	if err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&info.SessionID, &info.DealNumber, &info.PartyName, &phone,
		&info.DocHash, &info.Status, &info.Amount, &info.Currency); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SigningInfo{}, ErrSessionNotFound
		}
		return SigningInfo{}, fmt.Errorf("signing: load info: %w", err)
	}
	info.MaskedPhone = maskPhone(phone)
	return info, nil
}

// RequestOTP records the consent flags and issues a fresh code. Resends are
// throttled per session with exponential spacing and per phone with a rate
// limiter, so a hot contact cannot be hammered across sessions.
func (s *Service) RequestOTP(ctx context.Context, token string, consentPD, consentES bool) error {
	sessionID, err := s.tokens.verify(token)
	if err != nil {
		return err
	}
	if !consentPD || !consentES {
		return ErrConsentRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := s.lockSession(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	switch sess.Status {
	case StatusPendingConsent, StatusOTPIssued:
	case StatusSigned, StatusExpired:
		return ErrSessionClosed
	}

	now := s.now()
	if sess.NextResendAt != nil && now.Before(*sess.NextResendAt) {
		return fmt.Errorf("%w: next resend at %s", ErrRateLimited, sess.NextResendAt.UTC().Format(time.RFC3339))
	}
	if !s.limiters.allow(sess.PartyPhone) {
		return ErrRateLimited
	}

	code, err := generateCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("signing: hash otp: %w", err)
	}

	shift := sess.ResendCount
	if shift > 5 {
		shift = 5
	}
	backoff := resendBase << shift
	if _, err := tx.Exec(ctx, `
		UPDATE signing_sessions
		SET status = 'otp_issued',
		    consent_pd = true,
		    consent_es = true,
		    otp_hash = $1,
		    otp_expires_at = $2,
		    otp_attempts = 0,
		    resend_count = resend_count + 1,
		    next_resend_at = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $4`,
		string(hash), now.Add(otpTTL), now.Add(backoff), sessionID); err != nil {
		return fmt.Errorf("signing: store otp: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("signing: commit otp: %w", err)
	}

	// Delivery happens after commit; a failed send only costs the party a
	// resend, never a dangling stored code.
	if err := s.sender.Send(ctx, sess.PartyPhone, code); err != nil {
		return fmt.Errorf("signing: send otp: %w", err)
	}
	return nil
}

// VerifyOTP checks the submitted code and, on success, binds the signature to
// the session's document hash. Signing the last open session completes the
// deal-level transition inside the same transaction.
func (s *Service) VerifyOTP(ctx context.Context, token, code string) (Session, error) {
	sessionID, err := s.tokens.verify(token)
	if err != nil {
		return Session{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the deal before the session: every writer takes the deal row
	// first, which keeps lock ordering consistent across packages.
	var dealID string
	var currentHash *string
	if err := tx.QueryRow(ctx, `
		SELECT d.id, d.doc_hash
		FROM deals d
		JOIN signing_sessions ss ON ss.deal_id = d.id
		WHERE ss.id = $1
		FOR UPDATE OF d`, sessionID).Scan(&dealID, &currentHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("signing: lock deal: %w", err)
	}

	sess, err := s.lockSession(ctx, tx, sessionID)
	if err != nil {
		return Session{}, err
	}
	switch sess.Status {
	case StatusOTPIssued:
	case StatusPendingConsent:
		return Session{}, fmt.Errorf("%w: no code issued", ErrInvalidCode)
	case StatusSigned, StatusExpired:
		return Session{}, ErrSessionClosed
	}
	if sess.OTPAttempts >= otpMaxAttempts {
		return Session{}, ErrTooManyAttempts
	}

	now := s.now()
	if sess.OTPExpiresAt == nil || now.After(*sess.OTPExpiresAt) {
		return Session{}, ErrCodeExpired
	}

	var otpHash string
	if err := tx.QueryRow(ctx,
		`SELECT otp_hash FROM signing_sessions WHERE id = $1`, sessionID).Scan(&otpHash); err != nil {
		return Session{}, fmt.Errorf("signing: load otp hash: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(otpHash), []byte(code)) != nil {
		if _, uerr := tx.Exec(ctx, `
			UPDATE signing_sessions
			SET otp_attempts = otp_attempts + 1, updated_at = get_tx_timestamp()
			WHERE id = $1`, sessionID); uerr != nil {
			return Session{}, fmt.Errorf("signing: bump attempts: %w", uerr)
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			return Session{}, fmt.Errorf("signing: commit attempt: %w", cerr)
		}
		if sess.OTPAttempts+1 >= otpMaxAttempts {
			return Session{}, ErrTooManyAttempts
		}
		return Session{}, ErrInvalidCode
	}

	if currentHash == nil || *currentHash != sess.DocHash {
		return Session{}, fmt.Errorf("%w: document changed", ErrSessionClosed)
	}

	row := tx.QueryRow(ctx, `
		UPDATE signing_sessions
		SET status = 'signed',
		    signed_at = get_tx_timestamp(),
		    otp_hash = NULL,
		    otp_expires_at = NULL,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING `+sessionColumns, sessionID)
	signed, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("signing: mark signed: %w", err)
	}

	if err := s.deals.AppendEvent(ctx, tx, sess.DealID, deal.EventDocumentSigned, nil, map[string]any{
		"session_id": sessionID,
		"party":      sess.PartyName,
		"doc_hash":   sess.DocHash,
	}); err != nil {
		return Session{}, err
	}

	var remaining int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM signing_sessions
		WHERE deal_id = $1 AND status NOT IN ('signed', 'expired')`, sess.DealID).Scan(&remaining); err != nil {
		return Session{}, fmt.Errorf("signing: count open sessions: %w", err)
	}
	if remaining == 0 {
		if err := s.completer.CompleteSigningTx(ctx, tx, sess.DealID, nil); err != nil {
			return Session{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("signing: commit sign: %w", err)
	}
	return signed, nil
}

func (s *Service) lockSession(ctx context.Context, tx pgx.Tx, sessionID string) (Session, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM signing_sessions WHERE id = $1 FOR UPDATE`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("signing: lock session: %w", err)
	}
	return sess, nil
}

// limiterPool keys token-bucket limiters by contact so resend pressure on one
// phone number is bounded across all its sessions.
type limiterPool struct {
	mu      sync.Mutex
	entries map[string]*rate.Limiter
}

func (l *limiterPool) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.entries[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(resendBase), 3)
		l.entries[key] = lim
	}
	return lim.Allow()
}
