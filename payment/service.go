package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"settleflow/deal"
)

const recordColumns = `id, deal_id, amount, currency, provider_ref, qr_payload, status::text,
	expires_at, paid_at, created_at`

// Provider issues payment references. The production implementation calls the
// payment provider with a bounded timeout; the default mints local refs so
// the engine works against the provider sandbox.
type Provider interface {
	CreateInvoice(ctx context.Context, amount int64, currency string) (providerRef, qrPayload string, err error)
}

// LocalProvider mints provider references locally.
type LocalProvider struct{}

func (LocalProvider) CreateInvoice(_ context.Context, amount int64, currency string) (string, string, error) {
	ref := "pay_" + uuid.NewString()
	return ref, fmt.Sprintf("QR|%s|%d|%s", ref, amount, currency), nil
}

// Service owns the payment-record lifecycle and is the only webhook-driven
// mutation entrypoint into the engine.
type Service struct {
	pool          *pgxpool.Pool
	deals         *deal.Repository
	provider      Provider
	log           *zap.Logger
	webhookSecret string
	invoiceTTL    time.Duration
	holdPeriod    time.Duration
	now           func() time.Time
}

func NewService(pool *pgxpool.Pool, provider Provider, log *zap.Logger, webhookSecret string, invoiceTTL, holdPeriod time.Duration) *Service {
	if provider == nil {
		provider = LocalProvider{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if invoiceTTL <= 0 {
		invoiceTTL = 72 * time.Hour
	}
	if holdPeriod <= 0 {
		holdPeriod = 5 * 24 * time.Hour
	}
	return &Service{
		pool:          pool,
		deals:         deal.NewRepository(),
		provider:      provider,
		log:           log,
		webhookSecret: webhookSecret,
		invoiceTTL:    invoiceTTL,
		holdPeriod:    holdPeriod,
		now:           time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(
		&r.ID, &r.DealID, &r.Amount, &r.Currency, &r.ProviderRef, &r.QRPayload,
		&r.Status, &r.ExpiresAt, &r.PaidAt, &r.CreatedAt,
	)
	return r, err
}

// CreateTx issues the invoice for a deal inside the caller's transaction.
// Idempotent per deal: an existing pending, unexpired record is returned
// instead of minting a second one.
func (s *Service) CreateTx(ctx context.Context, tx pgx.Tx, d deal.Deal) (deal.Invoice, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM payment_records
		WHERE deal_id = $1 AND status = 'pending' AND expires_at > get_tx_timestamp()
		LIMIT 1`, d.ID)
	existing, err := scanRecord(row)
	switch {
	case err == nil:
		return toInvoice(existing), nil
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return deal.Invoice{}, fmt.Errorf("payment: check existing record: %w", err)
	}

	ref, qr, err := s.provider.CreateInvoice(ctx, d.CommissionTotal, d.Currency)
	if err != nil {
		return deal.Invoice{}, fmt.Errorf("payment: provider invoice: %w", err)
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO payment_records (deal_id, amount, currency, provider_ref, qr_payload, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+recordColumns,
		d.ID, d.CommissionTotal, d.Currency, ref, qr, s.now().Add(s.invoiceTTL))
	created, err := scanRecord(row)
	if err != nil {
		return deal.Invoice{}, fmt.Errorf("payment: insert record: %w", err)
	}
	return toInvoice(created), nil
}

// CancelPendingTx voids any pending record of a cancelled deal.
func (s *Service) CancelPendingTx(ctx context.Context, tx pgx.Tx, dealID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE payment_records SET status = 'cancelled'
		WHERE deal_id = $1 AND status = 'pending'`, dealID); err != nil {
		return fmt.Errorf("payment: cancel pending: %w", err)
	}
	return nil
}

// Info returns the most recent payment record for a deal, the surface the
// client-facing payment page reads.
func (s *Service) Info(ctx context.Context, dealID string) (Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM payment_records
		WHERE deal_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, dealID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrRecordNotFound
		}
		return Record{}, fmt.Errorf("payment: info: %w", err)
	}
	return rec, nil
}

// HandleWebhook verifies, deduplicates, and applies one provider event.
// Every accepted event maps to at most one record transition; duplicates and
// unknown references acknowledge without state change because providers
// retry aggressively.
func (s *Service) HandleWebhook(ctx context.Context, headers http.Header, rawBody []byte) error {
	receivedAt := s.now()
	if err := verifySignature(headers, rawBody, receivedAt, s.webhookSecret); err != nil {
		return err
	}
	ev, err := parseEvent(rawBody)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO webhook_events (provider_event_id, provider, event_type, payload)
		VALUES ($1, 'payments', $2, $3::jsonb)`, ev.ID, ev.Type, rawBody); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Replay of an event we already consumed.
			return nil
		}
		return fmt.Errorf("payment: record webhook event: %w", err)
	}

	applied, err := s.applyEvent(ctx, tx, ev)
	if err != nil {
		return err
	}
	if !applied {
		s.log.Info("webhook acknowledged without effect",
			zap.String("event_id", ev.ID),
			zap.String("event_type", ev.Type),
			zap.String("provider_ref", ev.Data.ProviderRef))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit webhook: %w", err)
	}
	return nil
}

func (s *Service) applyEvent(ctx context.Context, tx pgx.Tx, ev Event) (bool, error) {
	switch ev.Type {
	case EventPaid, EventExpired, EventCancelled:
	default:
		return false, nil
	}

	var dealID string
	err := tx.QueryRow(ctx,
		`SELECT deal_id FROM payment_records WHERE provider_ref = $1`, ev.Data.ProviderRef).Scan(&dealID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("payment: resolve record deal: %w", err)
	}

	// Deal lock first; same ordering as every other writer.
	d, err := s.deals.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return false, err
	}

	row := tx.QueryRow(ctx, `
		SELECT `+recordColumns+` FROM payment_records WHERE provider_ref = $1 FOR UPDATE`,
		ev.Data.ProviderRef)
	rec, err := scanRecord(row)
	if err != nil {
		return false, fmt.Errorf("payment: lock record: %w", err)
	}
	if rec.Status != StatusPending {
		// Monotonic: settled records never move again.
		return false, nil
	}

	switch ev.Type {
	case EventExpired:
		if _, err := tx.Exec(ctx,
			`UPDATE payment_records SET status = 'expired' WHERE id = $1`, rec.ID); err != nil {
			return false, fmt.Errorf("payment: expire record: %w", err)
		}
		return true, nil
	case EventCancelled:
		if _, err := tx.Exec(ctx,
			`UPDATE payment_records SET status = 'cancelled' WHERE id = $1`, rec.ID); err != nil {
			return false, fmt.Errorf("payment: cancel record: %w", err)
		}
		return true, nil
	}

	// payment.paid from here on.
	if d.Status == deal.StatusCancelled {
		// A payment racing a cancellation is acknowledged and dropped; the
		// refund path is operational, not automatic.
		return false, nil
	}
	if d.Status != deal.StatusPaymentPending {
		return false, fmt.Errorf("%w: deal %s in %s", ErrStalePayment, dealID, d.Status)
	}

	var paidAt time.Time
	if err := tx.QueryRow(ctx, `
		UPDATE payment_records
		SET status = 'paid', paid_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING paid_at`, rec.ID).Scan(&paidAt); err != nil {
		return false, fmt.Errorf("payment: mark paid: %w", err)
	}

	holdUntil := paidAt.Add(s.holdPeriod)
	if _, err := tx.Exec(ctx, `
		INSERT INTO holds (deal_id, started_at, expires_at)
		VALUES ($1, $2, $3)`, dealID, paidAt, holdUntil); err != nil {
		return false, fmt.Errorf("payment: start hold: %w", err)
	}

	if err := s.deals.UpdateStatus(ctx, tx, dealID, d.Version, deal.StatusHoldPeriod, ""); err != nil {
		return false, err
	}
	if err := s.deals.AppendEvent(ctx, tx, dealID, deal.EventPaymentReceived, nil, map[string]any{
		"payment_record_id": rec.ID,
		"provider_ref":      rec.ProviderRef,
		"amount":            rec.Amount,
	}); err != nil {
		return false, err
	}
	if err := s.deals.AppendEvent(ctx, tx, dealID, deal.EventHoldStarted, nil, map[string]any{
		"hold_until": holdUntil.UTC(),
	}); err != nil {
		return false, err
	}
	if err := s.deals.EnqueueOutbox(ctx, tx, deal.OutboxTopicDealPaid, map[string]any{
		"deal_id":      dealID,
		"provider_ref": rec.ProviderRef,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func toInvoice(r Record) deal.Invoice {
	return deal.Invoice{
		ID:          r.ID,
		ProviderRef: r.ProviderRef,
		Amount:      r.Amount,
		ExpiresAt:   r.ExpiresAt,
	}
}
