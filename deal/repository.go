package deal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const dealColumns = `id, deal_number, deal_type::text, property_ref, agreed_price, commission_total,
	currency, status::text, version, doc_hash, notes, created_by::text,
	signed_at, registered_at, completed_at, cancelled_at, cancel_reason, created_at, updated_at`

const recipientColumns = `id, deal_id, role::text, user_id::text, display_name, position,
	split_percent, amount, locked, is_primary, payout_status::text, payout_ref, payout_error,
	created_at, updated_at`

// Repository hosts the transaction-scoped data access for the deal aggregate.
// Callers own the transaction; every state transition runs on a deal row
// locked FOR UPDATE so concurrent transitions serialize per deal.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanDeal(row pgx.Row) (Deal, error) {
	var d Deal
	err := row.Scan(
		&d.ID, &d.DealNumber, &d.DealType, &d.PropertyRef, &d.AgreedPrice, &d.CommissionTotal,
		&d.Currency, &d.Status, &d.Version, &d.DocHash, &d.Notes, &d.CreatedBy,
		&d.SignedAt, &d.RegisteredAt, &d.CompletedAt, &d.CancelledAt, &d.CancelReason,
		&d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

func scanRecipient(row pgx.Row) (Recipient, error) {
	var r Recipient
	err := row.Scan(
		&r.ID, &r.DealID, &r.Role, &r.UserID, &r.DisplayName, &r.Position,
		&r.SplitPercent, &r.Amount, &r.Locked, &r.IsPrimary, &r.PayoutStatus,
		&r.PayoutRef, &r.PayoutError, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

// GetForUpdate locks the deal row for the remainder of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, dealID string) (Deal, error) {
	row := tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, dealID)
	d, err := scanDeal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: lock row: %w", err)
	}
	return d, nil
}

// Get fetches a deal without locking.
func (r *Repository) Get(ctx context.Context, q queryRower, dealID string) (Deal, error) {
	row := q.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, dealID)
	d, err := scanDeal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrNotFound
		}
		return Deal{}, fmt.Errorf("deal: get: %w", err)
	}
	return d, nil
}

// Insert creates the deal row and returns the stored representation.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error) {
	const insertSQL = `
		INSERT INTO deals (deal_type, property_ref, agreed_price, commission_total, currency, notes, created_by)
		VALUES ($1::deal_type, $2, $3, $4, $5, $6, $7::uuid)
		RETURNING ` + dealColumns
	created, err := scanDeal(tx.QueryRow(ctx, insertSQL,
		d.DealType, d.PropertyRef, d.AgreedPrice, d.CommissionTotal, d.Currency, d.Notes, d.CreatedBy))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}
	return created, nil
}

// UpdateStatus applies a status change under the optimistic version guard.
// The caller must hold the row lock; a zero-row update means the version
// moved underneath us and the transition loses.
func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, dealID string, expectVersion int, next Status, set string, args ...any) error {
	sql := `
		UPDATE deals
		SET status = $1::deal_status,
		    version = version + 1,
		    updated_at = get_tx_timestamp()` + set + `
		WHERE id = $2 AND version = $3`
	tag, err := tx.Exec(ctx, sql, append([]any{next, dealID, expectVersion}, args...)...)
	if err != nil {
		return fmt.Errorf("deal: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentModification
	}
	return nil
}

// Recipients returns the deal's recipients in position order.
func (r *Repository) Recipients(ctx context.Context, q pgx.Tx, dealID string) ([]Recipient, error) {
	rows, err := q.Query(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE deal_id = $1 ORDER BY position`, dealID)
	if err != nil {
		return nil, fmt.Errorf("deal: list recipients: %w", err)
	}
	defer rows.Close()

	out := make([]Recipient, 0, 4)
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("deal: scan recipient: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate recipients: %w", err)
	}
	return out, nil
}

// InsertRecipient adds one recipient row.
func (r *Repository) InsertRecipient(ctx context.Context, tx pgx.Tx, rec Recipient) (Recipient, error) {
	const insertSQL = `
		INSERT INTO recipients (deal_id, role, user_id, display_name, position, split_percent, amount, locked, is_primary)
		VALUES ($1, $2::recipient_role, $3::uuid, $4, $5, $6, $7, $8, $9)
		RETURNING ` + recipientColumns
	created, err := scanRecipient(tx.QueryRow(ctx, insertSQL,
		rec.DealID, rec.Role, rec.UserID, rec.DisplayName, rec.Position,
		rec.SplitPercent, rec.Amount, rec.Locked, rec.IsPrimary))
	if err != nil {
		return Recipient{}, fmt.Errorf("deal: insert recipient: %w", err)
	}
	return created, nil
}

// UpdateShares persists new percents and amounts for the given recipients.
func (r *Repository) UpdateShares(ctx context.Context, tx pgx.Tx, dealID string, shares map[string]struct {
	Percent int
	Amount  int64
}) error {
	for id, s := range shares {
		tag, err := tx.Exec(ctx, `
			UPDATE recipients
			SET split_percent = $1, amount = $2, updated_at = get_tx_timestamp()
			WHERE id = $3 AND deal_id = $4`, s.Percent, s.Amount, id, dealID)
		if err != nil {
			return fmt.Errorf("deal: update share: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("deal: recipient %s not on deal: %w", id, ErrNotFound)
		}
	}
	return nil
}

// SetPayoutStatus moves one recipient through the payout sub-machine.
func (r *Repository) SetPayoutStatus(ctx context.Context, tx pgx.Tx, recipientID string, status PayoutStatus, ref, payoutErr *string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE recipients
		SET payout_status = $1::payout_status,
		    payout_ref = COALESCE($2, payout_ref),
		    payout_error = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $4`, status, ref, payoutErr, recipientID); err != nil {
		return fmt.Errorf("deal: set payout status: %w", err)
	}
	return nil
}

// HasOpenDispute reports whether the deal has a dispute in open/under_review.
func (r *Repository) HasOpenDispute(ctx context.Context, tx pgx.Tx, dealID string) (bool, error) {
	var open bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM disputes WHERE deal_id = $1 AND status IN ('open','under_review'))`,
		dealID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("deal: check open dispute: %w", err)
	}
	return open, nil
}

// AppendEvent appends one timeline event, assigning the next per-deal seq
// inside the transaction. The deal row lock serializes seq assignment.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, dealID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("deal: marshal timeline payload: %w", err)
	}
	const insertSQL = `
		INSERT INTO timeline_events (deal_id, seq, type, actor_id, payload)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2::event_type, $3::uuid, $4::jsonb
		FROM timeline_events WHERE deal_id = $1`
	if _, err := tx.Exec(ctx, insertSQL, dealID, eventType, actorID, body); err != nil {
		return fmt.Errorf("deal: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox writes a transactional outbox entry for downstream delivery.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("deal: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("deal: enqueue outbox: %w", err)
	}
	return nil
}

// Timeline reads the append-only event log for one deal in seq order. This is
// the only read surface external observers consume.
func (r *Repository) Timeline(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, dealID string) ([]TimelineEvent, error) {
	rows, err := q.Query(ctx, `
		SELECT id, deal_id, seq, type::text, actor_id::text, payload, created_at
		FROM timeline_events
		WHERE deal_id = $1
		ORDER BY seq`, dealID)
	if err != nil {
		return nil, fmt.Errorf("deal: timeline: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEvent, 0, 16)
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.DealID, &ev.Seq, &ev.Type, &ev.ActorID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("deal: scan timeline event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate timeline: %w", err)
	}
	return out, nil
}
