package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const disputeColumns = `id, deal_id, payment_record_id, opened_by, reason, detail,
	refund_requested, refund_amount_requested, status::text, prior_deal_status::text,
	outcome::text, refund_amount, resolution_notes, resolved_by, resolved_at,
	created_at, updated_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec     Record
		outcome *string
	)
	err := row.Scan(
		&rec.ID, &rec.DealID, &rec.PaymentRecordID, &rec.OpenedBy, &rec.Reason, &rec.Detail,
		&rec.RefundRequested, &rec.RefundAmountRequested, &rec.Status, &rec.PriorDealStatus,
		&outcome, &rec.RefundAmount, &rec.ResolutionNotes, &rec.ResolvedBy, &rec.ResolvedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if outcome != nil {
		o := Outcome(*outcome)
		rec.Outcome = &o
	}
	return rec, nil
}

// Insert creates the dispute row. The partial unique index on active
// disputes turns a second open into ErrDisputeExists.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO disputes (deal_id, payment_record_id, opened_by, reason, detail,
			refund_requested, refund_amount_requested, prior_deal_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::deal_status)
		RETURNING `+disputeColumns,
		rec.DealID, rec.PaymentRecordID, rec.OpenedBy, rec.Reason, rec.Detail,
		rec.RefundRequested, rec.RefundAmountRequested, rec.PriorDealStatus)
	created, err := scanRecord(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDisputeExists
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

// GetForUpdate locks one dispute row. Callers lock the deal row first.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, disputeID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock row: %w", err)
	}
	return rec, nil
}

// DealID resolves a dispute's deal without locking anything, so the caller
// can take the deal lock first.
func (r *Repository) DealID(ctx context.Context, tx pgx.Tx, disputeID string) (string, error) {
	var dealID string
	if err := tx.QueryRow(ctx,
		`SELECT deal_id FROM disputes WHERE id = $1`, disputeID).Scan(&dealID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("dispute: resolve deal: %w", err)
	}
	return dealID, nil
}

func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, disputeID string, status Status) error {
	tag, err := tx.Exec(ctx, `
		UPDATE disputes SET status = $1::dispute_status, updated_at = get_tx_timestamp()
		WHERE id = $2`, status, disputeID)
	if err != nil {
		return fmt.Errorf("dispute: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type Filters struct {
	DealID string
	Status Status
	Limit  int
	Offset int
}

func (r *Repository) List(ctx context.Context, pool *pgxpool.Pool, filters Filters) ([]Record, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filters.DealID != "" {
		args = append(args, filters.DealID)
		where += fmt.Sprintf(" AND deal_id = $%d", len(args))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(" AND status = $%d::dispute_status", len(args))
	}

	var total int
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM disputes"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("dispute: count: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	args = append(args, limit, filters.Offset)
	query := "SELECT " + disputeColumns + " FROM disputes" + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, total, nil
}
