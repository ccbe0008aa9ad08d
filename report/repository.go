package report

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides read-only aggregate access. Reports never join the
// transactional paths; every query runs against the pool directly.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Summary(ctx context.Context) (Summary, error) {
	out := Summary{DealsByStatus: make(map[string]int)}

	rows, err := r.pool.Query(ctx, `
		SELECT status::text, COUNT(*), COALESCE(SUM(commission_total), 0)
		FROM deals
		GROUP BY status`)
	if err != nil {
		return Summary{}, fmt.Errorf("report: deals by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			count  int
			volume int64
		)
		if err := rows.Scan(&status, &count, &volume); err != nil {
			return Summary{}, fmt.Errorf("report: scan status row: %w", err)
		}
		out.DealsByStatus[status] = count
		out.CommissionVolume += volume
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("report: iterate status rows: %w", err)
	}

	if err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payment_records WHERE status = 'paid'`).
		Scan(&out.PaidVolume); err != nil {
		return Summary{}, fmt.Errorf("report: paid volume: %w", err)
	}

	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(d.commission_total), 0)
		FROM disputes dp
		JOIN deals d ON d.id = dp.deal_id
		WHERE dp.status IN ('open', 'under_review')`).
		Scan(&out.OpenDisputes, &out.DisputedVolume); err != nil {
		return Summary{}, fmt.Errorf("report: disputed volume: %w", err)
	}

	if err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(refund_amount), 0) FROM disputes WHERE refund_amount IS NOT NULL`).
		Scan(&out.RefundedVolume); err != nil {
		return Summary{}, fmt.Errorf("report: refunded volume: %w", err)
	}

	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM recipients WHERE payout_status IN ('ready', 'processing')`).
		Scan(&out.PendingPayouts); err != nil {
		return Summary{}, fmt.Errorf("report: pending payouts: %w", err)
	}

	return out, nil
}

// Leaderboard ranks agents by closed deals, commission volume breaking ties.
func (r *Repository) Leaderboard(ctx context.Context, since time.Time, limit int) ([]AgentRank, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT u.id, u.full_name, COUNT(d.id), COALESCE(SUM(d.commission_total), 0) AS volume
		FROM deals d
		JOIN users u ON u.id = d.created_by
		WHERE d.status = 'closed' AND d.completed_at >= $1
		GROUP BY u.id, u.full_name
		ORDER BY COUNT(d.id) DESC, volume DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("report: leaderboard: %w", err)
	}
	defer rows.Close()

	out := make([]AgentRank, 0, limit)
	for rows.Next() {
		var rank AgentRank
		if err := rows.Scan(&rank.UserID, &rank.DisplayName, &rank.ClosedDeals, &rank.CommissionSum); err != nil {
			return nil, fmt.Errorf("report: scan rank: %w", err)
		}
		out = append(out, rank)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: iterate ranks: %w", err)
	}
	return out, nil
}

// TimelineSince streams timeline rows for export, oldest first.
func (r *Repository) TimelineSince(ctx context.Context, since time.Time) ([]TimelineRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.deal_number, e.seq, e.type::text, e.actor_id, e.payload::text, e.created_at
		FROM timeline_events e
		JOIN deals d ON d.id = e.deal_id
		WHERE e.created_at >= $1
		ORDER BY e.created_at, d.deal_number, e.seq`, since)
	if err != nil {
		return nil, fmt.Errorf("report: timeline since: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineRow, 0, 64)
	for rows.Next() {
		var row TimelineRow
		if err := rows.Scan(&row.DealNumber, &row.Seq, &row.Type, &row.ActorID, &row.Payload, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("report: scan timeline row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: iterate timeline rows: %w", err)
	}
	return out, nil
}
