package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// SplitEditor rewrites the commission split under the optimistic version check,
// the same way concurrent agents editing one draft would race each other.
func SplitEditor(ctx context.Context, pool *pgxpool.Pool, dealID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		var version int
		var total int64
		err = tx.QueryRow(ctx, `SELECT version, commission_total FROM deals WHERE id = $1 FOR UPDATE`, dealID).Scan(&version, &total)
		if err == nil {
			// Move a point between the two biggest unlocked shares; sum stays
			// 100 and the locked platform share is never touched.
			delta := 1 + rand.Intn(3)
			_, err = tx.Exec(ctx, `
                WITH ranked AS (
                    SELECT id, ROW_NUMBER() OVER (ORDER BY split_percent DESC, position) AS rn
                    FROM recipients WHERE deal_id = $1 AND NOT locked
                )
                UPDATE recipients r SET
                    split_percent = CASE ranked.rn WHEN 1 THEN r.split_percent - $2 ELSE r.split_percent + $2 END,
                    updated_at = get_tx_timestamp()
                FROM ranked
                WHERE r.id = ranked.id AND ranked.rn <= 2
                  AND (SELECT MIN(split_percent) FROM recipients WHERE deal_id = $1 AND NOT locked) > $2`,
				dealID, delta)
			if err == nil {
				var tag pgconn.CommandTag
				tag, err = tx.Exec(ctx, `UPDATE deals SET version = version + 1, updated_at = get_tx_timestamp()
                                          WHERE id = $1 AND version = $2`, dealID, version)
				if err == nil && tag.RowsAffected() == 1 {
					var seq int
					if err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM timeline_events WHERE deal_id = $1`, dealID).Scan(&seq); err == nil {
						_, err = tx.Exec(ctx, `INSERT INTO timeline_events (deal_id, seq, type, payload)
                                                VALUES ($1, $2, 'split_updated', '{}'::jsonb)`, dealID, seq)
					}
					if err == nil {
						err = tx.Commit(ctx)
					}
				}
			}
		}
		_ = tx.Rollback(ctx)
		if err != nil && !isUniqueViolation(err) && ctx.Err() == nil {
			// serialization losers are fine, hard errors are not
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				return fmt.Errorf("split editor: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// WebhookReplayer hammers the same provider event id; only the first insert may
// land, every replay must hit the primary key.
func WebhookReplayer(ctx context.Context, pool *pgxpool.Pool, eventID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `INSERT INTO webhook_events (provider_event_id, provider, event_type, payload)
                                   VALUES ($1, 'local', 'invoice.paid', '{}'::jsonb)`, eventID)
		if err != nil && !isUniqueViolation(err) && ctx.Err() == nil {
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				return fmt.Errorf("webhook replay: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Payer flips the deal's pending invoice to paid exactly once: the partial
// unique index on pending records plus the status guard make replays no-ops.
func Payer(ctx context.Context, pool *pgxpool.Pool, dealID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var recordID string
		err = tx.QueryRow(ctx, `SELECT id FROM payment_records
                                 WHERE deal_id = $1 AND status = 'pending' LIMIT 1 FOR UPDATE`, dealID).Scan(&recordID)
		if errors.Is(err, pgx.ErrNoRows) {
			// already paid; nothing left to race over
			err = nil
		} else if err == nil {
			_, err = tx.Exec(ctx, `UPDATE payment_records SET status = 'paid', paid_at = get_tx_timestamp() WHERE id = $1`, recordID)
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO holds (deal_id, started_at, expires_at)
                                        VALUES ($1, get_tx_timestamp(), get_tx_timestamp() + interval '5 days')
                                        ON CONFLICT (deal_id) DO NOTHING`, dealID)
			}
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE deals SET status = 'hold_period', version = version + 1, updated_at = get_tx_timestamp()
                                        WHERE id = $1 AND status = 'payment_pending'`, dealID)
			}
			if err == nil {
				var seq int
				if err = tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM timeline_events WHERE deal_id = $1`, dealID).Scan(&seq); err == nil {
					_, err = tx.Exec(ctx, `INSERT INTO timeline_events (deal_id, seq, type, payload)
                                            VALUES ($1, $2, 'payment_received', '{}'::jsonb)`, dealID, seq)
				}
			}
			if err == nil {
				_, err = tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                                        VALUES ('deal.paid', jsonb_build_object('deal_id', $1::text))`, dealID)
			}
			if err == nil {
				err = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		if err != nil && !isUniqueViolation(err) && ctx.Err() == nil {
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				return fmt.Errorf("payer: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// EventWriter appends timeline events, competing for the next seq slot.
func EventWriter(ctx context.Context, pool *pgxpool.Pool, dealID string, stop <-chan struct{}) error {
	types := []string{"status_changed", "split_updated"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ty := types[rand.Intn(len(types))]
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var seq int
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM timeline_events WHERE deal_id = $1`, dealID).Scan(&seq); err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		_, err = tx.Exec(ctx, `INSERT INTO timeline_events (deal_id, seq, type, payload) VALUES ($1, $2, $3, '{}'::jsonb)`, dealID, seq, ty)
		if err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks them
// dispatched, or failed after too many attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id, attempts FROM outbox WHERE status = 'pending'
                                     ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		type msg struct {
			id       string
			attempts int
		}
		msgs := make([]msg, 0, 10)
		for rows.Next() {
			var m msg
			_ = rows.Scan(&m.id, &m.attempts)
			msgs = append(msgs, m)
		}
		rows.Close()
		for _, m := range msgs {
			// simulate random delivery failure
			if rand.Intn(10) == 0 {
				if m.attempts+1 >= 10 {
					_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'failed', attempts = attempts + 1 WHERE id = $1`, m.id)
				} else {
					_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, m.id)
				}
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'dispatched', dispatched_at = get_tx_timestamp() WHERE id = $1`, m.id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Disputer opens disputes against the deal and resolves them; the partial
// unique index keeps at most one active dispute alive.
func Disputer(ctx context.Context, pool *pgxpool.Pool, dealID, openedBy string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var dispID string
		err := pool.QueryRow(ctx, `INSERT INTO disputes (deal_id, opened_by, reason, prior_deal_status)
                                    SELECT id, $2, 'stress dispute', status FROM deals WHERE id = $1
                                    RETURNING id`, dealID, openedBy).Scan(&dispID)
		if err == nil && dispID != "" {
			_, _ = pool.Exec(ctx, `UPDATE disputes SET status = 'resolved', outcome = 'rejected',
                                    resolved_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
                                    WHERE id = $1`, dispID)
		} else if err != nil && !isUniqueViolation(err) && ctx.Err() == nil {
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				return fmt.Errorf("disputer: %w", err)
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
}
