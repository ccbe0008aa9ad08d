// Package sweep runs the time-driven transitions: hold releases, invitation
// and payment expiries, and outbox dispatch. All due work is discovered from
// the store on every pass, so a restart loses nothing.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"settleflow/deal"
)

const outboxMaxAttempts = 10

// HoldReleaser is the slice of the deal service the sweeper drives.
type HoldReleaser interface {
	ReleaseHold(ctx context.Context, actor *deal.Actor, dealID string) (deal.Deal, error)
}

// InviteExpirer expires invitations past their deadline.
type InviteExpirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// Publisher delivers one outbox message. Errors count against the message's
// attempt budget.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LogPublisher is the default sink until a broker is wired.
type LogPublisher struct {
	Log *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.Log.Info("outbox message", zap.String("topic", topic), zap.ByteString("payload", payload))
	return nil
}

type Sweeper struct {
	pool      *pgxpool.Pool
	deals     HoldReleaser
	invites   InviteExpirer
	publisher Publisher
	log       *zap.Logger
	interval  time.Duration
}

func New(pool *pgxpool.Pool, deals HoldReleaser, invites InviteExpirer, publisher Publisher, log *zap.Logger, interval time.Duration) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if publisher == nil {
		publisher = LogPublisher{Log: log}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		pool:      pool,
		deals:     deals,
		invites:   invites,
		publisher: publisher,
		log:       log,
		interval:  interval,
	}
}

// Run loops until the context ends. One pass failing never stops the loop.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep executes one full pass. Exported so tests and admin tooling can run
// a pass on demand.
func (s *Sweeper) Sweep(ctx context.Context) {
	if err := s.releaseDueHolds(ctx); err != nil {
		s.log.Error("release due holds", zap.Error(err))
	}
	if n, err := s.invites.ExpireDue(ctx); err != nil {
		s.log.Error("expire invitations", zap.Error(err))
	} else if n > 0 {
		s.log.Info("invitations expired", zap.Int("count", n))
	}
	if err := s.expirePayments(ctx); err != nil {
		s.log.Error("expire payments", zap.Error(err))
	}
	if err := s.expireSigningCodes(ctx); err != nil {
		s.log.Error("expire signing codes", zap.Error(err))
	}
	if err := s.dispatchOutbox(ctx); err != nil {
		s.log.Error("dispatch outbox", zap.Error(err))
	}
}

func (s *Sweeper) releaseDueHolds(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT h.deal_id
		FROM holds h
		JOIN deals d ON d.id = h.deal_id
		WHERE h.released_at IS NULL
		  AND h.expires_at <= now()
		  AND d.status = 'hold_period'`)
	if err != nil {
		return fmt.Errorf("sweep: due holds: %w", err)
	}
	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("sweep: scan hold: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sweep: iterate holds: %w", err)
	}

	for _, id := range ids {
		_, err := s.deals.ReleaseHold(ctx, nil, id)
		switch {
		case err == nil:
			s.log.Info("hold released", zap.String("deal_id", id))
		case errors.Is(err, deal.ErrDisputeOpen),
			errors.Is(err, deal.ErrConcurrentModification):
			// A dispute opened or another releaser won; next pass re-checks.
		default:
			s.log.Error("release hold", zap.String("deal_id", id), zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) expirePayments(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_records SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= now()`)
	if err != nil {
		return fmt.Errorf("sweep: expire payments: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Info("payment records expired", zap.Int64("count", n))
	}
	return nil
}

// expireSigningCodes clears expired one-time codes so attempts stop counting
// against a code nobody can use. Sessions stay open; a fresh code can be
// requested.
func (s *Sweeper) expireSigningCodes(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE signing_sessions SET otp_hash = NULL
		WHERE status = 'otp_issued' AND otp_hash IS NOT NULL AND otp_expires_at <= now()`); err != nil {
		return fmt.Errorf("sweep: expire signing codes: %w", err)
	}
	return nil
}

func (s *Sweeper) dispatchOutbox(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sweep: begin outbox tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 50`)
	if err != nil {
		return fmt.Errorf("sweep: claim outbox batch: %w", err)
	}
	type message struct {
		id      string
		topic   string
		payload []byte
	}
	batch := make([]message, 0, 50)
	for rows.Next() {
		var m message
		if err := rows.Scan(&m.id, &m.topic, &m.payload); err != nil {
			rows.Close()
			return fmt.Errorf("sweep: scan outbox row: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sweep: iterate outbox rows: %w", err)
	}

	for _, m := range batch {
		if err := s.publisher.Publish(ctx, m.topic, m.payload); err != nil {
			s.log.Warn("outbox publish failed", zap.String("topic", m.topic), zap.Error(err))
			if _, err := tx.Exec(ctx, `
				UPDATE outbox
				SET attempts = attempts + 1,
				    status = CASE WHEN attempts + 1 >= $2 THEN 'failed'::outbox_status ELSE status END
				WHERE id = $1`, m.id, outboxMaxAttempts); err != nil {
				return fmt.Errorf("sweep: count outbox attempt: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = 'dispatched', attempts = attempts + 1, dispatched_at = now()
			WHERE id = $1`, m.id); err != nil {
			return fmt.Errorf("sweep: mark dispatched: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sweep: commit outbox batch: %w", err)
	}
	return nil
}
