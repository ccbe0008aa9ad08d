package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"settleflow/deal"
	"settleflow/split"
)

// Service sequences dispute lifecycle transitions. Opening a dispute parks
// the deal in its dispute state; resolving restores the interrupted state
// and, on an approved refund, reprorates recipient amounts over what remains.
type Service struct {
	pool  *pgxpool.Pool
	repo  *Repository
	deals *deal.Repository
	now   func() time.Time
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{
		pool:  pool,
		repo:  NewRepository(),
		deals: deal.NewRepository(),
		now:   time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type OpenParams struct {
	DealID                string
	PaymentRecordID       *string
	Reason                string
	Detail                *string
	RefundRequested       bool
	RefundAmountRequested *int64
}

// Open raises a dispute against a deal between signing and payout. The deal
// freezes until resolution; holds stop releasing and payouts stop initiating.
func (s *Service) Open(ctx context.Context, actor deal.Actor, params OpenParams) (Record, error) {
	reason := strings.TrimSpace(params.Reason)
	if reason == "" {
		return Record{}, fmt.Errorf("dispute: reason required")
	}
	if params.RefundAmountRequested != nil && *params.RefundAmountRequested <= 0 {
		return Record{}, ErrBadRefund
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.deals.GetForUpdate(ctx, tx, params.DealID)
	if err != nil {
		return Record{}, err
	}
	if actor.Role == deal.ActorRoleAgent && d.CreatedBy != actor.UserID {
		return Record{}, fmt.Errorf("%w: deal belongs to another agent", deal.ErrForbidden)
	}

	switch d.Status {
	case deal.StatusSigned, deal.StatusPaymentPending, deal.StatusHoldPeriod, deal.StatusPayoutReady:
	default:
		return Record{}, fmt.Errorf("%w: cannot dispute deal in %s", deal.ErrInvalidTransition, d.Status)
	}

	created, err := s.repo.Insert(ctx, tx, Record{
		DealID:                d.ID,
		PaymentRecordID:       params.PaymentRecordID,
		OpenedBy:              actor.UserID,
		Reason:                reason,
		Detail:                params.Detail,
		RefundRequested:       params.RefundRequested,
		RefundAmountRequested: params.RefundAmountRequested,
		PriorDealStatus:       d.Status,
	})
	if err != nil {
		return Record{}, err
	}

	if err := s.deals.UpdateStatus(ctx, tx, d.ID, d.Version, deal.StatusDispute, ""); err != nil {
		return Record{}, err
	}
	if err := s.deals.AppendEvent(ctx, tx, d.ID, deal.EventDisputeOpened, &actor.UserID, map[string]any{
		"dispute_id":       created.ID,
		"reason":           created.Reason,
		"refund_requested": created.RefundRequested,
	}); err != nil {
		return Record{}, err
	}
	if err := s.deals.EnqueueOutbox(ctx, tx, "dispute.opened", map[string]any{
		"dispute_id": created.ID,
		"deal_id":    d.ID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return created, nil
}

// Withdraw lets the initiator retract an open dispute before review starts.
// The deal resumes where it was interrupted.
func (s *Service) Withdraw(ctx context.Context, actor deal.Actor, disputeID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, d, err := s.lockPair(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.OpenedBy != actor.UserID {
		return Record{}, fmt.Errorf("%w: only the initiator withdraws", deal.ErrForbidden)
	}
	if rec.Status != StatusOpen {
		return Record{}, ErrBadStatus
	}

	if err := s.repo.SetStatus(ctx, tx, rec.ID, StatusCancelled); err != nil {
		return Record{}, err
	}
	if err := s.deals.UpdateStatus(ctx, tx, d.ID, d.Version, rec.PriorDealStatus, ""); err != nil {
		return Record{}, err
	}
	if err := s.deals.AppendEvent(ctx, tx, d.ID, deal.EventDisputeResolved, &actor.UserID, map[string]any{
		"dispute_id": rec.ID,
		"resolution": "withdrawn",
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit withdraw: %w", err)
	}
	rec.Status = StatusCancelled
	return rec, nil
}

// StartReview moves an open dispute under back-office review, after which
// the initiator can no longer withdraw it.
func (s *Service) StartReview(ctx context.Context, actor deal.Actor, disputeID string) (Record, error) {
	if actor.Role != deal.ActorRoleBackOffice {
		return Record{}, fmt.Errorf("%w: review requires back office", deal.ErrForbidden)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, _, err := s.lockPair(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusOpen {
		return Record{}, ErrBadStatus
	}
	if err := s.repo.SetStatus(ctx, tx, rec.ID, StatusUnderReview); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit review: %w", err)
	}
	rec.Status = StatusUnderReview
	return rec, nil
}

type ResolveParams struct {
	DisputeID    string
	Outcome      Outcome
	RefundAmount *int64
	Notes        string
}

// Resolve rules on a dispute. Approved outcomes initiate a refund and shrink
// each recipient's amount proportionally over what remains distributable;
// every outcome releases the deal back to its interrupted state.
func (s *Service) Resolve(ctx context.Context, actor deal.Actor, params ResolveParams) (Record, error) {
	if actor.Role != deal.ActorRoleBackOffice {
		return Record{}, fmt.Errorf("%w: resolution requires back office", deal.ErrForbidden)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, d, err := s.lockPair(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusOpen && rec.Status != StatusUnderReview {
		return Record{}, ErrBadStatus
	}

	paid, err := s.paidTotal(ctx, tx, d.ID)
	if err != nil {
		return Record{}, err
	}

	var refund int64
	switch params.Outcome {
	case OutcomeApprovedFull:
		refund = paid
		if rec.RefundAmountRequested != nil && *rec.RefundAmountRequested < paid {
			refund = *rec.RefundAmountRequested
		}
	case OutcomeApprovedPartial:
		if params.RefundAmount == nil {
			return Record{}, fmt.Errorf("%w: partial approval needs an amount", ErrBadRefund)
		}
		refund = *params.RefundAmount
		if refund <= 0 || refund > paid {
			return Record{}, ErrBadRefund
		}
	case OutcomeRejected:
		refund = 0
	default:
		return Record{}, fmt.Errorf("dispute: unknown outcome %q", params.Outcome)
	}

	if refund > 0 {
		if err := s.reprorate(ctx, tx, d.ID, paid-refund); err != nil {
			return Record{}, err
		}
		if err := s.deals.AppendEvent(ctx, tx, d.ID, deal.EventRefundInitiated, &actor.UserID, map[string]any{
			"dispute_id":    rec.ID,
			"refund_amount": refund,
		}); err != nil {
			return Record{}, err
		}
		if err := s.deals.EnqueueOutbox(ctx, tx, "refund.initiated", map[string]any{
			"dispute_id":    rec.ID,
			"deal_id":       d.ID,
			"refund_amount": refund,
		}); err != nil {
			return Record{}, err
		}
	}

	final := StatusResolved
	if params.Outcome == OutcomeRejected {
		final = StatusRejected
	}
	row := tx.QueryRow(ctx, `
		UPDATE disputes
		SET status = $1::dispute_status,
		    outcome = $2::dispute_outcome,
		    refund_amount = $3,
		    resolution_notes = $4,
		    resolved_by = $5,
		    resolved_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE id = $6
		RETURNING `+disputeColumns,
		final, params.Outcome, refund, strings.TrimSpace(params.Notes), actor.UserID, rec.ID)
	resolved, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}

	if err := s.deals.UpdateStatus(ctx, tx, d.ID, d.Version, rec.PriorDealStatus, ""); err != nil {
		return Record{}, err
	}
	if err := s.deals.AppendEvent(ctx, tx, d.ID, deal.EventDisputeResolved, &actor.UserID, map[string]any{
		"dispute_id":    resolved.ID,
		"outcome":       resolved.Outcome,
		"refund_amount": refund,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}
	return resolved, nil
}

func (s *Service) Get(ctx context.Context, disputeID string) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, disputeID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (s *Service) List(ctx context.Context, filters Filters) ([]Record, int, error) {
	return s.repo.List(ctx, s.pool, filters)
}

// lockPair takes the deal lock first, then the dispute lock.
func (s *Service) lockPair(ctx context.Context, tx pgx.Tx, disputeID string) (Record, deal.Deal, error) {
	dealID, err := s.repo.DealID(ctx, tx, disputeID)
	if err != nil {
		return Record{}, deal.Deal{}, err
	}
	d, err := s.deals.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Record{}, deal.Deal{}, err
	}
	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, deal.Deal{}, err
	}
	return rec, d, nil
}

func (s *Service) paidTotal(ctx context.Context, tx pgx.Tx, dealID string) (int64, error) {
	var paid int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payment_records
		WHERE deal_id = $1 AND status = 'paid'`, dealID).Scan(&paid); err != nil {
		return 0, fmt.Errorf("dispute: paid total: %w", err)
	}
	return paid, nil
}

// reprorate shrinks recipient amounts onto the reduced distributable total.
// Percents stay as agreed; only amounts change.
func (s *Service) reprorate(ctx context.Context, tx pgx.Tx, dealID string, newTotal int64) error {
	recipients, err := s.deals.Recipients(ctx, tx, dealID)
	if err != nil {
		return err
	}
	allocs := make([]split.Allocation, 0, len(recipients))
	for _, rec := range recipients {
		allocs = append(allocs, split.Allocation{
			Share: split.Share{
				ID:       rec.ID,
				Position: rec.Position,
				Percent:  rec.SplitPercent,
				Locked:   rec.Locked,
				Primary:  rec.IsPrimary,
			},
			Amount: rec.Amount,
		})
	}
	prorated, err := split.Prorate(allocs, newTotal)
	if err != nil {
		return err
	}
	updates := make(map[string]struct {
		Percent int
		Amount  int64
	}, len(prorated))
	for _, a := range prorated {
		updates[a.Share.ID] = struct {
			Percent int
			Amount  int64
		}{Percent: a.Share.Percent, Amount: a.Amount}
	}
	return s.deals.UpdateShares(ctx, tx, dealID, updates)
}
