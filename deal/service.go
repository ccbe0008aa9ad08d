package deal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"settleflow/split"
)

// SessionCreator opens one signing session per required party inside the
// submission transaction. Implemented by the signing service.
type SessionCreator interface {
	CreateForDeal(ctx context.Context, tx pgx.Tx, d Deal, recipients []Recipient) error
	InvalidateForDeal(ctx context.Context, tx pgx.Tx, dealID string) error
}

// Invoice is the slice of a payment record the lifecycle needs to know about.
type Invoice struct {
	ID          string
	ProviderRef string
	Amount      int64
	ExpiresAt   time.Time
}

// InvoiceCreator issues a payment record inside the signing-completion
// transaction. Implemented by the payment service; idempotent per deal.
type InvoiceCreator interface {
	CreateTx(ctx context.Context, tx pgx.Tx, d Deal) (Invoice, error)
	CancelPendingTx(ctx context.Context, tx pgx.Tx, dealID string) error
}

// PayoutItem is one recipient disbursement handed to the payout runner.
type PayoutItem struct {
	RecipientID string
	DealID      string
	Amount      int64
	Currency    string
}

// PayoutDispatcher receives disbursement work after the initiating
// transaction commits. Implemented by the payout runner.
type PayoutDispatcher interface {
	Dispatch(dealID string, items []PayoutItem)
}

// Service owns the deal aggregate and sequences every lifecycle transition.
type Service struct {
	pool           *pgxpool.Pool
	repo           *Repository
	sessions       SessionCreator
	invoices       InvoiceCreator
	payouts        PayoutDispatcher
	platformFeePct int
	now            func() time.Time
}

func NewService(pool *pgxpool.Pool, repo *Repository, sessions SessionCreator, invoices InvoiceCreator, payouts PayoutDispatcher, platformFeePct int) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if platformFeePct <= 0 {
		platformFeePct = 5
	}
	return &Service{
		pool:           pool,
		repo:           repo,
		sessions:       sessions,
		invoices:       invoices,
		payouts:        payouts,
		platformFeePct: platformFeePct,
		now:            time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RecipientParams describes one proposed recipient at creation time.
type RecipientParams struct {
	Role         RecipientRole
	UserID       *string
	DisplayName  string
	SplitPercent int
}

type CreateParams struct {
	DealType        Type
	PropertyRef     string
	AgreedPrice     int64
	CommissionTotal int64
	Currency        string
	Notes           *string
	Recipients      []RecipientParams
}

// Create opens a draft deal with its initial recipients. The platform-fee
// recipient is always appended, locked, and excluded from redistribution.
func (s *Service) Create(ctx context.Context, actor Actor, params CreateParams) (Deal, []Recipient, error) {
	if actor.Role != ActorRoleAgent {
		return Deal{}, nil, fmt.Errorf("%w: only agents create deals", ErrForbidden)
	}
	switch params.DealType {
	case TypeSecondarySale, TypeSecondaryPurchase, TypeNewBuildBooking:
	default:
		return Deal{}, nil, fmt.Errorf("deal: invalid deal type %q", params.DealType)
	}
	if strings.TrimSpace(params.PropertyRef) == "" {
		return Deal{}, nil, fmt.Errorf("deal: property reference required")
	}
	if params.AgreedPrice <= 0 || params.CommissionTotal <= 0 {
		return Deal{}, nil, fmt.Errorf("deal: price and commission must be positive")
	}
	if len(params.Recipients) == 0 {
		return Deal{}, nil, ErrNoRecipients
	}

	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = "KZT"
	}

	shares := make([]split.Share, 0, len(params.Recipients)+1)
	for i, rp := range params.Recipients {
		if rp.Role == RolePlatformFee {
			return Deal{}, nil, fmt.Errorf("deal: platform fee recipient is implicit")
		}
		shares = append(shares, split.Share{
			ID:       fmt.Sprintf("r%d", i),
			Position: i,
			Percent:  rp.SplitPercent,
			Primary:  i == 0,
		})
	}
	shares = append(shares, split.Share{
		ID:       "platform_fee",
		Position: len(params.Recipients),
		Percent:  s.platformFeePct,
		Locked:   true,
	})
	if err := split.Validate(shares); err != nil {
		return Deal{}, nil, fmt.Errorf("%w: %v", ErrInvalidSplit, err)
	}
	allocs, err := split.Amounts(shares, params.CommissionTotal)
	if err != nil {
		return Deal{}, nil, fmt.Errorf("%w: %v", ErrInvalidSplit, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, nil, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Deal{
		DealType:        params.DealType,
		PropertyRef:     params.PropertyRef,
		AgreedPrice:     params.AgreedPrice,
		CommissionTotal: params.CommissionTotal,
		Currency:        currency,
		Notes:           params.Notes,
		CreatedBy:       actor.UserID,
	})
	if err != nil {
		return Deal{}, nil, err
	}

	recipients := make([]Recipient, 0, len(allocs))
	for _, a := range allocs {
		rec := Recipient{
			DealID:       created.ID,
			Role:         RolePlatformFee,
			DisplayName:  "Platform fee",
			Position:     a.Position,
			SplitPercent: a.Percent,
			Amount:       a.Amount,
			Locked:       true,
		}
		if a.ID != "platform_fee" {
			rp := params.Recipients[a.Position]
			rec.Role = rp.Role
			rec.UserID = rp.UserID
			rec.DisplayName = rp.DisplayName
			rec.Locked = false
			rec.IsPrimary = a.Primary
		}
		inserted, err := s.repo.InsertRecipient(ctx, tx, rec)
		if err != nil {
			return Deal{}, nil, err
		}
		recipients = append(recipients, inserted)
	}

	payload := map[string]any{
		"deal_number":      created.DealNumber,
		"deal_type":        created.DealType,
		"commission_total": created.CommissionTotal,
		"recipients":       len(recipients),
	}
	if err := s.repo.AppendEvent(ctx, tx, created.ID, EventDealCreated, &actor.UserID, payload); err != nil {
		return Deal{}, nil, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicDealCreated, map[string]any{
		"deal_id":     created.ID,
		"deal_number": created.DealNumber,
	}); err != nil {
		return Deal{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, nil, fmt.Errorf("deal: commit create: %w", err)
	}
	return created, recipients, nil
}

// UpdateSplit edits one unlocked recipient's percent while the deal is still
// in draft, renormalizing the remaining unlocked shares.
func (s *Service) UpdateSplit(ctx context.Context, actor Actor, dealID, recipientID string, newPercent int) ([]Recipient, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return nil, err
	}
	if err := s.mustOwn(d, actor); err != nil {
		return nil, err
	}
	if d.Status != StatusDraft {
		return nil, fmt.Errorf("%w: status %s", ErrDealAlreadySubmitted, d.Status)
	}

	recipients, err := s.repo.Recipients(ctx, tx, dealID)
	if err != nil {
		return nil, err
	}

	normalized, err := split.Normalize(toShares(recipients), recipientID, newPercent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSplit, err)
	}
	allocs, err := split.Amounts(normalized, d.CommissionTotal)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSplit, err)
	}

	changes := make(map[string]struct {
		Percent int
		Amount  int64
	}, len(allocs))
	for _, a := range allocs {
		changes[a.ID] = struct {
			Percent int
			Amount  int64
		}{a.Percent, a.Amount}
	}
	if err := s.repo.UpdateShares(ctx, tx, dealID, changes); err != nil {
		return nil, err
	}

	if err := s.repo.AppendEvent(ctx, tx, dealID, EventSplitUpdated, &actor.UserID, map[string]any{
		"recipient_id": recipientID,
		"new_percent":  newPercent,
	}); err != nil {
		return nil, err
	}

	updated, err := s.repo.Recipients(ctx, tx, dealID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("deal: commit split update: %w", err)
	}
	return updated, nil
}

// Submit moves a draft into signing: validates the split, binds the document
// hash, and opens one signing session per required party.
func (s *Service) Submit(ctx context.Context, actor Actor, dealID string) (Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Deal{}, err
	}
	if err := s.mustOwn(d, actor); err != nil {
		return Deal{}, err
	}
	if err := checkTransition(d.Status, StatusAwaitingSignatures); err != nil {
		return Deal{}, err
	}

	recipients, err := s.repo.Recipients(ctx, tx, dealID)
	if err != nil {
		return Deal{}, err
	}
	unlocked := 0
	for _, rec := range recipients {
		if !rec.Locked {
			unlocked++
		}
	}
	if unlocked == 0 {
		return Deal{}, ErrNoRecipients
	}
	if err := split.Validate(toShares(recipients)); err != nil {
		return Deal{}, fmt.Errorf("%w: %v", ErrInvalidSplit, err)
	}

	hash := TermsHash(d, recipients)
	if err := s.repo.UpdateStatus(ctx, tx, dealID, d.Version, StatusAwaitingSignatures,
		", doc_hash = $4", hash); err != nil {
		return Deal{}, err
	}
	d.Status = StatusAwaitingSignatures
	d.Version++
	d.DocHash = &hash

	if err := s.sessions.CreateForDeal(ctx, tx, d, recipients); err != nil {
		return Deal{}, fmt.Errorf("deal: open signing sessions: %w", err)
	}

	if err := s.repo.AppendEvent(ctx, tx, dealID, EventSubmittedForSigning, &actor.UserID, map[string]any{
		"doc_hash": hash,
		"parties":  unlocked,
	}); err != nil {
		return Deal{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicDealSubmitted, map[string]any{
		"deal_id":  dealID,
		"doc_hash": hash,
	}); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit submit: %w", err)
	}
	return d, nil
}

// Cancel terminates the deal. Permitted until a payment is confirmed; open
// signing sessions are invalidated and any pending invoice is cancelled.
func (s *Service) Cancel(ctx context.Context, actor Actor, dealID, reason string) (Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Deal{}, err
	}
	if actor.Role != ActorRoleBackOffice {
		if err := s.mustOwn(d, actor); err != nil {
			return Deal{}, err
		}
	}
	if err := checkTransition(d.Status, StatusCancelled); err != nil {
		return Deal{}, err
	}

	trimmed := strings.TrimSpace(reason)
	var reasonPtr *string
	if trimmed != "" {
		reasonPtr = &trimmed
	}
	if err := s.repo.UpdateStatus(ctx, tx, dealID, d.Version, StatusCancelled,
		", cancelled_at = get_tx_timestamp(), cancel_reason = $4", reasonPtr); err != nil {
		return Deal{}, err
	}

	if err := s.sessions.InvalidateForDeal(ctx, tx, dealID); err != nil {
		return Deal{}, fmt.Errorf("deal: invalidate sessions: %w", err)
	}
	if err := s.invoices.CancelPendingTx(ctx, tx, dealID); err != nil {
		return Deal{}, fmt.Errorf("deal: cancel pending invoice: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE invitations SET status = 'cancelled'
		WHERE deal_id = $1 AND status = 'pending'`, dealID); err != nil {
		return Deal{}, fmt.Errorf("deal: cancel invitations: %w", err)
	}

	payload := map[string]any{"previous_status": d.Status}
	if reasonPtr != nil {
		payload["reason"] = *reasonPtr
	}
	if err := s.repo.AppendEvent(ctx, tx, dealID, EventDealCancelled, &actor.UserID, payload); err != nil {
		return Deal{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicDealCancelled, map[string]any{
		"deal_id": dealID,
		"reason":  trimmed,
	}); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit cancel: %w", err)
	}

	d.Status = StatusCancelled
	d.Version++
	d.CancelReason = reasonPtr
	return d, nil
}

// Get returns the deal with its recipients.
func (s *Service) Get(ctx context.Context, actor Actor, dealID string) (Deal, []Recipient, error) {
	d, err := s.repo.Get(ctx, s.pool, dealID)
	if err != nil {
		return Deal{}, nil, err
	}
	if actor.Role != ActorRoleBackOffice && d.CreatedBy != actor.UserID {
		return Deal{}, nil, ErrForbidden
	}

	rows, err := s.pool.Query(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE deal_id = $1 ORDER BY position`, dealID)
	if err != nil {
		return Deal{}, nil, fmt.Errorf("deal: list recipients: %w", err)
	}
	defer rows.Close()

	recipients := make([]Recipient, 0, 4)
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return Deal{}, nil, fmt.Errorf("deal: scan recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}
	if err := rows.Err(); err != nil {
		return Deal{}, nil, fmt.Errorf("deal: iterate recipients: %w", err)
	}
	return d, recipients, nil
}

// ListFilters narrows List; zero values mean "any".
type ListFilters struct {
	Status   Status
	DealType Type
	Creator  string
	Page     int
	PageSize int
}

// List returns deals visible to the actor, newest first.
func (s *Service) List(ctx context.Context, actor Actor, filters ListFilters) ([]Deal, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if actor.Role != ActorRoleBackOffice {
		filters.Creator = actor.UserID
	}

	where := " WHERE 1=1"
	args := []any{}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where += fmt.Sprintf(" AND status = $%d::deal_status", len(args))
	}
	if filters.DealType != "" {
		args = append(args, filters.DealType)
		where += fmt.Sprintf(" AND deal_type = $%d::deal_type", len(args))
	}
	if filters.Creator != "" {
		args = append(args, filters.Creator)
		where += fmt.Sprintf(" AND created_by = $%d::uuid", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deals`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("deal: count: %w", err)
	}

	args = append(args, filters.PageSize, (filters.Page-1)*filters.PageSize)
	query := `SELECT ` + dealColumns + ` FROM deals` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("deal: list: %w", err)
	}
	defer rows.Close()

	deals := make([]Deal, 0, filters.PageSize)
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("deal: scan: %w", err)
		}
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("deal: iterate: %w", err)
	}
	return deals, total, nil
}

// Timeline exposes the append-only audit log for one deal.
func (s *Service) Timeline(ctx context.Context, actor Actor, dealID string) ([]TimelineEvent, error) {
	d, err := s.repo.Get(ctx, s.pool, dealID)
	if err != nil {
		return nil, err
	}
	if actor.Role != ActorRoleBackOffice && d.CreatedBy != actor.UserID {
		return nil, ErrForbidden
	}
	return s.repo.Timeline(ctx, s.pool, dealID)
}

func (s *Service) mustOwn(d Deal, actor Actor) error {
	if d.CreatedBy != actor.UserID {
		return fmt.Errorf("%w: deal belongs to another agent", ErrForbidden)
	}
	return nil
}

func toShares(recipients []Recipient) []split.Share {
	shares := make([]split.Share, 0, len(recipients))
	for _, rec := range recipients {
		shares = append(shares, split.Share{
			ID:       rec.ID,
			Position: rec.Position,
			Percent:  rec.SplitPercent,
			Locked:   rec.Locked,
			Primary:  rec.IsPrimary,
		})
	}
	return shares
}
