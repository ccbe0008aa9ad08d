package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"settleflow/deal"
	"settleflow/split"
)

const (
	inviteTTL      = 7 * 24 * time.Hour
	sendBurst      = 3
	sendRefillRate = time.Minute
)

const inviteColumns = `id, deal_id, contact, proposed_role::text, proposed_percent, token,
	status::text, expires_at, resend_count, last_sent_at, created_at`

// Service manages split invitations. Acceptance is the only path that adds a
// recipient to a deal after creation.
type Service struct {
	pool     *pgxpool.Pool
	deals    *deal.Repository
	limiters limiterPool
	now      func() time.Time
	newToken func() string
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{
		pool:     pool,
		deals:    deal.NewRepository(),
		limiters: limiterPool{entries: make(map[string]*rate.Limiter)},
		now:      time.Now,
		newToken: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type SendParams struct {
	DealID          string
	Contact         string
	ProposedRole    deal.RecipientRole
	ProposedPercent int
}

// Send offers a split share to a contact. Only while the deal is still a
// draft: the proposed percent must survive renormalization later, so the same
// range rule as a direct split edit applies at acceptance time, not here.
func (s *Service) Send(ctx context.Context, actor deal.Actor, params SendParams) (Invitation, error) {
	contact := strings.TrimSpace(params.Contact)
	if contact == "" {
		return Invitation{}, fmt.Errorf("invite: contact required")
	}
	if params.ProposedRole != deal.RoleCoAgent && params.ProposedRole != deal.RoleAgency {
		return Invitation{}, fmt.Errorf("invite: role %s cannot be invited", params.ProposedRole)
	}
	if params.ProposedPercent < split.MinPercent || params.ProposedPercent > 99 {
		return Invitation{}, fmt.Errorf("invite: percent out of range")
	}
	if !s.limiters.allow(contact) {
		return Invitation{}, ErrRateLimited
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invitation{}, fmt.Errorf("invite: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.deals.GetForUpdate(ctx, tx, params.DealID)
	if err != nil {
		return Invitation{}, err
	}
	if err := mayManage(actor, d); err != nil {
		return Invitation{}, err
	}
	if d.Status != deal.StatusDraft {
		return Invitation{}, deal.ErrDealAlreadySubmitted
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO invitations (deal_id, contact, proposed_role, proposed_percent, token, expires_at)
		VALUES ($1, $2, $3::recipient_role, $4, $5, $6)
		RETURNING `+inviteColumns,
		d.ID, contact, params.ProposedRole, params.ProposedPercent, s.newToken(), s.now().Add(inviteTTL))
	inv, err := scanInvitation(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Invitation{}, ErrDuplicatePending
		}
		return Invitation{}, fmt.Errorf("invite: insert: %w", err)
	}

	if err := s.deals.AppendEvent(ctx, tx, d.ID, deal.EventInvitationSent, &actor.UserID, map[string]any{
		"invitation_id":    inv.ID,
		"contact":          inv.Contact,
		"proposed_role":    inv.ProposedRole,
		"proposed_percent": inv.ProposedPercent,
	}); err != nil {
		return Invitation{}, err
	}
	if err := s.deals.EnqueueOutbox(ctx, tx, "invite.sent", map[string]any{
		"invitation_id": inv.ID,
		"deal_id":       d.ID,
		"contact":       inv.Contact,
		"token":         inv.Token,
	}); err != nil {
		return Invitation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invitation{}, fmt.Errorf("invite: commit: %w", err)
	}
	return inv, nil
}

// Resend re-delivers a pending invitation through the outbox. Shares the
// contact's send budget with Send.
func (s *Service) Resend(ctx context.Context, actor deal.Actor, invitationID string) (Invitation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Invitation{}, fmt.Errorf("invite: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, d, err := s.lockInvitation(ctx, tx, invitationID)
	if err != nil {
		return Invitation{}, err
	}
	if err := mayManage(actor, d); err != nil {
		return Invitation{}, err
	}
	if inv.Status != StatusPending {
		return Invitation{}, ErrInviteConsumed
	}
	if !inv.ExpiresAt.After(s.now()) {
		return Invitation{}, ErrInviteExpired
	}
	if !s.limiters.allow(inv.Contact) {
		return Invitation{}, ErrRateLimited
	}

	row := tx.QueryRow(ctx, `
		UPDATE invitations
		SET resend_count = resend_count + 1, last_sent_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING `+inviteColumns, inv.ID)
	updated, err := scanInvitation(row)
	if err != nil {
		return Invitation{}, fmt.Errorf("invite: bump resend: %w", err)
	}

	if err := s.deals.EnqueueOutbox(ctx, tx, "invite.sent", map[string]any{
		"invitation_id": updated.ID,
		"deal_id":       updated.DealID,
		"contact":       updated.Contact,
		"token":         updated.Token,
		"resend":        true,
	}); err != nil {
		return Invitation{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Invitation{}, fmt.Errorf("invite: commit resend: %w", err)
	}
	return updated, nil
}

// Cancel withdraws a pending invitation.
func (s *Service) Cancel(ctx context.Context, actor deal.Actor, invitationID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("invite: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	inv, d, err := s.lockInvitation(ctx, tx, invitationID)
	if err != nil {
		return err
	}
	if err := mayManage(actor, d); err != nil {
		return err
	}
	if inv.Status != StatusPending {
		return ErrInviteConsumed
	}

	if _, err := tx.Exec(ctx,
		`UPDATE invitations SET status = 'cancelled' WHERE id = $1`, inv.ID); err != nil {
		return fmt.Errorf("invite: cancel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("invite: commit cancel: %w", err)
	}
	return nil
}

// ByToken reads the invitation an invitee opens from their link. No auth:
// the token is the capability.
func (s *Service) ByToken(ctx context.Context, token string) (Invitation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM invitations WHERE token = $1`, token)
	inv, err := scanInvitation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invitation{}, ErrInviteNotFound
		}
		return Invitation{}, fmt.Errorf("invite: by token: %w", err)
	}
	return inv, nil
}

type AcceptParams struct {
	Token       string
	UserID      string
	DisplayName string
}

// Accept materializes the invitee as a recipient and renormalizes the split
// around the proposed percent, all in one transaction. The deal must still be
// a draft; once signing starts the party set is frozen.
func (s *Service) Accept(ctx context.Context, params AcceptParams) (deal.Recipient, error) {
	name := strings.TrimSpace(params.DisplayName)
	if name == "" {
		return deal.Recipient{}, fmt.Errorf("invite: display name required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return deal.Recipient{}, fmt.Errorf("invite: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var invitationID string
	if err := tx.QueryRow(ctx,
		`SELECT id FROM invitations WHERE token = $1`, params.Token).Scan(&invitationID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return deal.Recipient{}, ErrInviteNotFound
		}
		return deal.Recipient{}, fmt.Errorf("invite: resolve token: %w", err)
	}

	inv, d, err := s.lockInvitation(ctx, tx, invitationID)
	if err != nil {
		return deal.Recipient{}, err
	}
	switch {
	case inv.Status != StatusPending:
		return deal.Recipient{}, ErrInviteConsumed
	case !inv.ExpiresAt.After(s.now()):
		return deal.Recipient{}, ErrInviteExpired
	}
	if d.Status != deal.StatusDraft {
		return deal.Recipient{}, deal.ErrDealAlreadySubmitted
	}

	recipients, err := s.deals.Recipients(ctx, tx, d.ID)
	if err != nil {
		return deal.Recipient{}, err
	}
	position := 0
	for _, rec := range recipients {
		if rec.Position > position {
			position = rec.Position
		}
	}

	created, err := s.deals.InsertRecipient(ctx, tx, deal.Recipient{
		DealID:       d.ID,
		Role:         inv.ProposedRole,
		UserID:       &params.UserID,
		DisplayName:  name,
		Position:     position + 1,
		SplitPercent: inv.ProposedPercent,
	})
	if err != nil {
		return deal.Recipient{}, err
	}

	shares := make([]split.Share, 0, len(recipients)+1)
	for _, rec := range append(recipients, created) {
		shares = append(shares, split.Share{
			ID:       rec.ID,
			Position: rec.Position,
			Percent:  rec.SplitPercent,
			Locked:   rec.Locked,
			Primary:  rec.IsPrimary,
		})
	}
	normalized, err := split.Normalize(shares, created.ID, inv.ProposedPercent)
	if err != nil {
		return deal.Recipient{}, err
	}
	allocs, err := split.Amounts(normalized, d.CommissionTotal)
	if err != nil {
		return deal.Recipient{}, err
	}
	updates := make(map[string]struct {
		Percent int
		Amount  int64
	}, len(allocs))
	for _, a := range allocs {
		updates[a.Share.ID] = struct {
			Percent int
			Amount  int64
		}{Percent: a.Share.Percent, Amount: a.Amount}
		if a.Share.ID == created.ID {
			created.SplitPercent = a.Share.Percent
			created.Amount = a.Amount
		}
	}
	if err := s.deals.UpdateShares(ctx, tx, d.ID, updates); err != nil {
		return deal.Recipient{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE invitations SET status = 'accepted' WHERE id = $1`, inv.ID); err != nil {
		return deal.Recipient{}, fmt.Errorf("invite: mark accepted: %w", err)
	}

	if err := s.deals.AppendEvent(ctx, tx, d.ID, deal.EventInvitationAccepted, &params.UserID, map[string]any{
		"invitation_id": inv.ID,
		"recipient_id":  created.ID,
		"split_percent": created.SplitPercent,
	}); err != nil {
		return deal.Recipient{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return deal.Recipient{}, fmt.Errorf("invite: commit accept: %w", err)
	}
	return created, nil
}

// ExpireDue marks pending invitations past expiry. Called by the sweep loop.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invitations SET status = 'expired'
		WHERE status = 'pending' AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("invite: expire due: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// lockInvitation locks the deal row first, then reads the invitation, so
// every writer takes locks in the same order.
func (s *Service) lockInvitation(ctx context.Context, tx pgx.Tx, invitationID string) (Invitation, deal.Deal, error) {
	var dealID string
	if err := tx.QueryRow(ctx,
		`SELECT deal_id FROM invitations WHERE id = $1`, invitationID).Scan(&dealID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Invitation{}, deal.Deal{}, ErrInviteNotFound
		}
		return Invitation{}, deal.Deal{}, fmt.Errorf("invite: resolve deal: %w", err)
	}
	d, err := s.deals.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Invitation{}, deal.Deal{}, err
	}
	row := tx.QueryRow(ctx,
		`SELECT `+inviteColumns+` FROM invitations WHERE id = $1 FOR UPDATE`, invitationID)
	inv, err := scanInvitation(row)
	if err != nil {
		return Invitation{}, deal.Deal{}, fmt.Errorf("invite: lock invitation: %w", err)
	}
	return inv, d, nil
}

func scanInvitation(row pgx.Row) (Invitation, error) {
	var inv Invitation
	err := row.Scan(
		&inv.ID, &inv.DealID, &inv.Contact, &inv.ProposedRole, &inv.ProposedPercent,
		&inv.Token, &inv.Status, &inv.ExpiresAt, &inv.ResendCount, &inv.LastSentAt,
		&inv.CreatedAt,
	)
	return inv, err
}

func mayManage(actor deal.Actor, d deal.Deal) error {
	if actor.Role == deal.ActorRoleBackOffice {
		return nil
	}
	if d.CreatedBy != actor.UserID {
		return fmt.Errorf("%w: deal belongs to another agent", deal.ErrForbidden)
	}
	return nil
}

type limiterPool struct {
	mu      sync.Mutex
	entries map[string]*rate.Limiter
}

func (l *limiterPool) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.entries[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(sendRefillRate), sendBurst)
		l.entries[key] = lim
	}
	return lim.Allow()
}
