package deal

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// CompleteSigningTx runs inside the transaction of the final verify-and-sign:
// awaiting_signatures -> signed -> payment_pending, freezing recipient
// amounts and issuing the invoice. The signing service calls this when the
// last required session reaches signed.
func (s *Service) CompleteSigningTx(ctx context.Context, tx pgx.Tx, dealID string, actorID *string) error {
	d, err := s.repo.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return err
	}
	if err := checkTransition(d.Status, StatusSigned); err != nil {
		return err
	}

	// Amounts were maintained on every split edit; leaving awaiting_signatures
	// freezes them. Two status moves, one transaction, one version bump each.
	if err := s.repo.UpdateStatus(ctx, tx, dealID, d.Version, StatusSigned,
		", signed_at = get_tx_timestamp()"); err != nil {
		return err
	}
	if err := s.repo.AppendEvent(ctx, tx, dealID, EventStatusChanged, actorID, map[string]any{
		"previous_status": StatusAwaitingSignatures,
		"next_status":     StatusSigned,
		"doc_hash":        d.DocHash,
	}); err != nil {
		return err
	}

	d.Status = StatusSigned
	d.Version++
	invoice, err := s.invoices.CreateTx(ctx, tx, d)
	if err != nil {
		return fmt.Errorf("deal: create invoice: %w", err)
	}

	if err := s.repo.UpdateStatus(ctx, tx, dealID, d.Version, StatusPaymentPending, ""); err != nil {
		return err
	}
	if err := s.repo.AppendEvent(ctx, tx, dealID, EventInvoiceCreated, nil, map[string]any{
		"payment_record_id": invoice.ID,
		"provider_ref":      invoice.ProviderRef,
		"amount":            invoice.Amount,
		"expires_at":        invoice.ExpiresAt.UTC(),
	}); err != nil {
		return err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicDealSigned, map[string]any{
		"deal_id":      dealID,
		"provider_ref": invoice.ProviderRef,
	}); err != nil {
		return err
	}
	return nil
}

// InvalidateSigningTx is invoked when the underlying document changes while
// signatures are being collected: every session is expired and the deal drops
// back to draft so terms can be re-agreed and signing restarted.
func (s *Service) InvalidateSigningTx(ctx context.Context, tx pgx.Tx, dealID string, actorID *string, reason string) error {
	d, err := s.repo.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return err
	}
	if err := checkTransition(d.Status, StatusDraft); err != nil {
		return err
	}

	if err := s.sessions.InvalidateForDeal(ctx, tx, dealID); err != nil {
		return fmt.Errorf("deal: invalidate sessions: %w", err)
	}
	if err := s.repo.UpdateStatus(ctx, tx, dealID, d.Version, StatusDraft, ", doc_hash = NULL"); err != nil {
		return err
	}
	if err := s.repo.AppendEvent(ctx, tx, dealID, EventSigningInvalidated, actorID, map[string]any{
		"reason": reason,
	}); err != nil {
		return err
	}
	return nil
}

// Reopen pulls an awaiting_signatures deal back to draft so terms can be
// re-edited. Sessions already signed or still pending are expired together;
// the next Submit hashes the amended terms and starts a fresh signing round.
func (s *Service) Reopen(ctx context.Context, actor Actor, dealID, reason string) (Deal, error) {
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

	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		trimmed = "terms_reopened"
	}
	if err := s.InvalidateSigningTx(ctx, tx, dealID, &actor.UserID, trimmed); err != nil {
		return Deal{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit reopen: %w", err)
	}

	d.Status = StatusDraft
	d.Version++
	d.DocHash = nil
	return d, nil
}

// ReleaseHold moves hold_period -> payout_ready. The elapsed path comes from
// the sweep loop; the manual path requires a back-office approver whose id is
// recorded in the event payload.
func (s *Service) ReleaseHold(ctx context.Context, actor *Actor, dealID string) (Deal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Deal{}, err
	}
	if err := checkTransition(d.Status, StatusPayoutReady); err != nil {
		return Deal{}, err
	}
	open, err := s.repo.HasOpenDispute(ctx, tx, dealID)
	if err != nil {
		return Deal{}, err
	}
	if open {
		return Deal{}, ErrDisputeOpen
	}

	reason := "elapsed"
	payload := map[string]any{}
	var actorID *string
	if actor != nil {
		if actor.Role != ActorRoleBackOffice {
			return Deal{}, fmt.Errorf("%w: early release requires back office", ErrForbidden)
		}
		reason = "manual"
		actorID = &actor.UserID
		payload["approved_by"] = actor.UserID
	}
	payload["release_reason"] = reason

	tag, err := tx.Exec(ctx, `
		UPDATE holds
		SET released_at = get_tx_timestamp(), released_by = $1::uuid, release_reason = $2::hold_release_reason
		WHERE deal_id = $3 AND released_at IS NULL`, actorID, reason, dealID)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: release hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Deal{}, fmt.Errorf("%w: hold already released", ErrConcurrentModification)
	}

	if err := s.repo.UpdateStatus(ctx, tx, dealID, d.Version, StatusPayoutReady,
		", registered_at = COALESCE(registered_at, get_tx_timestamp())"); err != nil {
		return Deal{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE recipients SET payout_status = 'ready', updated_at = get_tx_timestamp()
		WHERE deal_id = $1 AND payout_status = 'pending'`, dealID); err != nil {
		return Deal{}, fmt.Errorf("deal: mark recipients ready: %w", err)
	}

	if err := s.repo.AppendEvent(ctx, tx, dealID, EventHoldReleased, actorID, payload); err != nil {
		return Deal{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicDealPayoutReady, map[string]any{
		"deal_id": dealID,
		"reason":  reason,
	}); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit hold release: %w", err)
	}
	d.Status = StatusPayoutReady
	d.Version++
	return d, nil
}

// InitiatePayout fans disbursement out to every unlocked recipient not yet
// completed. Work is handed to the payout runner only after commit.
func (s *Service) InitiatePayout(ctx context.Context, actor Actor, dealID string) ([]PayoutItem, error) {
	if actor.Role != ActorRoleBackOffice {
		return nil, fmt.Errorf("%w: payout requires back office", ErrForbidden)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusPayoutReady {
		return nil, fmt.Errorf("%w: %s -> payout", ErrInvalidTransition, d.Status)
	}
	open, err := s.repo.HasOpenDispute(ctx, tx, dealID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrDisputeOpen
	}

	recipients, err := s.repo.Recipients(ctx, tx, dealID)
	if err != nil {
		return nil, err
	}

	items := make([]PayoutItem, 0, len(recipients))
	for _, rec := range recipients {
		if rec.Locked || rec.PayoutStatus == PayoutCompleted || rec.PayoutStatus == PayoutProcessing {
			continue
		}
		if err := s.repo.SetPayoutStatus(ctx, tx, rec.ID, PayoutProcessing, nil, nil); err != nil {
			return nil, err
		}
		items = append(items, PayoutItem{
			RecipientID: rec.ID,
			DealID:      dealID,
			Amount:      rec.Amount,
			Currency:    d.Currency,
		})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: nothing to pay out", ErrConcurrentModification)
	}

	if err := s.repo.AppendEvent(ctx, tx, dealID, EventPayoutInitiated, &actor.UserID, map[string]any{
		"recipients": len(items),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("deal: commit payout init: %w", err)
	}

	if s.payouts != nil {
		s.payouts.Dispatch(dealID, items)
	}
	return items, nil
}

// CompletePayout records the provider outcome for one recipient. When the
// last unlocked recipient completes, the deal closes.
func (s *Service) CompletePayout(ctx context.Context, recipientID, providerRef string) error {
	return s.finishPayout(ctx, recipientID, PayoutCompleted, &providerRef, nil)
}

// FailPayout marks a recipient's disbursement failed after retries exhaust.
// The deal stays payout_ready for operators to intervene.
func (s *Service) FailPayout(ctx context.Context, recipientID, cause string) error {
	return s.finishPayout(ctx, recipientID, PayoutFailed, nil, &cause)
}

func (s *Service) finishPayout(ctx context.Context, recipientID string, status PayoutStatus, ref, cause *string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var dealID string
	if err := tx.QueryRow(ctx,
		`SELECT deal_id FROM recipients WHERE id = $1`, recipientID).Scan(&dealID); err != nil {
		return fmt.Errorf("deal: resolve recipient deal: %w", err)
	}

	d, err := s.repo.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return err
	}
	if err := s.repo.SetPayoutStatus(ctx, tx, recipientID, status, ref, cause); err != nil {
		return err
	}

	eventType := EventPayoutCompleted
	payload := map[string]any{"recipient_id": recipientID}
	if status == PayoutFailed {
		eventType = EventPayoutFailed
		if cause != nil {
			payload["error"] = *cause
		}
	} else if ref != nil {
		payload["payout_ref"] = *ref
	}
	if err := s.repo.AppendEvent(ctx, tx, dealID, eventType, nil, payload); err != nil {
		return err
	}

	if status == PayoutCompleted && d.Status == StatusPayoutReady {
		var remaining int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM recipients
			WHERE deal_id = $1 AND NOT locked AND payout_status <> 'completed'`, dealID).Scan(&remaining); err != nil {
			return fmt.Errorf("deal: count remaining payouts: %w", err)
		}
		if remaining == 0 {
			if err := s.repo.UpdateStatus(ctx, tx, dealID, d.Version, StatusClosed,
				", completed_at = get_tx_timestamp()"); err != nil {
				return err
			}
			if err := s.repo.AppendEvent(ctx, tx, dealID, EventDealClosed, nil, map[string]any{}); err != nil {
				return err
			}
			if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicDealClosed, map[string]any{
				"deal_id": dealID,
			}); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deal: commit payout result: %w", err)
	}
	return nil
}
