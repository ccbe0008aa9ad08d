package test

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"settleflow/deal"
	"settleflow/dispute"
	"settleflow/payment"
	"settleflow/payout"
	"settleflow/signing"
	"settleflow/test/infra"
	"settleflow/test/oracles"
)

// A dispute freezes settlement until back office rules on it: only one can
// be active, holds stop releasing, and a partial approval shrinks every
// share onto what remains after the refund.
func TestDisputeFreezesSettlement(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	if !dockerAvailable(ctx) {
		t.Skip("docker not available")
	}

	h, err := infra.NewHarness(ctx)
	require.NoError(t, err)
	defer h.Close(context.Background())
	pool := h.Pool()

	agentID := insertUser(t, ctx, pool, "Aigul S.", "agent", "+77011230021")
	coAgentID := insertUser(t, ctx, pool, "Daniyar K.", "agent", "+77011230022")
	backOfficeID := insertUser(t, ctx, pool, "Ops", "back_office", "+77011230023")

	const webhookSecret = "whsec_dispute"
	sender := newCaptureSender()
	signingSvc := signing.NewService(pool, nil, sender, "dispute-token-secret")
	paymentSvc := payment.NewService(pool, payment.LocalProvider{}, zap.NewNop(), webhookSecret, time.Hour, time.Hour)
	runner := payout.NewRunner(payout.LocalTransferer{}, nil, zap.NewNop())
	dealSvc := deal.NewService(pool, nil, signingSvc, paymentSvc, runner, 5)
	signingSvc.SetCompleter(dealSvc)
	runner.SetRecorder(dealSvc)
	disputeSvc := dispute.NewService(pool)

	agent := deal.Actor{UserID: agentID, Role: deal.ActorRoleAgent}
	coAgent := deal.Actor{UserID: coAgentID, Role: deal.ActorRoleAgent}
	backOffice := deal.Actor{UserID: backOfficeID, Role: deal.ActorRoleBackOffice}

	d, _, err := dealSvc.Create(ctx, agent, deal.CreateParams{
		DealType:        deal.TypeSecondarySale,
		PropertyRef:     "almaty-orbita-2-18",
		AgreedPrice:     50_000_000,
		CommissionTotal: 1_500_000,
		Recipients: []deal.RecipientParams{
			{Role: deal.RoleAgent, UserID: &agentID, DisplayName: "Aigul S.", SplitPercent: 65},
			{Role: deal.RoleCoAgent, UserID: &coAgentID, DisplayName: "Daniyar K.", SplitPercent: 30},
		},
	})
	require.NoError(t, err)

	// nothing to dispute before signatures
	_, err = disputeSvc.Open(ctx, agent, dispute.OpenParams{DealID: d.ID, Reason: "too early"})
	require.ErrorIs(t, err, deal.ErrInvalidTransition)

	submitted, err := dealSvc.Submit(ctx, agent, d.ID)
	require.NoError(t, err)
	signParties(t, ctx, signingSvc, sender, signingLinks(t, ctx, pool, d.ID), *submitted.DocHash)

	// buyer pays; the deal enters its hold period
	record, err := paymentSvc.Info(ctx, d.ID)
	require.NoError(t, err)
	body := []byte(fmt.Sprintf(`{"id":"evt_dispute_1","type":"payment.paid","data":{"provider_ref":%q}}`, record.ProviderRef))
	headers := http.Header{}
	headers.Set("X-Provider-Signature", payment.SignPayload(body, time.Now(), webhookSecret))
	require.NoError(t, paymentSvc.HandleWebhook(ctx, headers, body))
	require.Equal(t, "hold_period", dealStatus(t, ctx, pool, d.ID))

	// only the deal's own agent can raise it
	_, err = disputeSvc.Open(ctx, coAgent, dispute.OpenParams{DealID: d.ID, Reason: "not mine"})
	require.ErrorIs(t, err, deal.ErrForbidden)

	refundRequested := int64(400_000)
	rec, err := disputeSvc.Open(ctx, agent, dispute.OpenParams{
		DealID:                d.ID,
		Reason:                "commission contested",
		RefundRequested:       true,
		RefundAmountRequested: &refundRequested,
	})
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusOpen, rec.Status)
	assert.Equal(t, deal.StatusHoldPeriod, rec.PriorDealStatus)
	assert.Equal(t, "dispute", dealStatus(t, ctx, pool, d.ID))

	// one active dispute per deal
	_, err = disputeSvc.Open(ctx, agent, dispute.OpenParams{DealID: d.ID, Reason: "again"})
	require.ErrorIs(t, err, dispute.ErrDisputeExists)

	// settlement is frozen while it stands
	_, err = dealSvc.ReleaseHold(ctx, &backOffice, d.ID)
	require.ErrorIs(t, err, deal.ErrDisputeOpen)
	_, err = dealSvc.InitiatePayout(ctx, backOffice, d.ID)
	require.ErrorIs(t, err, deal.ErrInvalidTransition)

	// review locks out withdrawal
	_, err = disputeSvc.StartReview(ctx, backOffice, rec.ID)
	require.NoError(t, err)
	_, err = disputeSvc.Withdraw(ctx, agent, rec.ID)
	require.ErrorIs(t, err, dispute.ErrBadStatus)

	// partial approval refunds 300k and shrinks shares onto the remainder
	refund := int64(300_000)
	resolved, err := disputeSvc.Resolve(ctx, backOffice, dispute.ResolveParams{
		DisputeID:    rec.ID,
		Outcome:      dispute.OutcomeApprovedPartial,
		RefundAmount: &refund,
		Notes:        "buyer compensated for the delayed handover",
	})
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusResolved, resolved.Status)
	require.NotNil(t, resolved.Outcome)
	assert.Equal(t, dispute.OutcomeApprovedPartial, *resolved.Outcome)
	require.NotNil(t, resolved.RefundAmount)
	assert.Equal(t, refund, *resolved.RefundAmount)
	require.NotNil(t, resolved.ResolvedAt)

	// the deal resumes exactly where the dispute interrupted it
	assert.Equal(t, "hold_period", dealStatus(t, ctx, pool, d.ID))

	rows, err := pool.Query(ctx, `SELECT role::text, split_percent, amount FROM recipients
                                   WHERE deal_id = $1 ORDER BY position`, d.ID)
	require.NoError(t, err)
	amounts := make(map[string]int64)
	percentSum := 0
	for rows.Next() {
		var role string
		var percent int
		var amount int64
		require.NoError(t, rows.Scan(&role, &percent, &amount))
		amounts[role] = amount
		percentSum += percent
	}
	rows.Close()
	require.NoError(t, rows.Err())
	assert.Equal(t, 100, percentSum)
	assert.Equal(t, int64(780_000), amounts["agent"])
	assert.Equal(t, int64(360_000), amounts["co_agent"])
	assert.Equal(t, int64(60_000), amounts["platform_fee"])

	var refundEvents int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline_events
                                            WHERE deal_id = $1 AND type = $2`, d.ID, deal.EventRefundInitiated).Scan(&refundEvents))
	assert.Equal(t, 1, refundEvents)
	var refundOutbox int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox
                                            WHERE topic = 'refund.initiated' AND payload->>'deal_id' = $1`, d.ID).Scan(&refundOutbox))
	assert.Equal(t, 1, refundOutbox)

	// resolved, the deal moves again
	released, err := dealSvc.ReleaseHold(ctx, &backOffice, d.ID)
	require.NoError(t, err)
	assert.Equal(t, deal.StatusPayoutReady, released.Status)

	// a fresh dispute can open now, and only its initiator may withdraw it
	second, err := disputeSvc.Open(ctx, agent, dispute.OpenParams{DealID: d.ID, Reason: "payout contested"})
	require.NoError(t, err)
	assert.Equal(t, deal.StatusPayoutReady, second.PriorDealStatus)
	assert.Equal(t, "dispute", dealStatus(t, ctx, pool, d.ID))

	_, err = disputeSvc.Withdraw(ctx, backOffice, second.ID)
	require.ErrorIs(t, err, deal.ErrForbidden)

	withdrawn, err := disputeSvc.Withdraw(ctx, agent, second.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusCancelled, withdrawn.Status)
	assert.Equal(t, "payout_ready", dealStatus(t, ctx, pool, d.ID))

	name, row, err := oracles.Run(ctx, pool)
	require.NoError(t, err)
	require.Empty(t, name, "oracle %s failed: %s", name, row)
}
