package test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"settleflow/deal"
	"settleflow/payment"
	"settleflow/payout"
	"settleflow/signing"
	"settleflow/test/infra"
	"settleflow/test/oracles"
)

// captureSender records the last OTP issued per phone instead of delivering it.
type captureSender struct {
	mu    sync.Mutex
	codes map[string]string
}

func newCaptureSender() *captureSender {
	return &captureSender{codes: make(map[string]string)}
}

func (c *captureSender) Send(_ context.Context, phone, code string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[phone] = code
	return nil
}

func (c *captureSender) code(phone string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes[phone]
}

func insertUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, name, role, phone string) string {
	t.Helper()
	var id string
	err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, password_hash, phone, role)
                                VALUES ($1, $2, 'x', $3, $4) RETURNING id`,
		fmt.Sprintf("%s-%d@example.com", role, time.Now().UnixNano()), name, phone, role).Scan(&id)
	require.NoError(t, err)
	return id
}

func dealStatus(t *testing.T, ctx context.Context, pool *pgxpool.Pool, dealID string) string {
	t.Helper()
	var status string
	require.NoError(t, pool.QueryRow(ctx, `SELECT status::text FROM deals WHERE id = $1`, dealID).Scan(&status))
	return status
}

// signingLinks collects phone -> token for the live signing round. Invites
// from invalidated rounds stay in the outbox but their sessions are expired.
func signingLinks(t *testing.T, ctx context.Context, pool *pgxpool.Pool, dealID string) map[string]string {
	t.Helper()
	rows, err := pool.Query(ctx, `SELECT o.payload->>'phone', o.payload->>'token'
                                   FROM outbox o
                                   JOIN signing_sessions ss ON ss.id = (o.payload->>'session_id')::uuid
                                   WHERE o.topic = 'signing.invite' AND o.payload->>'deal_id' = $1
                                     AND ss.status <> 'expired'`, dealID)
	require.NoError(t, err)
	defer rows.Close()
	links := make(map[string]string)
	for rows.Next() {
		var phone, token string
		require.NoError(t, rows.Scan(&phone, &token))
		links[phone] = token
	}
	require.NoError(t, rows.Err())
	return links
}

// signParties walks every party through consent, OTP delivery, and verify.
func signParties(t *testing.T, ctx context.Context, signingSvc *signing.Service, sender *captureSender, links map[string]string, docHash string) {
	t.Helper()
	for phone, token := range links {
		info, err := signingSvc.InfoByToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, docHash, info.DocHash)

		require.NoError(t, signingSvc.RequestOTP(ctx, token, true, true))
		code := sender.code(phone)
		require.Len(t, code, 6)

		sess, err := signingSvc.VerifyOTP(ctx, token, code)
		require.NoError(t, err)
		assert.Equal(t, signing.StatusSigned, sess.Status)
	}
}

func TestDealLifecycleEndToEnd(t *testing.T) {
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

	agentID := insertUser(t, ctx, pool, "Aigul S.", "agent", "+77011230001")
	coAgentID := insertUser(t, ctx, pool, "Daniyar K.", "agent", "+77011230002")
	backOfficeID := insertUser(t, ctx, pool, "Ops", "back_office", "+77011230003")

	const webhookSecret = "whsec_lifecycle"
	sender := newCaptureSender()
	signingSvc := signing.NewService(pool, nil, sender, "lifecycle-token-secret")
	paymentSvc := payment.NewService(pool, payment.LocalProvider{}, zap.NewNop(), webhookSecret, time.Hour, time.Hour)
	runner := payout.NewRunner(payout.LocalTransferer{}, nil, zap.NewNop())
	dealSvc := deal.NewService(pool, nil, signingSvc, paymentSvc, runner, 5)
	signingSvc.SetCompleter(dealSvc)
	runner.SetRecorder(dealSvc)

	agent := deal.Actor{UserID: agentID, Role: deal.ActorRoleAgent}
	backOffice := deal.Actor{UserID: backOfficeID, Role: deal.ActorRoleBackOffice}

	// draft with two agents; the locked platform fee share is implicit
	d, recipients, err := dealSvc.Create(ctx, agent, deal.CreateParams{
		DealType:        deal.TypeSecondarySale,
		PropertyRef:     "almaty-tower-7-42",
		AgreedPrice:     50_000_000,
		CommissionTotal: 1_500_000,
		Recipients: []deal.RecipientParams{
			{Role: deal.RoleAgent, UserID: &agentID, DisplayName: "Aigul S.", SplitPercent: 65},
			{Role: deal.RoleCoAgent, UserID: &coAgentID, DisplayName: "Daniyar K.", SplitPercent: 30},
		},
	})
	require.NoError(t, err)
	require.Len(t, recipients, 3)
	assert.Equal(t, deal.StatusDraft, d.Status)

	var amountSum int64
	for _, rec := range recipients {
		amountSum += rec.Amount
	}
	assert.Equal(t, d.CommissionTotal, amountSum)

	// submit freezes terms and opens one session per party
	submitted, err := dealSvc.Submit(ctx, agent, d.ID)
	require.NoError(t, err)
	assert.Equal(t, deal.StatusAwaitingSignatures, submitted.Status)
	require.NotNil(t, submitted.DocHash)

	firstRound := signingLinks(t, ctx, pool, d.ID)
	require.Len(t, firstRound, 2)

	// the agent pulls the deal back before anyone signs; the round is void
	reopened, err := dealSvc.Reopen(ctx, agent, d.ID, "split renegotiated")
	require.NoError(t, err)
	assert.Equal(t, deal.StatusDraft, reopened.Status)
	assert.Nil(t, reopened.DocHash)

	var expired int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM signing_sessions
                                            WHERE deal_id = $1 AND status = 'expired'`, d.ID).Scan(&expired))
	assert.Equal(t, 2, expired)
	for _, token := range firstRound {
		err := signingSvc.RequestOTP(ctx, token, true, true)
		require.ErrorIs(t, err, signing.ErrSessionClosed)
	}

	// second submit hashes afresh and opens a new round
	submitted, err = dealSvc.Submit(ctx, agent, d.ID)
	require.NoError(t, err)
	assert.Equal(t, deal.StatusAwaitingSignatures, submitted.Status)
	require.NotNil(t, submitted.DocHash)

	links := signingLinks(t, ctx, pool, d.ID)
	require.Len(t, links, 2)

	// each party consents, receives a code, and signs
	signParties(t, ctx, signingSvc, sender, links, *submitted.DocHash)

	// last signature issues the invoice
	assert.Equal(t, "payment_pending", dealStatus(t, ctx, pool, d.ID))
	record, err := paymentSvc.Info(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, record.Status)

	// provider confirms payment
	body := []byte(fmt.Sprintf(`{"id":"evt_lifecycle_1","type":"payment.paid","data":{"provider_ref":%q}}`, record.ProviderRef))
	headers := http.Header{}
	headers.Set("X-Provider-Signature", payment.SignPayload(body, time.Now(), webhookSecret))
	require.NoError(t, paymentSvc.HandleWebhook(ctx, headers, body))
	assert.Equal(t, "hold_period", dealStatus(t, ctx, pool, d.ID))

	// replayed delivery is acknowledged without effect
	require.NoError(t, paymentSvc.HandleWebhook(ctx, headers, body))
	assert.Equal(t, "hold_period", dealStatus(t, ctx, pool, d.ID))

	var paidCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM payment_records
                                            WHERE deal_id = $1 AND status = 'paid'`, d.ID).Scan(&paidCount))
	assert.Equal(t, 1, paidCount)

	// back office releases the hold early and initiates payout
	released, err := dealSvc.ReleaseHold(ctx, &backOffice, d.ID)
	require.NoError(t, err)
	assert.Equal(t, deal.StatusPayoutReady, released.Status)

	items, err := dealSvc.InitiatePayout(ctx, backOffice, d.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	runner.Wait()

	// all disbursements settled, deal closed
	assert.Equal(t, "closed", dealStatus(t, ctx, pool, d.ID))
	var withRef int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM recipients
                                            WHERE deal_id = $1 AND payout_status = 'completed' AND payout_ref IS NOT NULL`, d.ID).Scan(&withRef))
	assert.Equal(t, 2, withRef)

	// the timeline tells the whole story, gap-free
	events, err := dealSvc.Timeline(ctx, agent, d.ID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, deal.EventDealCreated)
	assert.Contains(t, types, deal.EventSubmittedForSigning)
	assert.Contains(t, types, deal.EventSigningInvalidated)
	assert.Contains(t, types, deal.EventDocumentSigned)
	assert.Contains(t, types, deal.EventPaymentReceived)
	assert.Contains(t, types, deal.EventHoldReleased)
	assert.Contains(t, types, deal.EventDealClosed)

	// every cross-table invariant still holds
	name, row, err := oracles.Run(ctx, pool)
	require.NoError(t, err)
	require.Empty(t, name, "oracle %s failed: %s", name, row)
}

// A paid notification that loses the race against cancellation is
// acknowledged and dropped: the provider stops retrying, the deal stays
// cancelled, and no hold is opened.
func TestPaidWebhookAfterCancellation(t *testing.T) {
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

	agentID := insertUser(t, ctx, pool, "Aigul S.", "agent", "+77011230011")
	coAgentID := insertUser(t, ctx, pool, "Daniyar K.", "agent", "+77011230012")

	const webhookSecret = "whsec_race"
	sender := newCaptureSender()
	signingSvc := signing.NewService(pool, nil, sender, "race-token-secret")
	paymentSvc := payment.NewService(pool, payment.LocalProvider{}, zap.NewNop(), webhookSecret, time.Hour, time.Hour)
	runner := payout.NewRunner(payout.LocalTransferer{}, nil, zap.NewNop())
	dealSvc := deal.NewService(pool, nil, signingSvc, paymentSvc, runner, 5)
	signingSvc.SetCompleter(dealSvc)
	runner.SetRecorder(dealSvc)

	agent := deal.Actor{UserID: agentID, Role: deal.ActorRoleAgent}

	d, _, err := dealSvc.Create(ctx, agent, deal.CreateParams{
		DealType:        deal.TypeSecondarySale,
		PropertyRef:     "astana-left-bank-3-14",
		AgreedPrice:     40_000_000,
		CommissionTotal: 1_200_000,
		Recipients: []deal.RecipientParams{
			{Role: deal.RoleAgent, UserID: &agentID, DisplayName: "Aigul S.", SplitPercent: 65},
			{Role: deal.RoleCoAgent, UserID: &coAgentID, DisplayName: "Daniyar K.", SplitPercent: 30},
		},
	})
	require.NoError(t, err)

	submitted, err := dealSvc.Submit(ctx, agent, d.ID)
	require.NoError(t, err)
	signParties(t, ctx, signingSvc, sender, signingLinks(t, ctx, pool, d.ID), *submitted.DocHash)
	require.Equal(t, "payment_pending", dealStatus(t, ctx, pool, d.ID))

	record, err := paymentSvc.Info(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, record.Status)

	// the deal dies while the buyer's payment is in flight
	cancelled, err := dealSvc.Cancel(ctx, agent, d.ID, "buyer withdrew")
	require.NoError(t, err)
	assert.Equal(t, deal.StatusCancelled, cancelled.Status)

	// the provider's paid event lands after cancellation
	body := []byte(fmt.Sprintf(`{"id":"evt_race_1","type":"payment.paid","data":{"provider_ref":%q}}`, record.ProviderRef))
	headers := http.Header{}
	headers.Set("X-Provider-Signature", payment.SignPayload(body, time.Now(), webhookSecret))
	require.NoError(t, paymentSvc.HandleWebhook(ctx, headers, body))

	assert.Equal(t, "cancelled", dealStatus(t, ctx, pool, d.ID))

	var holds int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM holds WHERE deal_id = $1`, d.ID).Scan(&holds))
	assert.Equal(t, 0, holds)

	var paid int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM payment_records
                                            WHERE deal_id = $1 AND status = 'paid'`, d.ID).Scan(&paid))
	assert.Equal(t, 0, paid)

	// the delivery is still recorded, so a retry stays a no-op
	var seen int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events
                                            WHERE provider_event_id = 'evt_race_1'`).Scan(&seen))
	assert.Equal(t, 1, seen)
	require.NoError(t, paymentSvc.HandleWebhook(ctx, headers, body))
	assert.Equal(t, "cancelled", dealStatus(t, ctx, pool, d.ID))

	// an invoice the provider still considers live is dropped the same way
	const strayRef = "pay_race_stray"
	_, err = pool.Exec(ctx, `INSERT INTO payment_records (deal_id, amount, currency, provider_ref, qr_payload, status, expires_at)
                              VALUES ($1, 1200000, 'KZT', $2, 'qr-stray', 'pending', now() + interval '1 hour')`, d.ID, strayRef)
	require.NoError(t, err)

	stray := []byte(fmt.Sprintf(`{"id":"evt_race_2","type":"payment.paid","data":{"provider_ref":%q}}`, strayRef))
	strayHeaders := http.Header{}
	strayHeaders.Set("X-Provider-Signature", payment.SignPayload(stray, time.Now(), webhookSecret))
	require.NoError(t, paymentSvc.HandleWebhook(ctx, strayHeaders, stray))

	assert.Equal(t, "cancelled", dealStatus(t, ctx, pool, d.ID))
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM holds WHERE deal_id = $1`, d.ID).Scan(&holds))
	assert.Equal(t, 0, holds)
	var strayStatus string
	require.NoError(t, pool.QueryRow(ctx, `SELECT status::text FROM payment_records
                                            WHERE provider_ref = $1`, strayRef).Scan(&strayStatus))
	assert.Equal(t, "pending", strayStatus)

	name, row, err := oracles.Run(ctx, pool)
	require.NoError(t, err)
	require.Empty(t, name, "oracle %s failed: %s", name, row)
}
