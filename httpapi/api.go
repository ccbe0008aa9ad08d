// Package httpapi exposes the engine over HTTP. Handlers stay thin: decode,
// call the service, map the sentinel, encode.
package httpapi

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"settleflow/auth"
	"settleflow/deal"
	"settleflow/dispute"
	"settleflow/invite"
	"settleflow/payment"
	"settleflow/report"
	"settleflow/signing"
)

type API struct {
	log      *zap.Logger
	auth     *auth.Service
	deals    *deal.Service
	invites  *invite.Service
	signing  *signing.Service
	payments *payment.Service
	disputes *dispute.Service
	reports  *report.Service
}

func New(log *zap.Logger, authSvc *auth.Service, deals *deal.Service, invites *invite.Service,
	signingSvc *signing.Service, payments *payment.Service, disputes *dispute.Service, reports *report.Service) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		log:      log,
		auth:     authSvc,
		deals:    deals,
		invites:  invites,
		signing:  signingSvc,
		payments: payments,
		disputes: disputes,
		reports:  reports,
	}
}

func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/register", a.handleRegister)
		r.Post("/auth/login", a.handleLogin)

		// Token-scoped public surfaces and the signature-verified webhook.
		r.Get("/signing/{token}", a.handleSigningInfo)
		r.Post("/signing/{token}/request-otp", a.handleRequestOTP)
		r.Post("/signing/{token}/verify", a.handleVerifyOTP)
		r.Post("/invitations/accept", a.handleInviteAccept)
		r.Post("/webhooks/payments", a.handlePaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)

			r.Post("/deals", a.handleDealCreate)
			r.Get("/deals", a.handleDealList)
			r.Get("/deals/{id}", a.handleDealGet)
			r.Get("/deals/{id}/timeline", a.handleDealTimeline)
			r.Patch("/deals/{id}/split", a.handleSplitUpdate)
			r.Post("/deals/{id}/submit", a.handleDealSubmit)
			r.Post("/deals/{id}/reopen", a.handleDealReopen)
			r.Post("/deals/{id}/cancel", a.handleDealCancel)
			r.Post("/deals/{id}/invitations", a.handleInviteSend)
			r.Post("/invitations/{id}/resend", a.handleInviteResend)
			r.Post("/invitations/{id}/cancel", a.handleInviteCancel)
			r.Post("/deals/{id}/hold/release", a.handleHoldRelease)
			r.Post("/deals/{id}/payout", a.handlePayoutInitiate)
			r.Post("/deals/{id}/disputes", a.handleDisputeOpen)
			r.Post("/disputes/{id}/cancel", a.handleDisputeWithdraw)
			r.Post("/disputes/{id}/review", a.handleDisputeReview)
			r.Post("/disputes/{id}/resolve", a.handleDisputeResolve)
			r.Get("/disputes", a.handleDisputeList)
			r.Get("/admin/analytics", a.handleAnalytics)
			r.Get("/admin/leaderboard", a.handleLeaderboard)
			r.Get("/admin/export", a.handleExport)
		})

		// Payment info accepts either a bearer token or a signing link token.
		r.Get("/deals/{id}/payment", a.handlePaymentInfo)
	})

	return r
}
