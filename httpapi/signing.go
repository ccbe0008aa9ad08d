package httpapi

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"settleflow/httpx"
)

func (a *API) handleSigningInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.signing.InfoByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"deal_number":  info.DealNumber,
		"party_name":   info.PartyName,
		"masked_phone": info.MaskedPhone,
		"doc_hash":     info.DocHash,
		"status":       info.Status,
		"amount":       info.Amount,
		"currency":     info.Currency,
	})
}

func (a *API) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConsentPD bool `json:"consent_pd"`
		ConsentES bool `json:"consent_es"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed json body")
		return
	}
	if err := a.signing.RequestOTP(r.Context(), chi.URLParam(r, "token"), req.ConsentPD, req.ConsentES); err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "otp_sent"})
}

func (a *API) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed json body")
		return
	}
	sess, err := a.signing.VerifyOTP(r.Context(), chi.URLParam(r, "token"), req.Code)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    sess.Status,
		"signed_at": sess.SignedAt,
	})
}

// handlePaymentInfo serves the payment page. A bearer token works for deal
// participants; a signing link token works for the paying client.
func (a *API) handlePaymentInfo(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "id")

	if _, ok := a.bearerActor(r); !ok {
		linkToken := r.URL.Query().Get("token")
		linkedDeal, err := a.signing.DealIDForToken(linkToken)
		if err != nil || linkedDeal != dealID {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid credentials")
			return
		}
	}

	rec, err := a.payments.Info(r.Context(), dealID)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"provider_ref": rec.ProviderRef,
		"qr_payload":   rec.QRPayload,
		"amount":       rec.Amount,
		"currency":     rec.Currency,
		"status":       rec.Status,
		"expires_at":   rec.ExpiresAt.UTC().Format(time.RFC3339),
		"paid_at":      rec.PaidAt,
	})
}

// handlePaymentWebhook authenticates by signature, not by bearer token.
// Anything verified is acknowledged with 200 even when it changes nothing;
// providers treat non-2xx as an invitation to retry forever.
func (a *API) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable body")
		return
	}
	if err := a.payments.HandleWebhook(r.Context(), r.Header, body); err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"received": true})
}
