package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"settleflow/deal"
	"settleflow/dispute"
	"settleflow/httpx"
	"settleflow/invite"
)

type disputeResponse struct {
	ID              string     `json:"id"`
	DealID          string     `json:"deal_id"`
	Reason          string     `json:"reason"`
	Detail          *string    `json:"detail,omitempty"`
	RefundRequested bool       `json:"refund_requested"`
	Status          string     `json:"status"`
	Outcome         *string    `json:"outcome,omitempty"`
	RefundAmount    *int64     `json:"refund_amount,omitempty"`
	ResolutionNotes *string    `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:              rec.ID,
		DealID:          rec.DealID,
		Reason:          rec.Reason,
		Detail:          rec.Detail,
		RefundRequested: rec.RefundRequested,
		Status:          string(rec.Status),
		RefundAmount:    rec.RefundAmount,
		ResolutionNotes: rec.ResolutionNotes,
		ResolvedAt:      rec.ResolvedAt,
		CreatedAt:       rec.CreatedAt,
	}
	if rec.Outcome != nil {
		o := string(*rec.Outcome)
		resp.Outcome = &o
	}
	return resp
}

func (a *API) handleDisputeOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentRecordID       *string `json:"payment_record_id"`
		Reason                string  `json:"reason"`
		Detail                *string `json:"detail"`
		RefundRequested       bool    `json:"refund_requested"`
		RefundAmountRequested *int64  `json:"refund_amount_requested"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed json body")
		return
	}
	rec, err := a.disputes.Open(r.Context(), actorFrom(r), dispute.OpenParams{
		DealID:                chi.URLParam(r, "id"),
		PaymentRecordID:       req.PaymentRecordID,
		Reason:                req.Reason,
		Detail:                req.Detail,
		RefundRequested:       req.RefundRequested,
		RefundAmountRequested: req.RefundAmountRequested,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (a *API) handleDisputeWithdraw(w http.ResponseWriter, r *http.Request) {
	rec, err := a.disputes.Withdraw(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (a *API) handleDisputeReview(w http.ResponseWriter, r *http.Request) {
	rec, err := a.disputes.StartReview(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (a *API) handleDisputeResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome      string `json:"outcome"`
		RefundAmount *int64 `json:"refund_amount"`
		Notes        string `json:"notes"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed json body")
		return
	}
	rec, err := a.disputes.Resolve(r.Context(), actorFrom(r), dispute.ResolveParams{
		DisputeID:    chi.URLParam(r, "id"),
		Outcome:      dispute.Outcome(req.Outcome),
		RefundAmount: req.RefundAmount,
		Notes:        req.Notes,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (a *API) handleDisputeList(w http.ResponseWriter, r *http.Request) {
	if actorFrom(r).Role != deal.ActorRoleBackOffice {
		httpx.WriteError(w, http.StatusForbidden, "FORBIDDEN", "dispute listing requires back office")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	records, total, err := a.disputes.List(r.Context(), dispute.Filters{
		DealID: q.Get("deal_id"),
		Status: dispute.Status(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toDisputeResponse(rec))
	}
	httpx.WriteList(w, items, total, limit, offset)
}

type invitationResponse struct {
	ID              string    `json:"id"`
	DealID          string    `json:"deal_id"`
	Contact         string    `json:"contact"`
	ProposedRole    string    `json:"proposed_role"`
	ProposedPercent int       `json:"proposed_percent"`
	Status          string    `json:"status"`
	ExpiresAt       time.Time `json:"expires_at"`
	ResendCount     int       `json:"resend_count"`
}

func toInvitationResponse(inv invite.Invitation) invitationResponse {
	return invitationResponse{
		ID:              inv.ID,
		DealID:          inv.DealID,
		Contact:         inv.Contact,
		ProposedRole:    string(inv.ProposedRole),
		ProposedPercent: inv.ProposedPercent,
		Status:          string(inv.Status),
		ExpiresAt:       inv.ExpiresAt,
		ResendCount:     inv.ResendCount,
	}
}

func (a *API) handleInviteSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Contact         string `json:"contact"`
		ProposedRole    string `json:"proposed_role"`
		ProposedPercent int    `json:"proposed_percent"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed json body")
		return
	}
	inv, err := a.invites.Send(r.Context(), actorFrom(r), invite.SendParams{
		DealID:          chi.URLParam(r, "id"),
		Contact:         req.Contact,
		ProposedRole:    deal.RecipientRole(req.ProposedRole),
		ProposedPercent: req.ProposedPercent,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toInvitationResponse(inv))
}

func (a *API) handleInviteResend(w http.ResponseWriter, r *http.Request) {
	inv, err := a.invites.Resend(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toInvitationResponse(inv))
}

func (a *API) handleInviteCancel(w http.ResponseWriter, r *http.Request) {
	if err := a.invites.Cancel(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

// handleInviteAccept is public: the token authenticates the invitee, who may
// have registered moments ago.
func (a *API) handleInviteAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed json body")
		return
	}
	rec, err := a.invites.Accept(r.Context(), invite.AcceptParams{
		Token:       req.Token,
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, recipientResponse{
		ID:           rec.ID,
		Role:         string(rec.Role),
		UserID:       rec.UserID,
		DisplayName:  rec.DisplayName,
		Position:     rec.Position,
		SplitPercent: rec.SplitPercent,
		Amount:       rec.Amount,
		Locked:       rec.Locked,
		IsPrimary:    rec.IsPrimary,
		PayoutStatus: string(rec.PayoutStatus),
	})
}
