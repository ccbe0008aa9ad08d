package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"settleflow/deal"
	"settleflow/httpx"
)

type recipientRequest struct {
	Role         string  `json:"role"`
	UserID       *string `json:"user_id"`
	DisplayName  string  `json:"display_name"`
	SplitPercent int     `json:"split_percent"`
}

type createDealRequest struct {
	DealType        string             `json:"deal_type"`
	PropertyRef     string             `json:"property_ref"`
	AgreedPrice     int64              `json:"agreed_price"`
	CommissionTotal int64              `json:"commission_total"`
	Currency        string             `json:"currency"`
	Notes           *string            `json:"notes"`
	Recipients      []recipientRequest `json:"recipients"`
}

type recipientResponse struct {
	ID           string  `json:"id"`
	Role         string  `json:"role"`
	UserID       *string `json:"user_id,omitempty"`
	DisplayName  string  `json:"display_name"`
	Position     int     `json:"position"`
	SplitPercent int     `json:"split_percent"`
	Amount       int64   `json:"amount"`
	Locked       bool    `json:"locked"`
	IsPrimary    bool    `json:"is_primary"`
	PayoutStatus string  `json:"payout_status"`
}

type dealResponse struct {
	ID              string     `json:"id"`
	DealNumber      string     `json:"deal_number"`
	DealType        string     `json:"deal_type"`
	PropertyRef     string     `json:"property_ref"`
	AgreedPrice     int64      `json:"agreed_price"`
	CommissionTotal int64      `json:"commission_total"`
	Currency        string     `json:"currency"`
	Status          string     `json:"status"`
	Version         int        `json:"version"`
	DocHash         *string    `json:"doc_hash,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	SignedAt        *time.Time `json:"signed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`

	Recipients []recipientResponse `json:"recipients,omitempty"`
}

func toDealResponse(d deal.Deal, recipients []deal.Recipient) dealResponse {
	resp := dealResponse{
		ID:              d.ID,
		DealNumber:      d.DealNumber,
		DealType:        string(d.DealType),
		PropertyRef:     d.PropertyRef,
		AgreedPrice:     d.AgreedPrice,
		CommissionTotal: d.CommissionTotal,
		Currency:        d.Currency,
		Status:          string(d.Status),
		Version:         d.Version,
		DocHash:         d.DocHash,
		Notes:           d.Notes,
		SignedAt:        d.SignedAt,
		CancelledAt:     d.CancelledAt,
		CreatedAt:       d.CreatedAt,
	}
	for _, rec := range recipients {
		resp.Recipients = append(resp.Recipients, recipientResponse{
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
	return resp
}

func (a *API) handleDealCreate(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed json body")
		return
	}
	params := deal.CreateParams{
		DealType:        deal.Type(req.DealType),
		PropertyRef:     req.PropertyRef,
		AgreedPrice:     req.AgreedPrice,
		CommissionTotal: req.CommissionTotal,
		Currency:        req.Currency,
		Notes:           req.Notes,
	}
	for _, rec := range req.Recipients {
		params.Recipients = append(params.Recipients, deal.RecipientParams{
			Role:         deal.RecipientRole(rec.Role),
			UserID:       rec.UserID,
			DisplayName:  rec.DisplayName,
			SplitPercent: rec.SplitPercent,
		})
	}
	d, recipients, err := a.deals.Create(r.Context(), actorFrom(r), params)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toDealResponse(d, recipients))
}

func (a *API) handleDealList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	filters := deal.ListFilters{
		Status:   deal.Status(q.Get("status")),
		DealType: deal.Type(q.Get("deal_type")),
		Creator:  q.Get("creator"),
		Page:     page,
		PageSize: pageSize,
	}
	deals, total, err := a.deals.List(r.Context(), actorFrom(r), filters)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	items := make([]dealResponse, 0, len(deals))
	for _, d := range deals {
		items = append(items, toDealResponse(d, nil))
	}
	httpx.WriteList(w, items, total, pageSize, page)
}

func (a *API) handleDealGet(w http.ResponseWriter, r *http.Request) {
	d, recipients, err := a.deals.Get(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDealResponse(d, recipients))
}

func (a *API) handleDealTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := a.deals.Timeline(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	type eventResponse struct {
		Seq       int             `json:"seq"`
		Type      string          `json:"type"`
		ActorID   *string         `json:"actor_id,omitempty"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}
	items := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, eventResponse{
			Seq:       ev.Seq,
			Type:      ev.Type,
			ActorID:   ev.ActorID,
			Payload:   json.RawMessage(ev.Payload),
			CreatedAt: ev.CreatedAt,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleSplitUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecipientID string `json:"recipient_id"`
		Percent     int    `json:"percent"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed json body")
		return
	}
	recipients, err := a.deals.UpdateSplit(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.RecipientID, req.Percent)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	items := make([]recipientResponse, 0, len(recipients))
	for _, rec := range recipients {
		items = append(items, recipientResponse{
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
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"recipients": items})
}

func (a *API) handleDealSubmit(w http.ResponseWriter, r *http.Request) {
	d, err := a.deals.Submit(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDealResponse(d, nil))
}

func (a *API) handleDealReopen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed json body")
		return
	}
	d, err := a.deals.Reopen(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDealResponse(d, nil))
}

func (a *API) handleDealCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed json body")
		return
	}
	d, err := a.deals.Cancel(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDealResponse(d, nil))
}

func (a *API) handleHoldRelease(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	d, err := a.deals.ReleaseHold(r.Context(), &actor, chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDealResponse(d, nil))
}

func (a *API) handlePayoutInitiate(w http.ResponseWriter, r *http.Request) {
	items, err := a.deals.InitiatePayout(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	type itemResponse struct {
		RecipientID string `json:"recipient_id"`
		Amount      int64  `json:"amount"`
		Currency    string `json:"currency"`
	}
	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, itemResponse{RecipientID: item.RecipientID, Amount: item.Amount, Currency: item.Currency})
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"items": out})
}
