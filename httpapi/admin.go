package httpapi

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"settleflow/httpx"
)

func (a *API) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	summary, err := a.reports.Summary(r.Context(), actorFrom(r))
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"deals_by_status":   summary.DealsByStatus,
		"commission_volume": summary.CommissionVolume,
		"paid_volume":       summary.PaidVolume,
		"disputed_volume":   summary.DisputedVolume,
		"refunded_volume":   summary.RefundedVolume,
		"open_disputes":     summary.OpenDisputes,
		"pending_payouts":   summary.PendingPayouts,
	})
}

func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	since := sinceParam(r, -30*24*time.Hour)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ranks, err := a.reports.Leaderboard(r.Context(), actorFrom(r), since, limit)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	type rankResponse struct {
		UserID        string `json:"user_id"`
		DisplayName   string `json:"display_name"`
		ClosedDeals   int    `json:"closed_deals"`
		CommissionSum int64  `json:"commission_sum"`
	}
	items := make([]rankResponse, 0, len(ranks))
	for _, rank := range ranks {
		items = append(items, rankResponse(rank))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": items, "since": since.UTC().Format(time.RFC3339)})
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	since := sinceParam(r, -90*24*time.Hour)

	// Buffered so a failed export still gets a proper error status.
	var buf bytes.Buffer
	if err := a.reports.ExportTimeline(r.Context(), actorFrom(r), since, &buf); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.Header().Set("content-type", "text/csv")
	w.Header().Set("content-disposition", `attachment; filename="timeline.csv"`)
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func sinceParam(r *http.Request, fallback time.Duration) time.Time {
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Now().Add(fallback)
}
