package report

import "time"

// Summary aggregates the portfolio the back office watches.
type Summary struct {
	DealsByStatus    map[string]int
	CommissionVolume int64
	PaidVolume       int64
	DisputedVolume   int64
	RefundedVolume   int64
	OpenDisputes     int
	PendingPayouts   int
}

// AgentRank is one leaderboard row.
type AgentRank struct {
	UserID        string
	DisplayName   string
	ClosedDeals   int
	CommissionSum int64
}

// TimelineRow is one exported audit line.
type TimelineRow struct {
	DealNumber string
	Seq        int
	Type       string
	ActorID    *string
	Payload    string
	CreatedAt  time.Time
}
