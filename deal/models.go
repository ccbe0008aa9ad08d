package deal

import "time"

// Status is the deal lifecycle state. Transitions are validated by
// canTransition; every switch over Status must be exhaustive.
type Status string

const (
	StatusDraft              Status = "draft"
	StatusAwaitingSignatures Status = "awaiting_signatures"
	StatusSigned             Status = "signed"
	StatusPaymentPending     Status = "payment_pending"
	StatusHoldPeriod         Status = "hold_period"
	StatusPayoutReady        Status = "payout_ready"
	StatusDispute            Status = "dispute"
	StatusClosed             Status = "closed"
	StatusCancelled          Status = "cancelled"
)

// Type enumerates the supported transaction kinds.
type Type string

const (
	TypeSecondarySale     Type = "secondary_sale"
	TypeSecondaryPurchase Type = "secondary_purchase"
	TypeNewBuildBooking   Type = "new_build_booking"
)

// RecipientRole is the closed set of commission recipient roles.
type RecipientRole string

const (
	RoleAgent       RecipientRole = "agent"
	RoleCoAgent     RecipientRole = "co_agent"
	RoleAgency      RecipientRole = "agency"
	RolePlatformFee RecipientRole = "platform_fee"
)

// PayoutStatus tracks the disbursement state of a single recipient.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutReady      PayoutStatus = "ready"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Deal mirrors the deals table columns touched by the service.
type Deal struct {
	ID              string
	DealNumber      string
	DealType        Type
	PropertyRef     string
	AgreedPrice     int64
	CommissionTotal int64
	Currency        string
	Status          Status
	Version         int
	DocHash         *string
	Notes           *string
	CreatedBy       string
	SignedAt        *time.Time
	RegisteredAt    *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
	CancelReason    *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Recipient is one party entitled to a share of the commission.
type Recipient struct {
	ID           string
	DealID       string
	Role         RecipientRole
	UserID       *string
	DisplayName  string
	Position     int
	SplitPercent int
	Amount       int64
	Locked       bool
	IsPrimary    bool
	PayoutStatus PayoutStatus
	PayoutRef    *string
	PayoutError  *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TimelineEvent captures an immutable business event for a deal.
type TimelineEvent struct {
	ID        int64
	DealID    string
	Seq       int
	Type      string
	ActorID   *string
	Payload   []byte
	CreatedAt time.Time
}

// Timeline event types. The set mirrors the event_type enum in the schema.
const (
	EventDealCreated         = "deal_created"
	EventStatusChanged       = "status_changed"
	EventSplitUpdated        = "split_updated"
	EventInvitationSent      = "invitation_sent"
	EventInvitationAccepted  = "invitation_accepted"
	EventSubmittedForSigning = "submitted_for_signing"
	EventDocumentSigned      = "document_signed"
	EventSigningInvalidated  = "signing_invalidated"
	EventInvoiceCreated      = "invoice_created"
	EventPaymentReceived     = "payment_received"
	EventHoldStarted         = "hold_started"
	EventHoldReleased        = "hold_released"
	EventPayoutInitiated     = "payout_initiated"
	EventPayoutCompleted     = "payout_completed"
	EventPayoutFailed        = "payout_failed"
	EventDealCancelled       = "deal_cancelled"
	EventDealClosed          = "deal_closed"
	EventDisputeOpened       = "dispute_opened"
	EventDisputeResolved     = "dispute_resolved"
	EventRefundInitiated     = "refund_initiated"
)

// Outbox topics published by the deal lifecycle.
const (
	OutboxTopicDealCreated     = "deal.created"
	OutboxTopicDealSubmitted   = "deal.submitted"
	OutboxTopicDealSigned      = "deal.signed"
	OutboxTopicDealPaid        = "deal.paid"
	OutboxTopicDealPayoutReady = "deal.payout_ready"
	OutboxTopicDealClosed      = "deal.closed"
	OutboxTopicDealCancelled   = "deal.cancelled"
)

// Actor is the request-scoped authorization context passed into every
// transition. Never ambient: handlers build it from the verified token.
type Actor struct {
	UserID string
	Role   string
}

const (
	ActorRoleAgent      = "agent"
	ActorRoleBackOffice = "back_office"
	ActorRoleClient     = "client"
)
