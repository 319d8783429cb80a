package reconcile

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/tier"
)

// Provider names the payment processor an event came from.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderPaddle Provider = "paddle"
)

// Status tracks an event through processing.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Event is a verified processor notification together with the state change
// it asks for. Provider parsers build it; the reconciler applies it.
type Event struct {
	ID         string
	Type       string
	Provider   Provider
	Livemode   bool
	OccurredAt time.Time
	Payload    []byte
	Mutation   Mutation
}

// Record is the stored processing state of an event. EventID is the dedupe key.
type Record struct {
	EventID      string     `json:"event_id"`
	EventType    string     `json:"event_type"`
	Provider     Provider   `json:"provider"`
	Livemode     bool       `json:"livemode"`
	Status       Status     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	ReceivedAt   time.Time  `json:"received_at"`
	ClaimedAt    time.Time  `json:"claimed_at,omitzero"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Mutation is the authoritative change an event carries. It is one of
// SubscriptionChanged, SubscriptionCanceled, UnlockPaid, UnlockPaymentFailed or Ignored.
type Mutation interface {
	mutation()
}

// SubscriptionChanged sets the user's tier and status.
type SubscriptionChanged struct {
	UserID         uuid.UUID
	Tier           tier.Tier
	Status         entitlement.Status
	PeriodEnd      *time.Time
	CustomerID     string
	SubscriptionID string
}

// SubscriptionCanceled drops the user back to the lowest tier.
type SubscriptionCanceled struct {
	UserID         uuid.UUID
	SubscriptionID string
}

// UnlockPaid grants a pending unlock attempt.
type UnlockPaid struct {
	AttemptID uuid.UUID
	PaymentID string
}

// UnlockPaymentFailed releases a pending unlock attempt.
type UnlockPaymentFailed struct {
	AttemptID uuid.UUID
}

// Ignored is an event the reconciler records but does not act on.
type Ignored struct {
	Reason string
}

func (SubscriptionChanged) mutation()  {}
func (SubscriptionCanceled) mutation() {}
func (UnlockPaid) mutation()           {}
func (UnlockPaymentFailed) mutation()  {}
func (Ignored) mutation()              {}
