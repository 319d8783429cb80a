package checkout

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/tier"
)

// Target is what a checkout buys: a subscription tier or a single content unlock.
// Exactly one field is set.
type Target struct {
	Tier      tier.Tier `json:"tier,omitempty"`
	ContentID string    `json:"content_id,omitempty"`
}

func ForTier(t tier.Tier) Target        { return Target{Tier: t} }
func ForContent(contentID string) Target { return Target{ContentID: contentID} }

func (t Target) Validate() error {
	hasTier, hasContent := t.Tier != "", strings.TrimSpace(t.ContentID) != ""
	if hasTier == hasContent {
		return ErrInvalidTarget
	}
	return nil
}

// IsUnlock reports whether the target is a single content purchase.
func (t Target) IsUnlock() bool { return t.ContentID != "" }

// Key identifies the target for idempotency, e.g. "tier:pro" or "content:report-42".
func (t Target) Key() string {
	if t.IsUnlock() {
		return "content:" + t.ContentID
	}
	return "tier:" + string(t.Tier)
}

func (t Target) String() string { return t.Key() }

// Status is a checkout session state. It implements statemachine.State.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusFetchingKey     Status = "fetching_key"
	StatusCreatingIntent  Status = "creating_intent"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusConfirming      Status = "confirming"
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
)

func (s Status) Name() string { return string(s) }

// Active reports whether a session in this state blocks a new checkout.
func (s Status) Active() bool {
	switch s {
	case StatusFetchingKey, StatusCreatingIntent, StatusAwaitingPayment, StatusConfirming:
		return true
	}
	return false
}

// Suspended reports whether the session is waiting on a network call.
func (s Status) Suspended() bool {
	return s == StatusFetchingKey || s == StatusCreatingIntent || s == StatusConfirming
}

type event string

func (e event) Name() string { return string(e) }

const (
	evStart       event = "start"
	evKeyFetched  event = "key_fetched"
	evIntentReady event = "intent_ready"
	evSettled     event = "intent_settled"
	evSubmit      event = "submit"
	evConfirmed   event = "confirmed"
	evPending     event = "pending"
	evFail        event = "fail"
	evCancel      event = "cancel"
)

// Intent is the backend's answer to an intent request. It is one of
// IntentActive, IntentRequiresPayment or IntentIncomplete.
type Intent interface {
	intent()
}

// IntentActive means no payment is needed: the subscription is already active or trialing.
type IntentActive struct {
	Status         entitlement.Status
	SubscriptionID string
}

// IntentRequiresPayment carries the client secret the payment UI completes.
type IntentRequiresPayment struct {
	ClientSecret   string
	SubscriptionID string
	AttemptID      uuid.UUID // set for unlock purchases
}

// IntentIncomplete is a subscription whose first invoice is still open.
// ClientSecret may be empty when the processor has nothing to confirm yet.
type IntentIncomplete struct {
	ClientSecret   string
	SubscriptionID string
}

func (IntentActive) intent()          {}
func (IntentRequiresPayment) intent() {}
func (IntentIncomplete) intent()      {}

// IntentResponse is the wire shape of POST subscription-intent.
type IntentResponse struct {
	Status               string `json:"status"`
	ClientSecret         string `json:"client_secret,omitempty"`
	StripeSubscriptionID string `json:"stripe_subscription_id,omitempty"`
}

// ParseIntent resolves the loosely-typed wire response into an Intent.
func ParseIntent(r IntentResponse) (Intent, error) {
	switch strings.ToLower(r.Status) {
	case string(entitlement.StatusActive), string(entitlement.StatusTrialing):
		return IntentActive{Status: entitlement.Status(strings.ToLower(r.Status)), SubscriptionID: r.StripeSubscriptionID}, nil
	case "requires_payment", "requires_payment_method", "requires_confirmation":
		if r.ClientSecret == "" {
			return nil, fmt.Errorf("%w: status %q without client secret", ErrUnexpectedResponse, r.Status)
		}
		return IntentRequiresPayment{ClientSecret: r.ClientSecret, SubscriptionID: r.StripeSubscriptionID}, nil
	case "incomplete":
		return IntentIncomplete{ClientSecret: r.ClientSecret, SubscriptionID: r.StripeSubscriptionID}, nil
	}
	return nil, fmt.Errorf("%w: status %q", ErrUnexpectedResponse, r.Status)
}

// Response renders an Intent back into its wire shape.
func Response(i Intent) IntentResponse {
	switch v := i.(type) {
	case IntentActive:
		return IntentResponse{Status: string(v.Status), StripeSubscriptionID: v.SubscriptionID}
	case IntentRequiresPayment:
		return IntentResponse{Status: "requires_payment", ClientSecret: v.ClientSecret, StripeSubscriptionID: v.SubscriptionID}
	case IntentIncomplete:
		return IntentResponse{Status: "incomplete", ClientSecret: v.ClientSecret, StripeSubscriptionID: v.SubscriptionID}
	}
	return IntentResponse{}
}

// UnlockIntent is the backend's answer to POST unlock-attempt.
type UnlockIntent struct {
	AttemptID       uuid.UUID `json:"attempt_id"`
	ContentID       string    `json:"content_id"`
	AttemptDate     string    `json:"attempt_date"`
	Status          string    `json:"status"`
	ClientSecret    string    `json:"client_secret"`
	PaymentIntentID string    `json:"payment_intent_id,omitempty"`
}

// Outcome is the processor's verdict on a payment confirmation.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeProcessing Outcome = "processing"
	OutcomeDeclined   Outcome = "declined"
)

// Confirmation is returned by a PaymentConfirmer.
type Confirmation struct {
	Outcome         Outcome `json:"outcome"`
	PaymentIntentID string  `json:"payment_intent_id,omitempty"`
	DeclineReason   string  `json:"decline_reason,omitempty"`
}

// Result is returned by ConfirmPayment.
type Result struct {
	Status          Status
	Outcome         Outcome
	PaymentIntentID string
}
