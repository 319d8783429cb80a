package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/checkout"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/tier"
)

// Metadata keys attached to processor objects and read back from webhooks.
const (
	metaUserID    = "user_id"
	metaAttemptID = "attempt_id"
	metaContentID = "content_id"
	metaTier      = "tier"
)

type SubscriptionRequest struct {
	UserID         uuid.UUID
	CustomerID     string
	Tier           tier.Tier
	PriceID        string
	TrialDays      int
	IdempotencyKey string
}

// SubscriptionResult is the processor's view of a freshly created subscription.
type SubscriptionResult struct {
	SubscriptionID string
	Status         string // active, trialing, incomplete, ...
	ClientSecret   string // first invoice payment, empty when nothing is due
}

type PaymentRequest struct {
	UserID         uuid.UUID
	CustomerID     string
	AttemptID      uuid.UUID
	ContentID      string
	Amount         tier.Money
	IdempotencyKey string
}

type PaymentResult struct {
	PaymentIntentID string
	ClientSecret    string
}

type CheckoutRequest struct {
	UserID     uuid.UUID
	CustomerID string
	Email      string
	Tier       tier.Tier
	PriceID    string
	TrialDays  int
	SuccessURL string
	CancelURL  string
}

// Payments is an in-app payment processor: the client completes intents
// with the publishable key.
type Payments interface {
	PublishableKey() string
	CreateCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (SubscriptionResult, error)
	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	// ConfirmPayment reports declines as a declined Confirmation, not an error.
	ConfirmPayment(ctx context.Context, paymentIntentID, paymentMethodID string) (checkout.Confirmation, error)
	// CancelPayment voids an unpaid intent. Intents that are paid or being
	// paid fail with ErrPaymentNotVoidable.
	CancelPayment(ctx context.Context, paymentIntentID string) error
}

// HostedCheckout creates a processor-hosted checkout page.
type HostedCheckout interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error)
}

// WebhookParser verifies a delivery and turns it into a reconcile.Event.
// Bad signatures fail with ErrInvalidSignature.
type WebhookParser interface {
	ParseWebhook(payload []byte, header http.Header) (reconcile.Event, error)
}
