package checkout

import (
	"context"
	"strings"

	"github.com/dmitrymomot/paygate/pkg/tier"
)

// Backend is the server side of the checkout flow.
type Backend interface {
	// PublishableKey returns the processor's public key.
	PublishableKey(ctx context.Context) (string, error)
	// CreateSubscriptionIntent returns an in-flight intent for the tier, reusing
	// an existing one for the same user and tier when possible.
	CreateSubscriptionIntent(ctx context.Context, t tier.Tier) (Intent, error)
	// CreateUnlockIntent starts a one-time purchase. It fails with
	// unlock.ErrAlreadyAttemptedToday when today's slot is taken.
	CreateUnlockIntent(ctx context.Context, contentID string) (UnlockIntent, error)
	// CreateCheckout starts a hosted checkout and returns its URL.
	CreateCheckout(ctx context.Context, t tier.Tier, successURL, cancelURL string) (string, error)
}

// PaymentConfirmer submits a payment method for a client secret.
// Declines are reported with ErrPaymentDeclined or a declined Confirmation.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, clientSecret, paymentMethodID string) (Confirmation, error)
}

var keyPrefixes = []string{"pk_live_", "pk_test_", "live_", "test_"}

// ValidatePublishableKey accepts Stripe publishable keys and Paddle client tokens.
func ValidatePublishableKey(key string) error {
	key = strings.TrimSpace(key)
	for _, p := range keyPrefixes {
		if strings.HasPrefix(key, p) && len(key) > len(p) {
			return nil
		}
	}
	return ErrProviderUnconfigured
}

// PaymentIntentID extracts the intent id from a Stripe client secret
// ("pi_123_secret_abc" -> "pi_123").
func PaymentIntentID(clientSecret string) (string, bool) {
	id, _, ok := strings.Cut(clientSecret, "_secret_")
	if !ok || !strings.HasPrefix(id, "pi_") {
		return "", false
	}
	return id, true
}
