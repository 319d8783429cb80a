package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/tier"
)

// StripeSignatureHeader carries the webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

// Webhook objects are decoded into these minimal shapes rather than the SDK
// structs, so field moves between API versions only touch this file.
type stripeWebhookSubscription struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s stripeWebhookSubscription) priceID() string {
	for _, item := range s.Items.Data {
		if id := strings.TrimSpace(item.Price.ID); id != "" {
			return id
		}
	}
	return ""
}

// periodEnd reads the subscription-level field of older API versions and
// falls back to the first item.
func (s stripeWebhookSubscription) periodEnd() *time.Time {
	end := s.CurrentPeriodEnd
	if end == 0 {
		for _, item := range s.Items.Data {
			if item.CurrentPeriodEnd > 0 {
				end = item.CurrentPeriodEnd
				break
			}
		}
	}
	if end == 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

type stripeWebhookPaymentIntent struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

// ParseWebhook verifies the Stripe signature and maps the event to a mutation.
func (p *StripeProvider) ParseWebhook(payload []byte, header http.Header) (reconcile.Event, error) {
	if p.cfg.WebhookSecret == "" {
		return reconcile.Event{}, fmt.Errorf("%w: stripe webhook secret is not configured", ErrInvalidSignature)
	}
	sig := header.Get(StripeSignatureHeader)
	if strings.TrimSpace(sig) == "" {
		return reconcile.Event{}, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, StripeSignatureHeader)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, sig, p.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return reconcile.Event{}, errors.Join(ErrInvalidSignature, err)
	}
	if ev.ID == "" || ev.Data == nil {
		return reconcile.Event{}, fmt.Errorf("%w: event without id or data", ErrInvalidPayload)
	}

	m, err := p.mutation(ev)
	if err != nil {
		return reconcile.Event{}, err
	}
	return reconcile.Event{
		ID:         ev.ID,
		Type:       string(ev.Type),
		Provider:   reconcile.ProviderStripe,
		Livemode:   ev.Livemode,
		OccurredAt: time.Unix(ev.Created, 0).UTC(),
		Payload:    payload,
		Mutation:   m,
	}, nil
}

func (p *StripeProvider) mutation(ev stripe.Event) (reconcile.Mutation, error) {
	switch ev.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripeWebhookSubscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrInvalidPayload, err)
		}
		return p.subscriptionChanged(sub), nil

	case "customer.subscription.deleted":
		var sub stripeWebhookSubscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrInvalidPayload, err)
		}
		userID, ok := metadataUUID(sub.Metadata, metaUserID)
		if !ok {
			return reconcile.Ignored{Reason: "subscription without user_id metadata"}, nil
		}
		return reconcile.SubscriptionCanceled{UserID: userID, SubscriptionID: sub.ID}, nil

	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripeWebhookPaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: decode payment intent: %v", ErrInvalidPayload, err)
		}
		attemptID, ok := metadataUUID(pi.Metadata, metaAttemptID)
		if !ok {
			// subscription invoice payments are settled by subscription events
			return reconcile.Ignored{Reason: "payment intent is not an unlock"}, nil
		}
		if ev.Type == "payment_intent.succeeded" {
			return reconcile.UnlockPaid{AttemptID: attemptID, PaymentID: pi.ID}, nil
		}
		if ev.Type == "payment_intent.payment_failed" {
			// the intent goes back to requires_payment_method and can still be
			// paid with the same secret; only cancellation ends the attempt
			return reconcile.Ignored{Reason: "unlock payment failed, intent still confirmable"}, nil
		}
		return reconcile.UnlockPaymentFailed{AttemptID: attemptID}, nil
	}
	return reconcile.Ignored{Reason: "unhandled event type " + string(ev.Type)}, nil
}

func (p *StripeProvider) subscriptionChanged(sub stripeWebhookSubscription) reconcile.Mutation {
	userID, ok := metadataUUID(sub.Metadata, metaUserID)
	if !ok {
		return reconcile.Ignored{Reason: "subscription without user_id metadata"}
	}
	status, ok := stripeStatus(sub.Status)
	if !ok {
		return reconcile.Ignored{Reason: "subscription status " + sub.Status}
	}
	t, ok := tierForPrice(p.catalog, sub.priceID(), sub.Metadata[metaTier])
	if !ok {
		return reconcile.Ignored{Reason: "unknown price " + sub.priceID()}
	}
	return reconcile.SubscriptionChanged{
		UserID:         userID,
		Tier:           t,
		Status:         status,
		PeriodEnd:      sub.periodEnd(),
		CustomerID:     sub.Customer,
		SubscriptionID: sub.ID,
	}
}

// stripeStatus maps a Stripe subscription status. Incomplete subscriptions
// never granted anything and are skipped, so an abandoned upgrade cannot
// overwrite the plan the user already has.
func stripeStatus(raw string) (entitlement.Status, bool) {
	switch raw {
	case "active":
		return entitlement.StatusActive, true
	case "trialing":
		return entitlement.StatusTrialing, true
	case "past_due", "unpaid", "paused":
		return entitlement.StatusPastDue, true
	case "canceled":
		return entitlement.StatusCanceled, true
	}
	return "", false
}

// tierForPrice resolves a processor price id, falling back to the tier
// stamped into metadata at creation.
func tierForPrice(catalog *tier.Catalog, priceID, metaTier string) (tier.Tier, bool) {
	if def, ok := catalog.ByPriceID(priceID); ok {
		return def.Tier, true
	}
	if t, err := catalog.Parse(metaTier); err == nil {
		return t, true
	}
	return "", false
}

func metadataUUID(meta map[string]string, key string) (uuid.UUID, bool) {
	raw, ok := meta[key]
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
