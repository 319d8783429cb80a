package billing_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dmitrymomot/paygate/pkg/checkout"
	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/pkg/unlock"
	"github.com/dmitrymomot/paygate/svc/billing"
)

const testWebhookSecret = "whsec_test_123"

// stripeAPI records form posts and answers with canned objects.
type stripeAPI struct {
	mu    sync.Mutex
	forms map[string]map[string]string
	keys  map[string]string
}

func (s *stripeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.mu.Lock()
	form := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}
	s.forms[r.URL.Path] = form
	s.keys[r.URL.Path] = r.Header.Get("Idempotency-Key")
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/v1/customers":
		fmt.Fprint(w, `{"id":"cus_1","object":"customer"}`)
	case "/v1/subscriptions":
		fmt.Fprint(w, `{"id":"sub_1","object":"subscription","status":"incomplete",
			"latest_invoice":{"id":"in_1","object":"invoice","confirmation_secret":{"client_secret":"pi_9_secret_inv"}}}`)
	case "/v1/payment_intents":
		fmt.Fprint(w, `{"id":"pi_2","object":"payment_intent","status":"requires_payment_method","client_secret":"pi_2_secret_b"}`)
	case "/v1/payment_intents/pi_2/confirm":
		if form["payment_method"] == "pm_card_declined" {
			w.WriteHeader(http.StatusPaymentRequired)
			fmt.Fprint(w, `{"error":{"type":"card_error","code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`)
			return
		}
		fmt.Fprint(w, `{"id":"pi_2","object":"payment_intent","status":"succeeded"}`)
	case "/v1/payment_intents/pi_3/confirm":
		fmt.Fprint(w, `{"id":"pi_3","object":"payment_intent","status":"requires_action"}`)
	case "/v1/payment_intents/pi_2/cancel":
		fmt.Fprint(w, `{"id":"pi_2","object":"payment_intent","status":"canceled"}`)
	case "/v1/payment_intents/pi_4/cancel", "/v1/payment_intents/pi_5/cancel":
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state","message":"This PaymentIntent's status is succeeded."}}`)
	case "/v1/payment_intents/pi_4":
		fmt.Fprint(w, `{"id":"pi_4","object":"payment_intent","status":"succeeded"}`)
	case "/v1/payment_intents/pi_5":
		fmt.Fprint(w, `{"id":"pi_5","object":"payment_intent","status":"canceled"}`)
	case "/v1/checkout/sessions":
		fmt.Fprint(w, `{"id":"cs_1","object":"checkout.session","url":"https://checkout.stripe.com/c/cs_1"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"unknown path"}}`)
	}
}

func (s *stripeAPI) form(path string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forms[path]
}

func (s *stripeAPI) idempotencyKey(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys[path]
}

func newStripeProvider(t *testing.T) (*billing.StripeProvider, *stripeAPI) {
	t.Helper()
	api := &stripeAPI{forms: map[string]map[string]string{}, keys: map[string]string{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	p, err := billing.NewStripeProvider(billing.StripeConfig{
		SecretKey:      "sk_test_123",
		PublishableKey: "pk_test_123",
		WebhookSecret:  testWebhookSecret,
		BaseURL:        srv.URL,
	}, tier.DefaultCatalog(), billing.WithStripeHTTPClient(srv.Client()))
	require.NoError(t, err)
	return p, api
}

func TestNewStripeProvider_Disabled(t *testing.T) {
	t.Parallel()
	_, err := billing.NewStripeProvider(billing.StripeConfig{}, tier.DefaultCatalog())
	assert.ErrorIs(t, err, billing.ErrStripeDisabled)
}

func TestStripeProvider_API(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, api := newStripeProvider(t)
	userID := uuid.New()

	assert.Equal(t, "pk_test_123", p.PublishableKey())

	t.Run("create customer", func(t *testing.T) {
		id, err := p.CreateCustomer(ctx, userID, "user@example.com")
		require.NoError(t, err)
		assert.Equal(t, "cus_1", id)

		form := api.form("/v1/customers")
		assert.Equal(t, "user@example.com", form["email"])
		assert.Equal(t, userID.String(), form["metadata[user_id]"])
		assert.Equal(t, "customer:"+userID.String(), api.idempotencyKey("/v1/customers"))
	})

	t.Run("create subscription", func(t *testing.T) {
		res, err := p.CreateSubscription(ctx, billing.SubscriptionRequest{
			UserID:         userID,
			CustomerID:     "cus_1",
			Tier:           tier.Pro,
			PriceID:        "price_pro_monthly",
			TrialDays:      14,
			IdempotencyKey: "sub-key",
		})
		require.NoError(t, err)
		assert.Equal(t, billing.SubscriptionResult{SubscriptionID: "sub_1", Status: "incomplete", ClientSecret: "pi_9_secret_inv"}, res)

		form := api.form("/v1/subscriptions")
		assert.Equal(t, "price_pro_monthly", form["items[0][price]"])
		assert.Equal(t, "default_incomplete", form["payment_behavior"])
		assert.Equal(t, "14", form["trial_period_days"])
		assert.Equal(t, "pro", form["metadata[tier]"])
		assert.Equal(t, "sub-key", api.idempotencyKey("/v1/subscriptions"))
	})

	t.Run("create payment", func(t *testing.T) {
		attemptID := uuid.New()
		res, err := p.CreatePayment(ctx, billing.PaymentRequest{
			UserID:    userID,
			AttemptID: attemptID,
			ContentID: "report-1",
			Amount:    tier.Money{Amount: 499, Currency: "USD"},
		})
		require.NoError(t, err)
		assert.Equal(t, billing.PaymentResult{PaymentIntentID: "pi_2", ClientSecret: "pi_2_secret_b"}, res)

		form := api.form("/v1/payment_intents")
		assert.Equal(t, "499", form["amount"])
		assert.Equal(t, "usd", form["currency"])
		assert.Equal(t, attemptID.String(), form["metadata[attempt_id]"])
		assert.Equal(t, "report-1", form["metadata[content_id]"])
	})

	t.Run("confirm payment", func(t *testing.T) {
		conf, err := p.ConfirmPayment(ctx, "pi_2", "pm_card_visa")
		require.NoError(t, err)
		assert.Equal(t, checkout.Confirmation{Outcome: checkout.OutcomeSucceeded, PaymentIntentID: "pi_2"}, conf)

		conf, err = p.ConfirmPayment(ctx, "pi_2", "pm_card_declined")
		require.NoError(t, err, "card errors are a declined outcome")
		assert.Equal(t, checkout.OutcomeDeclined, conf.Outcome)
		assert.Equal(t, "insufficient_funds", conf.DeclineReason)

		conf, err = p.ConfirmPayment(ctx, "pi_3", "pm_card_3ds")
		require.NoError(t, err)
		assert.Equal(t, checkout.OutcomeProcessing, conf.Outcome)

		_, err = p.ConfirmPayment(ctx, "pi_404", "pm_card_visa")
		assert.Error(t, err)
	})

	t.Run("cancel payment", func(t *testing.T) {
		require.NoError(t, p.CancelPayment(ctx, "pi_2"))
		assert.Equal(t, "abandoned", api.form("/v1/payment_intents/pi_2/cancel")["cancellation_reason"])

		assert.NoError(t, p.CancelPayment(ctx, "pi_5"), "an already canceled intent is void")

		err := p.CancelPayment(ctx, "pi_4")
		assert.ErrorIs(t, err, billing.ErrPaymentNotVoidable, "a paid intent is left to its webhook")

		assert.Error(t, p.CancelPayment(ctx, "pi_404"))
	})

	t.Run("hosted checkout", func(t *testing.T) {
		url, err := p.CreateCheckout(ctx, billing.CheckoutRequest{
			UserID:     userID,
			Email:      "user@example.com",
			Tier:       tier.Team,
			PriceID:    "price_team_monthly",
			TrialDays:  14,
			SuccessURL: "https://app.example.com/ok",
			CancelURL:  "https://app.example.com/cancel",
		})
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.stripe.com/c/cs_1", url)

		form := api.form("/v1/checkout/sessions")
		assert.Equal(t, "subscription", form["mode"])
		assert.Equal(t, "user@example.com", form["customer_email"])
		assert.Equal(t, userID.String(), form["client_reference_id"])
		assert.Equal(t, userID.String(), form["subscription_data[metadata][user_id]"])
		assert.Equal(t, "14", form["subscription_data[trial_period_days]"])
	})
}

func signedEvent(t *testing.T, secret string, event map[string]any) ([]byte, http.Header) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	h := http.Header{}
	h.Set(billing.StripeSignatureHeader, signed.Header)
	return signed.Payload, h
}

func stripeEvent(id, typ string, object map[string]any) map[string]any {
	return map[string]any{
		"id":       id,
		"object":   "event",
		"type":     typ,
		"created":  t0.Unix(),
		"livemode": false,
		"data":     map[string]any{"object": object},
	}
}

func TestStripeProvider_ParseWebhook(t *testing.T) {
	t.Parallel()
	p, _ := newStripeProvider(t)
	userID := uuid.New()
	attemptID := uuid.New()

	t.Run("subscription updated", func(t *testing.T) {
		end := t0.AddDate(0, 1, 0)
		payload, header := signedEvent(t, testWebhookSecret, stripeEvent("evt_sub", "customer.subscription.updated", map[string]any{
			"id":       "sub_1",
			"object":   "subscription",
			"customer": "cus_1",
			"status":   "active",
			"metadata": map[string]string{"user_id": userID.String()},
			"items": map[string]any{"data": []map[string]any{{
				"current_period_end": end.Unix(),
				"price":              map[string]any{"id": "price_team_monthly"},
			}}},
		}))

		ev, err := p.ParseWebhook(payload, header)
		require.NoError(t, err)
		assert.Equal(t, "evt_sub", ev.ID)
		assert.Equal(t, reconcile.ProviderStripe, ev.Provider)
		assert.Equal(t, t0, ev.OccurredAt)
		assert.Equal(t, payload, ev.Payload)

		m, ok := ev.Mutation.(reconcile.SubscriptionChanged)
		require.True(t, ok, "got %T", ev.Mutation)
		assert.Equal(t, userID, m.UserID)
		assert.Equal(t, tier.Team, m.Tier)
		assert.Equal(t, entitlement.StatusActive, m.Status)
		assert.Equal(t, "cus_1", m.CustomerID)
		require.NotNil(t, m.PeriodEnd)
		assert.Equal(t, end, *m.PeriodEnd)
	})

	t.Run("unknown price falls back to metadata tier", func(t *testing.T) {
		payload, header := signedEvent(t, testWebhookSecret, stripeEvent("evt_meta", "customer.subscription.created", map[string]any{
			"id":       "sub_2",
			"status":   "trialing",
			"metadata": map[string]string{"user_id": userID.String(), "tier": "pro"},
			"items":    map[string]any{"data": []map[string]any{{"price": map[string]any{"id": "price_legacy"}}}},
		}))
		ev, err := p.ParseWebhook(payload, header)
		require.NoError(t, err)
		m, ok := ev.Mutation.(reconcile.SubscriptionChanged)
		require.True(t, ok)
		assert.Equal(t, tier.Pro, m.Tier)
		assert.Equal(t, entitlement.StatusTrialing, m.Status)
		assert.Nil(t, m.PeriodEnd)
	})

	t.Run("incomplete subscription is ignored", func(t *testing.T) {
		payload, header := signedEvent(t, testWebhookSecret, stripeEvent("evt_inc", "customer.subscription.created", map[string]any{
			"id":       "sub_3",
			"status":   "incomplete",
			"metadata": map[string]string{"user_id": userID.String()},
			"items":    map[string]any{"data": []map[string]any{{"price": map[string]any{"id": "price_pro_monthly"}}}},
		}))
		ev, err := p.ParseWebhook(payload, header)
		require.NoError(t, err)
		assert.IsType(t, reconcile.Ignored{}, ev.Mutation)
	})

	t.Run("subscription deleted", func(t *testing.T) {
		payload, header := signedEvent(t, testWebhookSecret, stripeEvent("evt_del", "customer.subscription.deleted", map[string]any{
			"id":       "sub_1",
			"status":   "canceled",
			"metadata": map[string]string{"user_id": userID.String()},
		}))
		ev, err := p.ParseWebhook(payload, header)
		require.NoError(t, err)
		assert.Equal(t, reconcile.SubscriptionCanceled{UserID: userID, SubscriptionID: "sub_1"}, ev.Mutation)
	})

	t.Run("unlock payments", func(t *testing.T) {
		meta := map[string]string{"attempt_id": attemptID.String(), "user_id": userID.String()}

		payload, header := signedEvent(t, testWebhookSecret, stripeEvent("evt_paid", "payment_intent.succeeded", map[string]any{
			"id": "pi_2", "object": "payment_intent", "status": "succeeded", "metadata": meta,
		}))
		ev, err := p.ParseWebhook(payload, header)
		require.NoError(t, err)
		assert.Equal(t, reconcile.UnlockPaid{AttemptID: attemptID, PaymentID: "pi_2"}, ev.Mutation)

		payload, header = signedEvent(t, testWebhookSecret, stripeEvent("evt_failed", "payment_intent.payment_failed", map[string]any{
			"id": "pi_2", "object": "payment_intent", "status": "requires_payment_method", "metadata": meta,
		}))
		ev, err = p.ParseWebhook(payload, header)
		require.NoError(t, err)
		assert.IsType(t, reconcile.Ignored{}, ev.Mutation, "a failed charge can still be retried")

		payload, header = signedEvent(t, testWebhookSecret, stripeEvent("evt_canceled", "payment_intent.canceled", map[string]any{
			"id": "pi_2", "object": "payment_intent", "status": "canceled", "metadata": meta,
		}))
		ev, err = p.ParseWebhook(payload, header)
		require.NoError(t, err)
		assert.Equal(t, reconcile.UnlockPaymentFailed{AttemptID: attemptID}, ev.Mutation)

		payload, header = signedEvent(t, testWebhookSecret, stripeEvent("evt_invoice", "payment_intent.succeeded", map[string]any{
			"id": "pi_9", "object": "payment_intent", "status": "succeeded",
		}))
		ev, err = p.ParseWebhook(payload, header)
		require.NoError(t, err)
		assert.IsType(t, reconcile.Ignored{}, ev.Mutation)
	})

	t.Run("unhandled type", func(t *testing.T) {
		payload, header := signedEvent(t, testWebhookSecret, stripeEvent("evt_x", "invoice.created", map[string]any{"id": "in_1"}))
		ev, err := p.ParseWebhook(payload, header)
		require.NoError(t, err)
		assert.IsType(t, reconcile.Ignored{}, ev.Mutation)
	})

	t.Run("bad signatures", func(t *testing.T) {
		payload, header := signedEvent(t, "whsec_wrong", stripeEvent("evt_sub", "invoice.created", map[string]any{"id": "in_1"}))
		_, err := p.ParseWebhook(payload, header)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)

		_, err = p.ParseWebhook(payload, http.Header{})
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})
}

func TestStripeProvider_RetriedPaymentAfterFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p, _ := newStripeProvider(t)
	f := newFixture(t)

	userID := uuid.New()
	a, err := f.tracker.BeginAttempt(ctx, userID, "single")
	require.NoError(t, err)
	meta := map[string]string{"attempt_id": a.ID.String(), "user_id": userID.String()}

	payload, header := signedEvent(t, testWebhookSecret, stripeEvent("evt_declined", "payment_intent.payment_failed", map[string]any{
		"id": "pi_2", "object": "payment_intent", "status": "requires_payment_method", "metadata": meta,
	}))
	ev, err := p.ParseWebhook(payload, header)
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Apply(ctx, ev))

	payload, header = signedEvent(t, testWebhookSecret, stripeEvent("evt_retry_paid", "payment_intent.succeeded", map[string]any{
		"id": "pi_2", "object": "payment_intent", "status": "succeeded", "metadata": meta,
	}))
	ev, err = p.ParseWebhook(payload, header)
	require.NoError(t, err)
	require.NoError(t, f.reconciler.Apply(ctx, ev))

	got, err := f.tracker.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, unlock.StatusSucceeded, got.Status)
	assert.Equal(t, "pi_2", got.ProviderPaymentID)
}
