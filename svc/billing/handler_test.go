package billing_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/paygate/pkg/checkout"
	"github.com/dmitrymomot/paygate/pkg/ratelimiter"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/pkg/unlock"
	"github.com/dmitrymomot/paygate/svc/billing"
)

type parserFunc func(payload []byte, header http.Header) (reconcile.Event, error)

func (f parserFunc) ParseWebhook(payload []byte, header http.Header) (reconcile.Event, error) {
	return f(payload, header)
}

// jsonParser treats the body as {"id","attempt_id"} and turns it into an UnlockPaid event.
var jsonParser = parserFunc(func(payload []byte, header http.Header) (reconcile.Event, error) {
	if header.Get("X-Signature") != "ok" {
		return reconcile.Event{}, billing.ErrInvalidSignature
	}
	var body struct {
		ID        string    `json:"id"`
		AttemptID uuid.UUID `json:"attempt_id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return reconcile.Event{}, errors.Join(billing.ErrInvalidPayload, err)
	}
	return reconcile.Event{
		ID:       body.ID,
		Type:     "payment_intent.succeeded",
		Provider: reconcile.ProviderStripe,
		Payload:  payload,
		Mutation: reconcile.UnlockPaid{AttemptID: body.AttemptID, PaymentID: "pi_1"},
	}, nil
})

type apiResponse struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func call(t *testing.T, h http.Handler, method, path string, userID uuid.UUID, body string, headers ...string) (int, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != uuid.Nil {
		req.Header.Set(billing.UserHeader, userID.String())
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp apiResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec.Code, resp
}

func errorCode(resp apiResponse) string {
	if resp.Error == nil {
		return ""
	}
	return resp.Error.Code
}

func TestHandler_Billing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	h := billing.NewHandler(f.svc, f.reconciler, billing.WithStripeWebhooks(jsonParser)).Handle()
	userID := uuid.New()

	t.Run("requires a user", func(t *testing.T) {
		code, resp := call(t, h, http.MethodPost, "/billing/subscription-intent", uuid.Nil, `{"tier":"pro"}`)
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.Equal(t, "unauthorized", errorCode(resp))
	})

	t.Run("stripe key", func(t *testing.T) {
		code, resp := call(t, h, http.MethodGet, "/billing/stripe-key", userID, "")
		require.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"publishable_key":"pk_test_123"}`, string(resp.Data))
	})

	t.Run("subscription intent", func(t *testing.T) {
		code, resp := call(t, h, http.MethodPost, "/billing/subscription-intent", userID, `{"tier":"pro"}`,
			billing.EmailHeader, "user@example.com")
		require.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"status":"requires_payment","client_secret":"pi_sub_secret_abc","stripe_subscription_id":"sub_1"}`, string(resp.Data))

		c, err := f.customers.Customer(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, "user@example.com", c.Email)
	})

	t.Run("unknown tier", func(t *testing.T) {
		code, resp := call(t, h, http.MethodPost, "/billing/subscription-intent", userID, `{"tier":"gold"}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "invalid_target", errorCode(resp))
	})

	t.Run("malformed body", func(t *testing.T) {
		code, resp := call(t, h, http.MethodPost, "/billing/unlock-attempt", userID, `{"content":`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "bad_request", errorCode(resp))
	})

	t.Run("unlock attempt once per day", func(t *testing.T) {
		code, resp := call(t, h, http.MethodPost, "/billing/unlock-attempt", userID, `{"content_id":"single"}`)
		require.Equal(t, http.StatusCreated, code)
		var intent checkout.UnlockIntent
		require.NoError(t, json.Unmarshal(resp.Data, &intent))
		assert.Equal(t, "single", intent.ContentID)
		assert.NotEmpty(t, intent.ClientSecret)

		code, resp = call(t, h, http.MethodPost, "/billing/unlock-attempt", userID, `{"content_id":"single"}`)
		assert.Equal(t, http.StatusConflict, code)
		assert.Equal(t, "already_attempted_today", errorCode(resp))
	})

	t.Run("declined confirmation", func(t *testing.T) {
		other := uuid.New()
		_, resp := call(t, h, http.MethodPost, "/billing/unlock-attempt", other, `{"content_id":"report-1"}`)
		var intent checkout.UnlockIntent
		require.NoError(t, json.Unmarshal(resp.Data, &intent))

		f.pay.mu.Lock()
		f.pay.confirmation = checkout.Confirmation{Outcome: checkout.OutcomeDeclined, DeclineReason: "card_declined"}
		f.pay.mu.Unlock()

		code, resp := call(t, h, http.MethodPost, "/billing/confirm", other,
			`{"client_secret":"`+intent.ClientSecret+`","payment_method_id":"pm_1"}`)
		assert.Equal(t, http.StatusPaymentRequired, code)
		assert.Equal(t, "payment_declined", errorCode(resp))
		assert.Equal(t, "card_declined", resp.Error.Message)
	})

	t.Run("access", func(t *testing.T) {
		code, resp := call(t, h, http.MethodPost, "/billing/access", userID, `{"content_ids":["free","premium"]}`)
		require.Equal(t, http.StatusOK, code)
		var decisions map[string]struct {
			Accessible   bool   `json:"accessible"`
			Reason       string `json:"reason"`
			RequiredTier string `json:"required_tier"`
		}
		require.NoError(t, json.Unmarshal(resp.Data, &decisions))
		assert.True(t, decisions["free"].Accessible)
		assert.False(t, decisions["premium"].Accessible)
		assert.Equal(t, "pro", decisions["premium"].RequiredTier)

		code, resp = call(t, h, http.MethodPost, "/billing/access", userID, `{"content_ids":[]}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "missing_content_ids", errorCode(resp))
	})

	t.Run("checkout", func(t *testing.T) {
		code, resp := call(t, h, http.MethodPost, "/billing/checkout", userID,
			`{"tier":"team","success_url":"https://app.example.com/ok","cancel_url":"https://app.example.com/cancel"}`)
		require.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"url":"https://checkout.example.com/team"}`, string(resp.Data))

		code, resp = call(t, h, http.MethodPost, "/billing/checkout", userID, `{"tier":"team","success_url":"ok","cancel_url":"no"}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "invalid_redirect_url", errorCode(resp))
	})

	t.Run("health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})
}

func TestHandler_ProviderUnconfigured(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pay.key = ""
	h := billing.NewHandler(f.svc, f.reconciler).Handle()

	code, resp := call(t, h, http.MethodGet, "/billing/stripe-key", uuid.New(), "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "provider_unconfigured", errorCode(resp))
}

func TestHandler_RateLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	store := ratelimiter.NewMemoryStore(ratelimiter.WithCleanupInterval(0))
	limiter, err := ratelimiter.NewBucket(store, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Hour})
	require.NoError(t, err)
	h := billing.NewHandler(f.svc, f.reconciler, billing.WithRateLimiter(limiter)).Handle()
	userID := uuid.New()

	code, _ := call(t, h, http.MethodPost, "/billing/subscription-intent", userID, `{"tier":"pro"}`)
	assert.Equal(t, http.StatusOK, code)

	code, resp := call(t, h, http.MethodPost, "/billing/subscription-intent", userID, `{"tier":"pro"}`)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate_limited", errorCode(resp))

	code, _ = call(t, h, http.MethodPost, "/billing/access", userID, `{"content_ids":["a"]}`)
	assert.Equal(t, http.StatusOK, code, "reads are not limited")
}

func TestHandler_Webhooks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	h := billing.NewHandler(f.svc, f.reconciler, billing.WithStripeWebhooks(jsonParser)).Handle()
	userID := uuid.New()

	intent, err := f.svc.UnlockAttempt(ctx, userID, "", "single")
	require.NoError(t, err)
	body := `{"id":"evt_1","attempt_id":"` + intent.AttemptID.String() + `"}`

	code, resp := call(t, h, http.MethodPost, "/webhooks", uuid.Nil, body, "X-Signature", "bad")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_signature", errorCode(resp))

	for range 2 {
		code, resp = call(t, h, http.MethodPost, "/webhooks", uuid.Nil, body, "X-Signature", "ok")
		require.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"received":true}`, string(resp.Data))
	}

	a, err := f.tracker.Get(ctx, intent.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, unlock.StatusSucceeded, a.Status)

	code, resp = call(t, h, http.MethodGet, "/webhooks/events/evt_1", uuid.Nil, "")
	require.Equal(t, http.StatusOK, code)
	var rec reconcile.Record
	require.NoError(t, json.Unmarshal(resp.Data, &rec))
	assert.Equal(t, reconcile.StatusProcessed, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount, "the replay did not reprocess")

	// an event that fails to apply is still acknowledged once recorded
	code, _ = call(t, h, http.MethodPost, "/webhooks", uuid.Nil, `{"id":"evt_2","attempt_id":"`+uuid.NewString()+`"}`, "X-Signature", "ok")
	assert.Equal(t, http.StatusOK, code)
	r2, err := f.reconciler.Get(ctx, "evt_2")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusFailed, r2.Status)

	code, resp = call(t, h, http.MethodGet, "/webhooks/events/evt_404", uuid.Nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "event_not_found", errorCode(resp))

	code, _ = call(t, h, http.MethodPost, "/webhooks/paddle", uuid.Nil, body)
	assert.Equal(t, http.StatusNotFound, code, "paddle is not mounted")
}

type failingEvents struct{ reconcile.EventStore }

func (failingEvents) Begin(context.Context, reconcile.Event, time.Time, time.Time) (reconcile.Record, error) {
	return reconcile.Record{}, errors.New("database is down")
}

func TestHandler_WebhookNotRecorded(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rc := reconcile.New(f.catalog, failingEvents{}, reconcile.NewMemoryEntitlements(f.snapshots), f.tracker)
	h := billing.NewHandler(f.svc, rc, billing.WithPaddleWebhooks(jsonParser)).Handle()

	code, resp := call(t, h, http.MethodPost, "/webhooks/paddle", uuid.Nil,
		`{"id":"evt_1","attempt_id":"`+uuid.NewString()+`"}`, "X-Signature", "ok")
	assert.Equal(t, http.StatusServiceUnavailable, code, "the processor must redeliver")
	assert.Equal(t, "event_not_recorded", errorCode(resp))
}

type busyLocker struct{}

func (busyLocker) Lock(context.Context, string) (func(), error) {
	return nil, context.DeadlineExceeded
}

func TestHandler_WebhookRetryLater(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	rc := reconcile.New(f.catalog, reconcile.NewMemoryEvents(), reconcile.NewMemoryEntitlements(f.snapshots), f.tracker,
		reconcile.WithLocker(busyLocker{}))
	h := billing.NewHandler(f.svc, rc, billing.WithPaddleWebhooks(jsonParser)).Handle()

	a, err := f.tracker.BeginAttempt(ctx, uuid.New(), "report-1")
	require.NoError(t, err)

	code, resp := call(t, h, http.MethodPost, "/webhooks/paddle", uuid.Nil,
		`{"id":"evt_busy","attempt_id":"`+a.ID.String()+`"}`, "X-Signature", "ok")
	assert.Equal(t, http.StatusServiceUnavailable, code, "a lock timeout is redelivered")
	assert.Equal(t, "event_retry_later", errorCode(resp))

	rec, err := rc.Get(ctx, "evt_busy")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusFailed, rec.Status)
}

func TestHTTPBackend_AgainstHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	srv := httptest.NewServer(billing.NewHandler(f.svc, f.reconciler).Handle())
	t.Cleanup(srv.Close)

	userID := uuid.New()
	backend := checkout.NewHTTPBackend(srv.URL, userID, srv.Client())

	key, err := backend.PublishableKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pk_test_123", key)

	intent, err := backend.CreateSubscriptionIntent(ctx, tier.Pro)
	require.NoError(t, err)
	assert.Equal(t, checkout.IntentRequiresPayment{ClientSecret: "pi_sub_secret_abc", SubscriptionID: "sub_1"}, intent)

	unlockIntent, err := backend.CreateUnlockIntent(ctx, "single")
	require.NoError(t, err)
	_, err = backend.CreateUnlockIntent(ctx, "single")
	assert.ErrorIs(t, err, unlock.ErrAlreadyAttemptedToday)

	conf, err := backend.ConfirmPayment(ctx, unlockIntent.ClientSecret, "pm_card_visa")
	require.NoError(t, err)
	assert.Equal(t, checkout.OutcomeSucceeded, conf.Outcome)

	url, err := backend.CreateCheckout(ctx, tier.Business, "https://app.example.com/ok", "https://app.example.com/cancel")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example.com/business", url)

	_, err = backend.CreateSubscriptionIntent(ctx, tier.Free)
	assert.ErrorIs(t, err, checkout.ErrInvalidTarget)
}
