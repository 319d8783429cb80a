package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/paygate/pkg/checkout"
	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/pkg/unlock"
	"github.com/dmitrymomot/paygate/svc/billing"
)

func TestService_PublishableKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key, err := f.svc.PublishableKey()
	require.NoError(t, err)
	assert.Equal(t, "pk_test_123", key)

	f.pay.key = "sk_live_oops"
	_, err = f.svc.PublishableKey()
	assert.ErrorIs(t, err, checkout.ErrProviderUnconfigured)

	bare := billing.NewService(f.resolver, f.tracker, entitlement.NewStaticRules(), f.intents, f.customers)
	_, err = bare.PublishableKey()
	assert.ErrorIs(t, err, checkout.ErrProviderUnconfigured)
	_, err = bare.SubscriptionIntent(context.Background(), uuid.New(), "", "pro")
	assert.ErrorIs(t, err, checkout.ErrProviderUnconfigured)
	_, err = bare.UnlockAttempt(context.Background(), uuid.New(), "", "single")
	assert.ErrorIs(t, err, checkout.ErrProviderUnconfigured)
	_, err = bare.Checkout(context.Background(), uuid.New(), "", "pro", "https://a.example/ok", "https://a.example/no")
	assert.ErrorIs(t, err, checkout.ErrProviderUnconfigured)
}

func TestNewService_PanicsOnMissingDependencies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.Panics(t, func() { billing.NewService(nil, f.tracker, entitlement.NewStaticRules(), f.intents, f.customers) })
	assert.Panics(t, func() { billing.NewService(f.resolver, f.tracker, nil, f.intents, f.customers) })
	assert.Panics(t, func() { billing.NewService(f.resolver, f.tracker, entitlement.NewStaticRules(), nil, f.customers) })
}

func TestService_SubscriptionIntent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rejects unknown and free tiers", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.svc.SubscriptionIntent(ctx, uuid.New(), "", "platinum")
		assert.ErrorIs(t, err, tier.ErrUnknownTier)

		_, err = f.svc.SubscriptionIntent(ctx, uuid.New(), "", "free")
		assert.ErrorIs(t, err, checkout.ErrInvalidTarget)

		_, subs, _ := f.pay.counts()
		assert.Zero(t, subs)
	})

	t.Run("creates one intent and reuses it", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		intent, err := f.svc.SubscriptionIntent(ctx, userID, "a@example.com", "Pro")
		require.NoError(t, err)
		rp, ok := intent.(checkout.IntentRequiresPayment)
		require.True(t, ok, "got %T", intent)
		assert.Equal(t, "pi_sub_secret_abc", rp.ClientSecret)
		assert.Equal(t, "sub_1", rp.SubscriptionID)

		again, err := f.svc.SubscriptionIntent(ctx, userID, "a@example.com", "pro")
		require.NoError(t, err)
		assert.Equal(t, intent, again)

		customers, subs, _ := f.pay.counts()
		assert.Equal(t, 1, customers)
		assert.Equal(t, 1, subs)

		req := f.pay.subscriptions[0]
		assert.Equal(t, tier.Pro, req.Tier)
		assert.Equal(t, "price_pro_monthly", req.PriceID)
		assert.Equal(t, 14, req.TrialDays)
		assert.NotEmpty(t, req.IdempotencyKey)

		c, err := f.customers.Customer(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", c.Email)

		rec, err := f.intents.ByProviderID(ctx, "pi_sub")
		require.NoError(t, err)
		assert.Equal(t, userID, rec.UserID)
		assert.Equal(t, t0.Add(23*time.Hour), rec.ExpiresAt)
	})

	t.Run("expired intent is replaced", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, billing.WithIntentTTL(time.Hour))
		userID := uuid.New()

		_, err := f.svc.SubscriptionIntent(ctx, userID, "", "pro")
		require.NoError(t, err)
		f.clock.Advance(2 * time.Hour)
		_, err = f.svc.SubscriptionIntent(ctx, userID, "", "pro")
		require.NoError(t, err)

		customers, subs, _ := f.pay.counts()
		assert.Equal(t, 1, customers, "customer is reused")
		assert.Equal(t, 2, subs)
		assert.NotEqual(t, f.pay.subscriptions[0].IdempotencyKey, f.pay.subscriptions[1].IdempotencyKey)
	})

	t.Run("already entitled user short-circuits", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()
		f.subscribe(userID, tier.Team, entitlement.StatusActive)

		intent, err := f.svc.SubscriptionIntent(ctx, userID, "", "pro")
		require.NoError(t, err)
		active, ok := intent.(checkout.IntentActive)
		require.True(t, ok)
		assert.Equal(t, entitlement.StatusActive, active.Status)

		_, subs, _ := f.pay.counts()
		assert.Zero(t, subs)
	})

	t.Run("past due user may pay again", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()
		f.subscribe(userID, tier.Pro, entitlement.StatusPastDue)

		intent, err := f.svc.SubscriptionIntent(ctx, userID, "", "pro")
		require.NoError(t, err)
		assert.IsType(t, checkout.IntentRequiresPayment{}, intent)
	})

	t.Run("trialing subscription needs no payment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.pay.subResult = billing.SubscriptionResult{SubscriptionID: "sub_t", Status: "trialing"}

		intent, err := f.svc.SubscriptionIntent(ctx, uuid.New(), "", "team")
		require.NoError(t, err)
		assert.Equal(t, checkout.IntentActive{Status: entitlement.StatusTrialing, SubscriptionID: "sub_t"}, intent)
	})

	t.Run("processor failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.pay.subErr = errors.New("card network down")

		_, err := f.svc.SubscriptionIntent(ctx, uuid.New(), "", "pro")
		assert.ErrorIs(t, err, checkout.ErrIntentCreationFailed)
	})

	t.Run("unexpected status", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.pay.subResult = billing.SubscriptionResult{SubscriptionID: "sub_x", Status: "incomplete_expired"}

		_, err := f.svc.SubscriptionIntent(ctx, uuid.New(), "", "pro")
		assert.ErrorIs(t, err, checkout.ErrIntentCreationFailed)
	})
}

func TestService_UnlockAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("once per day", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		intent, err := f.svc.UnlockAttempt(ctx, userID, "", "report-1")
		require.NoError(t, err)
		assert.Equal(t, "report-1", intent.ContentID)
		assert.Equal(t, "2025-03-10", intent.AttemptDate)
		assert.Equal(t, string(unlock.StatusCreated), intent.Status)
		assert.Equal(t, "pi_1_secret_xyz", intent.ClientSecret)
		assert.Equal(t, "pi_1", intent.PaymentIntentID)

		req := f.pay.payments[0]
		assert.Equal(t, tier.Money{Amount: 499, Currency: "USD"}, req.Amount)
		assert.Equal(t, "unlock:"+intent.AttemptID.String(), req.IdempotencyKey)
		assert.Equal(t, intent.AttemptID, req.AttemptID)

		_, err = f.svc.UnlockAttempt(ctx, userID, "", "report-1")
		assert.ErrorIs(t, err, unlock.ErrAlreadyAttemptedToday)

		f.clock.Advance(24 * time.Hour)
		_, err = f.svc.UnlockAttempt(ctx, userID, "", "report-1")
		assert.NoError(t, err, "a new day opens a new slot")
	})

	t.Run("content that cannot be bought", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.svc.UnlockAttempt(ctx, uuid.New(), "", "premium")
		assert.ErrorIs(t, err, billing.ErrNotUnlockable)
		_, err = f.svc.UnlockAttempt(ctx, uuid.New(), "", "no-such-content")
		assert.ErrorIs(t, err, billing.ErrNotUnlockable)
		_, err = f.svc.UnlockAttempt(ctx, uuid.New(), "", "  ")
		assert.ErrorIs(t, err, unlock.ErrInvalidContent)

		_, _, payments := f.pay.counts()
		assert.Zero(t, payments)
	})

	t.Run("failed payment creation frees the slot", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()
		f.pay.payErr = errors.New("boom")

		_, err := f.svc.UnlockAttempt(ctx, userID, "", "single")
		assert.ErrorIs(t, err, checkout.ErrIntentCreationFailed)

		f.pay.payErr = nil
		intent, err := f.svc.UnlockAttempt(ctx, userID, "", "single")
		require.NoError(t, err)
		assert.NotEmpty(t, intent.ClientSecret)
	})

	t.Run("already unlocked", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		userID := uuid.New()

		intent, err := f.svc.UnlockAttempt(ctx, userID, "", "single")
		require.NoError(t, err)
		_, err = f.tracker.MarkSucceeded(ctx, intent.AttemptID, intent.PaymentIntentID)
		require.NoError(t, err)

		f.clock.Advance(48 * time.Hour)
		_, err = f.svc.UnlockAttempt(ctx, userID, "", "single")
		assert.ErrorIs(t, err, unlock.ErrAlreadyUnlocked)
	})
}

func TestService_Confirm(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, uuid.UUID, checkout.UnlockIntent) {
		t.Helper()
		f := newFixture(t)
		userID := uuid.New()
		intent, err := f.svc.UnlockAttempt(ctx, userID, "", "single")
		require.NoError(t, err)
		return f, userID, intent
	}

	t.Run("succeeds", func(t *testing.T) {
		t.Parallel()
		f, userID, intent := setup(t)

		conf, err := f.svc.Confirm(ctx, userID, intent.ClientSecret, "pm_card_visa")
		require.NoError(t, err)
		assert.Equal(t, checkout.OutcomeSucceeded, conf.Outcome)
		assert.Equal(t, []string{"pi_1"}, f.pay.confirmed)

		a, err := f.tracker.Get(ctx, intent.AttemptID)
		require.NoError(t, err)
		assert.Equal(t, unlock.StatusCreated, a.Status, "only the webhook grants")
	})

	t.Run("declined", func(t *testing.T) {
		t.Parallel()
		f, userID, intent := setup(t)
		f.pay.confirmation = checkout.Confirmation{Outcome: checkout.OutcomeDeclined, DeclineReason: "insufficient_funds"}

		conf, err := f.svc.Confirm(ctx, userID, intent.ClientSecret, "pm_card_visa")
		assert.ErrorIs(t, err, checkout.ErrPaymentDeclined)
		assert.Equal(t, "insufficient_funds", conf.DeclineReason)
	})

	t.Run("validates input and ownership", func(t *testing.T) {
		t.Parallel()
		f, userID, intent := setup(t)

		_, err := f.svc.Confirm(ctx, userID, intent.ClientSecret, "")
		assert.ErrorIs(t, err, checkout.ErrMissingPaymentMethod)
		_, err = f.svc.Confirm(ctx, userID, "garbage", "pm_1")
		assert.ErrorIs(t, err, billing.ErrInvalidClientSecret)
		_, err = f.svc.Confirm(ctx, userID, "pi_404_secret_x", "pm_1")
		assert.ErrorIs(t, err, billing.ErrIntentNotFound)
		_, err = f.svc.Confirm(ctx, uuid.New(), intent.ClientSecret, "pm_1")
		assert.ErrorIs(t, err, billing.ErrIntentNotFound)
		_, err = f.svc.Confirm(ctx, userID, "pi_1_secret_forged", "pm_1")
		assert.ErrorIs(t, err, billing.ErrIntentNotFound)

		assert.Empty(t, f.pay.confirmed)
	})

	t.Run("processor error", func(t *testing.T) {
		t.Parallel()
		f, userID, intent := setup(t)
		f.pay.confirmErr = errors.New("timeout")

		_, err := f.svc.Confirm(ctx, userID, intent.ClientSecret, "pm_1")
		assert.ErrorIs(t, err, checkout.ErrConfirmationFailed)
	})
}

func TestService_Checkout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const ok, cancel = "https://app.example.com/billing/ok", "https://app.example.com/billing"

	f := newFixture(t)
	userID := uuid.New()

	_, err := f.svc.Checkout(ctx, userID, "", "pro", "/relative", cancel)
	assert.ErrorIs(t, err, checkout.ErrInvalidRedirectURL)
	_, err = f.svc.Checkout(ctx, userID, "", "pro", ok, "not a url")
	assert.ErrorIs(t, err, checkout.ErrInvalidRedirectURL)

	_, err = f.svc.SubscriptionIntent(ctx, userID, "u@example.com", "pro")
	require.NoError(t, err)

	url, err := f.svc.Checkout(ctx, userID, "u@example.com", "business", ok, cancel)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example.com/business", url)
	require.Len(t, f.hosted.reqs, 1)
	assert.Equal(t, "price_business_monthly", f.hosted.reqs[0].PriceID)
	assert.NotEmpty(t, f.hosted.reqs[0].CustomerID, "existing customer is reused")

	f.subscribe(userID, tier.Business, entitlement.StatusActive)
	_, err = f.svc.Checkout(ctx, userID, "", "pro", ok, cancel)
	assert.ErrorIs(t, err, billing.ErrAlreadySubscribed)

	f.hosted.err = errors.New("down")
	_, err = f.svc.Checkout(ctx, userID, "", "enterprise", ok, cancel)
	assert.ErrorIs(t, err, checkout.ErrIntentCreationFailed)
}

func TestService_Access(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, billing.WithMaxContentIDs(3))
	userID := uuid.New()

	_, err := f.svc.Access(ctx, userID, nil)
	assert.ErrorIs(t, err, billing.ErrNoContentIDs)
	_, err = f.svc.Access(ctx, userID, []string{"a", "b", "c", "d"})
	assert.ErrorIs(t, err, billing.ErrTooManyContentIDs)

	decisions, err := f.svc.Access(ctx, userID, []string{"free-post", "report-1", "single"})
	require.NoError(t, err)
	assert.True(t, decisions["free-post"].Accessible)
	assert.Equal(t, entitlement.ReasonRequiresTier, decisions["report-1"].Reason)
	assert.Equal(t, entitlement.ReasonRequiresUnlock, decisions["single"].Reason)

	f.subscribe(userID, tier.Pro, entitlement.StatusActive)
	decisions, err = f.svc.Access(ctx, userID, []string{"report-1"})
	require.NoError(t, err)
	assert.Equal(t, entitlement.ReasonTierSufficient, decisions["report-1"].Reason)
}

func TestService_Sweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, billing.WithIntentTTL(time.Hour))
	userID := uuid.New()

	intent, err := f.svc.UnlockAttempt(ctx, userID, "", "single")
	require.NoError(t, err)

	f.clock.Advance(3 * time.Hour)
	require.NoError(t, f.svc.Sweep(ctx, 2*time.Hour))

	a, err := f.tracker.Get(ctx, intent.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, unlock.StatusCanceled, a.Status)
	assert.Equal(t, []string{intent.PaymentIntentID}, f.pay.canceledIDs(), "the payment is voided before the attempt")

	_, err = f.intents.ByProviderID(ctx, intent.PaymentIntentID)
	assert.ErrorIs(t, err, billing.ErrIntentNotFound)

	// a late success for the swept attempt never grants
	err = f.reconciler.Apply(ctx, reconcile.Event{
		ID:       "evt_late",
		Type:     "payment_intent.succeeded",
		Provider: reconcile.ProviderStripe,
		Mutation: reconcile.UnlockPaid{AttemptID: intent.AttemptID, PaymentID: intent.PaymentIntentID},
	})
	assert.ErrorIs(t, err, reconcile.ErrWebhookApplyFailed)
	owned, err := f.tracker.UnlockedContent(ctx, userID, []string{"single"})
	require.NoError(t, err)
	assert.False(t, owned["single"])
}

func TestService_SweepKeepsPaidAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	userID := uuid.New()
	intent, err := f.svc.UnlockAttempt(ctx, userID, "", "single")
	require.NoError(t, err)

	f.pay.mu.Lock()
	f.pay.cancelErr = billing.ErrPaymentNotVoidable
	f.pay.mu.Unlock()

	f.clock.Advance(3 * time.Hour)
	require.NoError(t, f.svc.Sweep(ctx, 2*time.Hour))

	a, err := f.tracker.Get(ctx, intent.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, unlock.StatusCreated, a.Status)

	require.NoError(t, f.reconciler.Apply(ctx, reconcile.Event{
		ID:       "evt_paid",
		Type:     "payment_intent.succeeded",
		Provider: reconcile.ProviderStripe,
		Mutation: reconcile.UnlockPaid{AttemptID: intent.AttemptID, PaymentID: intent.PaymentIntentID},
	}))
	owned, err := f.tracker.UnlockedContent(ctx, userID, []string{"single"})
	require.NoError(t, err)
	assert.True(t, owned["single"], "a payment that settles after the sweep still grants")
}

type failingIntents struct{ *billing.MemoryIntents }

func (failingIntents) Save(context.Context, billing.IntentRecord) error {
	return errors.New("database is down")
}

func TestService_UnlockAttemptIntentNotSaved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	svc := billing.NewService(f.resolver, f.tracker, entitlement.NewStaticRules(testRules...),
		failingIntents{billing.NewMemoryIntents()}, f.customers, billing.WithPayments(f.pay), billing.WithClock(f.clock.Now))
	userID := uuid.New()

	_, err := svc.UnlockAttempt(ctx, userID, "", "single")
	require.ErrorIs(t, err, checkout.ErrIntentCreationFailed)
	assert.Equal(t, []string{"pi_1"}, f.pay.canceledIDs())

	_, err = svc.UnlockAttempt(ctx, userID, "", "single")
	assert.ErrorIs(t, err, checkout.ErrIntentCreationFailed)
	assert.NotErrorIs(t, err, unlock.ErrAlreadyAttemptedToday, "the slot was released")
}
