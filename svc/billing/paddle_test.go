package billing_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/svc/billing"
)

type fakeTransactions struct {
	mu  sync.Mutex
	req *paddle.CreateTransactionRequest
	url string
	err error
}

func (f *fakeTransactions) CreateTransaction(_ context.Context, req *paddle.CreateTransactionRequest) (*paddle.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	tx := &paddle.Transaction{ID: "txn_01"}
	if f.url != "" {
		tx.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(f.url)}
	}
	return tx, nil
}

type fakeVerifier struct {
	ok  bool
	err error
}

func (v fakeVerifier) Verify(req *http.Request) (bool, error) {
	if req.Header.Get(billing.PaddleSignatureHeader) == "" {
		return false, nil
	}
	return v.ok, v.err
}

var paddlePrices = map[string]string{"pro": "pri_pro", "team": "pri_team"}

func newPaddleProvider(t *testing.T, tx *fakeTransactions, v fakeVerifier) *billing.PaddleProvider {
	t.Helper()
	p, err := billing.NewPaddleProvider(billing.PaddleConfig{
		ClientToken: "test_client_token",
		Environment: "sandbox",
		PriceIDs:    paddlePrices,
	}, tier.DefaultCatalog(), billing.WithPaddleTransactions(tx), billing.WithPaddleVerifier(v))
	require.NoError(t, err)
	return p
}

func TestNewPaddleProvider(t *testing.T) {
	t.Parallel()

	_, err := billing.NewPaddleProvider(billing.PaddleConfig{}, tier.DefaultCatalog())
	assert.ErrorIs(t, err, billing.ErrPaddleDisabled)

	_, err = billing.NewPaddleProvider(billing.PaddleConfig{PriceIDs: map[string]string{"gold": "pri_gold"}},
		tier.DefaultCatalog(), billing.WithPaddleTransactions(&fakeTransactions{}))
	assert.ErrorIs(t, err, tier.ErrUnknownTier)

	_, err = billing.NewPaddleProvider(billing.PaddleConfig{APIKey: "key", Environment: "staging"}, tier.DefaultCatalog())
	assert.Error(t, err)
}

func TestPaddleProvider_CreateCheckout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	userID := uuid.New()

	tx := &fakeTransactions{url: "https://pay.example.com/txn_01"}
	p := newPaddleProvider(t, tx, fakeVerifier{ok: true})
	assert.Equal(t, "test_client_token", p.PublishableKey())

	url, err := p.CreateCheckout(ctx, billing.CheckoutRequest{UserID: userID, Tier: tier.Pro, SuccessURL: "https://app.example.com/ok"})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/txn_01", url)

	require.NotNil(t, tx.req)
	assert.Equal(t, userID.String(), tx.req.CustomData["user_id"])
	assert.Equal(t, "pro", tx.req.CustomData["tier"])
	assert.Len(t, tx.req.Items, 1)

	_, err = p.CreateCheckout(ctx, billing.CheckoutRequest{UserID: userID, Tier: tier.Business})
	assert.Error(t, err, "no paddle price for business")

	tx.url = ""
	_, err = p.CreateCheckout(ctx, billing.CheckoutRequest{UserID: userID, Tier: tier.Team})
	assert.Error(t, err)

	tx.err = errors.New("paddle is down")
	_, err = p.CreateCheckout(ctx, billing.CheckoutRequest{UserID: userID, Tier: tier.Team})
	assert.Error(t, err)
}

func paddleHeader() http.Header {
	h := http.Header{}
	h.Set(billing.PaddleSignatureHeader, "ts=1;h1=abc")
	return h
}

func TestPaddleProvider_ParseWebhook(t *testing.T) {
	t.Parallel()
	userID := uuid.New()
	p := newPaddleProvider(t, &fakeTransactions{}, fakeVerifier{ok: true})

	t.Run("subscription updated", func(t *testing.T) {
		payload := []byte(`{"event_id":"evt_01","event_type":"subscription.updated","occurred_at":"2025-03-10T12:00:00Z",
			"data":{"id":"sub_01","status":"active","customer_id":"ctm_01","custom_data":{"user_id":"` + userID.String() + `"},
			"items":[{"price":{"id":"pri_team"}}],"current_billing_period":{"ends_at":"2025-04-10T12:00:00Z"}}}`)

		ev, err := p.ParseWebhook(payload, paddleHeader())
		require.NoError(t, err)
		assert.Equal(t, "evt_01", ev.ID)
		assert.Equal(t, reconcile.ProviderPaddle, ev.Provider)
		assert.False(t, ev.Livemode)
		assert.Equal(t, t0, ev.OccurredAt)

		end := time.Date(2025, 4, 10, 12, 0, 0, 0, time.UTC)
		assert.Equal(t, reconcile.SubscriptionChanged{
			UserID:         userID,
			Tier:           tier.Team,
			Status:         entitlement.StatusActive,
			PeriodEnd:      &end,
			CustomerID:     "ctm_01",
			SubscriptionID: "sub_01",
		}, ev.Mutation)
	})

	t.Run("past due", func(t *testing.T) {
		payload := []byte(`{"event_id":"evt_02","event_type":"subscription.past_due","occurred_at":"2025-03-10T12:00:00Z",
			"data":{"id":"sub_01","status":"past_due","custom_data":{"user_id":"` + userID.String() + `","tier":"pro"},
			"items":[{"price":{"id":"pri_unknown"}}]}}`)
		ev, err := p.ParseWebhook(payload, paddleHeader())
		require.NoError(t, err)
		m, ok := ev.Mutation.(reconcile.SubscriptionChanged)
		require.True(t, ok)
		assert.Equal(t, tier.Pro, m.Tier)
		assert.Equal(t, entitlement.StatusPastDue, m.Status)
	})

	t.Run("canceled", func(t *testing.T) {
		payload := []byte(`{"event_id":"evt_03","event_type":"subscription.canceled","occurred_at":"2025-03-10T12:00:00Z",
			"data":{"id":"sub_01","status":"canceled","custom_data":{"user_id":"` + userID.String() + `"}}}`)
		ev, err := p.ParseWebhook(payload, paddleHeader())
		require.NoError(t, err)
		assert.Equal(t, reconcile.SubscriptionCanceled{UserID: userID, SubscriptionID: "sub_01"}, ev.Mutation)
	})

	t.Run("ignored", func(t *testing.T) {
		for _, payload := range []string{
			`{"event_id":"evt_04","event_type":"transaction.completed","occurred_at":"2025-03-10T12:00:00Z","data":{}}`,
			`{"event_id":"evt_05","event_type":"subscription.updated","occurred_at":"2025-03-10T12:00:00Z","data":{"id":"sub_02","status":"active"}}`,
		} {
			ev, err := p.ParseWebhook([]byte(payload), paddleHeader())
			require.NoError(t, err)
			assert.IsType(t, reconcile.Ignored{}, ev.Mutation)
		}
	})

	t.Run("invalid payload", func(t *testing.T) {
		_, err := p.ParseWebhook([]byte(`{"event_type":"subscription.updated"}`), paddleHeader())
		assert.ErrorIs(t, err, billing.ErrInvalidPayload)

		_, err = p.ParseWebhook([]byte(`not json`), paddleHeader())
		assert.ErrorIs(t, err, billing.ErrInvalidPayload)
	})

	t.Run("bad signature", func(t *testing.T) {
		_, err := p.ParseWebhook([]byte(`{}`), http.Header{})
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)

		rejecting := newPaddleProvider(t, &fakeTransactions{}, fakeVerifier{err: errors.New("malformed header")})
		_, err = rejecting.ParseWebhook([]byte(`{}`), paddleHeader())
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})
}
