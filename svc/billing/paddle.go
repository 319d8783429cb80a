package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/tier"
)

const PaddleSignatureHeader = "Paddle-Signature"

var ErrPaddleDisabled = errors.New("paddle api key is not configured")

type paddleTransactions interface {
	CreateTransaction(ctx context.Context, req *paddle.CreateTransactionRequest) (*paddle.Transaction, error)
}

type paddleVerifier interface {
	Verify(req *http.Request) (bool, error)
}

// PaddleProvider implements HostedCheckout and WebhookParser for Paddle Billing.
type PaddleProvider struct {
	cfg          PaddleConfig
	catalog      *tier.Catalog
	transactions paddleTransactions
	verifier     paddleVerifier
	tierByPrice  map[string]tier.Tier
}

type PaddleOption func(*PaddleProvider)

// WithPaddleTransactions replaces the transactions API client, mostly for tests.
func WithPaddleTransactions(t paddleTransactions) PaddleOption {
	return func(p *PaddleProvider) { p.transactions = t }
}

// WithPaddleVerifier replaces the webhook signature verifier, mostly for tests.
func WithPaddleVerifier(v paddleVerifier) PaddleOption {
	return func(p *PaddleProvider) { p.verifier = v }
}

func NewPaddleProvider(cfg PaddleConfig, catalog *tier.Catalog, opts ...PaddleOption) (*PaddleProvider, error) {
	if catalog == nil {
		return nil, errors.New("billing: catalog is required")
	}
	p := &PaddleProvider{
		cfg:         cfg,
		catalog:     catalog,
		tierByPrice: make(map[string]tier.Tier, len(cfg.PriceIDs)),
	}
	for rawTier, priceID := range cfg.PriceIDs {
		t, err := catalog.Parse(rawTier)
		if err != nil {
			return nil, fmt.Errorf("paddle price ids: %w", err)
		}
		p.tierByPrice[priceID] = t
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.transactions == nil {
		if !cfg.Enabled() {
			return nil, ErrPaddleDisabled
		}
		var (
			client *paddle.SDK
			err    error
		)
		switch strings.ToLower(cfg.Environment) {
		case "sandbox":
			client, err = paddle.NewSandbox(cfg.APIKey)
		case "production", "":
			client, err = paddle.New(cfg.APIKey)
		default:
			return nil, fmt.Errorf("invalid paddle environment: %s", cfg.Environment)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create paddle client: %w", err)
		}
		p.transactions = client.TransactionsClient
	}
	if p.verifier == nil && cfg.WebhookSecret != "" {
		p.verifier = paddle.NewWebhookVerifier(cfg.WebhookSecret)
	}
	return p, nil
}

// PublishableKey returns the client-side token used by Paddle.js.
func (p *PaddleProvider) PublishableKey() string { return p.cfg.ClientToken }

// CreateCheckout creates a Paddle transaction and returns its checkout link.
func (p *PaddleProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	priceID := p.cfg.PriceIDs[string(req.Tier)]
	if priceID == "" {
		return "", fmt.Errorf("paddle: no price for tier %q", req.Tier)
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})
	txReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			metaUserID: req.UserID.String(),
			metaTier:   string(req.Tier),
		},
	}
	if req.SuccessURL != "" {
		txReq.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(req.SuccessURL)}
	}

	tx, err := p.transactions.CreateTransaction(ctx, txReq)
	if err != nil {
		return "", fmt.Errorf("failed to create paddle transaction: %w", err)
	}
	if tx.Checkout == nil || tx.Checkout.URL == nil || *tx.Checkout.URL == "" {
		return "", errors.New("no checkout URL returned from paddle")
	}
	return *tx.Checkout.URL, nil
}

type paddleNotification struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddleSubscription struct {
	ID         string         `json:"id"`
	Status     string         `json:"status"`
	CustomerID string         `json:"customer_id"`
	CustomData map[string]any `json:"custom_data"`
	Items      []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
	CurrentBillingPeriod *struct {
		EndsAt time.Time `json:"ends_at"`
	} `json:"current_billing_period"`
}

func (s paddleSubscription) customString(key string) string {
	v, _ := s.CustomData[key].(string)
	return v
}

func (s paddleSubscription) priceID() string {
	for _, item := range s.Items {
		if item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

// ParseWebhook verifies the Paddle-Signature header and maps subscription
// notifications to mutations.
func (p *PaddleProvider) ParseWebhook(payload []byte, header http.Header) (reconcile.Event, error) {
	if p.verifier == nil {
		return reconcile.Event{}, fmt.Errorf("%w: paddle webhook secret is not configured", ErrInvalidSignature)
	}
	req, err := http.NewRequest(http.MethodPost, "/webhooks/paddle", bytes.NewReader(payload))
	if err != nil {
		return reconcile.Event{}, err
	}
	req.Header.Set(PaddleSignatureHeader, header.Get(PaddleSignatureHeader))
	ok, err := p.verifier.Verify(req)
	if err != nil {
		return reconcile.Event{}, errors.Join(ErrInvalidSignature, err)
	}
	if !ok {
		return reconcile.Event{}, ErrInvalidSignature
	}

	var n paddleNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return reconcile.Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if n.EventID == "" {
		return reconcile.Event{}, fmt.Errorf("%w: missing event_id", ErrInvalidPayload)
	}

	m, err := p.mutation(n)
	if err != nil {
		return reconcile.Event{}, err
	}
	return reconcile.Event{
		ID:         n.EventID,
		Type:       n.EventType,
		Provider:   reconcile.ProviderPaddle,
		Livemode:   !strings.EqualFold(p.cfg.Environment, "sandbox"),
		OccurredAt: n.OccurredAt.UTC(),
		Payload:    payload,
		Mutation:   m,
	}, nil
}

func (p *PaddleProvider) mutation(n paddleNotification) (reconcile.Mutation, error) {
	if !strings.HasPrefix(n.EventType, "subscription.") {
		return reconcile.Ignored{Reason: "unhandled event type " + n.EventType}, nil
	}
	var sub paddleSubscription
	if err := json.Unmarshal(n.Data, &sub); err != nil {
		return nil, fmt.Errorf("%w: decode subscription: %v", ErrInvalidPayload, err)
	}
	userID, err := uuid.Parse(sub.customString(metaUserID))
	if err != nil || userID == uuid.Nil {
		return reconcile.Ignored{Reason: "subscription without user_id custom data"}, nil
	}

	if n.EventType == "subscription.canceled" || sub.Status == "canceled" {
		return reconcile.SubscriptionCanceled{UserID: userID, SubscriptionID: sub.ID}, nil
	}

	var status entitlement.Status
	switch sub.Status {
	case "active":
		status = entitlement.StatusActive
	case "trialing":
		status = entitlement.StatusTrialing
	case "past_due", "paused":
		status = entitlement.StatusPastDue
	default:
		return reconcile.Ignored{Reason: "subscription status " + sub.Status}, nil
	}

	t, ok := p.tierByPrice[sub.priceID()]
	if !ok {
		if t, ok = tierForPrice(p.catalog, sub.priceID(), sub.customString(metaTier)); !ok {
			return reconcile.Ignored{Reason: "unknown price " + sub.priceID()}, nil
		}
	}

	var periodEnd *time.Time
	if sub.CurrentBillingPeriod != nil && !sub.CurrentBillingPeriod.EndsAt.IsZero() {
		end := sub.CurrentBillingPeriod.EndsAt.UTC()
		periodEnd = &end
	}
	return reconcile.SubscriptionChanged{
		UserID:         userID,
		Tier:           t,
		Status:         status,
		PeriodEnd:      periodEnd,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
	}, nil
}
