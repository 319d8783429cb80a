package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"github.com/dmitrymomot/paygate/pkg/checkout"
	"github.com/dmitrymomot/paygate/pkg/logger"
	"github.com/dmitrymomot/paygate/pkg/tier"
)

var ErrStripeDisabled = errors.New("stripe secret key is not configured")

// StripeProvider implements Payments, HostedCheckout and WebhookParser on
// top of the Stripe API. It uses its own backend instead of the package-level
// stripe.Key, so several providers can coexist in one process.
type StripeProvider struct {
	cfg      StripeConfig
	catalog  *tier.Catalog
	backend  stripe.Backend
	customer customer.Client
	intents  paymentintent.Client
	sessions stripesession.Client
	logger   *slog.Logger
}

type StripeOption func(*stripeOptions)

type stripeOptions struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// WithStripeHTTPClient sets the HTTP client used for API calls.
func WithStripeHTTPClient(c *http.Client) StripeOption {
	return func(o *stripeOptions) { o.httpClient = c }
}

func WithStripeLogger(l *slog.Logger) StripeOption {
	return func(o *stripeOptions) { o.logger = l }
}

func NewStripeProvider(cfg StripeConfig, catalog *tier.Catalog, opts ...StripeOption) (*StripeProvider, error) {
	if !cfg.Enabled() {
		return nil, ErrStripeDisabled
	}
	if catalog == nil {
		return nil, errors.New("billing: catalog is required")
	}
	o := &stripeOptions{logger: logger.Discard()}
	for _, opt := range opts {
		opt(o)
	}

	bc := &stripe.BackendConfig{
		HTTPClient:        o.httpClient,
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
	}
	if cfg.BaseURL != "" {
		bc.URL = stripe.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, bc)

	return &StripeProvider{
		cfg:      cfg,
		catalog:  catalog,
		backend:  backend,
		customer: customer.Client{B: backend, Key: cfg.SecretKey},
		intents:  paymentintent.Client{B: backend, Key: cfg.SecretKey},
		sessions: stripesession.Client{B: backend, Key: cfg.SecretKey},
		logger:   o.logger,
	}, nil
}

func (p *StripeProvider) PublishableKey() string { return p.cfg.PublishableKey }

func (p *StripeProvider) CreateCustomer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{metaUserID: userID.String()},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx
	params.SetIdempotencyKey("customer:" + userID.String())

	c, err := p.customer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer: %w", err)
	}
	return c.ID, nil
}

// stripeSubscription is the part of a subscription response this service
// reads. latest_invoice is kept raw because it is an id unless expanded.
type stripeSubscription struct {
	stripe.APIResource
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	LatestInvoice json.RawMessage `json:"latest_invoice"`
}

type stripeInvoice struct {
	ConfirmationSecret *struct {
		ClientSecret string `json:"client_secret"`
	} `json:"confirmation_secret"`
	PaymentIntent json.RawMessage `json:"payment_intent"`
}

// clientSecret returns the secret of the first invoice payment, if any.
func (s stripeSubscription) clientSecret() string {
	if len(s.LatestInvoice) == 0 || !bytes.HasPrefix(bytes.TrimSpace(s.LatestInvoice), []byte("{")) {
		return ""
	}
	var inv stripeInvoice
	if err := json.Unmarshal(s.LatestInvoice, &inv); err != nil {
		return ""
	}
	if inv.ConfirmationSecret != nil && inv.ConfirmationSecret.ClientSecret != "" {
		return inv.ConfirmationSecret.ClientSecret
	}
	var pi struct {
		ClientSecret string `json:"client_secret"`
	}
	if bytes.HasPrefix(bytes.TrimSpace(inv.PaymentIntent), []byte("{")) && json.Unmarshal(inv.PaymentIntent, &pi) == nil {
		return pi.ClientSecret
	}
	return ""
}

// CreateSubscription creates an incomplete subscription whose first invoice
// the client pays with the returned secret.
func (p *StripeProvider) CreateSubscription(ctx context.Context, req SubscriptionRequest) (SubscriptionResult, error) {
	params := &stripe.SubscriptionParams{
		Customer:        stripe.String(req.CustomerID),
		Items:           []*stripe.SubscriptionItemsParams{{Price: stripe.String(req.PriceID)}},
		PaymentBehavior: stripe.String("default_incomplete"),
		PaymentSettings: &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		},
		Metadata: map[string]string{
			metaUserID: req.UserID.String(),
			metaTier:   string(req.Tier),
		},
	}
	if req.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}
	params.AddExpand("latest_invoice.confirmation_secret")
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	var sub stripeSubscription
	if err := p.backend.Call(http.MethodPost, "/v1/subscriptions", p.cfg.SecretKey, params, &sub); err != nil {
		return SubscriptionResult{}, fmt.Errorf("stripe: create subscription: %w", err)
	}
	return SubscriptionResult{
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		ClientSecret:   sub.clientSecret(),
	}, nil
}

func (p *StripeProvider) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount.Amount),
		Currency: stripe.String(strings.ToLower(req.Amount.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
		Description: stripe.String("Unlock " + req.ContentID),
		Metadata: map[string]string{
			metaUserID:    req.UserID.String(),
			metaAttemptID: req.AttemptID.String(),
			metaContentID: req.ContentID,
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := p.intents.New(params)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	return PaymentResult{PaymentIntentID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// ConfirmPayment confirms a payment intent server side. Card errors are
// reported as a declined Confirmation.
func (p *StripeProvider) ConfirmPayment(ctx context.Context, paymentIntentID, paymentMethodID string) (checkout.Confirmation, error) {
	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(paymentMethodID),
	}
	params.Context = ctx

	pi, err := p.intents.Confirm(paymentIntentID, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Type == stripe.ErrorTypeCard {
			return checkout.Confirmation{
				Outcome:         checkout.OutcomeDeclined,
				PaymentIntentID: paymentIntentID,
				DeclineReason:   declineCode(se),
			}, nil
		}
		return checkout.Confirmation{}, fmt.Errorf("stripe: confirm payment intent: %w", err)
	}
	return confirmation(pi), nil
}

func confirmation(pi *stripe.PaymentIntent) checkout.Confirmation {
	c := checkout.Confirmation{PaymentIntentID: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		c.Outcome = checkout.OutcomeSucceeded
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		c.Outcome = checkout.OutcomeDeclined
		if pi.LastPaymentError != nil {
			c.DeclineReason = declineCode(pi.LastPaymentError)
		}
	default:
		// processing, requires_action, requires_capture: the webhook settles it
		c.Outcome = checkout.OutcomeProcessing
	}
	return c
}

// CancelPayment voids an unpaid payment intent so its client secret can no
// longer charge. An intent that already settled returns ErrPaymentNotVoidable.
func (p *StripeProvider) CancelPayment(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String("abandoned"),
	}
	params.Context = ctx

	_, err := p.intents.Cancel(paymentIntentID, params)
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if !errors.As(err, &se) || se.Code != stripe.ErrorCodePaymentIntentUnexpectedState {
		return fmt.Errorf("stripe: cancel payment intent: %w", err)
	}

	get := &stripe.PaymentIntentParams{}
	get.Context = ctx
	pi, err := p.intents.Get(paymentIntentID, get)
	if err != nil {
		return fmt.Errorf("stripe: get payment intent: %w", err)
	}
	if pi.Status == stripe.PaymentIntentStatusCanceled {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrPaymentNotVoidable, paymentIntentID, pi.Status)
}

func declineCode(se *stripe.Error) string {
	switch {
	case se.DeclineCode != "":
		return string(se.DeclineCode)
	case se.Code != "":
		return string(se.Code)
	}
	return se.Msg
}

// CreateCheckout creates a hosted subscription checkout session.
func (p *StripeProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	meta := map[string]string{
		metaUserID: req.UserID.String(),
		metaTier:   string(req.Tier),
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(req.PriceID),
			Quantity: stripe.Int64(1),
		}},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
		Metadata: meta,
	}
	if req.TrialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}
	switch {
	case req.CustomerID != "":
		params.Customer = stripe.String(req.CustomerID)
	case req.Email != "":
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx

	s, err := p.sessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create checkout session: %w", err)
	}
	if s.URL == "" {
		return "", errors.New("stripe: checkout session has no url")
	}
	return s.URL, nil
}
