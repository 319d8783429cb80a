package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/requestid"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/pkg/unlock"
)

// UserHeader carries the caller's identity to the billing API.
const UserHeader = "X-User-ID"

// HTTPBackend talks to the billing HTTP API. It implements Backend and PaymentConfirmer.
type HTTPBackend struct {
	baseURL string
	userID  uuid.UUID
	client  *http.Client
}

// NewHTTPBackend creates a client for baseURL acting as userID. A nil client
// gets a default one that forwards request ids.
func NewHTTPBackend(baseURL string, userID uuid.UUID, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{Transport: requestid.Transport{}}
	}
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		client:  client,
	}
}

// wire envelope, matches svc/billing responses
type envelope[T any] struct {
	Data  T             `json:"data"`
	Error *errorPayload `json:"error,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// codeErrors maps API error codes back to package errors.
var codeErrors = map[string]error{
	"provider_unconfigured":   ErrProviderUnconfigured,
	"already_attempted_today": unlock.ErrAlreadyAttemptedToday,
	"already_unlocked":        unlock.ErrAlreadyUnlocked,
	"payment_declined":        ErrPaymentDeclined,
	"invalid_target":          ErrInvalidTarget,
}

func (b *HTTPBackend) PublishableKey(ctx context.Context) (string, error) {
	out, err := do[struct {
		PublishableKey string `json:"publishable_key"`
	}](ctx, b, http.MethodGet, "/billing/stripe-key", nil)
	if err != nil {
		return "", err
	}
	if out.PublishableKey == "" {
		return "", ErrProviderUnconfigured
	}
	return out.PublishableKey, nil
}

func (b *HTTPBackend) CreateSubscriptionIntent(ctx context.Context, t tier.Tier) (Intent, error) {
	out, err := do[IntentResponse](ctx, b, http.MethodPost, "/billing/subscription-intent", map[string]string{"tier": string(t)})
	if err != nil {
		return nil, err
	}
	return ParseIntent(out)
}

func (b *HTTPBackend) CreateUnlockIntent(ctx context.Context, contentID string) (UnlockIntent, error) {
	return do[UnlockIntent](ctx, b, http.MethodPost, "/billing/unlock-attempt", map[string]string{"content_id": contentID})
}

func (b *HTTPBackend) CreateCheckout(ctx context.Context, t tier.Tier, successURL, cancelURL string) (string, error) {
	out, err := do[struct {
		URL string `json:"url"`
	}](ctx, b, http.MethodPost, "/billing/checkout", map[string]string{
		"tier":        string(t),
		"success_url": successURL,
		"cancel_url":  cancelURL,
	})
	if err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", ErrUnexpectedResponse
	}
	return out.URL, nil
}

func (b *HTTPBackend) ConfirmPayment(ctx context.Context, clientSecret, paymentMethodID string) (Confirmation, error) {
	return do[Confirmation](ctx, b, http.MethodPost, "/billing/confirm", map[string]string{
		"client_secret":     clientSecret,
		"payment_method_id": paymentMethodID,
	})
}

func do[T any](ctx context.Context, b *HTTPBackend, method, path string, body any) (T, error) {
	var zero T

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return zero, err
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, payload)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(UserHeader, b.userID.String())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	var env envelope[T]
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return zero, fmt.Errorf("%w: %s %s: status %d", ErrUnexpectedResponse, method, path, resp.StatusCode)
	}
	if env.Error != nil || resp.StatusCode >= http.StatusBadRequest {
		return zero, apiError(resp.StatusCode, env.Error)
	}
	return env.Data, nil
}

func apiError(status int, e *errorPayload) error {
	if e == nil {
		return fmt.Errorf("%w: status %d", ErrUnexpectedResponse, status)
	}
	if known, ok := codeErrors[e.Code]; ok {
		return known
	}
	return errors.New(e.Code + ": " + e.Message)
}
