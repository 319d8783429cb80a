package billing

import (
	"errors"
	"net/http"

	"github.com/dmitrymomot/paygate/pkg/checkout"
	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/ratelimiter"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/pkg/unlock"
)

var (
	ErrIntentNotFound      = errors.New("payment intent not found")
	ErrCustomerNotFound    = errors.New("billing customer not found")
	ErrNotUnlockable       = errors.New("content cannot be unlocked")
	ErrAlreadySubscribed   = errors.New("user already has this tier or higher")
	ErrInvalidClientSecret = errors.New("invalid client secret")
	ErrNoContentIDs        = errors.New("content ids are required")
	ErrTooManyContentIDs   = errors.New("too many content ids")
	ErrMissingUser         = errors.New("missing or invalid user id")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrInvalidPayload      = errors.New("invalid webhook payload")
	ErrPaymentNotVoidable  = errors.New("payment intent is paid or being paid")
)

// HTTPError pairs a status code with the snake_case key sent to clients.
type HTTPError struct {
	Code int
	Key  string
}

func (e HTTPError) Error() string { return e.Key }

var (
	errBadRequest           = HTTPError{Code: http.StatusBadRequest, Key: "bad_request"}
	errUnauthorized         = HTTPError{Code: http.StatusUnauthorized, Key: "unauthorized"}
	errInternal             = HTTPError{Code: http.StatusInternalServerError, Key: "internal_error"}
	errProviderUnconfigured = HTTPError{Code: http.StatusServiceUnavailable, Key: "provider_unconfigured"}
)

// errorMapping is checked in order; the first match wins.
var errorMapping = []struct {
	err  error
	resp HTTPError
}{
	{checkout.ErrProviderUnconfigured, errProviderUnconfigured},
	{unlock.ErrAlreadyAttemptedToday, HTTPError{Code: http.StatusConflict, Key: "already_attempted_today"}},
	{unlock.ErrAlreadyUnlocked, HTTPError{Code: http.StatusConflict, Key: "already_unlocked"}},
	{ErrAlreadySubscribed, HTTPError{Code: http.StatusConflict, Key: "already_subscribed"}},
	{checkout.ErrPaymentDeclined, HTTPError{Code: http.StatusPaymentRequired, Key: "payment_declined"}},
	{checkout.ErrInvalidTarget, HTTPError{Code: http.StatusBadRequest, Key: "invalid_target"}},
	{tier.ErrUnknownTier, HTTPError{Code: http.StatusBadRequest, Key: "invalid_target"}},
	{ErrNotUnlockable, HTTPError{Code: http.StatusBadRequest, Key: "invalid_target"}},
	{unlock.ErrInvalidContent, HTTPError{Code: http.StatusBadRequest, Key: "invalid_target"}},
	{entitlement.ErrInvalidContent, HTTPError{Code: http.StatusBadRequest, Key: "invalid_target"}},
	{checkout.ErrInvalidRedirectURL, HTTPError{Code: http.StatusBadRequest, Key: "invalid_redirect_url"}},
	{checkout.ErrMissingPaymentMethod, HTTPError{Code: http.StatusBadRequest, Key: "missing_payment_method"}},
	{ErrInvalidClientSecret, HTTPError{Code: http.StatusBadRequest, Key: "invalid_client_secret"}},
	{ErrNoContentIDs, HTTPError{Code: http.StatusBadRequest, Key: "missing_content_ids"}},
	{ErrTooManyContentIDs, HTTPError{Code: http.StatusBadRequest, Key: "too_many_content_ids"}},
	{ErrMissingUser, errUnauthorized},
	{ratelimiter.ErrLimitExceeded, HTTPError{Code: http.StatusTooManyRequests, Key: "rate_limited"}},
	{ratelimiter.ErrStoreUnavailable, HTTPError{Code: http.StatusServiceUnavailable, Key: "rate_limiter_unavailable"}},
	{ErrIntentNotFound, HTTPError{Code: http.StatusNotFound, Key: "intent_not_found"}},
	{ErrInvalidSignature, HTTPError{Code: http.StatusBadRequest, Key: "invalid_signature"}},
	{ErrInvalidPayload, HTTPError{Code: http.StatusBadRequest, Key: "invalid_payload"}},
	{reconcile.ErrEventNotRecorded, HTTPError{Code: http.StatusServiceUnavailable, Key: "event_not_recorded"}},
	{reconcile.ErrRetryLater, HTTPError{Code: http.StatusServiceUnavailable, Key: "event_retry_later"}},
	{checkout.ErrIntentCreationFailed, HTTPError{Code: http.StatusBadGateway, Key: "intent_creation_failed"}},
	{checkout.ErrConfirmationFailed, HTTPError{Code: http.StatusBadGateway, Key: "confirmation_failed"}},
	{entitlement.ErrSnapshotFailed, errInternal},
}

// httpError resolves err to the response sent to the client.
func httpError(err error) HTTPError {
	var he HTTPError
	if errors.As(err, &he) {
		return he
	}
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.resp
		}
	}
	return errInternal
}
