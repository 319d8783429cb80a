package checkout

import "errors"

var (
	ErrProviderUnconfigured = errors.New("payment provider is not configured")
	ErrIntentCreationFailed = errors.New("failed to create payment intent")
	ErrPaymentDeclined      = errors.New("payment was declined")
	ErrConfirmationFailed   = errors.New("payment confirmation failed")
	ErrCanceled             = errors.New("checkout was canceled")
	ErrInvalidTarget        = errors.New("checkout target must be exactly one of tier or content id")
	ErrNoSession            = errors.New("no checkout session")
	ErrNotAwaitingPayment   = errors.New("checkout session is not awaiting payment")
	ErrCheckoutInProgress   = errors.New("another checkout is in progress")
	ErrInvalidRedirectURL   = errors.New("invalid redirect url")
	ErrUnexpectedResponse   = errors.New("unexpected backend response")
	ErrMissingPaymentMethod = errors.New("payment method is required")
)
