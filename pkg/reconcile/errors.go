package reconcile

import "errors"

var (
	ErrWebhookApplyFailed = errors.New("failed to apply webhook event")
	ErrEventNotRecorded   = errors.New("failed to record webhook event")
	ErrInvalidEvent       = errors.New("webhook event is missing an id or mutation")
	ErrEventNotFound      = errors.New("webhook event not found")
	ErrStaleEvent         = errors.New("webhook event is older than the stored state")
	ErrUnknownUser        = errors.New("webhook event does not identify a user")
	ErrLockTimeout        = errors.New("timed out waiting for user lock")
	ErrEventInFlight      = errors.New("webhook event is being processed by another worker")
	ErrRetryLater         = errors.New("webhook event failed on a transient error")
)
