package entitlement

import "errors"

var (
	ErrNotFound         = errors.New("entitlement not found")
	ErrInvalidStatus    = errors.New("invalid subscription status")
	ErrUserMismatch     = errors.New("entitlement snapshot belongs to another user")
	ErrNoSnapshotSource = errors.New("resolver has no entitlement snapshot source")
	ErrRuleLookupFailed = errors.New("failed to load content access rules")
	ErrUnlockLookup     = errors.New("failed to load unlocked content")
	ErrSnapshotFailed   = errors.New("failed to load entitlement snapshot")
	ErrInvalidContent   = errors.New("content id is required")
)
