package unlock

import "errors"

var (
	ErrAlreadyAttemptedToday = errors.New("an unlock attempt for this content already exists today")
	ErrAlreadyUnlocked       = errors.New("content is already unlocked")
	ErrAttemptNotFound       = errors.New("unlock attempt not found")
	ErrInvalidTransition     = errors.New("unlock attempt is not in a state that allows this transition")
	ErrInvalidContent        = errors.New("content id is required")
	ErrInvalidUser           = errors.New("user id is required")
)
