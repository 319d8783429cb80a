package unlock

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an unlock attempt.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// HoldsSlot reports whether the attempt occupies its (user, content, day) slot.
func (s Status) HoldsSlot() bool {
	return s == StatusCreated || s == StatusSucceeded
}

// Attempt is one pay-per-unlock purchase attempt.
type Attempt struct {
	ID                uuid.UUID `json:"id"`
	UserID            uuid.UUID `json:"user_id"`
	ContentID         string    `json:"content_id"`
	AttemptDate       time.Time `json:"attempt_date"` // midnight UTC of the calendar day
	Status            Status    `json:"status"`
	ProviderPaymentID string    `json:"provider_payment_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DateKey formats the attempt date as YYYY-MM-DD.
func (a Attempt) DateKey() string {
	return a.AttemptDate.Format(time.DateOnly)
}

// Slot identifies the once-per-day rate limit bucket.
type Slot struct {
	UserID    uuid.UUID
	ContentID string
	Date      string // YYYY-MM-DD
}

func (a Attempt) Slot() Slot {
	return Slot{UserID: a.UserID, ContentID: a.ContentID, Date: a.DateKey()}
}
