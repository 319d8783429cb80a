package entitlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/tier"
)

// Status is the subscription state reported by the payment processor.
type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusNone     Status = "none"
)

// Entitled reports whether the status lets the tier grant access.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusNone:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// UserEntitlement is a point-in-time snapshot of a user's subscription.
// The backend owns it; resolvers only read it.
type UserEntitlement struct {
	UserID                 uuid.UUID  `json:"user_id"`
	Tier                   tier.Tier  `json:"tier"`
	Status                 Status     `json:"status"`
	PeriodEnd              *time.Time `json:"period_end,omitempty"`
	ProviderCustomerID     string     `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string     `json:"provider_subscription_id,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Unsubscribed is the snapshot of a user the backend has no record for.
func Unsubscribed(userID uuid.UUID, lowest tier.Tier) UserEntitlement {
	return UserEntitlement{UserID: userID, Tier: lowest, Status: StatusNone}
}

// Rule gates a content item. A zero MinTier means there is no tier rule.
// Content with no stored rule is free.
type Rule struct {
	ContentID   string     `json:"content_id"`
	MinTier     tier.Tier  `json:"min_tier,omitempty"`
	Unlockable  bool       `json:"unlockable"`
	UnlockPrice tier.Money `json:"unlock_price"`
}

// Gated reports whether the rule restricts access at all.
func (r Rule) Gated() bool {
	return r.MinTier != "" || r.Unlockable
}

// Reason explains an access decision.
type Reason string

const (
	ReasonFree           Reason = "free"
	ReasonTierSufficient Reason = "tier_sufficient"
	ReasonUnlocked       Reason = "unlocked"
	ReasonRequiresTier   Reason = "requires_tier"
	ReasonRequiresUnlock Reason = "requires_unlock"
)

// Decision is the result of resolving access to one content item.
// It is computed per query and never stored.
type Decision struct {
	ContentID    string      `json:"content_id"`
	Accessible   bool        `json:"accessible"`
	Reason       Reason      `json:"reason"`
	RequiredTier tier.Tier   `json:"required_tier,omitempty"`
	UnlockPrice  *tier.Money `json:"unlock_price,omitempty"`
}
