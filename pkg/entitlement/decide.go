package entitlement

import (
	"github.com/dmitrymomot/paygate/pkg/tier"
)

// Decide computes access to one content item. It is a pure function of its
// arguments. A nil rule means the content is free.
//
// Access is granted when the content is ungated, when the user's tier reaches
// the rule's minimum tier with an active or trialing subscription, or when the
// user holds a succeeded unlock. Reasons follow that precedence. Unknown tiers
// on either side never satisfy the tier rule.
func Decide(catalog *tier.Catalog, user UserEntitlement, rule *Rule, unlocked bool) Decision {
	if rule == nil || !rule.Gated() {
		d := Decision{Accessible: true, Reason: ReasonFree}
		if rule != nil {
			d.ContentID = rule.ContentID
		}
		return d
	}

	d := Decision{ContentID: rule.ContentID}

	if rule.MinTier != "" && user.Status.Entitled() && catalog.AtLeast(user.Tier, rule.MinTier) {
		d.Accessible, d.Reason = true, ReasonTierSufficient
		return d
	}
	if unlocked {
		d.Accessible, d.Reason = true, ReasonUnlocked
		return d
	}

	if rule.Unlockable {
		price := rule.UnlockPrice
		d.UnlockPrice = &price
	}
	if rule.MinTier != "" {
		d.Reason, d.RequiredTier = ReasonRequiresTier, rule.MinTier
		return d
	}
	d.Reason = ReasonRequiresUnlock
	return d
}
