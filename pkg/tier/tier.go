package tier

import (
	"slices"
	"time"
)

// Tier identifies a subscription plan. Values are only trusted after Catalog.Parse.
type Tier string

const (
	Free       Tier = "free"
	Starter    Tier = "starter"
	Growth     Tier = "growth"
	Pro        Tier = "pro"
	Team       Tier = "team"
	Business   Tier = "business"
	Enterprise Tier = "enterprise"
)

func (t Tier) String() string { return string(t) }

// Track groups tiers for display. It never takes part in access decisions.
type Track string

const (
	TrackIndividual Track = "individual"
	TrackBusiness   Track = "business"
)

// Interval is the billing period of a tier.
type Interval string

const (
	IntervalNone    Interval = "none"
	IntervalMonthly Interval = "monthly"
	IntervalAnnual  Interval = "annual"
)

// Feature is a capability flag granted by a tier.
type Feature string

const (
	FeatureWhiteLabel    Feature = "white_label"
	FeatureAPIAccess     Feature = "api_access"
	FeatureCommercialUse Feature = "commercial_use"
)

// Unlimited marks a quota or seat count without an upper bound.
const Unlimited = -1

// Config holds the commercial terms of a tier.
type Config struct {
	Price       Money     `yaml:"price"`
	Interval    Interval  `yaml:"interval"`
	Seats       int       `yaml:"seats"`
	ReportQuota int64     `yaml:"report_quota"` // reports per month, Unlimited for no cap
	Features    []Feature `yaml:"features"`
	TrialDays   int       `yaml:"trial_days"`
}

// Definition is a single catalog row.
type Definition struct {
	Tier    Tier   `yaml:"tier"`
	Level   int    `yaml:"level"`
	Track   Track  `yaml:"track"`
	PriceID string `yaml:"price_id"` // processor price id, empty for free tiers
	Config  Config `yaml:"config"`
}

func (d Definition) HasFeature(f Feature) bool {
	return slices.Contains(d.Config.Features, f)
}

// IsPaid reports whether the tier requires a payment.
func (d Definition) IsPaid() bool {
	return d.Config.Price.Amount > 0
}

// HasUnlimitedReports reports whether the monthly report quota is uncapped.
func (d Definition) HasUnlimitedReports() bool {
	return d.Config.ReportQuota == Unlimited
}

// TrialEndsAt returns when a trial started at startedAt ends, or startedAt
// unchanged when the tier has no trial.
func (d Definition) TrialEndsAt(startedAt time.Time) time.Time {
	if d.Config.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, d.Config.TrialDays).UTC()
}

func (d Definition) clone() Definition {
	d.Config.Features = slices.Clone(d.Config.Features)
	return d
}
