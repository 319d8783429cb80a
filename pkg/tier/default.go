package tier

// DefaultVersion is the revision of DefaultCatalog.
const DefaultVersion = "2024-06"

func usd(cents int64) Money { return Money{Amount: cents, Currency: "USD"} }

// DefaultCatalog returns the built-in plan table.
func DefaultCatalog() *Catalog {
	return MustNewCatalog(DefaultVersion,
		Definition{
			Tier: Free, Level: 0, Track: TrackIndividual,
			Config: Config{Price: usd(0), Interval: IntervalNone, Seats: 1, ReportQuota: 3},
		},
		Definition{
			Tier: Starter, Level: 1, Track: TrackIndividual, PriceID: "price_starter_monthly",
			Config: Config{Price: usd(900), Interval: IntervalMonthly, Seats: 1, ReportQuota: 10},
		},
		Definition{
			Tier: Growth, Level: 2, Track: TrackIndividual, PriceID: "price_growth_monthly",
			Config: Config{Price: usd(1900), Interval: IntervalMonthly, Seats: 1, ReportQuota: 30},
		},
		Definition{
			Tier: Pro, Level: 3, Track: TrackIndividual, PriceID: "price_pro_monthly",
			Config: Config{
				Price: usd(2900), Interval: IntervalMonthly, Seats: 1, ReportQuota: 100, TrialDays: 14,
				Features: []Feature{FeatureAPIAccess},
			},
		},
		Definition{
			Tier: Team, Level: 4, Track: TrackBusiness, PriceID: "price_team_monthly",
			Config: Config{
				Price: usd(7900), Interval: IntervalMonthly, Seats: 5, ReportQuota: 300, TrialDays: 14,
				Features: []Feature{FeatureAPIAccess, FeatureCommercialUse},
			},
		},
		Definition{
			Tier: Business, Level: 5, Track: TrackBusiness, PriceID: "price_business_monthly",
			Config: Config{
				Price: usd(19900), Interval: IntervalMonthly, Seats: 20, ReportQuota: 1000,
				Features: []Feature{FeatureAPIAccess, FeatureCommercialUse, FeatureWhiteLabel},
			},
		},
		Definition{
			Tier: Enterprise, Level: 6, Track: TrackBusiness, PriceID: "price_enterprise_annual",
			Config: Config{
				Price: usd(499000), Interval: IntervalAnnual, Seats: Unlimited, ReportQuota: Unlimited,
				Features: []Feature{FeatureAPIAccess, FeatureCommercialUse, FeatureWhiteLabel},
			},
		},
	)
}
