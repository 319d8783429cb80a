package billing

import "time"

// Config holds the billing service settings. Provider credentials are
// optional: a missing Stripe secret key disables in-app payments and a
// missing Paddle API key disables Paddle checkout.
type Config struct {
	CatalogPath       string        `env:"BILLING_CATALOG_PATH"`
	RulesPath         string        `env:"BILLING_RULES_PATH"` // optional YAML seed of content rules
	CheckoutProvider  string        `env:"BILLING_CHECKOUT_PROVIDER" envDefault:"stripe"` // stripe or paddle
	IntentTTL         time.Duration `env:"BILLING_INTENT_TTL" envDefault:"23h"`
	SnapshotTTL       time.Duration `env:"BILLING_SNAPSHOT_TTL" envDefault:"30s"`
	SnapshotKeyPrefix string        `env:"BILLING_SNAPSHOT_KEY_PREFIX" envDefault:"paygate:snapshot:"`
	StaleAttemptAfter time.Duration `env:"BILLING_STALE_ATTEMPT_AFTER" envDefault:"2h"`
	SweepInterval     time.Duration `env:"BILLING_SWEEP_INTERVAL" envDefault:"10m"`
	MaxContentIDs     int           `env:"BILLING_MAX_CONTENT_IDS" envDefault:"100"`
	ArchiveWebhooks   bool          `env:"BILLING_ARCHIVE_WEBHOOKS" envDefault:"false"`
	ArchivePrefix     string        `env:"BILLING_ARCHIVE_PREFIX" envDefault:"webhooks"`
	SendReceipts      bool          `env:"BILLING_SEND_RECEIPTS" envDefault:"false"`
}

// StripeConfig configures the Stripe provider.
type StripeConfig struct {
	SecretKey      string `env:"STRIPE_SECRET_KEY"`
	PublishableKey string `env:"STRIPE_PUBLISHABLE_KEY"`
	WebhookSecret  string `env:"STRIPE_WEBHOOK_SECRET"`
	// BaseURL overrides the API endpoint, for stripe-mock and tests.
	BaseURL           string `env:"STRIPE_API_BASE_URL"`
	MaxNetworkRetries int64  `env:"STRIPE_MAX_NETWORK_RETRIES" envDefault:"2"`
}

// Enabled reports whether API calls can be made.
func (c StripeConfig) Enabled() bool { return c.SecretKey != "" }

// PaddleConfig configures the Paddle provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	ClientToken   string `env:"PADDLE_CLIENT_TOKEN"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"` // production or sandbox
	// PriceIDs maps tiers to Paddle price ids, e.g. "pro:pri_01h...,team:pri_01j...".
	PriceIDs map[string]string `env:"PADDLE_PRICE_IDS"`
}

func (c PaddleConfig) Enabled() bool { return c.APIKey != "" }
