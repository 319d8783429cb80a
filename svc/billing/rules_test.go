package billing_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/svc/billing"
)

const rulesYAML = `
rules:
  - content_id: report-2025
    min_tier: pro
    unlockable: true
    unlock_price: {amount: 499, currency: USD}
  - content_id: webinar
    min_tier: team
  - content_id: single
    unlockable: true
    unlock_price: {amount: 199, currency: EUR}
`

func TestLoadRules(t *testing.T) {
	t.Parallel()
	catalog := tier.DefaultCatalog()

	rules, err := billing.LoadRules(strings.NewReader(rulesYAML), catalog)
	require.NoError(t, err)
	assert.Equal(t, []entitlement.Rule{
		{ContentID: "report-2025", MinTier: tier.Pro, Unlockable: true, UnlockPrice: tier.Money{Amount: 499, Currency: "USD"}},
		{ContentID: "webinar", MinTier: tier.Team},
		{ContentID: "single", Unlockable: true, UnlockPrice: tier.Money{Amount: 199, Currency: "EUR"}},
	}, rules)

	rules, err = billing.LoadRules(strings.NewReader(""), catalog)
	require.NoError(t, err)
	assert.Empty(t, rules)

	invalid := map[string]string{
		"unknown field":        "rules:\n  - content_id: a\n    price: 1\n",
		"missing content id":   "rules:\n  - min_tier: pro\n",
		"duplicate":            "rules:\n  - content_id: a\n  - content_id: a\n",
		"unknown tier":         "rules:\n  - content_id: a\n    min_tier: gold\n",
		"unlock without price": "rules:\n  - content_id: a\n    unlockable: true\n",
		"bad currency":         "rules:\n  - content_id: a\n    unlockable: true\n    unlock_price: {amount: 10, currency: XXY}\n",
		"not yaml":             "rules: [",
	}
	for name, doc := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := billing.LoadRules(strings.NewReader(doc), catalog)
			assert.ErrorIs(t, err, billing.ErrInvalidRule)
		})
	}
}

type ruleRecorder struct{ saved []entitlement.Rule }

func (r *ruleRecorder) SaveRule(_ context.Context, rule entitlement.Rule) error {
	r.saved = append(r.saved, rule)
	return nil
}

func TestSeedRules(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	rec := &ruleRecorder{}
	n, err := billing.SeedRules(context.Background(), rec, tier.DefaultCatalog(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, rec.saved, 3)

	_, err = billing.SeedRules(context.Background(), rec, tier.DefaultCatalog(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
