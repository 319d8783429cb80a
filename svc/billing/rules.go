package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/tier"
)

var ErrInvalidRule = errors.New("invalid content access rule")

type rulesFile struct {
	Rules []struct {
		ContentID   string      `yaml:"content_id"`
		MinTier     string      `yaml:"min_tier"`
		Unlockable  bool        `yaml:"unlockable"`
		UnlockPrice *tier.Money `yaml:"unlock_price"`
	} `yaml:"rules"`
}

// LoadRules reads content access rules from YAML:
//
//	rules:
//	  - content_id: report-2025
//	    min_tier: pro
//	    unlockable: true
//	    unlock_price: {amount: 499, currency: USD}
func LoadRules(r io.Reader, catalog *tier.Catalog) ([]entitlement.Rule, error) {
	var f rulesFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Join(ErrInvalidRule, err)
	}

	seen := make(map[string]bool, len(f.Rules))
	out := make([]entitlement.Rule, 0, len(f.Rules))
	for i, raw := range f.Rules {
		rule := entitlement.Rule{
			ContentID:  strings.TrimSpace(raw.ContentID),
			Unlockable: raw.Unlockable,
		}
		if rule.ContentID == "" {
			return nil, fmt.Errorf("%w: rule %d has no content_id", ErrInvalidRule, i)
		}
		if seen[rule.ContentID] {
			return nil, fmt.Errorf("%w: duplicate content_id %q", ErrInvalidRule, rule.ContentID)
		}
		seen[rule.ContentID] = true

		if raw.MinTier != "" {
			t, err := catalog.Parse(raw.MinTier)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidRule, rule.ContentID, err)
			}
			rule.MinTier = t
		}
		if raw.UnlockPrice != nil {
			rule.UnlockPrice = *raw.UnlockPrice
		}
		if rule.Unlockable {
			if err := rule.UnlockPrice.Validate(); err != nil || rule.UnlockPrice.Amount <= 0 {
				return nil, fmt.Errorf("%w: %s: unlockable content needs a positive unlock_price", ErrInvalidRule, rule.ContentID)
			}
		}
		out = append(out, rule)
	}
	return out, nil
}

type ruleSaver interface {
	SaveRule(ctx context.Context, rule entitlement.Rule) error
}

// SeedRules loads the YAML rules file at path into store.
func SeedRules(ctx context.Context, store ruleSaver, catalog *tier.Catalog, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open rules file: %w", err)
	}
	defer f.Close()

	rules, err := LoadRules(f, catalog)
	if err != nil {
		return 0, err
	}
	for _, rule := range rules {
		if err := store.SaveRule(ctx, rule); err != nil {
			return 0, err
		}
	}
	return len(rules), nil
}
