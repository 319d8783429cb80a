package tier

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Catalog is an immutable, versioned table of tier definitions ordered by level.
// It is safe for concurrent use.
type Catalog struct {
	version string
	defs    []Definition
	byTier  map[Tier]int
	byPrice map[string]int
}

// NewCatalog validates defs and builds a catalog. Tier names, levels and
// non-empty price ids must be unique; levels define the total order.
func NewCatalog(version string, defs ...Definition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, ErrEmptyCatalog
	}

	sorted := make([]Definition, 0, len(defs))
	for _, d := range defs {
		sorted = append(sorted, d.clone())
	}
	slices.SortStableFunc(sorted, func(a, b Definition) int { return a.Level - b.Level })

	c := &Catalog{
		version: version,
		defs:    sorted,
		byTier:  make(map[Tier]int, len(sorted)),
		byPrice: make(map[string]int, len(sorted)),
	}

	var errs []error
	for i, d := range sorted {
		if d.Tier == "" || d.Level < 0 {
			errs = append(errs, fmt.Errorf("%w: tier %q level %d", ErrInvalidCatalog, d.Tier, d.Level))
			continue
		}
		if _, dup := c.byTier[d.Tier]; dup {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateTier, d.Tier))
			continue
		}
		if i > 0 && sorted[i-1].Level == d.Level {
			errs = append(errs, fmt.Errorf("%w: %s and %s share level %d", ErrDuplicateLevel, sorted[i-1].Tier, d.Tier, d.Level))
		}
		if d.IsPaid() || d.Config.Price.Currency != "" {
			if err := d.Config.Price.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("tier %s: %w", d.Tier, err))
			}
		}
		if d.PriceID != "" {
			if _, dup := c.byPrice[d.PriceID]; dup {
				errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicatePrice, d.PriceID))
			}
			c.byPrice[d.PriceID] = i
		}
		c.byTier[d.Tier] = i
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return c, nil
}

// MustNewCatalog is like NewCatalog but panics on an invalid table.
func MustNewCatalog(version string, defs ...Definition) *Catalog {
	c, err := NewCatalog(version, defs...)
	if err != nil {
		panic(fmt.Sprintf("tier: invalid catalog %q: %v", version, err))
	}
	return c
}

// Version identifies the catalog revision, e.g. for cache keys and audit logs.
func (c *Catalog) Version() string { return c.version }

// Get returns the definition of t.
func (c *Catalog) Get(t Tier) (Definition, bool) {
	i, ok := c.byTier[t]
	if !ok {
		return Definition{}, false
	}
	return c.defs[i].clone(), true
}

// Level returns the ordinal of t.
func (c *Catalog) Level(t Tier) (int, error) {
	i, ok := c.byTier[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTier, t)
	}
	return c.defs[i].Level, nil
}

// AtLeast reports whether have ranks at or above want. Unknown tiers on
// either side never satisfy the comparison.
func (c *Catalog) AtLeast(have, want Tier) bool {
	h, err := c.Level(have)
	if err != nil {
		return false
	}
	w, err := c.Level(want)
	if err != nil {
		return false
	}
	return h >= w
}

// Compare returns -1, 0 or +1 when a ranks below, equal to or above b.
func (c *Catalog) Compare(a, b Tier) (int, error) {
	la, err := c.Level(a)
	if err != nil {
		return 0, err
	}
	lb, err := c.Level(b)
	if err != nil {
		return 0, err
	}
	switch {
	case la < lb:
		return -1, nil
	case la > lb:
		return 1, nil
	}
	return 0, nil
}

// Ordered returns all definitions from the lowest level to the highest.
func (c *Catalog) Ordered() []Definition {
	out := make([]Definition, len(c.defs))
	for i, d := range c.defs {
		out[i] = d.clone()
	}
	return out
}

// Tiers returns tier names ordered by level.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, len(c.defs))
	for i, d := range c.defs {
		out[i] = d.Tier
	}
	return out
}

// HasFeature reports whether t grants f. Unknown tiers grant nothing.
func (c *Catalog) HasFeature(t Tier, f Feature) bool {
	i, ok := c.byTier[t]
	return ok && c.defs[i].HasFeature(f)
}

// ByPriceID maps a processor price id back to its tier definition.
func (c *Catalog) ByPriceID(priceID string) (Definition, bool) {
	i, ok := c.byPrice[priceID]
	if !ok || priceID == "" {
		return Definition{}, false
	}
	return c.defs[i].clone(), true
}

// Parse turns a loosely-typed tier string (request body, webhook metadata)
// into a Tier known to this catalog.
func (c *Catalog) Parse(raw string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := c.byTier[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, raw)
	}
	return t, nil
}

// Lowest returns the entry-level tier, used for users with no subscription.
func (c *Catalog) Lowest() Tier { return c.defs[0].Tier }
