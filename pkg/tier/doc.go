// Package tier holds the static, versioned subscription tier table.
//
// Tiers form a closed, totally ordered set: every definition carries a unique
// Level and "at least tier X" checks compare levels. Tier strings coming from
// requests or processor payloads are turned into Tier values with Catalog.Parse;
// anything the catalog does not know is rejected with ErrUnknownTier and never
// reaches access decisions.
//
// The default table ships with the binary (DefaultCatalog). Deployments may
// override it with a YAML file through FileSource.
package tier
