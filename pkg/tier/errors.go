package tier

import "errors"

var (
	ErrUnknownTier     = errors.New("unknown tier")
	ErrDuplicateTier   = errors.New("duplicate tier in catalog")
	ErrDuplicateLevel  = errors.New("duplicate tier level in catalog")
	ErrDuplicatePrice  = errors.New("duplicate price id in catalog")
	ErrInvalidPrice    = errors.New("invalid tier price")
	ErrEmptyCatalog    = errors.New("catalog has no tiers")
	ErrInvalidCatalog  = errors.New("invalid catalog definition")
	ErrCatalogNotFound = errors.New("catalog file not found")
)
