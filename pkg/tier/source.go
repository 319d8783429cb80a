package tier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Source loads a catalog at start-up.
type Source interface {
	Load(ctx context.Context) (*Catalog, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Catalog, error)

func (f SourceFunc) Load(ctx context.Context) (*Catalog, error) { return f(ctx) }

// StaticSource always returns c.
func StaticSource(c *Catalog) Source {
	return SourceFunc(func(context.Context) (*Catalog, error) { return c, nil })
}

type catalogFile struct {
	Version string       `yaml:"version"`
	Tiers   []Definition `yaml:"tiers"`
}

// LoadYAML decodes a catalog document:
//
//	version: "2024-06"
//	tiers:
//	  - tier: pro
//	    level: 3
//	    track: individual
//	    price_id: price_pro_monthly
//	    config:
//	      price: {amount: 2900, currency: USD}
//	      interval: monthly
//	      seats: 1
//	      report_quota: 100
//	      features: [api_access]
func LoadYAML(r io.Reader) (*Catalog, error) {
	var doc catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidCatalog)
	}
	return NewCatalog(doc.Version, doc.Tiers...)
}

// FileSource reads a YAML catalog from path on every Load.
func FileSource(path string) Source {
	return SourceFunc(func(ctx context.Context) (*Catalog, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCatalogNotFound, path)
		}
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return LoadYAML(f)
	})
}
