package resolver

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gofhir/conformance"
	"github.com/gofhir/conformance/pkg/profile"
)

// Chain tries providers in order. The first hit wins; a miss moves on to the
// next provider and any other error stops the chain.
type Chain struct {
	providers []Provider
}

// NewChain creates a chain over providers.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Add appends a provider to the chain.
func (c *Chain) Add(p Provider) {
	c.providers = append(c.providers, p)
}

// Len returns the number of providers.
func (c *Chain) Len() int {
	return len(c.providers)
}

// Fetch implements Provider.
func (c *Chain) Fetch(ctx context.Context, url string) (*profile.Definition, error) {
	for _, p := range c.providers {
		def, err := p.Fetch(ctx, url)
		if err == nil && def != nil {
			return def, nil
		}
		if err != nil && !errors.Is(err, conformance.ErrNotFound) {
			return nil, err
		}
	}
	return nil, conformance.NotFound("resolve", url)
}

// Resource returns the raw JSON of any resource held by a provider that
// implements ResourceProvider, with the same first-hit-wins rule as Fetch.
func (c *Chain) Resource(ctx context.Context, url string) (json.RawMessage, error) {
	for _, p := range c.providers {
		rp, ok := p.(ResourceProvider)
		if !ok {
			continue
		}
		data, err := rp.Resource(ctx, url)
		if err == nil && data != nil {
			return data, nil
		}
		if err != nil && !errors.Is(err, conformance.ErrNotFound) {
			return nil, err
		}
	}
	return nil, conformance.NotFound("resource", url)
}
