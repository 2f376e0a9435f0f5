// Package resolver looks up StructureDefinitions by canonical URL through a
// cache in front of an ordered chain of stores.
//
// The standard layering is: cache, then the local directory store, then the
// bundled archive store. Definitions are cached for the lifetime of the
// Resolver and every backing store is consulted at most once per URL.
package resolver

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/gofhir/conformance"
	"github.com/gofhir/conformance/pkg/cache"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/profile"
	"github.com/gofhir/conformance/pkg/specs"
)

// Resolver is safe for concurrent use.
type Resolver struct {
	chain   *Chain
	cache   *cache.Cache[string, *profile.Definition]
	group   singleflight.Group
	metrics *conformance.Metrics

	hits    atomic.Uint64
	misses  atomic.Uint64
	lookups atomic.Uint64
}

// Stats describes resolver activity.
type Stats struct {
	Cached       int
	Hits         uint64
	Misses       uint64
	StoreLookups uint64
	Cache        cache.Stats
}

// Option configures New.
type Option func(*config)

type config struct {
	providers   []Provider
	directories []string
	archives    []archiveSource
	baseline    bool
	version     conformance.FHIRVersion
	metrics     *conformance.Metrics
}

type archiveSource struct {
	data []byte
	path string
	name string
}

// WithProvider adds a custom provider. Custom providers are consulted before
// directories and archives, in the order given.
func WithProvider(p Provider) Option {
	return func(c *config) {
		c.providers = append(c.providers, p)
	}
}

// WithDirectory adds a local directory store scanned recursively.
func WithDirectory(dir string) Option {
	return func(c *config) {
		c.directories = append(c.directories, dir)
	}
}

// WithArchive adds an archive store over in-memory .tgz data.
func WithArchive(data []byte, name string) Option {
	return func(c *config) {
		c.archives = append(c.archives, archiveSource{data: data, name: name})
	}
}

// WithArchiveFile adds an archive store over a .tgz file.
func WithArchiveFile(path string) Option {
	return func(c *config) {
		c.archives = append(c.archives, archiveSource{path: path})
	}
}

// WithoutBaseline drops the embedded R4 baseline archive from the chain.
func WithoutBaseline() Option {
	return func(c *config) {
		c.baseline = false
	}
}

// WithFHIRVersion selects the release of the embedded baseline. R4 is the default.
func WithFHIRVersion(v conformance.FHIRVersion) Option {
	return func(c *config) {
		c.version = v
	}
}

// WithMetrics records cache hits, misses and store lookups.
func WithMetrics(m *conformance.Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// New builds a Resolver: custom providers, then directories, then archives,
// then the embedded baseline. A resolver with no provider at all is a
// configuration error.
func New(opts ...Option) (*Resolver, error) {
	cfg := &config{baseline: true, version: conformance.R4}
	for _, opt := range opts {
		opt(cfg)
	}

	chain := NewChain(cfg.providers...)
	for _, dir := range cfg.directories {
		store, err := NewDirectoryStore(dir)
		if err != nil {
			return nil, err
		}
		logger.Debug("resolver: directory store %s (%d definitions)", dir, len(store.URLs()))
		chain.Add(store)
	}
	for _, a := range cfg.archives {
		var (
			store *ArchiveStore
			err   error
		)
		if a.path != "" {
			store, err = OpenArchiveStore(a.path)
		} else {
			store, err = NewArchiveStore(a.data, a.name)
		}
		if err != nil {
			return nil, err
		}
		logger.Debug("resolver: archive store %s#%s", store.Name, store.Version)
		chain.Add(store)
	}
	if cfg.baseline {
		if !cfg.version.IsValid() {
			return nil, conformance.Configuration("new resolver", "no embedded baseline for FHIR version %q", cfg.version)
		}
		store, err := NewArchiveStore(specs.GetPackage(cfg.version.Release()), specs.BaselineName)
		if err != nil {
			return nil, err
		}
		chain.Add(store)
	}

	if chain.Len() == 0 {
		return nil, conformance.Configuration("new resolver", "no definition stores configured")
	}
	r := NewWithChain(chain)
	r.metrics = cfg.metrics
	return r, nil
}

// NewWithChain wraps an existing chain with the cache.
func NewWithChain(chain *Chain) *Resolver {
	return &Resolver{
		chain: chain,
		cache: cache.New[string, *profile.Definition](),
	}
}

// Resolve returns the definition for a canonical URL or a bare type name.
// The returned *profile.Definition is shared and must not be modified.
func (r *Resolver) Resolve(ctx context.Context, urlOrType string) (*profile.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	url := profile.CanonicalURL(urlOrType)
	if url == "" {
		return nil, conformance.NotFound("resolve", urlOrType)
	}
	if def, ok := r.cache.Get(url); ok {
		r.hits.Add(1)
		r.metrics.RecordCacheHit()
		return def, nil
	}
	r.misses.Add(1)
	r.metrics.RecordCacheMiss()

	// The lookup runs detached from ctx so that a caller giving up does not
	// fail the others waiting on the same URL.
	flight := context.WithoutCancel(ctx)
	ch := r.group.DoChan(url, func() (any, error) {
		if def, ok := r.cache.Get(url); ok {
			return def, nil
		}
		r.lookups.Add(1)
		r.metrics.RecordStoreLookup()
		def, err := r.chain.Fetch(flight, url)
		if err != nil {
			return nil, err
		}
		held, _ := r.cache.Add(url, def)
		logger.Debug("resolver: cached %s", url)
		return held, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*profile.Definition), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resource returns any conformance resource, such as a ValueSet or
// CodeSystem, as raw JSON. A "|version" suffix is ignored. Resources are
// served by the stores directly and are not cached here.
func (r *Resolver) Resource(ctx context.Context, url string) (json.RawMessage, error) {
	if i := strings.IndexByte(url, '|'); i >= 0 {
		url = url[:i]
	}
	return r.chain.Resource(ctx, url)
}

// Fetch implements Provider, so a Resolver can be nested in another chain.
func (r *Resolver) Fetch(ctx context.Context, url string) (*profile.Definition, error) {
	return r.Resolve(ctx, url)
}

// Stats returns a snapshot of resolver activity.
func (r *Resolver) Stats() Stats {
	return Stats{
		Cached:       r.cache.Len(),
		Hits:         r.hits.Load(),
		Misses:       r.misses.Load(),
		StoreLookups: r.lookups.Load(),
		Cache:        r.cache.Stats(),
	}
}
