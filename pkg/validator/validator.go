// Package validator checks FHIR resources against StructureDefinitions
// supplied by a profile resolver.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/funcs"
	"github.com/pkg/errors"

	"github.com/gofhir/conformance"
	"github.com/gofhir/conformance/pkg/cache"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/location"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/profile"
	"github.com/gofhir/conformance/pkg/terminology"
)

func init() {
	// trace() appears in some core invariants and writes to stdout by default.
	funcs.SetTraceLogger(funcs.NullTraceLogger{})
}

// Resolver supplies StructureDefinitions by canonical URL or bare type name.
// *resolver.Resolver satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, urlOrType string) (*profile.Definition, error)
}

// Validator is safe for concurrent use.
type Validator struct {
	resolver    Resolver
	config      *Config
	exprs       *cache.Cache[string, *fhirpath.Expression]
	terminology *terminology.Registry
}

// Config holds the validator configuration.
type Config struct {
	Profiles    []string // Profiles every resource is validated against
	StrictMode  bool     // Treat warnings as errors
	Constraints bool     // Evaluate FHIRPath invariants
	Metrics     *conformance.Metrics
	Terminology *terminology.Registry // Value sets for binding checks
}

// Option is a functional option for configuring the validator.
type Option func(*Config)

// WithProfile adds a profile URL to validate every resource against.
func WithProfile(profileURL string) Option {
	return func(c *Config) {
		c.Profiles = append(c.Profiles, profileURL)
	}
}

// WithStrictMode enables strict mode (warnings become errors).
func WithStrictMode(strict bool) Option {
	return func(c *Config) {
		c.StrictMode = strict
	}
}

// WithConstraints turns FHIRPath invariant evaluation on or off. On by default.
func WithConstraints(enabled bool) Option {
	return func(c *Config) {
		c.Constraints = enabled
	}
}

// WithMetrics records validation counts, durations and issues.
func WithMetrics(m *conformance.Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithTerminology sets the registry used for required and extensible
// bindings. Without it, a resolver that also serves ValueSets and
// CodeSystems backs a registry of its own.
func WithTerminology(reg *terminology.Registry) Option {
	return func(c *Config) {
		c.Terminology = reg
	}
}

// validateConfig holds per-call validation options.
type validateConfig struct {
	profiles []string
}

// ValidateOption configures a single Validate call.
type ValidateOption func(*validateConfig)

// ValidateWithProfile adds a profile URL to validate against for this call only.
func ValidateWithProfile(profileURL string) ValidateOption {
	return func(c *validateConfig) {
		c.profiles = append(c.profiles, profileURL)
	}
}

// New creates a Validator backed by r.
func New(r Resolver, opts ...Option) (*Validator, error) {
	if r == nil {
		return nil, conformance.Configuration("new validator", "no profile resolver")
	}
	config := &Config{Constraints: true}
	for _, opt := range opts {
		opt(config)
	}
	reg := config.Terminology
	if src, ok := r.(terminology.Source); ok && reg == nil {
		reg = terminology.NewRegistry(src)
	}
	return &Validator{
		resolver:    r,
		config:      config,
		exprs:       cache.New[string, *fhirpath.Expression](),
		terminology: reg,
	}, nil
}

// Config returns a copy of the validator configuration.
func (v *Validator) Config() Config {
	c := *v.config
	c.Profiles = append([]string(nil), v.config.Profiles...)
	return c
}

// Validate checks a resource against its base type profile, the configured
// profiles, the per-call profiles and the profiles listed in meta.profile.
//
// resource may be JSON ([]byte, json.RawMessage or string) or any value that
// marshals to a FHIR resource. It is never modified. Problems with the
// resource or with profile resolution are reported in the outcome; the error
// is non-nil only when ctx is done.
func (v *Validator) Validate(ctx context.Context, resource any, opts ...ValidateOption) (*issue.Outcome, error) {
	start := time.Now()

	var vc validateConfig
	for _, opt := range opts {
		opt(&vc)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outcome := issue.NewOutcome()
	data, err := encode(resource)
	if err != nil {
		outcome.AddWithID(issue.DiagStructureInvalidJSON, map[string]any{"error": err.Error()})
		return v.finish(start, "", outcome), nil
	}
	root, err := decode(data)
	if err != nil {
		outcome.AddWithID(issue.DiagStructureInvalidJSON, map[string]any{"error": err.Error()})
		return v.finish(start, "", outcome), nil
	}
	resourceType, _ := root["resourceType"].(string)
	if resourceType == "" {
		outcome.AddWithID(issue.DiagStructureNoResourceType, nil)
		return v.finish(start, "", outcome), nil
	}

	urls := v.profilesFor(resourceType, root, vc.profiles)
	logger.Debug("validating %s (%d bytes) against %d profile(s)", resourceType, len(data), len(urls))
	for _, url := range urls {
		group, err := v.validateProfile(ctx, data, root, resourceType, url)
		if err != nil {
			return nil, err
		}
		outcome.Merge(group, url)
	}

	if v.config.StrictMode {
		outcome.Escalate()
	}
	return v.finish(start, resourceType, outcome), nil
}

func (v *Validator) finish(start time.Time, resourceType string, outcome *issue.Outcome) *issue.Outcome {
	elapsed := time.Since(start)
	v.config.Metrics.RecordValidation(elapsed, outcome.Success())
	v.config.Metrics.RecordOutcome(outcome)
	logger.Debug("validated %s in %v: %d errors, %d warnings",
		resourceType, elapsed.Round(time.Microsecond), outcome.ErrorCount(), outcome.WarningCount())
	return outcome
}

// profilesFor lists the canonical URLs to check, base type profile first,
// without duplicates.
func (v *Validator) profilesFor(resourceType string, root map[string]any, perCall []string) []string {
	candidates := []string{profile.CoreBase + resourceType}
	candidates = append(candidates, v.config.Profiles...)
	candidates = append(candidates, perCall...)
	if meta, ok := root["meta"].(map[string]any); ok {
		if declared, ok := meta["profile"].([]any); ok {
			for _, p := range declared {
				if s, ok := p.(string); ok {
					candidates = append(candidates, s)
				}
			}
		}
	}

	seen := make(map[string]bool, len(candidates))
	urls := make([]string, 0, len(candidates))
	for _, c := range candidates {
		url := profile.CanonicalURL(c)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		urls = append(urls, url)
	}
	return urls
}

// validateProfile produces the issues for one profile, in document order.
func (v *Validator) validateProfile(ctx context.Context, data []byte, root map[string]any, resourceType, url string) (*issue.Outcome, error) {
	group := issue.NewOutcome()
	def, err := v.resolver.Resolve(ctx, url)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil && conformance.KindOf(err) == conformance.KindNotFound:
		logger.Warn("profile %s not found", url)
		group.AddWithID(issue.DiagProfileNotFound, map[string]any{"url": url})
	case err != nil:
		logger.Warn("profile %s: %v", url, err)
		group.AddWithID(issue.DiagProfileLoadFailed, map[string]any{"url": url, "error": err.Error()})
	case def.Type != resourceType:
		group.AddWithID(issue.DiagProfileTypeMismatch,
			map[string]any{"url": url, "expected": def.Type, "type": resourceType}, resourceType)
	default:
		w := newWalker(ctx, v, group)
		w.resource(root, def, resourceType)
		if w.err != nil {
			return nil, w.err
		}
	}
	order(data, group)
	return group, nil
}

// order sorts issues by the position of the offending field in the source,
// then by path and message, and records line and column where the path
// exists. Issues without a path come first.
func order(data []byte, o *issue.Outcome) {
	offsets := make(map[string]int, len(o.Issues))
	for i := range o.Issues {
		path := o.Issues[i].Path()
		if path == "" {
			continue
		}
		off, exact := location.Nearest(data, path)
		offsets[path] = off
		if exact && o.Issues[i].Location == nil {
			line, col := location.LineCol(data, off)
			o.Issues[i].Location = &issue.Location{Line: line, Column: col}
		}
	}
	offsetOf := func(path string) int {
		if path == "" {
			return -1
		}
		return offsets[path]
	}

	sort.SliceStable(o.Issues, func(i, j int) bool {
		a, b := o.Issues[i], o.Issues[j]
		if oa, ob := offsetOf(a.Path()), offsetOf(b.Path()); oa != ob {
			return oa < ob
		}
		if a.Path() != b.Path() {
			return a.Path() < b.Path()
		}
		return a.Diagnostics < b.Diagnostics
	})
}

// compile returns a cached compiled FHIRPath expression.
func (v *Validator) compile(expr string) (*fhirpath.Expression, error) {
	if compiled, ok := v.exprs.Get(expr); ok {
		return compiled, nil
	}
	compiled, err := fhirpath.Compile(expr)
	if err != nil {
		return nil, err
	}
	held, _ := v.exprs.Add(expr, compiled)
	return held, nil
}

// encode returns the JSON form of resource without touching it.
func encode(resource any) ([]byte, error) {
	switch r := resource.(type) {
	case nil:
		return nil, errors.New("no resource given")
	case []byte:
		return r, nil
	case json.RawMessage:
		return r, nil
	case string:
		return []byte(r), nil
	default:
		data, err := json.Marshal(r)
		if err != nil {
			return nil, errors.Wrap(err, "encode resource")
		}
		return data, nil
	}
}

// decode parses a single JSON object, keeping numbers in their source form.
func decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after the resource")
	}
	obj, ok := root.(map[string]any)
	if !ok {
		return nil, errors.New("resource must be a JSON object")
	}
	return obj, nil
}
