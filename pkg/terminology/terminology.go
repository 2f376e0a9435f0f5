// Package terminology expands ValueSets into code sets so the validator can
// check terminology bindings offline.
package terminology

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/gofhir/conformance"
	"github.com/gofhir/conformance/pkg/cache"
	"github.com/gofhir/conformance/pkg/logger"
)

// Source supplies conformance resources as raw JSON by canonical URL.
// A miss is reported with an error matching conformance.ErrNotFound.
// *resolver.Resolver satisfies it.
type Source interface {
	Resource(ctx context.Context, url string) (json.RawMessage, error)
}

// ValueSet is the part of a FHIR ValueSet used for expansion.
type ValueSet struct {
	ResourceType string  `json:"resourceType"`
	URL          string  `json:"url"`
	Version      string  `json:"version"`
	Compose      Compose `json:"compose"`
}

// Compose defines the content of a ValueSet.
type Compose struct {
	Include []Include `json:"include,omitempty"`
	Exclude []Include `json:"exclude,omitempty"`
}

// Include selects codes from a system or from other value sets.
type Include struct {
	System   string    `json:"system,omitempty"`
	Version  string    `json:"version,omitempty"`
	Concept  []Concept `json:"concept,omitempty"`
	Filter   []Filter  `json:"filter,omitempty"`
	ValueSet []string  `json:"valueSet,omitempty"`
}

// Concept is a code listed in a ValueSet include.
type Concept struct {
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// Filter is a property filter on an include. Filters are not evaluated.
type Filter struct {
	Property string `json:"property"`
	Op       string `json:"op"`
	Value    string `json:"value"`
}

// CodeSystem is the part of a FHIR CodeSystem used for expansion.
type CodeSystem struct {
	ResourceType string           `json:"resourceType"`
	URL          string           `json:"url"`
	Content      string           `json:"content"` // not-present | example | fragment | complete | supplement
	Concept      []CodeSystemCode `json:"concept,omitempty"`
}

// CodeSystemCode is a concept of a CodeSystem, possibly with nested concepts.
type CodeSystemCode struct {
	Code    string           `json:"code"`
	Display string           `json:"display,omitempty"`
	Concept []CodeSystemCode `json:"concept,omitempty"`
}

// externalSystems cannot be enumerated locally; any code from them is accepted.
var externalSystems = map[string]bool{
	"urn:ietf:bcp:13":                             true, // MIME types
	"urn:ietf:bcp:47":                             true, // language tags
	"urn:iana:tz":                                 true,
	"urn:iso:std:iso:3166":                        true,
	"urn:iso:std:iso:4217":                        true,
	"http://snomed.info/sct":                      true,
	"http://loinc.org":                            true,
	"http://www.nlm.nih.gov/research/umls/rxnorm": true,
	"http://hl7.org/fhir/sid/icd-10":              true,
	"http://hl7.org/fhir/sid/icd-10-cm":           true,
	"http://www.ama-assn.org/go/cpt":              true,
}

// IsExternalSystem reports whether system needs a terminology server.
func IsExternalSystem(system string) bool {
	return externalSystems[system]
}

// Expansion is the code set of one ValueSet.
type Expansion struct {
	URL string
	// Complete is false when some include could not be enumerated (filters,
	// a missing or partial CodeSystem). Membership answers are then unreliable.
	Complete bool

	codes    map[string]bool // "code" and "system|code"
	systems  map[string]bool
	wildcard map[string]bool // systems accepting any code
}

func newExpansion(url string) *Expansion {
	return &Expansion{
		URL:      url,
		Complete: true,
		codes:    make(map[string]bool),
		systems:  make(map[string]bool),
		wildcard: make(map[string]bool),
	}
}

// Contains reports whether code is in the expansion. An empty system matches
// the bare code, as for elements of type code.
func (e *Expansion) Contains(system, code string) bool {
	if system == "" {
		return e.codes[code] || len(e.wildcard) > 0
	}
	return e.wildcard[system] || e.codes[system+"|"+code]
}

// HasSystem reports whether system contributes codes to the expansion.
func (e *Expansion) HasSystem(system string) bool {
	return system != "" && e.systems[system]
}

// Len returns the number of distinct system|code pairs.
func (e *Expansion) Len() int {
	n := 0
	for k := range e.codes {
		if strings.Contains(k, "|") {
			n++
		}
	}
	return n
}

func (e *Expansion) add(system, code string) {
	e.codes[code] = true
	if system != "" {
		e.codes[system+"|"+code] = true
		e.systems[system] = true
	}
}

func (e *Expansion) remove(system, code string) {
	if system != "" {
		delete(e.codes, system+"|"+code)
	}
	delete(e.codes, code)
}

func (e *Expansion) merge(other *Expansion) {
	for k := range other.codes {
		e.codes[k] = true
	}
	for k := range other.systems {
		e.systems[k] = true
	}
	for k := range other.wildcard {
		e.wildcard[k] = true
	}
	e.Complete = e.Complete && other.Complete
}

// Registry expands ValueSets from a Source and caches the expansions for its
// lifetime. It is safe for concurrent use.
type Registry struct {
	source     Source
	expansions *cache.Cache[string, *Expansion]
}

// NewRegistry creates a Registry reading from source.
func NewRegistry(source Source) *Registry {
	return &Registry{
		source:     source,
		expansions: cache.New[string, *Expansion](),
	}
}

// Expand returns the expansion of the ValueSet at url. A "|version" suffix is ignored.
func (r *Registry) Expand(ctx context.Context, url string) (*Expansion, error) {
	url = stripVersion(url)
	if exp, ok := r.expansions.Get(url); ok {
		return exp, nil
	}
	exp, err := r.expand(ctx, url, map[string]bool{})
	if err != nil {
		return nil, err
	}
	held, _ := r.expansions.Add(url, exp)
	logger.Debug("terminology: expanded %s (%d codes, complete=%v)", url, held.Len(), held.Complete)
	return held, nil
}

// Stats reports expansion cache activity.
func (r *Registry) Stats() cache.Stats {
	return r.expansions.Stats()
}

func (r *Registry) expand(ctx context.Context, url string, visiting map[string]bool) (*Expansion, error) {
	if visiting[url] {
		return nil, errors.Errorf("value set %s includes itself", url)
	}
	visiting[url] = true
	defer delete(visiting, url)

	var vs ValueSet
	if err := r.fetch(ctx, url, "ValueSet", &vs); err != nil {
		return nil, err
	}

	exp := newExpansion(url)
	for _, inc := range vs.Compose.Include {
		part, err := r.include(ctx, inc, visiting)
		if err != nil {
			return nil, err
		}
		exp.merge(part)
	}
	for _, exc := range vs.Compose.Exclude {
		if len(exc.Concept) == 0 {
			// Excluding a whole system or value set needs a full enumeration.
			exp.Complete = false
			continue
		}
		for _, c := range exc.Concept {
			exp.remove(exc.System, c.Code)
		}
	}
	return exp, nil
}

// include expands one compose.include. Listed value sets and the system part
// are intersected; with only one of them present it is used alone.
func (r *Registry) include(ctx context.Context, inc Include, visiting map[string]bool) (*Expansion, error) {
	var fromSets *Expansion
	for _, ref := range inc.ValueSet {
		nested, err := r.expand(ctx, stripVersion(ref), visiting)
		if errors.Is(err, conformance.ErrNotFound) {
			nested, err = newExpansion(ref), nil
			nested.Complete = false
		}
		if err != nil {
			return nil, err
		}
		if fromSets == nil {
			fromSets = nested
		} else {
			fromSets = intersect(fromSets, nested)
		}
	}
	if inc.System == "" {
		if fromSets == nil {
			return newExpansion(""), nil
		}
		return fromSets, nil
	}

	part := newExpansion("")
	switch {
	case len(inc.Concept) > 0:
		for _, c := range inc.Concept {
			part.add(inc.System, c.Code)
		}
	case IsExternalSystem(inc.System):
		part.systems[inc.System] = true
		part.wildcard[inc.System] = true
	case len(inc.Filter) > 0:
		part.systems[inc.System] = true
		part.Complete = false
	default:
		if err := r.addCodeSystem(ctx, part, inc.System); err != nil {
			return nil, err
		}
	}
	if fromSets == nil {
		return part, nil
	}
	return intersect(part, fromSets), nil
}

// addCodeSystem adds every concept of the CodeSystem at system to exp.
func (r *Registry) addCodeSystem(ctx context.Context, exp *Expansion, system string) error {
	exp.systems[system] = true
	var cs CodeSystem
	err := r.fetch(ctx, system, "CodeSystem", &cs)
	if errors.Is(err, conformance.ErrNotFound) {
		logger.Debug("terminology: code system %s not available", system)
		exp.Complete = false
		return nil
	}
	if err != nil {
		return err
	}
	if cs.Content != "" && cs.Content != "complete" {
		exp.Complete = false
	}
	var walk func(concepts []CodeSystemCode)
	walk = func(concepts []CodeSystemCode) {
		for _, c := range concepts {
			exp.add(system, c.Code)
			walk(c.Concept)
		}
	}
	walk(cs.Concept)
	return nil
}

func (r *Registry) fetch(ctx context.Context, url, resourceType string, into any) error {
	data, err := r.source.Resource(ctx, url)
	if err != nil {
		return err
	}
	var peek struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return conformance.NewError(conformance.KindConfiguration, "expand", url, errors.Wrap(err, "invalid JSON"))
	}
	if peek.ResourceType != resourceType {
		return conformance.NotFound("expand", url)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return conformance.NewError(conformance.KindConfiguration, "expand", url, errors.Wrapf(err, "parse %s", resourceType))
	}
	return nil
}

func intersect(a, b *Expansion) *Expansion {
	out := newExpansion("")
	out.Complete = a.Complete && b.Complete
	for k := range a.codes {
		if b.codes[k] {
			out.codes[k] = true
		}
	}
	for k := range a.systems {
		if b.systems[k] {
			out.systems[k] = true
		}
	}
	for k := range a.wildcard {
		if b.wildcard[k] {
			out.wildcard[k] = true
		}
	}
	return out
}

func stripVersion(url string) string {
	if i := strings.IndexByte(url, '|'); i >= 0 {
		return url[:i]
	}
	return url
}
