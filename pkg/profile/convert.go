package profile

import (
	"encoding/json"
	"fmt"

	"github.com/gofhir/fhir/r4"
	"github.com/pkg/errors"
)

// New returns an indexed copy of d. Use it when building definitions in code.
func New(d Definition) *Definition {
	out := d
	out.index()
	return &out
}

// Parse decodes a StructureDefinition JSON document.
func Parse(data []byte) (*Definition, error) {
	var header struct {
		ResourceType string `json:"resourceType"`
		Version      string `json:"version"`
		Derivation   string `json:"derivation"`
		Snapshot     *struct {
			Element []json.RawMessage `json:"element"`
		} `json:"snapshot"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, errors.Wrap(err, "invalid JSON")
	}
	if header.ResourceType != "StructureDefinition" {
		return nil, fmt.Errorf("expected StructureDefinition, got %q", header.ResourceType)
	}

	var sd r4.StructureDefinition
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, errors.Wrap(err, "failed to parse StructureDefinition")
	}
	if sd.Url == nil || *sd.Url == "" {
		return nil, errors.New("StructureDefinition has no url")
	}

	def := NewR4Converter().Convert(&sd)
	def.Version = header.Version
	def.Derivation = header.Derivation
	if header.Snapshot != nil && len(header.Snapshot.Element) == len(def.Snapshot) {
		for i, raw := range header.Snapshot.Element {
			applyRaw(&def.Snapshot[i], raw)
		}
	}
	def.index()
	return def, nil
}

// applyRaw copies the parts of an element that are read from its raw JSON:
// polymorphic fixed/pattern values, the base cardinality and contentReference.
func applyRaw(e *Element, raw json.RawMessage) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return
	}
	e.Fixed, e.FixedType = prefixedValue(obj, "fixed")
	e.Pattern, e.PatternType = prefixedValue(obj, "pattern")

	if ref, ok := obj["contentReference"]; ok {
		_ = json.Unmarshal(ref, &e.ContentReference)
	}
	if base, ok := obj["base"]; ok {
		var b struct {
			Max string `json:"max"`
		}
		if json.Unmarshal(base, &b) == nil {
			e.BaseMax = b.Max
		}
	}
}

// prefixedValue finds a key such as fixedUri or patternCodeableConcept.
func prefixedValue(obj map[string]json.RawMessage, prefix string) (json.RawMessage, string) {
	for key, value := range obj {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		suffix := key[len(prefix):]
		if suffix[0] < 'A' || suffix[0] > 'Z' {
			continue
		}
		return value, suffix
	}
	return nil, ""
}

// R4Converter converts R4 StructureDefinitions into Definitions.
type R4Converter struct{}

// NewR4Converter creates a new R4 converter.
func NewR4Converter() *R4Converter {
	return &R4Converter{}
}

// Convert converts an r4.StructureDefinition. The result is not indexed;
// Parse and New take care of that.
func (c *R4Converter) Convert(sd *r4.StructureDefinition) *Definition {
	if sd == nil {
		return nil
	}

	result := &Definition{
		URL:            derefString(sd.Url),
		Name:           derefString(sd.Name),
		Type:           derefString(sd.Type),
		Kind:           c.convertKind(sd.Kind),
		Abstract:       derefBool(sd.Abstract),
		BaseDefinition: derefString(sd.BaseDefinition),
		FHIRVersion:    c.convertFHIRVersion(sd.FhirVersion),
	}
	if sd.Snapshot != nil {
		result.Snapshot = c.convertElements(sd.Snapshot.Element)
	}
	if sd.Differential != nil {
		result.Differential = c.convertElements(sd.Differential.Element)
	}
	return result
}

func (c *R4Converter) convertElements(elements []r4.ElementDefinition) []Element {
	if len(elements) == 0 {
		return nil
	}
	result := make([]Element, 0, len(elements))
	for i := range elements {
		result = append(result, c.convertElement(&elements[i]))
	}
	return result
}

func (c *R4Converter) convertElement(ed *r4.ElementDefinition) Element {
	return Element{
		ID:          derefString(ed.Id),
		Path:        derefString(ed.Path),
		SliceName:   derefString(ed.SliceName),
		Min:         c.convertMin(ed.Min),
		Max:         derefString(ed.Max),
		Types:       c.convertTypes(ed.Type),
		Binding:     c.convertBinding(ed.Binding),
		Slicing:     c.convertSlicing(ed.Slicing),
		Constraints: c.convertConstraints(ed.Constraint),
		MustSupport: derefBool(ed.MustSupport),
		IsModifier:  derefBool(ed.IsModifier),
		IsSummary:   derefBool(ed.IsSummary),
	}
}

func (c *R4Converter) convertTypes(types []r4.ElementDefinitionType) []TypeRef {
	if len(types) == 0 {
		return nil
	}
	result := make([]TypeRef, 0, len(types))
	for i := range types {
		t := &types[i]
		result = append(result, TypeRef{
			Code:          derefString(t.Code),
			Profile:       t.Profile,
			TargetProfile: t.TargetProfile,
		})
	}
	return result
}

func (c *R4Converter) convertBinding(binding *r4.ElementDefinitionBinding) *Binding {
	if binding == nil {
		return nil
	}
	strength := ""
	if binding.Strength != nil {
		strength = string(*binding.Strength)
	}
	return &Binding{
		Strength:    strength,
		ValueSet:    derefString(binding.ValueSet),
		Description: derefString(binding.Description),
	}
}

func (c *R4Converter) convertSlicing(slicing *r4.ElementDefinitionSlicing) *Slicing {
	if slicing == nil {
		return nil
	}
	result := &Slicing{Ordered: derefBool(slicing.Ordered)}
	if slicing.Rules != nil {
		result.Rules = string(*slicing.Rules)
	}
	for _, d := range slicing.Discriminator {
		disc := Discriminator{Path: derefString(d.Path)}
		if d.Type != nil {
			disc.Type = string(*d.Type)
		}
		result.Discriminators = append(result.Discriminators, disc)
	}
	return result
}

func (c *R4Converter) convertConstraints(constraints []r4.ElementDefinitionConstraint) []Constraint {
	if len(constraints) == 0 {
		return nil
	}
	result := make([]Constraint, 0, len(constraints))
	for i := range constraints {
		con := &constraints[i]
		severity := ""
		if con.Severity != nil {
			severity = string(*con.Severity)
		}
		result = append(result, Constraint{
			Key:        derefString(con.Key),
			Severity:   severity,
			Human:      derefString(con.Human),
			Expression: derefString(con.Expression),
			Source:     derefString(con.Source),
		})
	}
	return result
}

func (c *R4Converter) convertKind(kind *r4.StructureDefinitionKind) string {
	if kind == nil {
		return ""
	}
	return string(*kind)
}

func (c *R4Converter) convertFHIRVersion(version *r4.FHIRVersion) string {
	if version == nil {
		return ""
	}
	return string(*version)
}

func (c *R4Converter) convertMin(minVal *uint32) int {
	if minVal == nil {
		return 0
	}
	return int(*minVal)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefBool(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}
