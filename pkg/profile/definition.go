// Package profile holds the in-memory form of FHIR StructureDefinitions used by
// the resolver and the validation engine.
package profile

import (
	"encoding/json"
	"strconv"
	"strings"
)

// CoreBase is the canonical prefix of the base FHIR StructureDefinitions.
const CoreBase = "http://hl7.org/fhir/StructureDefinition/"

// StructureDefinition.kind values.
const (
	KindResource      = "resource"
	KindComplexType   = "complex-type"
	KindPrimitiveType = "primitive-type"
	KindLogical       = "logical"
)

// Definition is an immutable StructureDefinition with a path index over its snapshot.
type Definition struct {
	URL            string
	Version        string
	Name           string
	Type           string
	Kind           string
	Abstract       bool
	BaseDefinition string
	Derivation     string
	FHIRVersion    string
	Snapshot       []Element
	Differential   []Element

	byPath        map[string]*Element
	byID          map[string]*Element
	children      map[string][]*Element
	slices        map[string][]*Element
	sliceChildren map[string][]*Element
}

// Element is one snapshot ElementDefinition.
type Element struct {
	ID               string
	Path             string
	SliceName        string
	Min              int
	Max              string
	BaseMax          string
	Types            []TypeRef
	Constraints      []Constraint
	Binding          *Binding
	IsSummary        bool
	IsModifier       bool
	MustSupport      bool
	ContentReference string
	Slicing          *Slicing

	// Fixed and Pattern hold the raw fixed[x]/pattern[x] value; the suffix is the type name.
	Fixed       json.RawMessage
	FixedType   string
	Pattern     json.RawMessage
	PatternType string
}

// TypeRef is a type allowed for an element.
type TypeRef struct {
	Code          string
	Profile       []string
	TargetProfile []string
}

// Constraint is a FHIRPath invariant.
type Constraint struct {
	Key        string
	Severity   string
	Human      string
	Expression string
	Source     string
}

// Slicing describes how a repeating element is divided into named slices.
type Slicing struct {
	Discriminators []Discriminator
	Ordered        bool
	Rules          string // closed | open | openAtEnd
}

// Discriminator tells which value of an item selects its slice.
type Discriminator struct {
	Type string // value | exists | pattern | type | profile
	Path string
}

// Binding is a terminology binding. Required and extensible bindings are checked.
type Binding struct {
	Strength    string
	ValueSet    string
	Description string
}

// Name returns the last path segment, e.g. "birthDate" for Patient.birthDate.
func (e *Element) Name() string {
	return e.Path[strings.LastIndex(e.Path, ".")+1:]
}

// IsChoice reports whether the element is a choice element (name ends in [x]).
func (e *Element) IsChoice() bool {
	return strings.HasSuffix(e.Path, "[x]")
}

// ChoiceBase returns the choice element name without [x].
func (e *Element) ChoiceBase() string {
	return strings.TrimSuffix(e.Name(), "[x]")
}

// MaxCount returns the maximum occurrences and false when unbounded.
func (e *Element) MaxCount() (int, bool) {
	if e.Max == "" || e.Max == "*" {
		return 0, false
	}
	n, err := strconv.Atoi(e.Max)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsProhibited reports max = 0.
func (e *Element) IsProhibited() bool {
	return e.Max == "0"
}

// Repeats reports whether the element is serialized as a JSON array.
// The base cardinality decides, so a profile restricting max to 1 keeps the array form.
func (e *Element) Repeats() bool {
	max := e.BaseMax
	if max == "" {
		max = e.Max
	}
	return max != "" && max != "0" && max != "1"
}

// TypeCodes returns the type codes of the element.
func (e *Element) TypeCodes() []string {
	codes := make([]string, 0, len(e.Types))
	for _, t := range e.Types {
		codes = append(codes, t.Code)
	}
	return codes
}

// SingleType returns the type code when exactly one type is allowed.
func (e *Element) SingleType() string {
	if len(e.Types) == 1 {
		return e.Types[0].Code
	}
	return ""
}

// Root returns the first snapshot element, or nil for an empty snapshot.
func (d *Definition) Root() *Element {
	if len(d.Snapshot) == 0 {
		return nil
	}
	return &d.Snapshot[0]
}

// Element returns the unsliced element at path.
func (d *Definition) Element(path string) *Element {
	return d.byPath[path]
}

// Children returns the unsliced direct children of path in snapshot order.
func (d *Definition) Children(path string) []*Element {
	return d.children[path]
}

// ChoiceElement finds the choice element under parent matching a JSON property
// such as "deceasedBoolean". It returns the element and the type code.
func (d *Definition) ChoiceElement(parent, property string) (*Element, string) {
	for _, child := range d.children[parent] {
		if !child.IsChoice() {
			continue
		}
		base := child.ChoiceBase()
		if !strings.HasPrefix(property, base) || len(property) == len(base) {
			continue
		}
		suffix := property[len(base):]
		for _, t := range child.Types {
			if t.Code != "" && suffix == strings.ToUpper(t.Code[:1])+t.Code[1:] {
				return child, t.Code
			}
		}
		return child, ""
	}
	return nil, ""
}

// Slices returns the slices declared on the element at path, in snapshot order.
// Slices of elements that are themselves inside a slice are not listed.
func (d *Definition) Slices(path string) []*Element {
	return d.slices[path]
}

// ElementByID returns the element with the given id, sliced or not.
func (d *Definition) ElementByID(id string) *Element {
	return d.byID[id]
}

// SliceChildren returns the direct children of a slice entry.
func (d *Definition) SliceChildren(slice *Element) []*Element {
	return d.sliceChildren[slice.ID]
}

// index builds the lookup maps. The path index holds only unsliced elements
// (ids without ':') so each path maps to its base element; slice entries and
// their children are reachable through Slices, SliceChildren and ElementByID.
func (d *Definition) index() {
	d.byPath = make(map[string]*Element, len(d.Snapshot))
	d.byID = make(map[string]*Element, len(d.Snapshot))
	d.children = make(map[string][]*Element)
	d.slices = make(map[string][]*Element)
	d.sliceChildren = make(map[string][]*Element)
	for i := range d.Snapshot {
		e := &d.Snapshot[i]
		if e.ID != "" {
			if _, dup := d.byID[e.ID]; !dup {
				d.byID[e.ID] = e
			}
		}
		if e.SliceName != "" || strings.Contains(e.ID, ":") {
			d.indexSliced(e)
			continue
		}
		if _, dup := d.byPath[e.Path]; dup {
			continue
		}
		d.byPath[e.Path] = e
		if dot := strings.LastIndex(e.Path, "."); dot > 0 {
			parent := e.Path[:dot]
			d.children[parent] = append(d.children[parent], e)
		}
	}
}

func (d *Definition) indexSliced(e *Element) {
	colon := strings.LastIndexByte(e.ID, ':')
	if colon < 0 {
		return
	}
	rest := e.ID[colon+1:]
	if e.SliceName != "" && !strings.Contains(rest, ".") {
		// A slice entry such as Patient.identifier:mrn; reslices are skipped.
		if !strings.Contains(e.ID[:colon], ":") && !strings.Contains(e.SliceName, "/") {
			d.slices[e.Path] = append(d.slices[e.Path], e)
		}
		return
	}
	if dot := strings.LastIndexByte(e.ID, '.'); dot > colon {
		parent := e.ID[:dot]
		d.sliceChildren[parent] = append(d.sliceChildren[parent], e)
	}
}

// IsPrimitiveType reports whether code names a FHIR primitive type or a
// FHIRPath system type used for primitive values.
func IsPrimitiveType(code string) bool {
	if strings.HasPrefix(code, "http://hl7.org/fhirpath/System.") {
		return true
	}
	return code != "" && code[0] >= 'a' && code[0] <= 'z'
}

// CanonicalURL turns a bare type name into its core canonical and strips any
// "|version" suffix. Absolute URLs are returned unchanged otherwise.
func CanonicalURL(urlOrType string) string {
	s := strings.TrimSpace(urlOrType)
	if i := strings.IndexByte(s, '|'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "/") && !strings.Contains(s, ":") {
		return CoreBase + s
	}
	return s
}
