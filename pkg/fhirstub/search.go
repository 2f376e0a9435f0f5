package fhirstub

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/gofhir/conformance/pkg/search"
)

type paramKind int

const (
	kindString paramKind = iota
	kindToken
	kindIdentifier
	kindDate
	kindBool
)

// paramDef binds a search parameter to element paths of a resource.
type paramDef struct {
	kind  paramKind
	paths []string
}

// searchParams lists the supported parameters per resource type. _id works for every type.
var searchParams = map[string]map[string]paramDef{
	"Patient": {
		"family":     {kindString, []string{"name.family"}},
		"given":      {kindString, []string{"name.given"}},
		"name":       {kindString, []string{"name.family", "name.given", "name.text", "name.prefix", "name.suffix"}},
		"identifier": {kindIdentifier, []string{"identifier"}},
		"gender":     {kindToken, []string{"gender"}},
		"birthdate":  {kindDate, []string{"birthDate"}},
		"active":     {kindBool, []string{"active"}},
	},
	"Organization": {
		"name":       {kindString, []string{"name", "alias"}},
		"identifier": {kindIdentifier, []string{"identifier"}},
		"active":     {kindBool, []string{"active"}},
	},
}

// sortPaths maps _sort fields to the element whose first value orders results.
var sortPaths = map[string]map[string]string{
	"Patient": {
		"family":    "name.family",
		"given":     "name.given",
		"name":      "name.family",
		"birthdate": "birthDate",
		"gender":    "gender",
	},
	"Organization": {
		"name": "name",
	},
}

// includePaths maps _include specs to reference elements.
var includePaths = map[string]string{
	"Patient:organization":         "managingOrganization",
	"Patient:general-practitioner": "generalPractitioner",
	"Patient:link":                 "link.other",
	"Organization:partof":          "partOf",
	"Organization:endpoint":        "endpoint",
}

// summaryElements are kept by _summary=true.
var summaryElements = map[string]bool{
	"resourceType": true, "id": true, "meta": true, "implicitRules": true,
	"identifier": true, "active": true, "name": true, "telecom": true,
	"gender": true, "birthDate": true, "deceasedBoolean": true, "deceasedDateTime": true,
	"address": true, "managingOrganization": true, "link": true,
	"type": true, "partOf": true, "alias": true,
}

// checkCriteria rejects parameters, modifiers, sort fields and includes the
// type does not support.
func checkCriteria(resourceType string, c *search.Criteria) error {
	defs := searchParams[resourceType]
	for _, p := range c.Params() {
		def, ok := defs[p.Name]
		if !ok {
			return errors.Errorf("unknown search parameter %q for %s", p.Name, resourceType)
		}
		switch p.Modifier {
		case search.ModifierNone, search.ModifierMissing:
		case search.ModifierExact, search.ModifierContains:
			if def.kind != kindString {
				return errors.Errorf("modifier :%s is not supported on %s", p.Modifier, p.Name)
			}
		default:
			return errors.Errorf("unknown modifier :%s on %s", p.Modifier, p.Name)
		}
	}
	for _, s := range c.Sort() {
		if _, ok := sortPaths[resourceType][s.Field]; !ok && s.Field != "_id" {
			return errors.Errorf("cannot sort %s by %q", resourceType, s.Field)
		}
	}
	for _, inc := range c.Includes() {
		typ, _, _ := strings.Cut(inc, ":")
		if _, ok := includePaths[inc]; !ok || typ != resourceType {
			return errors.Errorf("unsupported _include %q", inc)
		}
	}
	return nil
}

// matches reports whether obj satisfies every condition of c.
func matches(resourceType string, obj object, c *search.Criteria) bool {
	if id := c.ID(); id != "" {
		found := false
		for _, alt := range (search.Param{Value: id}).Alternatives() {
			if obj["id"] == alt {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, p := range c.Params() {
		def := searchParams[resourceType][p.Name]
		values := collect(obj, def.paths)
		if p.Modifier == search.ModifierMissing {
			if (p.Value == "true") != (len(values) == 0) {
				return false
			}
			continue
		}
		if !anyAlternative(def, p, values) {
			return false
		}
	}
	return true
}

func collect(obj object, paths []string) []any {
	var out []any
	for _, path := range paths {
		out = append(out, lookup(obj, path)...)
	}
	return out
}

func anyAlternative(def paramDef, p search.Param, values []any) bool {
	for _, alt := range p.Alternatives() {
		for _, v := range values {
			if matchValue(def.kind, p.Modifier, alt, v) {
				return true
			}
		}
	}
	return false
}

func matchValue(kind paramKind, modifier, want string, v any) bool {
	switch kind {
	case kindString:
		s, ok := v.(string)
		if !ok {
			return false
		}
		switch modifier {
		case search.ModifierExact:
			return s == want
		case search.ModifierContains:
			return strings.Contains(strings.ToLower(s), strings.ToLower(want))
		default:
			return strings.HasPrefix(strings.ToLower(s), strings.ToLower(want))
		}
	case kindToken:
		s, ok := v.(string)
		return ok && strings.EqualFold(s, want)
	case kindIdentifier:
		ident, ok := v.(map[string]any)
		if !ok {
			return false
		}
		system, _ := ident["system"].(string)
		value, _ := ident["value"].(string)
		if wantSystem, wantValue, qualified := strings.Cut(want, "|"); qualified {
			return system == wantSystem && (wantValue == "" || value == wantValue)
		}
		return value == want
	case kindDate:
		s, ok := v.(string)
		if !ok {
			return false
		}
		prefix, date := search.SplitPrefix(want)
		return compareDate(s, prefix, date)
	case kindBool:
		b, ok := v.(bool)
		return ok && fmt.Sprint(b) == want
	}
	return false
}

// compareDate compares at the precision of the requested value.
func compareDate(actual string, prefix search.Prefix, want string) bool {
	if len(actual) > len(want) {
		actual = actual[:len(want)]
	}
	cmp := strings.Compare(actual, want)
	switch prefix {
	case search.PrefixNe:
		return cmp != 0
	case search.PrefixGt:
		return cmp > 0
	case search.PrefixLt:
		return cmp < 0
	case search.PrefixGe:
		return cmp >= 0
	case search.PrefixLe:
		return cmp <= 0
	default:
		return cmp == 0
	}
}

// sortResults orders objs by the _sort fields. Missing values sort last and
// ties keep creation order.
func sortResults(resourceType string, objs []object, fields []search.SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(objs, func(i, j int) bool {
		for _, f := range fields {
			path := sortPaths[resourceType][f.Field]
			if f.Field == "_id" {
				path = "id"
			}
			a, aok := firstString(objs[i], path)
			b, bok := firstString(objs[j], path)
			switch {
			case aok != bok:
				return aok
			case a == b:
				continue
			case f.Order == search.Descending:
				return a > b
			default:
				return a < b
			}
		}
		return false
	})
}

func firstString(obj object, path string) (string, bool) {
	for _, v := range lookup(obj, path) {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// summarize drops non-summary elements and tags the resource as subsetted.
func summarize(obj object) object {
	out := object{}
	for k, v := range obj {
		if summaryElements[k] {
			out[k] = v
		}
	}
	meta, _ := out["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	tags, _ := meta["tag"].([]any)
	meta["tag"] = append(tags, map[string]any{
		"system": "http://terminology.hl7.org/CodeSystem/v3-ObservationValue",
		"code":   "SUBSETTED",
	})
	out["meta"] = meta
	return out
}

// references returns "Type/id" references held at the include path.
func references(obj object, include string) []string {
	var out []string
	for _, v := range lookup(obj, includePaths[include]) {
		ref, _ := v.(map[string]any)
		if s, ok := ref["reference"].(string); ok && strings.Count(s, "/") == 1 {
			out = append(out, s)
		}
	}
	return out
}
