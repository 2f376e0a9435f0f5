package validator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/profile"
)

// walker runs the element checks of one profile over one resource tree.
// Structure, cardinality, slicing, primitive, fixed/pattern, binding and
// invariant checks are applied in a single pass.
type walker struct {
	ctx    context.Context
	v      *Validator
	out    *issue.Outcome
	err    error
	failed map[string]bool // type names that could not be resolved
}

func newWalker(ctx context.Context, v *Validator, out *issue.Outcome) *walker {
	return &walker{ctx: ctx, v: v, out: out, failed: make(map[string]bool)}
}

// resource checks a resource node against def. path is the resource's own
// path, e.g. "Patient" or "Patient.contained[0]".
func (w *walker) resource(node map[string]any, def *profile.Definition, path string) {
	root := def.Root()
	if root == nil {
		return
	}
	w.object(node, def, root.Path, path, true)
	w.constraints(node, root, path)
}

// object checks the properties of node against the children of elemPath in
// def, then the cardinality of every child.
func (w *walker) object(node map[string]any, def *profile.Definition, elemPath, path string, isResource bool) {
	if w.err != nil {
		return
	}
	counts := make(map[*profile.Element]int)
	keys := make(map[*profile.Element]string)

	for _, key := range sortedKeys(node) {
		if isResource && key == "resourceType" {
			continue
		}
		childPath := path + "." + key
		name, extension := key, false
		if len(key) > 1 && key[0] == '_' {
			name, extension = key[1:], true
		}

		elem := def.Element(elemPath + "." + name)
		typeCode := ""
		if elem == nil {
			choice, code := def.ChoiceElement(elemPath, name)
			if choice != nil && code == "" {
				w.out.AddWithID(issue.DiagStructureInvalidChoiceType,
					map[string]any{"type": name[len(choice.ChoiceBase()):], "element": choice.Path}, childPath)
				continue
			}
			elem, typeCode = choice, code
		}
		if elem == nil || (extension && !isPrimitiveElement(elem, typeCode)) {
			w.out.AddWithID(issue.DiagStructureUnknownElement, map[string]any{"element": key}, childPath)
			continue
		}

		value := node[key]
		if extension {
			// Extensions on primitives count toward cardinality when the value is absent.
			if n := presentCount(value); n > counts[elem] {
				counts[elem] = n
			}
			continue
		}
		keys[elem] = key

		items, isArray := value.([]any)
		switch {
		case elem.Repeats() && !isArray:
			w.out.AddWithID(issue.DiagStructureArrayExpected, map[string]any{"element": key}, childPath)
			counts[elem]++
		case !elem.Repeats() && isArray:
			w.out.AddWithID(issue.DiagStructureArrayUnexpected, map[string]any{"element": key}, childPath)
			counts[elem]++
		case isArray:
			n := 0
			for i, item := range items {
				if item == nil {
					continue
				}
				n++
				w.value(item, def, elem, typeCode, fmt.Sprintf("%s[%d]", childPath, i))
			}
			if n > counts[elem] {
				counts[elem] = n
			}
		default:
			counts[elem] = 1
			w.value(value, def, elem, typeCode, childPath)
		}
	}

	for _, child := range def.Children(elemPath) {
		n := counts[child]
		limit, bounded := child.MaxCount()
		params := map[string]any{
			"path":  path + "." + child.Name(),
			"count": n,
			"min":   child.Min,
			"max":   child.Max,
		}
		if n < child.Min {
			w.out.AddWithID(issue.DiagCardinalityMin, params, path)
		}
		if bounded && n > limit {
			w.out.AddWithID(issue.DiagCardinalityMax, params, path+"."+keys[child])
		}
		if child.Slicing != nil {
			items, _ := node[keys[child]].([]any)
			w.slicing(def, child, items, n > 0, path, keys[child])
		}
	}
}

// value checks one occurrence of elem.
func (w *walker) value(item any, def *profile.Definition, elem *profile.Element, typeCode, path string) {
	if w.err != nil {
		return
	}
	if ref := elem.ContentReference; ref != "" {
		if obj := w.expectObject(item, elem, "BackboneElement", path); obj != nil {
			w.object(obj, def, ref[strings.IndexByte(ref, '#')+1:], path, false)
			w.constraints(obj, elem, path)
		}
		return
	}

	code := typeCode
	if code == "" {
		code = elem.SingleType()
	}
	switch {
	case code == "":
		// Several types without a choice name; nothing to check against.
	case profile.IsPrimitiveType(code):
		w.primitive(item, code, path)
		w.fixedPattern(item, elem, path)
		w.binding(item, elem, code, path)
	case len(def.Children(elem.Path)) > 0:
		if obj := w.expectObject(item, elem, code, path); obj != nil {
			w.object(obj, def, elem.Path, path, false)
			w.fixedPattern(obj, elem, path)
			w.constraints(obj, elem, path)
		}
	case code == "Resource" || code == "DomainResource":
		obj := w.expectObject(item, elem, code, path)
		if obj == nil {
			return
		}
		rt, _ := obj["resourceType"].(string)
		if rt == "" {
			w.out.AddWithID(issue.DiagStructureNoResourceType, nil, path)
			return
		}
		if typeDef := w.resolveType(rt, path); typeDef != nil {
			w.resource(obj, typeDef, path)
		}
	default:
		obj := w.expectObject(item, elem, code, path)
		if obj == nil {
			return
		}
		typeDef := w.resolveType(code, path)
		if typeDef == nil || typeDef.Root() == nil {
			return
		}
		w.object(obj, typeDef, typeDef.Root().Path, path, false)
		w.fixedPattern(obj, elem, path)
		w.binding(obj, elem, code, path)
		w.constraints(obj, typeDef.Root(), path)
		w.constraints(obj, elem, path)
	}
}

func (w *walker) expectObject(item any, elem *profile.Element, code, path string) map[string]any {
	obj, ok := item.(map[string]any)
	if !ok {
		w.out.AddWithID(issue.DiagStructureObjectExpected, map[string]any{"element": elem.Name(), "type": code}, path)
		return nil
	}
	return obj
}

// resolveType looks up the definition of a complex or resource type. A type
// that cannot be resolved is reported once per path as a warning.
func (w *walker) resolveType(code, path string) *profile.Definition {
	if !w.failed[code] {
		def, err := w.v.resolver.Resolve(w.ctx, code)
		if err == nil {
			return def
		}
		if ctxErr := w.ctx.Err(); ctxErr != nil {
			w.err = ctxErr
			return nil
		}
		w.failed[code] = true
	}
	w.out.AddWithID(issue.DiagTypeNotResolved, map[string]any{"path": path, "type": code}, path)
	return nil
}

func isPrimitiveElement(elem *profile.Element, typeCode string) bool {
	if typeCode != "" {
		return profile.IsPrimitiveType(typeCode)
	}
	return profile.IsPrimitiveType(elem.SingleType())
}

// presentCount counts non-null occurrences of a JSON value.
func presentCount(value any) int {
	switch v := value.(type) {
	case nil:
		return 0
	case []any:
		n := 0
		for _, item := range v {
			if item != nil {
				n++
			}
		}
		return n
	default:
		return 1
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
