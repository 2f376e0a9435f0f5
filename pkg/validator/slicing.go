package validator

import (
	"fmt"
	"strings"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/profile"
)

const (
	rulesClosed    = "closed"
	rulesOpenAtEnd = "openAtEnd"
	pathThis       = "$this"
)

// sliceSet is the slicing of one element of a profile.
type sliceSet struct {
	def     *profile.Definition
	slicing *profile.Slicing
	slices  []*profile.Element
}

// slicing assigns the items of a sliced element to slices and checks slice
// cardinality, the closed and ordered rules, and the fixed and pattern values
// of each matched slice. parent is the path of the object holding the
// element; key is its property name, empty when absent.
func (w *walker) slicing(def *profile.Definition, elem *profile.Element, items []any, present bool, parent, key string) {
	set := sliceSet{def: def, slicing: elem.Slicing, slices: def.Slices(elem.Path)}
	if set.slicing == nil || len(set.slices) == 0 {
		return
	}
	arrayPath := parent
	if key != "" {
		arrayPath = parent + "." + key
	}
	if !present && !set.required() {
		return
	}
	if reason := set.unsupported(); reason != "" {
		w.out.AddWithID(issue.DiagSlicingUnsupported,
			map[string]any{"path": elem.Path, "reason": reason}, arrayPath)
		return
	}

	counts := make([]int, len(set.slices))
	highest, unmatched := -1, false
	for i, item := range items {
		if item == nil {
			continue
		}
		itemPath := fmt.Sprintf("%s[%d]", arrayPath, i)
		idx := set.match(item)
		if idx < 0 {
			unmatched = true
			if set.slicing.Rules == rulesClosed {
				w.out.AddWithID(issue.DiagSlicingNoMatch, map[string]any{"path": elem.Path}, itemPath)
			}
			continue
		}
		slice := set.slices[idx]
		counts[idx]++
		if (set.slicing.Ordered && idx < highest) || (set.slicing.Rules == rulesOpenAtEnd && unmatched) {
			w.out.AddWithID(issue.DiagSlicingOutOfOrder,
				map[string]any{"path": elem.Path, "slice": slice.SliceName}, itemPath)
		}
		if idx > highest {
			highest = idx
		}
		w.sliceContent(def, slice, item, itemPath)
	}

	for idx, slice := range set.slices {
		params := map[string]any{"path": slice.ID, "count": counts[idx], "min": slice.Min, "max": slice.Max}
		if counts[idx] < slice.Min {
			w.out.AddWithID(issue.DiagSlicingCardinalityMin, params, arrayPath)
		}
		if limit, bounded := slice.MaxCount(); bounded && counts[idx] > limit {
			w.out.AddWithID(issue.DiagSlicingCardinalityMax, params, arrayPath)
		}
	}
}

// sliceContent checks an item against the slice entry and its direct children.
func (w *walker) sliceContent(def *profile.Definition, slice *profile.Element, item any, path string) {
	w.fixedPattern(item, slice, path)
	obj, ok := item.(map[string]any)
	if !ok {
		return
	}
	for _, child := range def.SliceChildren(slice) {
		if child.IsChoice() || child.SliceName != "" {
			continue
		}
		name := child.Name()
		childPath := path + "." + name
		value := obj[name]
		n := presentCount(value)
		params := map[string]any{"path": child.ID, "count": n, "min": child.Min, "max": child.Max}
		if n < child.Min {
			w.out.AddWithID(issue.DiagSlicingCardinalityMin, params, path)
		}
		if limit, bounded := child.MaxCount(); bounded && n > limit {
			w.out.AddWithID(issue.DiagSlicingCardinalityMax, params, childPath)
		}
		if values, isArray := value.([]any); isArray {
			for i, v := range values {
				if v != nil {
					w.fixedPattern(v, child, fmt.Sprintf("%s[%d]", childPath, i))
				}
			}
		} else if value != nil {
			w.fixedPattern(value, child, childPath)
		}
	}
}

// required reports whether some slice needs at least one item.
func (s *sliceSet) required() bool {
	for _, slice := range s.slices {
		if slice.Min > 0 {
			return true
		}
	}
	return false
}

// unsupported explains why items cannot be assigned to slices, or returns "".
func (s *sliceSet) unsupported() string {
	if len(s.slicing.Discriminators) == 0 {
		return "no discriminator is declared"
	}
	for _, d := range s.slicing.Discriminators {
		switch d.Type {
		case "value", "pattern", "exists":
		default:
			return fmt.Sprintf("discriminator type '%s' on '%s' is not supported", d.Type, d.Path)
		}
		if strings.ContainsAny(d.Path, "()") {
			return fmt.Sprintf("discriminator path '%s' is not supported", d.Path)
		}
	}
	return ""
}

// match returns the index of the first slice whose discriminators all
// accept item, or -1.
func (s *sliceSet) match(item any) int {
	for idx, slice := range s.slices {
		ok := true
		for _, d := range s.slicing.Discriminators {
			if !s.accepts(slice, d, item) {
				ok = false
				break
			}
		}
		if ok {
			return idx
		}
	}
	return -1
}

func (s *sliceSet) accepts(slice *profile.Element, d profile.Discriminator, item any) bool {
	actual := valuesAt(item, d.Path)
	if d.Type == "exists" {
		return (len(actual) > 0) == s.expectsPresence(slice, d.Path)
	}
	expected, fixed := s.expectedAt(slice, d.Path)
	if len(expected) == 0 {
		return false
	}
	same := matchesPattern
	if fixed && d.Type == "value" {
		same = equalJSON
	}
	for _, want := range expected {
		found := false
		for _, got := range actual {
			if same(got, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// expectedAt returns the values a slice fixes or patterns at a discriminator
// path. When the element at the full path carries no value, the nearest
// ancestor with a fixed or pattern value is used and the remainder of the
// path is followed inside it.
func (s *sliceSet) expectedAt(slice *profile.Element, path string) (values []any, fixed bool) {
	var segments []string
	if path != pathThis && path != "" {
		segments = strings.Split(path, ".")
	}
	for n := len(segments); n >= 0; n-- {
		e := slice
		if n > 0 {
			e = s.def.ElementByID(slice.ID + "." + strings.Join(segments[:n], "."))
		}
		if e == nil {
			continue
		}
		raw, isFixed := e.Fixed, true
		if len(raw) == 0 {
			raw, isFixed = e.Pattern, false
		}
		if len(raw) == 0 {
			continue
		}
		v, ok := decodeValue(raw)
		if !ok {
			return nil, false
		}
		return valuesAt(v, strings.Join(segments[n:], ".")), isFixed
	}
	return nil, false
}

// expectsPresence reads an exists discriminator from the slice's child:
// max 0 means the value must be absent, anything else that it is present.
func (s *sliceSet) expectsPresence(slice *profile.Element, path string) bool {
	e := s.def.ElementByID(slice.ID + "." + path)
	return e == nil || !e.IsProhibited()
}

// valuesAt follows a dotted element path from node, flattening arrays.
func valuesAt(node any, path string) []any {
	current := []any{node}
	if path == "" || path == pathThis {
		return current
	}
	for _, name := range strings.Split(path, ".") {
		var next []any
		for _, n := range current {
			obj, ok := n.(map[string]any)
			if !ok {
				continue
			}
			switch v := obj[name].(type) {
			case nil:
			case []any:
				for _, x := range v {
					if x != nil {
						next = append(next, x)
					}
				}
			default:
				next = append(next, v)
			}
		}
		current = next
	}
	return current
}
