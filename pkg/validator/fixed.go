package validator

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/profile"
)

// fixedPattern compares a value with the element's fixed[x] and pattern[x].
// fixed requires exact equality; pattern requires every property and array
// item of the pattern to be present in the value.
func (w *walker) fixedPattern(value any, elem *profile.Element, path string) {
	if len(elem.Fixed) > 0 {
		if expected, ok := decodeValue(elem.Fixed); ok && !equalJSON(value, expected) {
			w.out.AddWithID(issue.DiagFixedMismatch,
				map[string]any{"path": path, "expected": compact(elem.Fixed)}, path)
		}
	}
	if len(elem.Pattern) > 0 {
		if pattern, ok := decodeValue(elem.Pattern); ok && !matchesPattern(value, pattern) {
			w.out.AddWithID(issue.DiagPatternMismatch,
				map[string]any{"path": path, "expected": compact(elem.Pattern)}, path)
		}
	}
}

func decodeValue(raw json.RawMessage) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// equalJSON reports deep equality of decoded JSON values. Numbers compare by value.
func equalJSON(a, b any) bool {
	switch bv := b.(type) {
	case map[string]any:
		av, ok := a.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range bv {
			y, ok := av[k]
			if !ok || !equalJSON(y, x) {
				return false
			}
		}
		return true
	case []any:
		av, ok := a.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range bv {
			if !equalJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	case json.Number:
		an, ok := a.(json.Number)
		return ok && equalNumber(an, bv)
	default:
		return a == b
	}
}

// matchesPattern reports whether value contains pattern. Objects must hold
// every pattern property; each pattern array item must match some value item.
func matchesPattern(value, pattern any) bool {
	switch p := pattern.(type) {
	case map[string]any:
		v, ok := value.(map[string]any)
		if !ok {
			return false
		}
		for k, pv := range p {
			vv, ok := v[k]
			if !ok || !matchesPattern(vv, pv) {
				return false
			}
		}
		return true
	case []any:
		v, ok := value.([]any)
		if !ok {
			return false
		}
		for _, pi := range p {
			found := false
			for _, vi := range v {
				if matchesPattern(vi, pi) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return equalJSON(value, pattern)
	}
}

func equalNumber(a, b json.Number) bool {
	if a == b {
		return true
	}
	x, errA := strconv.ParseFloat(a.String(), 64)
	y, errB := strconv.ParseFloat(b.String(), 64)
	return errA == nil && errB == nil && x == y
}
