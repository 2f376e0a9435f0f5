package validator

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gofhir/conformance"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/profile"
)

const (
	strengthRequired   = "required"
	strengthExtensible = "extensible"
)

// coded is one code found in an instance, with the path it was found at.
type coded struct {
	system string
	code   string
	path   string
}

func (c coded) String() string {
	if c.system == "" {
		return c.code
	}
	return c.system + "#" + c.code
}

// binding checks a code, Coding or CodeableConcept against the element's
// required or extensible value set. Preferred and example bindings are not checked.
func (w *walker) binding(value any, elem *profile.Element, typeCode, path string) {
	b := elem.Binding
	if b == nil || b.ValueSet == "" || w.v.terminology == nil {
		return
	}
	if b.Strength != strengthRequired && b.Strength != strengthExtensible {
		return
	}

	switch typeCode {
	case "code", "string", "uri":
		if code, ok := value.(string); ok && code != "" {
			w.checkCodes(b, path, coded{code: code, path: path})
		}
	case "Coding":
		if c, ok := codingOf(value, path); ok {
			w.checkCodes(b, path, c)
		}
	case "CodeableConcept":
		obj, _ := value.(map[string]any)
		items, _ := obj["coding"].([]any)
		var codes []coded
		for i, item := range items {
			if c, ok := codingOf(item, fmt.Sprintf("%s.coding[%d]", path, i)); ok {
				codes = append(codes, c)
			}
		}
		w.checkCodes(b, path, codes...)
	}
}

// checkCodes passes when any of codes is in the value set. Value sets that
// are not available locally are skipped.
func (w *walker) checkCodes(b *profile.Binding, path string, codes ...coded) {
	if len(codes) == 0 {
		return
	}
	exp, err := w.v.terminology.Expand(w.ctx, b.ValueSet)
	switch {
	case err != nil && w.ctx.Err() != nil:
		w.err = w.ctx.Err()
		return
	case errors.Is(err, conformance.ErrNotFound):
		logger.Debug("binding: value set %s not available, %s not checked", b.ValueSet, path)
		return
	case err != nil:
		logger.Warn("binding: expand %s: %v", b.ValueSet, err)
		w.out.AddWithID(issue.DiagBindingNotExpandable,
			map[string]any{"valueSet": b.ValueSet, "code": codes[0]}, path)
		return
	}

	for _, c := range codes {
		if exp.Contains(c.system, c.code) {
			return
		}
	}
	if !exp.Complete {
		w.out.AddWithID(issue.DiagBindingNotExpandable,
			map[string]any{"valueSet": b.ValueSet, "code": codes[0]}, path)
		return
	}

	if b.Strength == strengthRequired {
		w.out.AddWithID(issue.DiagBindingRequired,
			map[string]any{"valueSet": b.ValueSet, "code": codes[0]}, codes[0].path)
		return
	}
	// Extensible bindings accept codes from systems outside the value set.
	for _, c := range codes {
		if c.system == "" || exp.HasSystem(c.system) {
			w.out.AddWithID(issue.DiagBindingExtensible,
				map[string]any{"valueSet": b.ValueSet, "code": c}, c.path)
			return
		}
	}
}

func codingOf(value any, path string) (coded, bool) {
	obj, ok := value.(map[string]any)
	if !ok {
		return coded{}, false
	}
	code, _ := obj["code"].(string)
	if code == "" {
		return coded{}, false
	}
	system, _ := obj["system"].(string)
	return coded{system: system, code: code, path: path}, true
}
