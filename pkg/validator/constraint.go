package validator

import (
	"encoding/json"

	"github.com/gofhir/fhirpath"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/profile"
)

// constraints evaluates the FHIRPath invariants of elem with node as the
// evaluation root. Compile and evaluation failures are reported as warnings.
func (w *walker) constraints(node map[string]any, elem *profile.Element, path string) {
	if !w.v.config.Constraints || elem == nil || len(elem.Constraints) == 0 {
		return
	}
	var data []byte
	for _, c := range elem.Constraints {
		if c.Expression == "" {
			continue
		}
		expr, err := w.v.compile(c.Expression)
		if err != nil {
			w.out.AddWithID(issue.DiagConstraintCompileError,
				map[string]any{"key": c.Key, "error": err.Error()}, path)
			continue
		}
		if data == nil {
			if data, err = json.Marshal(node); err != nil {
				return
			}
		}
		result, err := expr.Evaluate(data)
		if err != nil {
			w.out.AddWithID(issue.DiagConstraintEvalError,
				map[string]any{"key": c.Key, "error": err.Error()}, path)
			continue
		}
		if passed(result) {
			continue
		}
		params := map[string]any{"key": c.Key, "human": c.Human}
		if c.Severity == "error" {
			w.out.AddWithID(issue.DiagConstraintFailed, params, path)
		} else {
			w.out.AddWarningWithID(issue.DiagConstraintFailed, params, path)
		}
	}
}

// passed treats an empty result as not applicable and a non-boolean result
// as satisfied.
func passed(result fhirpath.Collection) bool {
	if result.Empty() {
		return true
	}
	b, err := result.ToBoolean()
	if err != nil {
		return true
	}
	return b
}
