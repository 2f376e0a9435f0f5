// Package issue defines validation issues aligned with FHIR OperationOutcome.
package issue

// Severity represents the severity of a validation issue.
type Severity string

// Severity constants aligned with FHIR IssueSeverity.
const (
	SeverityFatal       Severity = "fatal"
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// IsFailure reports whether the severity makes an outcome unsuccessful.
func (s Severity) IsFailure() bool {
	return s == SeverityFatal || s == SeverityError
}

// Code represents the type of validation issue (IssueType).
type Code string

// Code constants aligned with FHIR IssueType.
const (
	CodeInvalid       Code = "invalid"
	CodeStructure     Code = "structure"
	CodeRequired      Code = "required"
	CodeValue         Code = "value"
	CodeInvariant     Code = "invariant"
	CodeProcessing    Code = "processing"
	CodeNotSupported  Code = "not-supported"
	CodeDuplicate     Code = "duplicate"
	CodeNotFound      Code = "not-found"
	CodeCodeInvalid   Code = "code-invalid"
	CodeBusinessRule  Code = "business-rule"
	CodeConflict      Code = "conflict"
	CodeTransient     Code = "transient"
	CodeException     Code = "exception"
	CodeTimeout       Code = "timeout"
	CodeInformational Code = "informational"
)

// Issue represents a single validation issue.
type Issue struct {
	// Severity indicates the severity level (error, warning, etc.)
	Severity Severity

	// Code indicates the type of issue
	Code Code

	// Diagnostics is the human-readable description of the issue
	Diagnostics string

	// Expression contains FHIRPath expression(s) pointing to the issue location
	Expression []string

	// Location contains line and column information
	Location *Location

	// Source is the canonical URL of the profile that produced the issue
	Source string

	// MessageID is the identifier from the diagnostic catalog
	MessageID string
}

// Path returns the first expression, or "" when the issue is not tied to an element.
func (i Issue) Path() string {
	if len(i.Expression) == 0 {
		return ""
	}
	return i.Expression[0]
}

// Location represents the position in the source JSON.
type Location struct {
	Line   int
	Column int
}

// Outcome holds the ordered issues produced by one validation call.
// The success flag is derived from the issues and cannot disagree with them.
type Outcome struct {
	Issues []Issue
}

// NewOutcome creates an empty outcome.
func NewOutcome() *Outcome {
	return &Outcome{Issues: make([]Issue, 0, 8)}
}

// Success reports whether the outcome has no fatal or error issue.
func (o *Outcome) Success() bool {
	if o == nil {
		return true
	}
	for _, is := range o.Issues {
		if is.Severity.IsFailure() {
			return false
		}
	}
	return true
}

// AddIssue adds an issue to the outcome.
func (o *Outcome) AddIssue(is Issue) {
	o.Issues = append(o.Issues, is)
}

// AddFatal adds a fatal issue.
func (o *Outcome) AddFatal(code Code, diagnostics string, expression ...string) {
	o.add(SeverityFatal, code, diagnostics, expression)
}

// AddError adds an error-level issue.
func (o *Outcome) AddError(code Code, diagnostics string, expression ...string) {
	o.add(SeverityError, code, diagnostics, expression)
}

// AddWarning adds a warning-level issue.
func (o *Outcome) AddWarning(code Code, diagnostics string, expression ...string) {
	o.add(SeverityWarning, code, diagnostics, expression)
}

// AddInfo adds an information-level issue.
func (o *Outcome) AddInfo(code Code, diagnostics string, expression ...string) {
	o.add(SeverityInformation, code, diagnostics, expression)
}

func (o *Outcome) add(sev Severity, code Code, diagnostics string, expression []string) {
	o.Issues = append(o.Issues, Issue{
		Severity:    sev,
		Code:        code,
		Diagnostics: diagnostics,
		Expression:  expression,
	})
}

// Count returns the number of issues with the given severity.
func (o *Outcome) Count(sev Severity) int {
	n := 0
	for _, is := range o.Issues {
		if is.Severity == sev {
			n++
		}
	}
	return n
}

// ErrorCount returns the number of fatal and error issues.
func (o *Outcome) ErrorCount() int {
	return o.Count(SeverityFatal) + o.Count(SeverityError)
}

// WarningCount returns the number of warning issues.
func (o *Outcome) WarningCount() int {
	return o.Count(SeverityWarning)
}

// Merge appends the issues of other, stamping source on issues that have none.
func (o *Outcome) Merge(other *Outcome, source string) {
	if other == nil {
		return
	}
	for _, is := range other.Issues {
		if is.Source == "" {
			is.Source = source
		}
		o.Issues = append(o.Issues, is)
	}
}

// Filter returns a new outcome with only issues matching the given severity.
func (o *Outcome) Filter(sev Severity) *Outcome {
	filtered := NewOutcome()
	for _, is := range o.Issues {
		if is.Severity == sev {
			filtered.Issues = append(filtered.Issues, is)
		}
	}
	return filtered
}

// Escalate turns warnings into errors. Used by strict mode.
func (o *Outcome) Escalate() {
	for i := range o.Issues {
		if o.Issues[i].Severity == SeverityWarning {
			o.Issues[i].Severity = SeverityError
		}
	}
}

// EnrichLocations adds line and column information to issues based on their expressions.
// The locator function maps an expression path to a Location.
func (o *Outcome) EnrichLocations(locator func(expression string) *Location) {
	if locator == nil {
		return
	}
	for i := range o.Issues {
		if len(o.Issues[i].Expression) > 0 && o.Issues[i].Location == nil {
			if loc := locator(o.Issues[i].Expression[0]); loc != nil {
				o.Issues[i].Location = loc
			}
		}
	}
}
