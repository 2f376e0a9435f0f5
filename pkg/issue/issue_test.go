package issue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

func TestOutcomeSuccess(t *testing.T) {
	tests := []struct {
		name       string
		severities []Severity
		want       bool
	}{
		{"empty", nil, true},
		{"information only", []Severity{SeverityInformation}, true},
		{"warnings only", []Severity{SeverityWarning, SeverityWarning}, true},
		{"single error", []Severity{SeverityWarning, SeverityError}, false},
		{"fatal", []Severity{SeverityFatal}, false},
		{"mixed", []Severity{SeverityInformation, SeverityFatal, SeverityWarning}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOutcome()
			for _, s := range tt.severities {
				o.AddIssue(Issue{Severity: s, Code: CodeProcessing})
			}
			assert.Equal(t, tt.want, o.Success())
			assert.Equal(t, !tt.want, o.ErrorCount() > 0)
		})
	}
}

func TestNilOutcomeIsSuccessful(t *testing.T) {
	var o *Outcome
	assert.True(t, o.Success())
}

func TestOutcomeAddError(t *testing.T) {
	o := NewOutcome()
	o.AddError(CodeStructure, "Unknown element 'foo'", "Patient.foo")

	require.Len(t, o.Issues, 1)
	assert.Equal(t, SeverityError, o.Issues[0].Severity)
	assert.Equal(t, CodeStructure, o.Issues[0].Code)
	assert.Equal(t, "Patient.foo", o.Issues[0].Path())
}

func TestOutcomeMergeStampsSource(t *testing.T) {
	o := NewOutcome()
	other := NewOutcome()
	other.AddWarning(CodeInvariant, "w", "Patient")
	other.AddIssue(Issue{Severity: SeverityError, Code: CodeValue, Source: "http://x/keep"})

	o.Merge(other, "http://x/profile")

	require.Len(t, o.Issues, 2)
	assert.Equal(t, "http://x/profile", o.Issues[0].Source)
	assert.Equal(t, "http://x/keep", o.Issues[1].Source)
}

func TestOutcomeEscalate(t *testing.T) {
	o := NewOutcome()
	o.AddWarning(CodeInvariant, "w")
	require.True(t, o.Success())

	o.Escalate()
	assert.False(t, o.Success())
}

func TestAddWithIDUsesCatalog(t *testing.T) {
	o := NewOutcome()
	o.AddWithID(DiagCardinalityMin, map[string]any{"path": "Patient.name", "count": 0, "min": 1, "max": "*"}, "Patient")

	require.Len(t, o.Issues, 1)
	is := o.Issues[0]
	assert.Equal(t, SeverityError, is.Severity)
	assert.Equal(t, CodeRequired, is.Code)
	assert.Equal(t, "Instance count for 'Patient.name' is 0, which is not within the specified cardinality of 1..*", is.Diagnostics)
	assert.Equal(t, string(DiagCardinalityMin), is.MessageID)
}

func TestAddWithIDUnknownID(t *testing.T) {
	o := NewOutcome()
	o.AddWithID(DiagnosticID("NOPE"), nil)
	require.Len(t, o.Issues, 1)
	assert.Equal(t, CodeProcessing, o.Issues[0].Code)
	assert.Equal(t, "NOPE", o.Issues[0].Diagnostics)
}

func TestProfileNotFoundIsFatal(t *testing.T) {
	tmpl, ok := GetDiagnosticTemplate(DiagProfileNotFound)
	require.True(t, ok)
	assert.Equal(t, SeverityFatal, tmpl.Severity)
	assert.Equal(t, CodeNotFound, tmpl.Code)
}

func TestEnrichLocations(t *testing.T) {
	o := NewOutcome()
	o.AddError(CodeValue, "bad", "Patient.birthDate")
	o.AddError(CodeValue, "no path")

	o.EnrichLocations(func(expr string) *Location {
		if expr == "Patient.birthDate" {
			return &Location{Line: 3, Column: 5}
		}
		return nil
	})

	require.NotNil(t, o.Issues[0].Location)
	assert.Equal(t, 3, o.Issues[0].Location.Line)
	assert.Nil(t, o.Issues[1].Location)
}

func TestOperationOutcomeRoundTrip(t *testing.T) {
	o := NewOutcome()
	o.AddIssue(Issue{
		Severity:    SeverityError,
		Code:        CodeInvariant,
		Diagnostics: "Constraint failed",
		Expression:  []string{"Patient.contact[0]"},
		Location:    &Location{Line: 12, Column: 7},
		Source:      "http://hl7.org/fhir/StructureDefinition/Patient",
	})
	o.AddWarning(CodeNotSupported, "no definition", "Patient.photo[0]")

	oo := o.OperationOutcome()
	require.Len(t, oo.Issue, 2)
	assert.Equal(t, fhir.IssueSeverityError, oo.Issue[0].Severity)

	data, err := json.Marshal(oo)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"resourceType":"OperationOutcome"`)
	assert.Contains(t, string(data), `"code":"invariant"`)

	var decoded fhir.OperationOutcome
	require.NoError(t, json.Unmarshal(data, &decoded))
	back := FromOperationOutcome(decoded)
	require.Len(t, back.Issues, 2)
	assert.Equal(t, o.Issues[0], back.Issues[0])
	assert.Equal(t, SeverityWarning, back.Issues[1].Severity)
	assert.Equal(t, CodeNotSupported, back.Issues[1].Code)
}

func TestEmptyOutcomeRendersAllOK(t *testing.T) {
	oo := NewOutcome().OperationOutcome()
	require.Len(t, oo.Issue, 1)
	require.NotNil(t, oo.Issue[0].Diagnostics)
	assert.Equal(t, "All OK", *oo.Issue[0].Diagnostics)

	assert.Empty(t, FromOperationOutcome(oo).Issues)
}
