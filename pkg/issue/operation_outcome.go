package issue

import (
	"strconv"
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Extensions carrying line, column and source profile on exported issues.
const (
	extLine   = "http://hl7.org/fhir/StructureDefinition/operationoutcome-issue-line"
	extColumn = "http://hl7.org/fhir/StructureDefinition/operationoutcome-issue-col"
	extSource = "http://hl7.org/fhir/StructureDefinition/operationoutcome-issue-source"
)

// OperationOutcome renders the outcome as a FHIR R4 OperationOutcome.
// An outcome without issues renders a single informational "All OK" issue,
// because OperationOutcome.issue is 1..*.
func (o *Outcome) OperationOutcome() fhir.OperationOutcome {
	result := fhir.OperationOutcome{}
	if o == nil || len(o.Issues) == 0 {
		ok := "All OK"
		result.Issue = []fhir.OperationOutcomeIssue{{
			Severity:    toSeverity(SeverityInformation),
			Code:        toIssueType(CodeInformational),
			Diagnostics: &ok,
		}}
		return result
	}
	for _, is := range o.Issues {
		diag := is.Diagnostics
		out := fhir.OperationOutcomeIssue{
			Severity:    toSeverity(is.Severity),
			Code:        toIssueType(is.Code),
			Diagnostics: &diag,
			Expression:  append([]string(nil), is.Expression...),
		}
		if is.Location != nil {
			out.Extension = append(out.Extension,
				fhir.Extension{Url: extLine, ValueInteger: intPtr(is.Location.Line)},
				fhir.Extension{Url: extColumn, ValueInteger: intPtr(is.Location.Column)},
			)
		}
		if is.Source != "" {
			src := is.Source
			out.Extension = append(out.Extension, fhir.Extension{Url: extSource, ValueString: &src})
		}
		result.Issue = append(result.Issue, out)
	}
	return result
}

// FromOperationOutcome converts a server OperationOutcome into an outcome.
// The informational "All OK" placeholder is dropped.
func FromOperationOutcome(oo fhir.OperationOutcome) *Outcome {
	out := NewOutcome()
	for _, src := range oo.Issue {
		is := Issue{
			Severity:   Severity(src.Severity.Code()),
			Code:       Code(src.Code.Code()),
			Expression: append([]string(nil), src.Expression...),
		}
		if src.Diagnostics != nil {
			is.Diagnostics = *src.Diagnostics
		} else if src.Details != nil && src.Details.Text != nil {
			is.Diagnostics = *src.Details.Text
		}
		if len(is.Expression) == 0 && len(src.Location) > 0 {
			is.Expression = append(is.Expression, src.Location...)
		}
		var loc Location
		for _, ext := range src.Extension {
			switch {
			case ext.Url == extLine && ext.ValueInteger != nil:
				loc.Line = *ext.ValueInteger
			case ext.Url == extColumn && ext.ValueInteger != nil:
				loc.Column = *ext.ValueInteger
			case ext.Url == extSource && ext.ValueString != nil:
				is.Source = *ext.ValueString
			}
		}
		if loc.Line > 0 {
			is.Location = &loc
		}
		if is.Severity == SeverityInformation && strings.EqualFold(is.Diagnostics, "All OK") {
			continue
		}
		out.AddIssue(is)
	}
	return out
}

func toSeverity(s Severity) fhir.IssueSeverity {
	var sev fhir.IssueSeverity
	if err := sev.UnmarshalJSON([]byte(strconv.Quote(string(s)))); err != nil {
		return fhir.IssueSeverityError
	}
	return sev
}

func toIssueType(c Code) fhir.IssueType {
	var t fhir.IssueType
	if err := t.UnmarshalJSON([]byte(strconv.Quote(string(c)))); err != nil {
		return fhir.IssueTypeProcessing
	}
	return t
}

func intPtr(v int) *int {
	return &v
}
