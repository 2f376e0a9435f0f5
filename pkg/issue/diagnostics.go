package issue

import (
	"fmt"
	"sort"
	"strings"
)

// DiagnosticID identifies a specific diagnostic message.
type DiagnosticID string

// Diagnostic IDs for structural checks.
const (
	DiagStructureUnknownElement    DiagnosticID = "STRUCTURE_UNKNOWN_ELEMENT"
	DiagStructureInvalidJSON       DiagnosticID = "STRUCTURE_INVALID_JSON"
	DiagStructureNoResourceType    DiagnosticID = "STRUCTURE_NO_RESOURCE_TYPE"
	DiagStructureInvalidChoiceType DiagnosticID = "STRUCTURE_INVALID_CHOICE_TYPE"
	DiagStructureArrayExpected     DiagnosticID = "STRUCTURE_ARRAY_EXPECTED"
	DiagStructureArrayUnexpected   DiagnosticID = "STRUCTURE_ARRAY_UNEXPECTED"
	DiagStructureObjectExpected    DiagnosticID = "STRUCTURE_OBJECT_EXPECTED"
)

// Diagnostic IDs for cardinality checks.
const (
	DiagCardinalityMin DiagnosticID = "CARDINALITY_MIN"
	DiagCardinalityMax DiagnosticID = "CARDINALITY_MAX"
)

// Diagnostic IDs for primitive checks.
const (
	DiagTypeWrongJSONType DiagnosticID = "TYPE_WRONG_JSON_TYPE"
	DiagTypeInvalidFormat DiagnosticID = "TYPE_INVALID_FORMAT"
	DiagTypeEmptyString   DiagnosticID = "TYPE_EMPTY_STRING"
)

// Diagnostic IDs for fixed and pattern values.
const (
	DiagFixedMismatch   DiagnosticID = "FIXED_MISMATCH"
	DiagPatternMismatch DiagnosticID = "PATTERN_MISMATCH"
)

// Diagnostic IDs for terminology bindings.
const (
	DiagBindingRequired      DiagnosticID = "BINDING_REQUIRED"
	DiagBindingExtensible    DiagnosticID = "BINDING_EXTENSIBLE"
	DiagBindingNotExpandable DiagnosticID = "BINDING_NOT_EXPANDABLE"
)

// Diagnostic IDs for slicing.
const (
	DiagSlicingNoMatch        DiagnosticID = "SLICING_NO_MATCH"
	DiagSlicingCardinalityMin DiagnosticID = "SLICING_CARDINALITY_MIN"
	DiagSlicingCardinalityMax DiagnosticID = "SLICING_CARDINALITY_MAX"
	DiagSlicingOutOfOrder     DiagnosticID = "SLICING_OUT_OF_ORDER"
	DiagSlicingUnsupported    DiagnosticID = "SLICING_UNSUPPORTED"
)

// Diagnostic IDs for invariants.
const (
	DiagConstraintFailed       DiagnosticID = "CONSTRAINT_FAILED"
	DiagConstraintCompileError DiagnosticID = "CONSTRAINT_COMPILE_ERROR"
	DiagConstraintEvalError    DiagnosticID = "CONSTRAINT_EVAL_ERROR"
)

// Diagnostic IDs for profile resolution.
const (
	DiagProfileNotFound     DiagnosticID = "PROFILE_NOT_FOUND"
	DiagProfileTypeMismatch DiagnosticID = "PROFILE_TYPE_MISMATCH"
	DiagProfileLoadFailed   DiagnosticID = "PROFILE_LOAD_FAILED"
	DiagTypeNotResolved     DiagnosticID = "TYPE_NOT_RESOLVED"
)

// Diagnostic IDs for remote calls.
const (
	DiagRemoteUnreachable DiagnosticID = "REMOTE_UNREACHABLE"
)

// DiagnosticTemplate defines the structure for a diagnostic message.
type DiagnosticTemplate struct {
	ID       DiagnosticID
	Severity Severity
	Code     Code
	Template string
}

// diagnosticTemplates maps diagnostic IDs to their templates.
// Templates use {placeholder} syntax for variable substitution.
var diagnosticTemplates = map[DiagnosticID]DiagnosticTemplate{
	DiagStructureUnknownElement: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Unrecognized property '{element}'",
	},
	DiagStructureInvalidJSON: {
		Severity: SeverityFatal,
		Code:     CodeStructure,
		Template: "Unable to parse resource: {error}",
	},
	DiagStructureNoResourceType: {
		Severity: SeverityFatal,
		Code:     CodeStructure,
		Template: "Missing 'resourceType' property",
	},
	DiagStructureInvalidChoiceType: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Type '{type}' is not allowed for choice element '{element}'",
	},
	DiagStructureArrayExpected: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Element '{element}' repeats and must be a JSON array",
	},
	DiagStructureArrayUnexpected: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Element '{element}' does not repeat and must not be a JSON array",
	},
	DiagStructureObjectExpected: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Element '{element}' of type {type} must be a JSON object",
	},

	DiagCardinalityMin: {
		Severity: SeverityError,
		Code:     CodeRequired,
		Template: "Instance count for '{path}' is {count}, which is not within the specified cardinality of {min}..{max}",
	},
	DiagCardinalityMax: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Instance count for '{path}' is {count}, which is not within the specified cardinality of {min}..{max}",
	},

	DiagTypeWrongJSONType: {
		Severity: SeverityError,
		Code:     CodeValue,
		Template: "Value of '{path}' must be a JSON {expected} for type {type}",
	},
	DiagTypeInvalidFormat: {
		Severity: SeverityError,
		Code:     CodeValue,
		Template: "Value '{value}' is not a valid {type}",
	},
	DiagTypeEmptyString: {
		Severity: SeverityError,
		Code:     CodeValue,
		Template: "Value of '{path}' must not be an empty string",
	},

	DiagFixedMismatch: {
		Severity: SeverityError,
		Code:     CodeValue,
		Template: "Value of '{path}' must be exactly {expected}",
	},
	DiagPatternMismatch: {
		Severity: SeverityError,
		Code:     CodeValue,
		Template: "Value of '{path}' does not match the required pattern {expected}",
	},

	DiagBindingRequired: {
		Severity: SeverityError,
		Code:     CodeCodeInvalid,
		Template: "The value provided ('{code}') is not in the value set '{valueSet}' (required)",
	},
	DiagBindingExtensible: {
		Severity: SeverityWarning,
		Code:     CodeCodeInvalid,
		Template: "The value provided ('{code}') is not in the value set '{valueSet}' (extensible)",
	},
	DiagBindingNotExpandable: {
		Severity: SeverityInformation,
		Code:     CodeNotSupported,
		Template: "Value set '{valueSet}' could not be checked locally; '{code}' was not validated",
	},

	DiagSlicingNoMatch: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Element does not match any slice of '{path}' and the slicing is closed",
	},
	DiagSlicingCardinalityMin: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Slice '{path}' requires at least {min} element(s), found {count}",
	},
	DiagSlicingCardinalityMax: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Slice '{path}' allows at most {max} element(s), found {count}",
	},
	DiagSlicingOutOfOrder: {
		Severity: SeverityError,
		Code:     CodeStructure,
		Template: "Elements of '{path}' are not in slice order: '{slice}' follows a later slice",
	},
	DiagSlicingUnsupported: {
		Severity: SeverityInformation,
		Code:     CodeNotSupported,
		Template: "Slicing of '{path}' is not checked: {reason}",
	},

	DiagConstraintFailed: {
		Severity: SeverityError,
		Code:     CodeInvariant,
		Template: "Constraint failed: {key}: '{human}'",
	},
	DiagConstraintCompileError: {
		Severity: SeverityWarning,
		Code:     CodeProcessing,
		Template: "Could not compile constraint '{key}': {error}",
	},
	DiagConstraintEvalError: {
		Severity: SeverityWarning,
		Code:     CodeProcessing,
		Template: "Could not evaluate constraint '{key}': {error}",
	},

	DiagProfileNotFound: {
		Severity: SeverityFatal,
		Code:     CodeNotFound,
		Template: "Unable to resolve profile '{url}'",
	},
	DiagProfileTypeMismatch: {
		Severity: SeverityError,
		Code:     CodeInvalid,
		Template: "Profile '{url}' constrains type {expected}, but the resource is a {type}",
	},
	DiagProfileLoadFailed: {
		Severity: SeverityFatal,
		Code:     CodeProcessing,
		Template: "Unable to load profile '{url}': {error}",
	},
	DiagTypeNotResolved: {
		Severity: SeverityWarning,
		Code:     CodeNotSupported,
		Template: "Cannot check content of '{path}': no definition for type {type}",
	},

	DiagRemoteUnreachable: {
		Severity: SeverityFatal,
		Code:     CodeTransient,
		Template: "Remote validation failed: {error}",
	},
}

// FormatDiagnostic formats a diagnostic message with the given parameters.
func FormatDiagnostic(id DiagnosticID, params map[string]any) string {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		return string(id)
	}
	return formatTemplate(tmpl.Template, params)
}

// GetDiagnosticTemplate returns the template for a diagnostic ID.
func GetDiagnosticTemplate(id DiagnosticID) (DiagnosticTemplate, bool) {
	tmpl, ok := diagnosticTemplates[id]
	if ok {
		tmpl.ID = id
	}
	return tmpl, ok
}

// formatTemplate replaces {placeholder} with values from params.
// Keys are applied in sorted order so output never depends on map iteration.
func formatTemplate(template string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := template
	for _, key := range keys {
		result = strings.ReplaceAll(result, "{"+key+"}", fmt.Sprint(params[key]))
	}
	return result
}

// AddWithID adds an issue using the template's own severity.
func (o *Outcome) AddWithID(id DiagnosticID, params map[string]any, expression ...string) {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		o.AddError(CodeProcessing, string(id), expression...)
		return
	}
	o.addTemplate(tmpl.Severity, id, tmpl, params, expression)
}

// AddWarningWithID adds a warning using a diagnostic template.
func (o *Outcome) AddWarningWithID(id DiagnosticID, params map[string]any, expression ...string) {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		o.AddWarning(CodeProcessing, string(id), expression...)
		return
	}
	o.addTemplate(SeverityWarning, id, tmpl, params, expression)
}

// AddInfoWithID adds an informational message using a diagnostic template.
func (o *Outcome) AddInfoWithID(id DiagnosticID, params map[string]any, expression ...string) {
	tmpl, ok := diagnosticTemplates[id]
	if !ok {
		o.AddInfo(CodeInformational, string(id), expression...)
		return
	}
	o.addTemplate(SeverityInformation, id, tmpl, params, expression)
}

func (o *Outcome) addTemplate(sev Severity, id DiagnosticID, tmpl DiagnosticTemplate, params map[string]any, expression []string) {
	o.Issues = append(o.Issues, Issue{
		Severity:    sev,
		Code:        tmpl.Code,
		Diagnostics: formatTemplate(tmpl.Template, params),
		Expression:  expression,
		MessageID:   string(id),
	})
}
