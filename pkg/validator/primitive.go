package validator

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gofhir/conformance/pkg/issue"
)

const yearPattern = `([0-9]([0-9]([0-9][1-9]|[1-9]0)|[1-9]00)|[1-9]000)`
const timePattern = `([01][0-9]|2[0-3]):[0-5][0-9]:([0-5][0-9]|60)(\.[0-9]+)?`
const zonePattern = `(Z|(\+|-)((0[0-9]|1[0-3]):[0-5][0-9]|14:00))`

// Value regexes of the R4 primitive types.
var primitivePatterns = map[string]string{
	"integer":      `-?([0]|([1-9][0-9]*))`,
	"positiveInt":  `\+?[1-9][0-9]*`,
	"unsignedInt":  `[0]|([1-9][0-9]*)`,
	"decimal":      `-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?`,
	"string":       `[ \r\n\t\S]+`,
	"markdown":     `[ \r\n\t\S]+`,
	"code":         `[^\s]+( [^\s]+)*`,
	"id":           `[A-Za-z0-9\-\.]{1,64}`,
	"uri":          `\S*`,
	"url":          `\S*`,
	"canonical":    `\S*`,
	"oid":          `urn:oid:[0-2](\.(0|[1-9][0-9]*))+`,
	"uuid":         `urn:uuid:[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`,
	"base64Binary": `(\s*([0-9a-zA-Z\+/=]){4}\s*)+`,
	"date":         yearPattern + `(-(0[1-9]|1[0-2])(-(0[1-9]|[1-2][0-9]|3[0-1]))?)?`,
	"dateTime": yearPattern + `(-(0[1-9]|1[0-2])(-(0[1-9]|[1-2][0-9]|3[0-1])` +
		`(T` + timePattern + zonePattern + `)?)?)?`,
	"instant": yearPattern + `-(0[1-9]|1[0-2])-(0[1-9]|[1-2][0-9]|3[0-1])T` + timePattern + zonePattern,
	"time":    timePattern,
}

var primitiveRegexes = compilePatterns(primitivePatterns)

func compilePatterns(patterns map[string]string) map[string]*regexp.Regexp {
	compiled := make(map[string]*regexp.Regexp, len(patterns))
	for name, p := range patterns {
		compiled[name] = regexp.MustCompile(`^(?:` + p + `)$`)
	}
	return compiled
}

// systemTypes maps FHIRPath system types used in snapshots to FHIR primitives.
var systemTypes = map[string]string{
	"http://hl7.org/fhirpath/System.String":   "string",
	"http://hl7.org/fhirpath/System.Boolean":  "boolean",
	"http://hl7.org/fhirpath/System.Integer":  "integer",
	"http://hl7.org/fhirpath/System.Decimal":  "decimal",
	"http://hl7.org/fhirpath/System.Date":     "date",
	"http://hl7.org/fhirpath/System.DateTime": "dateTime",
	"http://hl7.org/fhirpath/System.Time":     "time",
}

// jsonKind is the JSON representation a primitive type requires.
func jsonKind(code string) string {
	switch code {
	case "boolean":
		return "boolean"
	case "integer", "positiveInt", "unsignedInt", "decimal":
		return "number"
	default:
		return "string"
	}
}

// primitive checks the JSON type and lexical form of a primitive value.
func (w *walker) primitive(value any, code, path string) {
	if sys, ok := systemTypes[code]; ok {
		code = sys
	}
	kind := jsonKind(code)
	wrongType := func() {
		w.out.AddWithID(issue.DiagTypeWrongJSONType,
			map[string]any{"path": path, "expected": kind, "type": code}, path)
	}

	var text string
	switch kind {
	case "boolean":
		if _, ok := value.(bool); !ok {
			wrongType()
		}
		return
	case "number":
		n, ok := value.(json.Number)
		if !ok {
			wrongType()
			return
		}
		text = n.String()
	default:
		s, ok := value.(string)
		if !ok {
			wrongType()
			return
		}
		if s == "" {
			w.out.AddWithID(issue.DiagTypeEmptyString, map[string]any{"path": path}, path)
			return
		}
		text = s
	}

	if re, ok := primitiveRegexes[code]; ok && !re.MatchString(text) {
		w.out.AddWithID(issue.DiagTypeInvalidFormat,
			map[string]any{"value": truncate(text), "type": code}, path)
	}
}

// truncate shortens a value to 50 characters for display in messages.
func truncate(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	if utf8.RuneCountInString(value) <= 50 {
		return value
	}
	return string([]rune(value)[:47]) + "..."
}
