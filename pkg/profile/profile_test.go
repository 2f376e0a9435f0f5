package profile

import (
	"testing"

	"github.com/gofhir/fhir/r4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const patientProfileJSON = `{
  "resourceType": "StructureDefinition",
  "url": "http://example.org/StructureDefinition/VisserPatient",
  "version": "1.2.0",
  "name": "VisserPatient",
  "kind": "resource",
  "abstract": false,
  "type": "Patient",
  "baseDefinition": "http://hl7.org/fhir/StructureDefinition/Patient",
  "derivation": "constraint",
  "fhirVersion": "4.0.1",
  "snapshot": {
    "element": [
      {"id": "Patient", "path": "Patient", "min": 0, "max": "*",
       "constraint": [{"key": "vis-1", "severity": "error", "human": "Needs a name", "expression": "name.exists()"}]},
      {"id": "Patient.identifier", "path": "Patient.identifier", "min": 1, "max": "1",
       "base": {"path": "Patient.identifier", "min": 0, "max": "*"}, "type": [{"code": "Identifier"}],
       "slicing": {"discriminator": [{"type": "value", "path": "system"}], "ordered": true, "rules": "closed"}},
      {"id": "Patient.identifier.system", "path": "Patient.identifier.system", "min": 1, "max": "1",
       "type": [{"code": "uri"}], "fixedUri": "http://example.org/ids"},
      {"id": "Patient.identifier:mrn", "path": "Patient.identifier", "sliceName": "mrn", "min": 0, "max": "1",
       "type": [{"code": "Identifier"}]},
      {"id": "Patient.identifier:mrn.system", "path": "Patient.identifier.system", "min": 1, "max": "1",
       "type": [{"code": "uri"}], "fixedUri": "urn:mrn"},
      {"id": "Patient.gender", "path": "Patient.gender", "min": 0, "max": "1", "type": [{"code": "code"}],
       "binding": {"strength": "required", "valueSet": "http://hl7.org/fhir/ValueSet/administrative-gender|4.0.1"}},
      {"id": "Patient.deceased[x]", "path": "Patient.deceased[x]", "min": 0, "max": "1",
       "type": [{"code": "boolean"}, {"code": "dateTime"}]},
      {"id": "Patient.link", "path": "Patient.link", "min": 0, "max": "*", "type": [{"code": "BackboneElement"}]},
      {"id": "Patient.link.other", "path": "Patient.link.other", "min": 1, "max": "1", "type": [{"code": "Reference"}]},
      {"id": "Patient.link.link", "path": "Patient.link.link", "min": 0, "max": "*", "contentReference": "#Patient.link"}
    ]
  }
}`

func TestParse(t *testing.T) {
	def, err := Parse([]byte(patientProfileJSON))
	require.NoError(t, err)

	assert.Equal(t, "http://example.org/StructureDefinition/VisserPatient", def.URL)
	assert.Equal(t, "1.2.0", def.Version)
	assert.Equal(t, "Patient", def.Type)
	assert.Equal(t, KindResource, def.Kind)
	assert.Equal(t, "constraint", def.Derivation)
	assert.Equal(t, "4.0.1", def.FHIRVersion)
	require.Len(t, def.Snapshot, 10)

	root := def.Root()
	require.NotNil(t, root)
	require.Len(t, root.Constraints, 1)
	assert.Equal(t, "vis-1", root.Constraints[0].Key)
	assert.Equal(t, "error", root.Constraints[0].Severity)

	ident := def.Element("Patient.identifier")
	require.NotNil(t, ident)
	assert.Empty(t, ident.SliceName, "slice must not shadow the base element")
	assert.Equal(t, 1, ident.Min)
	assert.True(t, ident.Repeats(), "base max * keeps the array form")

	system := def.Element("Patient.identifier.system")
	require.NotNil(t, system)
	assert.Equal(t, "Uri", system.FixedType)
	assert.JSONEq(t, `"http://example.org/ids"`, string(system.Fixed), "slice child must not shadow the base element")

	gender := def.Element("Patient.gender")
	require.NotNil(t, gender.Binding)
	assert.Equal(t, "required", gender.Binding.Strength)

	assert.Equal(t, "#Patient.link", def.Element("Patient.link.link").ContentReference)
}

func TestChildren(t *testing.T) {
	def, err := Parse([]byte(patientProfileJSON))
	require.NoError(t, err)

	var names []string
	for _, c := range def.Children("Patient") {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"identifier", "gender", "deceased[x]", "link"}, names)
	assert.Len(t, def.Children("Patient.link"), 2)
}

func TestSlices(t *testing.T) {
	def, err := Parse([]byte(patientProfileJSON))
	require.NoError(t, err)

	slicing := def.Element("Patient.identifier").Slicing
	require.NotNil(t, slicing)
	assert.Equal(t, []Discriminator{{Type: "value", Path: "system"}}, slicing.Discriminators)
	assert.True(t, slicing.Ordered)
	assert.Equal(t, "closed", slicing.Rules)

	slices := def.Slices("Patient.identifier")
	require.Len(t, slices, 1)
	mrn := slices[0]
	assert.Equal(t, "mrn", mrn.SliceName)
	assert.Equal(t, "1", mrn.Max)

	children := def.SliceChildren(mrn)
	require.Len(t, children, 1)
	assert.Equal(t, "system", children[0].Name())
	assert.Same(t, children[0], def.ElementByID("Patient.identifier:mrn.system"))
	assert.JSONEq(t, `"urn:mrn"`, string(children[0].Fixed))

	assert.Empty(t, def.Slices("Patient.gender"))
	assert.Nil(t, def.Element("Patient.gender").Slicing)
}

func TestChoiceElement(t *testing.T) {
	def, err := Parse([]byte(patientProfileJSON))
	require.NoError(t, err)

	elem, code := def.ChoiceElement("Patient", "deceasedBoolean")
	require.NotNil(t, elem)
	assert.Equal(t, "boolean", code)

	elem, code = def.ChoiceElement("Patient", "deceasedDateTime")
	require.NotNil(t, elem)
	assert.Equal(t, "dateTime", code)

	for _, property := range []string{"deceasedboolean", "deceasedDatetime", "deceasedBOOLEAN"} {
		elem, code = def.ChoiceElement("Patient", property)
		require.NotNil(t, elem, property)
		assert.Empty(t, code, "%s must match the type name exactly", property)
	}

	elem, code = def.ChoiceElement("Patient", "deceasedString")
	require.NotNil(t, elem)
	assert.Empty(t, code, "string is not an allowed type")

	elem, _ = def.ChoiceElement("Patient", "deceased")
	assert.Nil(t, elem)
}

func TestParseRejects(t *testing.T) {
	tests := map[string]string{
		"not json":         `{`,
		"wrong type":       `{"resourceType":"Patient","url":"x"}`,
		"missing url":      `{"resourceType":"StructureDefinition","name":"x"}`,
		"empty definition": `{}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestConvertR4(t *testing.T) {
	url := "http://example.org/StructureDefinition/TestPatient"
	name := "TestPatient"
	typ := "Patient"
	kind := r4.StructureDefinitionKindResource
	path := "Patient"
	identPath := "Patient.identifier"
	identMin := uint32(1)
	identMax := "*"
	code := "Identifier"

	def := NewR4Converter().Convert(&r4.StructureDefinition{
		Url:  &url,
		Name: &name,
		Type: &typ,
		Kind: &kind,
		Snapshot: &r4.StructureDefinitionSnapshot{
			Element: []r4.ElementDefinition{
				{Path: &path},
				{Path: &identPath, Min: &identMin, Max: &identMax, Type: []r4.ElementDefinitionType{{Code: &code}}},
			},
		},
	})
	indexed := New(*def)

	assert.Equal(t, url, indexed.URL)
	assert.Equal(t, "resource", indexed.Kind)
	el := indexed.Element("Patient.identifier")
	require.NotNil(t, el)
	assert.Equal(t, 1, el.Min)
	assert.Equal(t, "Identifier", el.SingleType())
}

func TestConvertNil(t *testing.T) {
	assert.Nil(t, NewR4Converter().Convert(nil))
}

func TestMaxCount(t *testing.T) {
	tests := []struct {
		max     string
		want    int
		bounded bool
	}{
		{"1", 1, true},
		{"0", 0, true},
		{"3", 3, true},
		{"*", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		e := Element{Max: tt.max}
		n, ok := e.MaxCount()
		assert.Equal(t, tt.want, n, tt.max)
		assert.Equal(t, tt.bounded, ok, tt.max)
	}
}

func TestCanonicalURL(t *testing.T) {
	assert.Equal(t, CoreBase+"Patient", CanonicalURL("Patient"))
	assert.Equal(t, CoreBase+"Patient", CanonicalURL(" http://hl7.org/fhir/StructureDefinition/Patient|4.0.1 "))
	assert.Equal(t, "urn:uuid:1234", CanonicalURL("urn:uuid:1234"))
	assert.Empty(t, CanonicalURL(""))
}

func TestIsPrimitiveType(t *testing.T) {
	assert.True(t, IsPrimitiveType("date"))
	assert.True(t, IsPrimitiveType("http://hl7.org/fhirpath/System.String"))
	assert.False(t, IsPrimitiveType("HumanName"))
	assert.False(t, IsPrimitiveType(""))
}
