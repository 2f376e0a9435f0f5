package terminology

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofhir/conformance"
)

type mapSource struct {
	resources map[string]string
	calls     atomic.Int32
}

func (s *mapSource) Resource(ctx context.Context, url string) (json.RawMessage, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := s.resources[url]
	if !ok {
		return nil, conformance.NotFound("fetch", url)
	}
	return json.RawMessage(data), nil
}

const (
	genderSystem = "http://hl7.org/fhir/administrative-gender"
	genderVS     = "http://hl7.org/fhir/ValueSet/administrative-gender"
)

func newSource() *mapSource {
	return &mapSource{resources: map[string]string{
		genderVS: `{"resourceType":"ValueSet","url":"` + genderVS + `","compose":{"include":[{"system":"` + genderSystem + `"}]}}`,
		genderSystem: `{"resourceType":"CodeSystem","url":"` + genderSystem + `","content":"complete","concept":[
			{"code":"male"},{"code":"female"},{"code":"other","concept":[{"code":"nested"}]},{"code":"unknown"}]}`,
		"http://example.org/VS/listed": `{"resourceType":"ValueSet","url":"http://example.org/VS/listed","compose":{
			"include":[{"system":"http://example.org/cs","concept":[{"code":"a"},{"code":"b"},{"code":"c"}]}],
			"exclude":[{"system":"http://example.org/cs","concept":[{"code":"c"}]}]}}`,
		"http://example.org/VS/nested": `{"resourceType":"ValueSet","url":"http://example.org/VS/nested","compose":{
			"include":[{"valueSet":["http://example.org/VS/listed|1.0"]},{"system":"http://loinc.org"}]}}`,
		"http://example.org/VS/filtered": `{"resourceType":"ValueSet","url":"http://example.org/VS/filtered","compose":{
			"include":[{"system":"http://example.org/cs","filter":[{"property":"concept","op":"is-a","value":"a"}]}]}}`,
		"http://example.org/VS/loop": `{"resourceType":"ValueSet","url":"http://example.org/VS/loop","compose":{
			"include":[{"valueSet":["http://example.org/VS/loop"]}]}}`,
		"http://example.org/VS/missing-cs": `{"resourceType":"ValueSet","url":"http://example.org/VS/missing-cs","compose":{
			"include":[{"system":"http://example.org/absent"}]}}`,
	}}
}

func TestExpandFromCodeSystem(t *testing.T) {
	r := NewRegistry(newSource())
	ctx := context.Background()

	tests := []struct {
		system, code string
		valid        bool
	}{
		{"", "male", true},
		{"", "unknown", true},
		{"", "nested", true},
		{"", "banana", false},
		{genderSystem, "female", true},
		{"http://example.org/other", "female", false},
	}
	exp, err := r.Expand(ctx, genderVS+"|4.0.1")
	require.NoError(t, err)
	assert.True(t, exp.Complete)
	assert.Equal(t, genderVS, exp.URL)
	for _, tt := range tests {
		assert.Equal(t, tt.valid, exp.Contains(tt.system, tt.code), "%s|%s", tt.system, tt.code)
	}
}

func TestExpansionIsCached(t *testing.T) {
	src := newSource()
	r := NewRegistry(src)
	for i := 0; i < 3; i++ {
		_, err := r.Expand(context.Background(), genderVS)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), src.calls.Load(), "one ValueSet and one CodeSystem fetch")
	assert.Equal(t, 1, r.Stats().Size)
	assert.Equal(t, uint64(2), r.Stats().Hits)
}

func TestListedConceptsAndExcludes(t *testing.T) {
	exp, err := NewRegistry(newSource()).Expand(context.Background(), "http://example.org/VS/listed")
	require.NoError(t, err)
	assert.True(t, exp.Complete)
	assert.True(t, exp.Contains("http://example.org/cs", "a"))
	assert.False(t, exp.Contains("http://example.org/cs", "c"))
	assert.True(t, exp.HasSystem("http://example.org/cs"))
	assert.Equal(t, 2, exp.Len())
}

func TestNestedValueSetAndExternalSystem(t *testing.T) {
	exp, err := NewRegistry(newSource()).Expand(context.Background(), "http://example.org/VS/nested")
	require.NoError(t, err)
	assert.True(t, exp.Contains("http://example.org/cs", "b"))
	assert.True(t, exp.Contains("http://loinc.org", "8867-4"))
	assert.False(t, exp.Contains("http://example.org/cs", "z"))
}

func TestIncompleteExpansions(t *testing.T) {
	r := NewRegistry(newSource())
	for _, url := range []string{"http://example.org/VS/filtered", "http://example.org/VS/missing-cs"} {
		exp, err := r.Expand(context.Background(), url)
		require.NoError(t, err, url)
		assert.False(t, exp.Contains("http://example.org/cs", "a"), url)
		assert.False(t, exp.Complete, url)
	}
}

func TestUnknownValueSet(t *testing.T) {
	_, err := NewRegistry(newSource()).Expand(context.Background(), "http://example.org/VS/none")
	assert.ErrorIs(t, err, conformance.ErrNotFound)
}

func TestSelfIncludingValueSet(t *testing.T) {
	_, err := NewRegistry(newSource()).Expand(context.Background(), "http://example.org/VS/loop")
	assert.ErrorContains(t, err, "includes itself")
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRegistry(newSource()).Expand(ctx, genderVS)
	assert.ErrorIs(t, err, context.Canceled)
}
