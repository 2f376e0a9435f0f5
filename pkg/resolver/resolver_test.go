package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofhir/conformance"
	"github.com/gofhir/conformance/pkg/profile"
)

// countingProvider counts fetches per URL.
type countingProvider struct {
	mu    sync.Mutex
	calls map[string]int
	total atomic.Int64
	inner Provider
}

func newCounting(inner Provider) *countingProvider {
	return &countingProvider{calls: map[string]int{}, inner: inner}
}

func (c *countingProvider) Fetch(ctx context.Context, url string) (*profile.Definition, error) {
	c.mu.Lock()
	c.calls[url]++
	c.mu.Unlock()
	c.total.Add(1)
	return c.inner.Fetch(ctx, url)
}

func (c *countingProvider) count(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[url]
}

func testDefinition(url, typ string) *profile.Definition {
	return profile.New(profile.Definition{
		URL:  url,
		Name: typ,
		Type: typ,
		Kind: profile.KindResource,
		Snapshot: []profile.Element{
			{ID: typ, Path: typ, Max: "*"},
		},
	})
}

func writeProfile(t *testing.T, dir, rel, url, name string) {
	t.Helper()
	doc := `{"resourceType":"StructureDefinition","url":"` + url + `","name":"` + name + `",
		"kind":"resource","abstract":false,"type":"Patient",
		"snapshot":{"element":[{"id":"Patient","path":"Patient","min":0,"max":"*"}]}}`
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(doc), 0o600))
}

func TestResolveCachesDefinition(t *testing.T) {
	url := "http://example.org/StructureDefinition/A"
	counter := newCounting(NewMemoryStore(testDefinition(url, "Patient")))
	r, err := New(WithProvider(counter), WithoutBaseline())
	require.NoError(t, err)

	first, err := r.Resolve(context.Background(), url)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), url+"|1.0")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, counter.count(url))

	stats := r.Stats()
	assert.Equal(t, 1, stats.Cached)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.StoreLookups)
	assert.Equal(t, 1, stats.Cache.Size)
	assert.Equal(t, uint64(1), stats.Cache.Sets)
}

func TestResolveConcurrentHitsStoreOnce(t *testing.T) {
	url := profile.CoreBase + "Patient"
	counter := newCounting(NewMemoryStore(testDefinition(url, "Patient")))
	m := conformance.NewMetrics()
	r, err := New(WithProvider(counter), WithoutBaseline(), WithMetrics(m))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*profile.Definition, 64)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			def, err := r.Resolve(context.Background(), "Patient")
			assert.NoError(t, err)
			results[i] = def
		}(i)
	}
	wg.Wait()

	for _, def := range results {
		assert.Same(t, results[0], def)
	}
	assert.Equal(t, 1, counter.count(url))
	assert.Equal(t, uint64(1), m.StoreLookups())
	assert.Equal(t, uint64(64), m.CacheHits()+m.CacheMisses())
}

func TestDirectoryBeatsArchive(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "nested/patient.json", profile.CoreBase+"Patient", "LocalPatient")

	withDir, err := New(WithDirectory(dir))
	require.NoError(t, err)
	def, err := withDir.Resolve(context.Background(), "Patient")
	require.NoError(t, err)
	assert.Equal(t, "LocalPatient", def.Name)

	archiveOnly, err := New()
	require.NoError(t, err)
	def, err = archiveOnly.Resolve(context.Background(), "Patient")
	require.NoError(t, err)
	assert.Equal(t, "Patient", def.Name)
}

func TestArchiveServesWhatDirectoryLacks(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "custom.json", "http://example.org/StructureDefinition/Custom", "Custom")

	r, err := New(WithDirectory(dir))
	require.NoError(t, err)

	def, err := r.Resolve(context.Background(), "http://example.org/StructureDefinition/Custom")
	require.NoError(t, err)
	assert.Equal(t, "Custom", def.Name)

	def, err = r.Resolve(context.Background(), "HumanName")
	require.NoError(t, err)
	assert.Equal(t, profile.KindComplexType, def.Kind)
}

func TestResolveNotFound(t *testing.T) {
	counter := newCounting(NewMemoryStore())
	r, err := New(WithProvider(counter))
	require.NoError(t, err)

	url := "http://example.org/StructureDefinition/Missing"
	_, err = r.Resolve(context.Background(), url)
	require.Error(t, err)
	assert.True(t, errors.Is(err, conformance.ErrNotFound))
	assert.Equal(t, conformance.KindNotFound, conformance.KindOf(err))

	_, err = r.Resolve(context.Background(), url)
	require.Error(t, err)
	assert.Equal(t, 2, counter.count(url), "misses are not cached")

	_, err = r.Resolve(context.Background(), "  ")
	assert.True(t, errors.Is(err, conformance.ErrNotFound))
}

func TestChainStopsOnHardError(t *testing.T) {
	boom := errors.New("disk on fire")
	failing := ProviderFunc(func(context.Context, string) (*profile.Definition, error) { return nil, boom })
	after := newCounting(NewMemoryStore())

	_, err := NewChain(failing, after).Fetch(context.Background(), "http://x")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, after.total.Load())
}

func TestChainSkipsMisses(t *testing.T) {
	url := "http://example.org/StructureDefinition/B"
	first := newCounting(NewMemoryStore())
	second := newCounting(NewMemoryStore(testDefinition(url, "Patient")))

	def, err := NewChain(first, second).Fetch(context.Background(), url)
	require.NoError(t, err)
	assert.Equal(t, url, def.URL)
	assert.Equal(t, 1, first.count(url))
}

func TestNoProvidersIsConfigurationError(t *testing.T) {
	_, err := New(WithoutBaseline())
	require.Error(t, err)
	assert.True(t, errors.Is(err, conformance.ErrConfiguration))
}

func TestMissingDirectoryIsConfigurationError(t *testing.T) {
	_, err := New(WithDirectory(filepath.Join(t.TempDir(), "absent")))
	require.Error(t, err)
	assert.Equal(t, conformance.KindConfiguration, conformance.KindOf(err))
}

func TestMalformedDefinitionIsConfigurationError(t *testing.T) {
	dir := t.TempDir()
	url := "http://example.org/StructureDefinition/Bad"
	doc := `{"resourceType":"StructureDefinition","url":"` + url + `","snapshot":{"element":"not-a-list"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(doc), 0o600))

	r, err := New(WithDirectory(dir))
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), url)
	require.Error(t, err)
	assert.Equal(t, conformance.KindConfiguration, conformance.KindOf(err))
}

func TestArchiveFileStore(t *testing.T) {
	_, err := New(WithArchiveFile(filepath.Join(t.TempDir(), "nope.tgz")))
	assert.Equal(t, conformance.KindConfiguration, conformance.KindOf(err))

	_, err = New(WithArchive([]byte("not gzip"), "bad"))
	assert.Equal(t, conformance.KindConfiguration, conformance.KindOf(err))
}

func TestCancelledContext(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = r.Resolve(ctx, "Organization")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallerCancellationDoesNotFailOthers(t *testing.T) {
	url := "http://example.org/StructureDefinition/Slow"
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	slow := ProviderFunc(func(ctx context.Context, u string) (*profile.Definition, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return testDefinition(u, "Patient"), nil
	})
	r, err := New(WithProvider(slow), WithoutBaseline())
	require.NoError(t, err)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctxA, url)
		errA <- err
	}()
	<-entered

	type result struct {
		def *profile.Definition
		err error
	}
	resB := make(chan result, 1)
	go func() {
		def, err := r.Resolve(context.Background(), url)
		resB <- result{def, err}
	}()

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, url, b.def.URL)
	assert.Equal(t, int32(1), calls.Load())

	def, err := r.Resolve(context.Background(), url)
	require.NoError(t, err)
	assert.Same(t, b.def, def)
}

func TestResourceLookup(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	data, err := r.Resource(context.Background(), "http://hl7.org/fhir/ValueSet/administrative-gender|4.0.1")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"resourceType": "ValueSet"`)

	_, err = r.Resource(context.Background(), "http://example.org/ValueSet/none")
	assert.ErrorIs(t, err, conformance.ErrNotFound)

	memoryOnly, err := New(WithProvider(NewMemoryStore()), WithoutBaseline())
	require.NoError(t, err)
	_, err = memoryOnly.Resource(context.Background(), "http://hl7.org/fhir/ValueSet/administrative-gender")
	assert.ErrorIs(t, err, conformance.ErrNotFound)
}

func TestUnsupportedFHIRVersion(t *testing.T) {
	_, err := New(WithFHIRVersion("R5"))
	assert.ErrorIs(t, err, conformance.ErrConfiguration)

	_, err = New(WithFHIRVersion(conformance.R4))
	assert.NoError(t, err)
}
