package resolver

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gofhir/conformance"
	"github.com/gofhir/conformance/pkg/loader"
	"github.com/gofhir/conformance/pkg/profile"
)

// Provider fetches a StructureDefinition by canonical URL.
// A miss is reported with an error matching conformance.ErrNotFound.
type Provider interface {
	Fetch(ctx context.Context, url string) (*profile.Definition, error)
}

// ResourceProvider serves conformance resources of any type as raw JSON.
// Package-backed stores implement it; the terminology registry reads
// ValueSets and CodeSystems through it.
type ResourceProvider interface {
	Resource(ctx context.Context, url string) (json.RawMessage, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, url string) (*profile.Definition, error)

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context, url string) (*profile.Definition, error) {
	return f(ctx, url)
}

// packageStore serves StructureDefinitions from a loaded package, parsing on demand.
type packageStore struct {
	pkg *loader.Package
}

func (s *packageStore) Fetch(ctx context.Context, url string) (*profile.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := s.pkg.Lookup(url)
	if !ok || s.pkg.ResourceType(url) != "StructureDefinition" {
		return nil, conformance.NotFound("fetch", url)
	}
	def, err := profile.Parse(data)
	if err != nil {
		return nil, conformance.NewError(conformance.KindConfiguration, "fetch", s.pkg.Sources[url], err)
	}
	return def, nil
}

// Resource implements ResourceProvider.
func (s *packageStore) Resource(ctx context.Context, url string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := s.pkg.Lookup(url)
	if !ok {
		return nil, conformance.NotFound("resource", url)
	}
	return data, nil
}

// URLs lists the canonical URLs of the StructureDefinitions the store holds.
func (s *packageStore) URLs() []string {
	return s.pkg.StructureDefinitionURLs()
}

// DirectoryStore serves StructureDefinition files found below a directory.
// The tree is scanned once, recursively, when the store is created.
type DirectoryStore struct {
	packageStore
	Dir string
}

// NewDirectoryStore scans dir. A missing or unreadable directory is a configuration error.
func NewDirectoryStore(dir string) (*DirectoryStore, error) {
	pkg, err := loader.LoadDirectory(dir)
	if err != nil {
		return nil, conformance.NewError(conformance.KindConfiguration, "open directory store", dir, err)
	}
	return &DirectoryStore{packageStore: packageStore{pkg: pkg}, Dir: dir}, nil
}

// ArchiveStore serves StructureDefinitions from a .tgz FHIR package.
type ArchiveStore struct {
	packageStore
	Name    string
	Version string
}

// NewArchiveStore reads a .tgz package held in memory.
func NewArchiveStore(data []byte, source string) (*ArchiveStore, error) {
	pkg, err := loader.LoadFromTgzData(data, source)
	if err != nil {
		return nil, conformance.NewError(conformance.KindConfiguration, "open archive store", source, err)
	}
	return newArchiveStore(pkg), nil
}

// OpenArchiveStore reads a .tgz package from disk.
func OpenArchiveStore(path string) (*ArchiveStore, error) {
	pkg, err := loader.LoadFromTgz(path)
	if err != nil {
		return nil, conformance.NewError(conformance.KindConfiguration, "open archive store", path, err)
	}
	return newArchiveStore(pkg), nil
}

func newArchiveStore(pkg *loader.Package) *ArchiveStore {
	return &ArchiveStore{packageStore: packageStore{pkg: pkg}, Name: pkg.Name, Version: pkg.Version}
}

// MemoryStore holds definitions added in code.
type MemoryStore struct {
	mu   sync.RWMutex
	defs map[string]*profile.Definition
}

// NewMemoryStore creates a store preloaded with defs.
func NewMemoryStore(defs ...*profile.Definition) *MemoryStore {
	s := &MemoryStore{defs: make(map[string]*profile.Definition)}
	for _, d := range defs {
		s.Add(d)
	}
	return s
}

// Add stores def under its URL, keeping an existing entry for the same URL.
func (s *MemoryStore) Add(def *profile.Definition) {
	if def == nil || def.URL == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[def.URL]; !ok {
		s.defs[def.URL] = def
	}
}

// Fetch implements Provider.
func (s *MemoryStore) Fetch(ctx context.Context, url string) (*profile.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if def, ok := s.defs[url]; ok {
		return def, nil
	}
	return nil, conformance.NotFound("fetch", url)
}
