// Package loader reads FHIR conformance resources from .tgz packages and
// from directory trees, indexing them by canonical URL.
package loader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/gofhir/conformance/pkg/logger"
)

// Package is a set of loaded resources.
type Package struct {
	Name        string
	Version     string
	Path        string
	FHIRVersion string

	// Resources maps a canonical URL or resourceType/id to raw JSON.
	Resources map[string]json.RawMessage
	// Sources maps the same keys to the file or archive entry they came from.
	Sources map[string]string

	types map[string]string // key -> resourceType
}

// PackageManifest represents the package.json of a FHIR NPM package.
type PackageManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	FHIRVersion  string            `json:"fhirVersion,omitempty"`
	FHIRVersions []string          `json:"fhirVersions,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

func newPackage(source string) *Package {
	return &Package{
		Path:      source,
		Resources: make(map[string]json.RawMessage),
		Sources:   make(map[string]string),
		types:     make(map[string]string),
	}
}

// Lookup returns the raw resource stored under key.
func (p *Package) Lookup(key string) (json.RawMessage, bool) {
	data, ok := p.Resources[key]
	return data, ok
}

// ResourceType returns the resourceType of the resource stored under key.
func (p *Package) ResourceType(key string) string {
	return p.types[key]
}

// StructureDefinitionURLs returns the canonical URLs of all StructureDefinitions, sorted.
func (p *Package) StructureDefinitionURLs() []string {
	var urls []string
	for key, typ := range p.types {
		if typ == "StructureDefinition" && strings.Contains(key, "://") {
			urls = append(urls, key)
		}
	}
	sort.Strings(urls)
	return urls
}

// Len returns the number of index keys.
func (p *Package) Len() int {
	return len(p.Resources)
}

// add indexes one JSON document. Earlier documents win over later ones with the same key.
func (p *Package) add(data []byte, source string) bool {
	var resource struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
		URL          string `json:"url"`
	}
	if err := json.Unmarshal(data, &resource); err != nil || resource.ResourceType == "" {
		return false
	}

	var keys []string
	if resource.URL != "" {
		keys = append(keys, resource.URL)
	}
	if resource.ID != "" {
		keys = append(keys, resource.ResourceType+"/"+resource.ID)
	}
	added := false
	for _, key := range keys {
		if prev, dup := p.Sources[key]; dup {
			logger.Debug("loader: %s from %s shadowed by %s", key, source, prev)
			continue
		}
		p.Resources[key] = data
		p.Sources[key] = source
		p.types[key] = resource.ResourceType
		added = true
	}
	return added
}

// LoadFromTgz loads a FHIR package from a local .tgz file.
func LoadFromTgz(tgzPath string) (*Package, error) {
	file, err := os.Open(tgzPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open tgz file")
	}
	defer file.Close()

	return LoadFromTgzReader(file, tgzPath)
}

// LoadFromTgzData loads a FHIR package from in-memory .tgz bytes.
func LoadFromTgzData(data []byte, source string) (*Package, error) {
	return LoadFromTgzReader(bytes.NewReader(data), source)
}

// LoadFromTgzReader loads a package from a gzipped tar stream.
// Entries are read in archive order; package.json is required.
func LoadFromTgzReader(reader io.Reader, source string) (*Package, error) {
	gzReader, err := gzip.NewReader(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gzip reader")
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	pkg := newPackage(source)
	var manifestData []byte

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read tar entry")
		}
		if header.Typeflag == tar.TypeDir {
			continue
		}

		name := strings.TrimPrefix(header.Name, "package/")
		if !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := io.ReadAll(tarReader)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", header.Name)
		}

		switch name {
		case "package.json":
			manifestData = data
			continue
		case ".index.json":
			continue
		}
		pkg.add(data, source+"!"+header.Name)
	}

	if manifestData == nil {
		return nil, fmt.Errorf("package.json not found in %s", source)
	}
	var manifest PackageManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, errors.Wrap(err, "failed to parse package manifest")
	}

	pkg.Name = manifest.Name
	pkg.Version = manifest.Version
	pkg.FHIRVersion = manifest.FHIRVersion
	if pkg.FHIRVersion == "" && len(manifest.FHIRVersions) > 0 {
		pkg.FHIRVersion = manifest.FHIRVersions[0]
	}
	logger.Debug("loader: %s#%s from %s (%d keys)", pkg.Name, pkg.Version, source, pkg.Len())
	return pkg, nil
}

// LoadDirectory loads every *.json file below dir, recursing into subdirectories
// in lexical order. Files that are not FHIR resources are skipped.
func LoadDirectory(dir string) (*Package, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "profile directory %s", dir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("profile directory %s is not a directory", dir)
	}

	pkg := newPackage(dir)
	pkg.Name = filepath.Base(dir)
	skipped := 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		if !pkg.add(data, path) {
			skipped++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("loader: %s (%d keys, %d files skipped)", dir, pkg.Len(), skipped)
	return pkg, nil
}
