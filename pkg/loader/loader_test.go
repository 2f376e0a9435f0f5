package loader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTgz(t *testing.T, files map[string]string, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range order {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

const sdA = `{"resourceType":"StructureDefinition","id":"a","url":"http://example.org/SD/a","name":"A"}`

func TestLoadFromTgzData(t *testing.T) {
	files := map[string]string{
		"package/package.json":                 `{"name":"example.pkg","version":"1.0.0","fhirVersions":["4.0.1"]}`,
		"package/.index.json":                  `{"index-version":1}`,
		"package/StructureDefinition-a.json":   sdA,
		"package/StructureDefinition-dup.json": `{"resourceType":"StructureDefinition","id":"dup","url":"http://example.org/SD/a","name":"Dup"}`,
		"package/ValueSet-x.json":              `{"resourceType":"ValueSet","id":"x","url":"http://example.org/VS/x"}`,
		"package/README.md":                    "ignored",
		"package/other/not-a-resource.json":    `{"hello":"world"}`,
	}
	order := []string{
		"package/package.json", "package/.index.json", "package/StructureDefinition-a.json",
		"package/StructureDefinition-dup.json", "package/ValueSet-x.json", "package/README.md",
		"package/other/not-a-resource.json",
	}

	pkg, err := LoadFromTgzData(buildTgz(t, files, order), "mem.tgz")
	require.NoError(t, err)

	assert.Equal(t, "example.pkg", pkg.Name)
	assert.Equal(t, "1.0.0", pkg.Version)
	assert.Equal(t, "4.0.1", pkg.FHIRVersion)

	data, ok := pkg.Lookup("http://example.org/SD/a")
	require.True(t, ok)
	assert.JSONEq(t, sdA, string(data), "first entry wins")
	assert.Equal(t, "mem.tgz!package/StructureDefinition-a.json", pkg.Sources["http://example.org/SD/a"])

	_, ok = pkg.Lookup("StructureDefinition/dup")
	assert.True(t, ok, "dup is still reachable by id")
	assert.Equal(t, "ValueSet", pkg.ResourceType("ValueSet/x"))
	assert.Equal(t, []string{"http://example.org/SD/a"}, pkg.StructureDefinitionURLs())
}

func TestLoadFromTgzMissingManifest(t *testing.T) {
	data := buildTgz(t, map[string]string{"package/StructureDefinition-a.json": sdA}, []string{"package/StructureDefinition-a.json"})
	_, err := LoadFromTgzData(data, "broken.tgz")
	assert.ErrorContains(t, err, "package.json not found")
}

func TestLoadFromTgzNotGzip(t *testing.T) {
	_, err := LoadFromTgzData([]byte("plain text"), "bad.tgz")
	assert.Error(t, err)
}

func TestLoadFromTgzFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.tgz")
	data := buildTgz(t, map[string]string{"package/package.json": `{"name":"p","version":"0.1.0"}`}, []string{"package/package.json"})
	require.NoError(t, os.WriteFile(path, data, 0o600))

	pkg, err := LoadFromTgz(path)
	require.NoError(t, err)
	assert.Equal(t, "p", pkg.Name)
	assert.Zero(t, pkg.Len())

	_, err = LoadFromTgz(filepath.Join(t.TempDir(), "missing.tgz"))
	assert.Error(t, err)
}

func TestLoadDirectoryRecursive(t *testing.T) {
	dir := t.TempDir()
	write := func(rel, body string) {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	}
	write("a.json", sdA)
	write("nested/deeper/b.JSON", `{"resourceType":"StructureDefinition","id":"b","url":"http://example.org/SD/b"}`)
	write("nested/z-dup.json", `{"resourceType":"StructureDefinition","id":"z","url":"http://example.org/SD/a"}`)
	write("notes.txt", "ignored")
	write("config.json", `{"setting":true}`)
	write("broken.json", `{`)

	pkg, err := LoadDirectory(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"http://example.org/SD/a", "http://example.org/SD/b"}, pkg.StructureDefinitionURLs())
	assert.Equal(t, filepath.Join(dir, "a.json"), pkg.Sources["http://example.org/SD/a"])
	assert.Equal(t, filepath.Join(dir, "nested", "deeper", "b.JSON"), pkg.Sources["http://example.org/SD/b"])
}

func TestLoadDirectoryMissing(t *testing.T) {
	_, err := LoadDirectory(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file.json")
	require.NoError(t, os.WriteFile(file, []byte(sdA), 0o600))
	_, err = LoadDirectory(file)
	assert.ErrorContains(t, err, "not a directory")
}
