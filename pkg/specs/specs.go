// Package specs provides the embedded baseline FHIR R4 package.
//
// baseline.tgz is a FHIR NPM-style package holding the core StructureDefinitions
// and terminology needed to validate Patient and Organization resources
// offline. The JSON sources live in baseline/package; regenerate the archive
// after editing them.
package specs

import _ "embed"

//go:generate sh -c "tar --sort=name --owner=0 --group=0 --numeric-owner --mtime='2021-06-01 00:00Z' -cf - -C baseline package | gzip -n -9 > baseline.tgz"

//go:embed baseline.tgz
var baseline []byte

// BaselineName is the source label used for the embedded archive.
const BaselineName = "embedded:conformance.baseline.r4"

var embeddedPackages = map[string][]byte{
	"4.0.1": baseline,
}

// GetPackage returns the embedded .tgz data for a FHIR release, or nil.
func GetPackage(version string) []byte {
	return embeddedPackages[version]
}

// HasVersion returns true if the release has an embedded package.
func HasVersion(version string) bool {
	_, ok := embeddedPackages[version]
	return ok
}
