package conformance

import "github.com/gofhir/conformance/pkg/specs"

// Version is the module release reported by the demo CLI.
const Version = "0.3.0"

// FHIRVersion names a FHIR release.
type FHIRVersion string

// R4 is the only release the baseline archive and wire models cover.
const R4 FHIRVersion = "R4"

// String returns the version string.
func (v FHIRVersion) String() string {
	return string(v)
}

// IsValid returns true if the release has an embedded baseline package.
func (v FHIRVersion) IsValid() bool {
	return specs.HasVersion(v.Release())
}

// Release returns the numeric release used in StructureDefinition.fhirVersion.
func (v FHIRVersion) Release() string {
	if v == R4 {
		return "4.0.1"
	}
	return ""
}

// CorePackage returns the name of the core package the baseline archive is cut from.
func (v FHIRVersion) CorePackage() string {
	if v == R4 {
		return "hl7.fhir.r4.core"
	}
	return ""
}
