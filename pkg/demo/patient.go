// Package demo runs the validation and REST walkthrough used by the fhirdemo
// command: validate a patient locally, then capability fetch, remote
// validation, create, read, search and paged search against an endpoint.
package demo

import (
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/caramel/to"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Walkthrough patient values.
const (
	PatientFamily     = "Visser"
	PatientBirthDate  = "2001-03-01"
	IdentifierSystem  = "system"
	IdentifierValue   = "example"
	OrganizationParam = "Patient:organization"
)

// Patient builds the walkthrough patient. Each call returns a fresh value.
func Patient() fhir.Patient {
	gender := fhir.AdministrativeGenderUnknown
	return fhir.Patient{
		Identifier: []fhir.Identifier{{
			System: to.Ptr(IdentifierSystem),
			Value:  to.Ptr(IdentifierValue),
		}},
		Active:    to.Ptr(true),
		Name:      []fhir.HumanName{{Family: to.Ptr(PatientFamily)}},
		Gender:    &gender,
		BirthDate: to.Ptr(PatientBirthDate),
	}
}
