// Package conformance validates FHIR R4 resources against StructureDefinitions
// and exchanges them with a FHIR REST endpoint.
//
// The module is split into small packages:
//
//   - pkg/resolver: layered profile lookup (cache, local directory, bundled archive)
//   - pkg/validator: local validation producing an issue.Outcome
//   - pkg/client: capabilities, $validate, create, read, search and paging
//   - pkg/search: search criteria shared by the client and the stub server
//   - pkg/fhirstub: in-memory FHIR endpoint for tests and demos
//   - pkg/worker: bounded parallel validation of many resources
//
// # Quick Start
//
//	res, err := resolver.New(resolver.WithDirectory("profiles"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	v, err := validator.New(res)
//	outcome, err := v.Validate(ctx, patient)
//	fmt.Println("Success:", outcome.Success())
//
//	c, err := client.New("https://server.fire.ly/r4")
//	var created fhir.Patient
//	err = c.Create(ctx, patient, &created)
//
// # Errors
//
// Resolvers and the remote client return *Error values. Match them with
// errors.Is against ErrNotFound, ErrValidation, ErrConflict, ErrTransport and
// ErrConfiguration, or read the kind with KindOf. Nothing in the module retries.
package conformance
