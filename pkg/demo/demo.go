package demo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/gofhir/conformance"
	"github.com/gofhir/conformance/pkg/client"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/resolver"
	"github.com/gofhir/conformance/pkg/search"
	"github.com/gofhir/conformance/pkg/validator"
)

// DefaultPageLimit bounds how many pages the paged search follows.
const DefaultPageLimit = 10

// NewValidator builds a validator whose profiles come from the cache, then
// profileDir (when set), then the embedded archive.
func NewValidator(profileDir string, m *conformance.Metrics, opts ...validator.Option) (*validator.Validator, error) {
	var ropts []resolver.Option
	if profileDir != "" {
		ropts = append(ropts, resolver.WithDirectory(profileDir))
	}
	if m != nil {
		ropts = append(ropts, resolver.WithMetrics(m))
		opts = append(opts, validator.WithMetrics(m))
	}
	r, err := resolver.New(ropts...)
	if err != nil {
		return nil, err
	}
	return validator.New(r, opts...)
}

// ProfileDir returns dir when it exists. An explicitly requested dir is
// returned even when missing so the resolver reports it.
func ProfileDir(dir string, explicit bool) string {
	if explicit {
		return dir
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return ""
}

// Runner executes the walkthrough. Client may be nil for a local-only run.
type Runner struct {
	Validator *validator.Validator
	Client    *client.Client
	Out       io.Writer
	// PageLimit bounds the paged search; DefaultPageLimit when zero.
	PageLimit int
}

// Run executes every step in order and stops at the first failed step. A
// local validation outcome with errors is reported, not treated as failure.
func (r *Runner) Run(ctx context.Context) error {
	patient := Patient()
	if _, err := r.ValidateLocal(ctx, patient); err != nil {
		return errors.Wrap(err, "local validation")
	}
	if r.Client == nil {
		return nil
	}

	caps, err := r.Client.Capabilities(ctx)
	if err != nil {
		return errors.Wrap(err, "capabilities")
	}
	r.printf("capability: %s\n", caps)

	remote, err := r.Client.ValidateRemote(ctx, patient)
	if err != nil {
		return errors.Wrap(err, "remote validation")
	}
	r.printf("Remote validation success: %v\n", remote.Success())
	if err := r.printJSON(remote.OperationOutcome()); err != nil {
		return err
	}

	var created fhir.Patient
	if err := r.Client.Create(ctx, patient, &created); err != nil {
		return errors.Wrap(err, "create")
	}
	if created.Id == nil {
		return errors.New("create: server returned no id")
	}
	id := *created.Id
	r.printf("Id of patient: %s\n", id)

	var read fhir.Patient
	if err := r.Client.Read(ctx, "Patient", id, &read); err != nil {
		return errors.Wrap(err, "read")
	}
	if err := r.printJSON(read); err != nil {
		return err
	}

	found, err := r.Client.Search(ctx, "Patient", search.New().Where("family:exact="+PatientFamily))
	if err != nil {
		return errors.Wrap(err, "search")
	}
	r.printf("Found %d patient(s) with family name %s\n", found.Len(), PatientFamily)

	byID, err := r.Client.SearchByID(ctx, "Patient", id)
	if err != nil {
		return errors.Wrap(err, "search by id")
	}
	r.printf("Search by id %s found %d patient(s)\n", id, byID.Len())

	return r.pagedSearch(ctx)
}

// ValidateLocal validates resource and prints the success line and outcome.
func (r *Runner) ValidateLocal(ctx context.Context, resource any) (*issue.Outcome, error) {
	outcome, err := r.Validator.Validate(ctx, resource)
	if err != nil {
		return nil, err
	}
	r.printf("Success: %v\n", outcome.Success())
	return outcome, r.printJSON(outcome.OperationOutcome())
}

func (r *Runner) pagedSearch(ctx context.Context) error {
	criteria := search.New().
		Where("family:exact="+PatientFamily).
		OrderBy("birthdate", search.Descending).
		SummaryOnly().
		Include(OrganizationParam).
		LimitTo(5)

	page, err := r.Client.Search(ctx, "Patient", criteria)
	if err != nil {
		return errors.Wrap(err, "paged search")
	}
	limit := r.PageLimit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	for n := 1; page != nil; n++ {
		r.printf("Page %d: %d patient(s), %d included\n", n, page.Len(), len(page.Included))
		if n == limit {
			break
		}
		if page, err = r.Client.Continue(ctx, page); err != nil {
			return errors.Wrapf(err, "continue after page %d", n)
		}
	}
	return nil
}

func (r *Runner) printf(format string, args ...any) {
	fmt.Fprintf(r.Out, format, args...)
}

func (r *Runner) printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "render JSON")
	}
	r.printf("%s\n", out)
	return nil
}
