package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gofhir/conformance"
	"github.com/gofhir/conformance/pkg/demo"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/validator"
	"github.com/gofhir/conformance/pkg/worker"
)

// OutputFormat specifies the output format.
type OutputFormat string

// Output format constants.
const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
)

// errInvalid marks a run where at least one resource failed validation.
var errInvalid = errors.New("validation failed")

// ValidationOutput represents the JSON output structure
type ValidationOutput struct {
	Resource string        `json:"resource"`
	Valid    bool          `json:"valid"`
	Errors   int           `json:"errors"`
	Warnings int           `json:"warnings"`
	Issues   []IssueOutput `json:"issues,omitempty"`
	Duration string        `json:"duration"`
}

// IssueOutput represents a single issue in JSON output
type IssueOutput struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics"`
	Expression  []string `json:"expression,omitempty"`
	Line        int      `json:"line,omitempty"`
	Column      int      `json:"column,omitempty"`
	Source      string   `json:"source,omitempty"`
}

type validateOptions struct {
	output   OutputFormat
	profiles []string
	workers  int
}

func (a *app) newValidateCmd() *cobra.Command {
	var output string
	opts := &validateOptions{}
	cmd := &cobra.Command{
		Use:   "validate [file|glob|-]...",
		Short: "Validate resources locally (the walkthrough patient when no file is given)",
		Example: `  fhirdemo validate
  fhirdemo validate patient.json
  fhirdemo validate --profile http://example.org/fhir/StructureDefinition/my-patient *.json
  cat patient.json | fhirdemo validate -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strings.ToLower(output) {
			case "json":
				opts.output = OutputJSON
			case "text", "":
				opts.output = OutputText
			default:
				return conformance.Configuration("validate", "unknown output format %q", output)
			}
			return a.validate(cmd.Context(), cmd.InOrStdin(), args, opts)
		},
	}
	cmd.Flags().StringVarP(&output, keyOutput, "o", "text", "output format: text, json")
	cmd.Flags().StringSliceVar(&opts.profiles, "profile", nil, "profile URL(s) to validate every resource against")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "number of parallel validations (default: number of CPUs)")
	return cmd
}

func (a *app) newValidator(extra ...validator.Option) (*validator.Validator, error) {
	dir, explicit := a.profileDir()
	opts := append([]validator.Option{validator.WithStrictMode(a.v.GetBool(keyStrict))}, extra...)
	return demo.NewValidator(demo.ProfileDir(dir, explicit), nil, opts...)
}

func (a *app) validate(ctx context.Context, stdin io.Reader, args []string, opts *validateOptions) error {
	var vopts []validator.Option
	for _, p := range opts.profiles {
		vopts = append(vopts, validator.WithProfile(strings.TrimSpace(p)))
	}
	v, err := a.newValidator(vopts...)
	if err != nil {
		return err
	}

	jobs, err := collectJobs(stdin, args)
	if err != nil {
		return err
	}
	batch := worker.NewBatchValidator(func(ctx context.Context, resource []byte) (*issue.Outcome, error) {
		return v.Validate(ctx, resource)
	}, opts.workers).ValidateBatch(ctx, jobs)
	logger.Debug("validated %d resource(s) in %s", len(jobs), batch.Duration)

	outputs := make([]ValidationOutput, 0, len(batch.Results))
	for _, r := range batch.Results {
		outputs = append(outputs, toOutput(r))
		if opts.output == OutputText && r.Err == nil {
			a.printTextResult(r.ID, r.Outcome, r.Duration)
		}
	}
	if opts.output == OutputJSON {
		data, err := json.MarshalIndent(outputs, "", "  ")
		if err != nil {
			return errors.Wrap(err, "render JSON")
		}
		fmt.Fprintln(a.out, string(data))
	}

	if err := batch.FirstErr(); err != nil {
		return err
	}
	if batch.Invalid() > 0 {
		return errInvalid
	}
	return nil
}

// collectJobs reads the resources named by args: files, globs or "-" for
// stdin. No args selects the walkthrough patient.
func collectJobs(stdin io.Reader, args []string) ([]worker.Job, error) {
	if len(args) == 0 {
		data, err := json.Marshal(demo.Patient())
		if err != nil {
			return nil, errors.Wrap(err, "encode walkthrough patient")
		}
		return []worker.Job{{ID: "walkthrough patient", Resource: data}}, nil
	}

	var jobs []worker.Job
	for _, arg := range args {
		if arg == "-" {
			data, err := io.ReadAll(stdin)
			if err != nil {
				return nil, errors.Wrap(err, "read stdin")
			}
			jobs = append(jobs, worker.Job{ID: "stdin", Resource: data})
			continue
		}

		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "pattern %q", arg)
		}
		if len(matches) == 0 {
			return nil, conformance.NotFound("validate", arg)
		}
		for _, path := range matches {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, errors.Wrapf(err, "read %s", path)
			}
			jobs = append(jobs, worker.Job{ID: path, Resource: data})
		}
	}
	return jobs, nil
}

func toOutput(r worker.JobResult) ValidationOutput {
	output := ValidationOutput{
		Resource: r.ID,
		Valid:    r.Valid(),
		Duration: r.Duration.Round(time.Microsecond).String(),
	}
	if r.Err != nil {
		output.Errors = 1
		output.Issues = []IssueOutput{{Severity: string(issue.SeverityFatal), Code: string(issue.CodeException), Diagnostics: r.Err.Error()}}
		return output
	}
	output.Errors = r.Outcome.ErrorCount()
	output.Warnings = r.Outcome.WarningCount()
	for _, iss := range r.Outcome.Issues {
		entry := IssueOutput{
			Severity:    string(iss.Severity),
			Code:        string(iss.Code),
			Diagnostics: iss.Diagnostics,
			Expression:  iss.Expression,
			Source:      iss.Source,
		}
		if iss.Location != nil {
			entry.Line, entry.Column = iss.Location.Line, iss.Location.Column
		}
		output.Issues = append(output.Issues, entry)
	}
	return output
}

func (a *app) printTextResult(name string, outcome *issue.Outcome, duration time.Duration) {
	fmt.Fprintf(a.out, "== %s ==\n", name)
	fmt.Fprintf(a.out, "Success: %v\n", outcome.Success())
	fmt.Fprintf(a.out, "Errors: %d, Warnings: %d\n", outcome.ErrorCount(), outcome.WarningCount())
	fmt.Fprintf(a.out, "Duration: %s\n", duration.Round(time.Microsecond))

	if len(outcome.Issues) > 0 {
		fmt.Fprintln(a.out, "\nIssues:")
		for _, iss := range outcome.Issues {
			location := ""
			if len(iss.Expression) > 0 {
				location = " @ " + strings.Join(iss.Expression, ", ")
			}
			if iss.Location != nil {
				location += fmt.Sprintf(" (line %d, col %d)", iss.Location.Line, iss.Location.Column)
			}
			fmt.Fprintf(a.out, "  %s [%s] %s%s\n", severityLabel(iss.Severity), iss.Code, iss.Diagnostics, location)
		}
	}
	fmt.Fprintln(a.out)
}

func severityLabel(severity issue.Severity) string {
	switch severity {
	case issue.SeverityFatal:
		return "FATAL"
	case issue.SeverityError:
		return "ERROR"
	case issue.SeverityWarning:
		return "WARN "
	default:
		return "INFO "
	}
}
