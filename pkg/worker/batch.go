// Package worker validates batches of resources on a bounded number of
// goroutines. Results keep the order of the submitted jobs.
package worker

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gofhir/conformance/pkg/issue"
)

// ValidateFunc validates a single resource.
type ValidateFunc func(ctx context.Context, resource []byte) (*issue.Outcome, error)

// Job is one resource to validate.
type Job struct {
	// ID names the job in results, usually a file name.
	ID       string
	Resource []byte
}

// JobResult is the outcome of one job. Err is set when validation could not
// run at all; an invalid resource is reported through Outcome.
type JobResult struct {
	ID       string
	Outcome  *issue.Outcome
	Err      error
	Duration time.Duration
}

// Valid reports whether the job ran and its outcome is successful.
func (r JobResult) Valid() bool {
	return r.Err == nil && r.Outcome != nil && r.Outcome.Success()
}

// BatchResult aggregates the results of a batch in submission order.
type BatchResult struct {
	Results  []JobResult
	Duration time.Duration
}

// Invalid returns the number of jobs that failed or produced errors.
func (br *BatchResult) Invalid() int {
	n := 0
	for _, r := range br.Results {
		if !r.Valid() {
			n++
		}
	}
	return n
}

// FirstErr returns the first job error in submission order.
func (br *BatchResult) FirstErr() error {
	for _, r := range br.Results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// BatchValidator runs a ValidateFunc over many jobs.
type BatchValidator struct {
	validate ValidateFunc
	workers  int
}

// NewBatchValidator creates a batch validator. If workers <= 0, it defaults
// to runtime.NumCPU().
func NewBatchValidator(validate ValidateFunc, workers int) *BatchValidator {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &BatchValidator{validate: validate, workers: workers}
}

// Workers returns the concurrency limit.
func (bv *BatchValidator) Workers() int {
	return bv.workers
}

// ValidateBatch validates every job. A failing job does not stop the others;
// a cancelled context marks the jobs not yet started with ctx.Err().
func (bv *BatchValidator) ValidateBatch(ctx context.Context, jobs []Job) *BatchResult {
	start := time.Now()
	results := make([]JobResult, len(jobs))

	var g errgroup.Group
	g.SetLimit(bv.workers)
	for i, job := range jobs {
		results[i].ID = job.ID
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			t := time.Now()
			outcome, err := bv.validate(ctx, job.Resource)
			results[i].Outcome, results[i].Err = outcome, err
			results[i].Duration = time.Since(t)
			return nil
		})
	}
	_ = g.Wait()

	return &BatchResult{Results: results, Duration: time.Since(start)}
}
