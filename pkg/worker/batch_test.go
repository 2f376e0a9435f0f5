package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gofhir/conformance/pkg/issue"
)

// countingValidator fails resources equal to "bad" and errors on "boom".
type countingValidator struct {
	calls   atomic.Int32
	running atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
}

func (c *countingValidator) validate(ctx context.Context, resource []byte) (*issue.Outcome, error) {
	c.calls.Add(1)
	n := c.running.Add(1)
	defer c.running.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	outcome := issue.NewOutcome()
	switch string(resource) {
	case "boom":
		return nil, errors.New("boom")
	case "bad":
		outcome.AddError(issue.CodeStructure, "bad resource")
	}
	return outcome, nil
}

func jobs(resources ...string) []Job {
	out := make([]Job, len(resources))
	for i, r := range resources {
		out[i] = Job{ID: fmt.Sprintf("job-%d", i), Resource: []byte(r)}
	}
	return out
}

func TestDefaultWorkers(t *testing.T) {
	bv := NewBatchValidator(nil, 0)
	assert.Positive(t, bv.Workers())
	assert.Equal(t, 3, NewBatchValidator(nil, 3).Workers())
}

func TestEmptyBatch(t *testing.T) {
	c := &countingValidator{}
	result := NewBatchValidator(c.validate, 2).ValidateBatch(context.Background(), nil)
	assert.Empty(t, result.Results)
	assert.Zero(t, result.Invalid())
	assert.NoError(t, result.FirstErr())
}

func TestResultsKeepSubmissionOrder(t *testing.T) {
	c := &countingValidator{}
	result := NewBatchValidator(c.validate, 4).ValidateBatch(context.Background(), jobs("ok", "bad", "ok", "boom", "ok"))

	require.Len(t, result.Results, 5)
	for i, r := range result.Results {
		assert.Equal(t, fmt.Sprintf("job-%d", i), r.ID)
	}
	assert.True(t, result.Results[0].Valid())
	assert.False(t, result.Results[1].Valid())
	assert.Equal(t, 1, result.Results[1].Outcome.ErrorCount())
	assert.EqualError(t, result.Results[3].Err, "boom")
	assert.Equal(t, 2, result.Invalid())
	assert.EqualError(t, result.FirstErr(), "boom")
	assert.Equal(t, int32(5), c.calls.Load())
}

func TestConcurrencyIsBounded(t *testing.T) {
	c := &countingValidator{delay: 10 * time.Millisecond}
	result := NewBatchValidator(c.validate, 2).ValidateBatch(context.Background(), jobs("a", "b", "c", "d", "e", "f"))
	assert.Zero(t, result.Invalid())
	assert.LessOrEqual(t, c.peak.Load(), int32(2))
	assert.Positive(t, result.Duration)
}

func TestCancelledContext(t *testing.T) {
	c := &countingValidator{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewBatchValidator(c.validate, 2).ValidateBatch(ctx, jobs("a", "b"))
	require.Len(t, result.Results, 2)
	assert.ErrorIs(t, result.FirstErr(), context.Canceled)
	assert.Equal(t, 2, result.Invalid())
	assert.Zero(t, c.calls.Load())
}
