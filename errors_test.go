package conformance

import (
	"errors"
	"net/http"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/gofhir/conformance/pkg/issue"
)

func TestErrorIsMatchesKindSentinel(t *testing.T) {
	err := NotFound("read", "Patient/1")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrTransport))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestErrorSurvivesWrapping(t *testing.T) {
	err := pkgerrors.Wrap(Transport("search", "http://x", errors.New("dial tcp: refused")), "step 4")

	assert.True(t, errors.Is(err, ErrTransport))
	assert.Equal(t, KindTransport, KindOf(err))
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "dial tcp: refused")
}

func TestErrorMessageUsesIssues(t *testing.T) {
	err := &Error{
		Kind:       KindValidation,
		Op:         "create",
		Target:     "Patient",
		StatusCode: http.StatusUnprocessableEntity,
		Issues:     []issue.Issue{{Severity: issue.SeverityError, Diagnostics: "Patient.gender: unknown code"}},
	}
	assert.Equal(t, "create Patient: validation (HTTP 422): Patient.gender: unknown code", err.Error())
	assert.False(t, IsRetryable(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusGone, KindNotFound},
		{http.StatusConflict, KindConflict},
		{http.StatusPreconditionFailed, KindConflict},
		{http.StatusBadRequest, KindValidation},
		{http.StatusUnprocessableEntity, KindValidation},
		{http.StatusTooManyRequests, KindTransport},
		{http.StatusBadGateway, KindTransport},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForStatus(tt.status), "status %d", tt.status)
	}
}
