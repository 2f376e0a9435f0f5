package conformance

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gofhir/conformance/pkg/issue"
)

// Kind classifies a failure.
type Kind int

// Failure kinds.
const (
	KindUnknown Kind = iota
	// KindNotFound: the requested profile or resource does not exist.
	KindNotFound
	// KindValidation: the resource was rejected for content reasons.
	KindValidation
	// KindConflict: the server refused the change because of its current state.
	KindConflict
	// KindTransport: no usable response (connect, timeout, protocol or 5xx).
	KindTransport
	// KindConfiguration: the component was set up incorrectly.
	KindConfiguration
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransport:
		return "transport"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching against *Error values of each kind.
var (
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation failed")
	ErrConflict      = errors.New("conflict")
	ErrTransport     = errors.New("transport failure")
	ErrConfiguration = errors.New("invalid configuration")
)

var kindSentinels = map[Kind]error{
	KindNotFound:      ErrNotFound,
	KindValidation:    ErrValidation,
	KindConflict:      ErrConflict,
	KindTransport:     ErrTransport,
	KindConfiguration: ErrConfiguration,
}

// Error is the single error type returned by resolvers and the remote client.
type Error struct {
	Kind Kind
	// Op names the failed operation, e.g. "read" or "resolve".
	Op string
	// Target is the URL, profile or resource reference the operation was about.
	Target string
	// StatusCode is the HTTP status when a response was received.
	StatusCode int
	// Issues carries the server's OperationOutcome issues, if any.
	Issues []issue.Issue
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(" ")
	}
	if e.Target != "" {
		b.WriteString(e.Target)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if diag := e.firstDiagnostics(); diag != "" {
		b.WriteString(": ")
		b.WriteString(diag)
	}
	return b.String()
}

func (e *Error) firstDiagnostics() string {
	for _, is := range e.Issues {
		if is.Diagnostics != "" {
			return is.Diagnostics
		}
	}
	return ""
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// NewError builds an *Error.
func NewError(kind Kind, op, target string, err error) *Error {
	return &Error{Kind: kind, Op: op, Target: target, Err: err}
}

// NotFound builds a KindNotFound error.
func NotFound(op, target string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Target: target}
}

// Configuration builds a KindConfiguration error.
func Configuration(op, format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transport builds a KindTransport error.
func Transport(op, target string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Target: target, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether repeating the call could succeed without changes.
// The module itself never retries.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind != KindTransport {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// KindForStatus maps a non-2xx HTTP status to a kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return KindConflict
	case status == http.StatusTooManyRequests || status >= 500:
		return KindTransport
	case status >= 400:
		return KindValidation
	default:
		return KindTransport
	}
}
