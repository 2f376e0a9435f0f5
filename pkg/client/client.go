// Package client talks to a remote FHIR REST endpoint.
//
// Every failed call returns exactly one *conformance.Error. Its kind comes
// from the HTTP status when a response was received, and is
// conformance.KindTransport otherwise. The client never retries.
package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	fhirclient "github.com/SanteonNL/go-fhir-client"
	"github.com/pkg/errors"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/gofhir/conformance"
	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/search"
)

// Remote operation names used in errors and metrics.
const (
	OpCapabilities = "capabilities"
	OpValidate     = "validate"
	OpCreate       = "create"
	OpRead         = "read"
	OpSearch       = "search"
	OpContinue     = "continue"
)

// Client is a FHIR REST client bound to one base URL. It is safe for
// concurrent use.
type Client struct {
	base    *url.URL
	fhir    fhirclient.Client
	metrics *conformance.Metrics
}

type config struct {
	httpClient *http.Client
	headers    http.Header
	metrics    *conformance.Metrics
}

// Option configures a Client.
type Option func(*config)

// WithHTTPClient sets the HTTP client. Its Transport is wrapped, not replaced.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) {
		cfg.httpClient = c
	}
}

// WithHeaders adds headers to every request.
func WithHeaders(h http.Header) Option {
	return func(cfg *config) {
		if cfg.headers == nil {
			cfg.headers = http.Header{}
		}
		for k, values := range h {
			for _, v := range values {
				cfg.headers.Add(k, v)
			}
		}
	}
}

// WithMetrics records remote calls and their failure kinds.
func WithMetrics(m *conformance.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}

// New creates a client for baseURL, e.g. "https://server.fire.ly/r4".
// There is no built-in timeout; bound calls with the context.
func New(baseURL string, opts ...Option) (*Client, error) {
	cfg := &config{httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(cfg)
	}

	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, conformance.Configuration("client", "invalid base URL %q: %v", baseURL, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, conformance.Configuration("client", "base URL %q must be an absolute http(s) URL", baseURL)
	}
	if cfg.httpClient == nil {
		cfg.httpClient = http.DefaultClient
	}

	httpClient := *cfg.httpClient
	next := httpClient.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	httpClient.Transport = &recordingTransport{next: next}

	fhirConfig := fhirclient.DefaultConfig()
	fhirConfig.UsePostSearch = false
	fhirConfig.DefaultOptions = []fhirclient.Option{
		fhirclient.RequestHeaders(map[string][]string{
			"Cache-Control": {"no-cache"},
		}),
	}
	if len(cfg.headers) > 0 {
		fhirConfig.DefaultOptions = append(fhirConfig.DefaultOptions, fhirclient.RequestHeaders(cfg.headers))
	}
	fhirConfig.Non2xxStatusHandler = func(response *http.Response, responseBody []byte) {
		logger.Debug("non-2xx status from FHIR server (%s %s, status=%d): %s",
			response.Request.Method, response.Request.URL, response.StatusCode, string(responseBody))
	}

	return &Client{
		base:    base,
		fhir:    fhirclient.New(base, &httpClient, &fhirConfig),
		metrics: cfg.metrics,
	}, nil
}

// BaseURL returns the endpoint base URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Capabilities fetches the server's CapabilityStatement.
func (c *Client) Capabilities(ctx context.Context) (caps *Capabilities, err error) {
	defer c.record(OpCapabilities, &err)

	var statement fhir.CapabilityStatement
	if _, err = c.call(ctx, OpCapabilities, "metadata", func(ctx context.Context) error {
		return c.fhir.ReadWithContext(ctx, "metadata", &statement)
	}); err != nil {
		return nil, err
	}
	return newCapabilities(statement), nil
}

// ValidateRemote asks the server to validate resource with [type]/$validate.
// An OperationOutcome returned with a 2xx or 4xx status becomes the outcome and
// the error is nil. Other failures return an outcome holding one fatal issue
// together with the error.
func (c *Client) ValidateRemote(ctx context.Context, resource any) (out *issue.Outcome, err error) {
	defer c.record(OpValidate, &err)

	raw, resourceType, err := encode(OpValidate, resource)
	if err != nil {
		return nil, err
	}
	target := resourceType + "/$validate"

	var oo fhir.OperationOutcome
	rec, err := c.call(ctx, OpValidate, target, func(ctx context.Context) error {
		return c.fhir.CreateWithContext(ctx, raw, &oo, fhirclient.AtPath("/"+target))
	})
	if err == nil {
		return issue.FromOperationOutcome(oo), nil
	}
	if rec.status >= 400 && rec.status < 500 {
		if returned := rec.outcome(); returned != nil {
			return returned, nil
		}
	}

	out = issue.NewOutcome()
	code := issue.CodeTransient
	switch conformance.KindOf(err) {
	case conformance.KindNotFound:
		code = issue.CodeNotFound
	case conformance.KindTransport:
	default:
		code = issue.CodeProcessing
	}
	out.AddFatal(code, err.Error())
	return out, err
}

// Create stores resource with POST [base]/[type]. The server's version of the
// resource, including its id, is decoded into result when result is non-nil.
func (c *Client) Create(ctx context.Context, resource any, result any) (err error) {
	defer c.record(OpCreate, &err)

	raw, resourceType, err := encode(OpCreate, resource)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, OpCreate, resourceType, func(ctx context.Context) error {
		return c.fhir.CreateWithContext(ctx, raw, result, fhirclient.AtPath("/"+resourceType))
	})
	return err
}

// Read fetches [base]/[type]/[id] into result.
func (c *Client) Read(ctx context.Context, resourceType, id string, result any) (err error) {
	defer c.record(OpRead, &err)

	if resourceType == "" || id == "" {
		return conformance.Configuration(OpRead, "resource type and id are required")
	}
	target := resourceType + "/" + url.PathEscape(id)
	_, err = c.call(ctx, OpRead, target, func(ctx context.Context) error {
		return c.fhir.ReadWithContext(ctx, target, result)
	})
	return err
}

// Search runs a type-level search and returns the first page.
func (c *Client) Search(ctx context.Context, resourceType string, criteria *search.Criteria) (page *SearchResult, err error) {
	defer c.record(OpSearch, &err)

	if resourceType == "" {
		return nil, conformance.Configuration(OpSearch, "resource type is required")
	}
	if criteria == nil {
		criteria = search.New()
	}
	if cerr := criteria.Err(); cerr != nil {
		return nil, conformance.NewError(conformance.KindConfiguration, OpSearch, resourceType, cerr)
	}

	var bundle fhir.Bundle
	if _, err = c.call(ctx, OpSearch, resourceType, func(ctx context.Context) error {
		return c.fhir.SearchWithContext(ctx, resourceType, criteria.Values(), &bundle)
	}); err != nil {
		return nil, err
	}
	return newSearchResult(bundle), nil
}

// SearchByID searches resourceType by _id.
func (c *Client) SearchByID(ctx context.Context, resourceType, id string) (*SearchResult, error) {
	return c.Search(ctx, resourceType, search.New().ByID(id))
}

// Continue fetches the page after page. It returns nil, nil when page has no
// next link. The next link must live under the client's base URL.
func (c *Client) Continue(ctx context.Context, page *SearchResult) (next *SearchResult, err error) {
	if page == nil || page.Next == "" {
		return nil, nil
	}
	defer c.record(OpContinue, &err)

	link, err := url.Parse(page.Next)
	if err != nil {
		return nil, conformance.NewError(conformance.KindConfiguration, OpContinue, page.Next, err)
	}
	path, ok := c.relative(link)
	if !ok {
		return nil, conformance.Configuration(OpContinue, "next link %s is outside base URL %s", page.Next, c.base)
	}

	var bundle fhir.Bundle
	if _, err = c.call(ctx, OpContinue, page.Next, func(ctx context.Context) error {
		return c.fhir.SearchWithContext(ctx, "", link.Query(), &bundle, fhirclient.AtPath(path))
	}); err != nil {
		return nil, err
	}
	return newSearchResult(bundle), nil
}

// relative returns link's path below the base URL. Relative links resolve
// against the base.
func (c *Client) relative(link *url.URL) (string, bool) {
	if !link.IsAbs() {
		link = c.base.ResolveReference(link)
	}
	if !strings.EqualFold(link.Scheme, c.base.Scheme) || !strings.EqualFold(link.Host, c.base.Host) {
		return "", false
	}
	rest, ok := strings.CutPrefix(link.Path, c.base.Path)
	if !ok {
		return "", false
	}
	if rest == "" {
		rest = "/"
	}
	if !strings.HasPrefix(rest, "/") {
		return "", false
	}
	return rest, true
}

// call runs fn with a fresh call record in its context and classifies any failure.
func (c *Client) call(ctx context.Context, op, target string, fn func(ctx context.Context) error) (*callRecord, error) {
	rec := &callRecord{}
	err := fn(withRecord(ctx, rec))
	if err == nil {
		logger.Debug("%s %s: HTTP %d", op, target, rec.status)
		return rec, nil
	}
	classified := classify(op, target, rec, err)
	logger.Debug("%s %s failed: %v", op, target, classified)
	return rec, classified
}

func (c *Client) record(op string, err *error) {
	c.metrics.RecordRemoteCall(op, *err)
}

// classify maps a failed call to a *conformance.Error.
func classify(op, target string, rec *callRecord, err error) *conformance.Error {
	status := rec.status
	if status == 0 && rec.err == nil {
		var ooErr fhirclient.OperationOutcomeError
		if errors.As(err, &ooErr) {
			status = ooErr.HttpStatusCode
		}
	}

	e := &conformance.Error{Op: op, Target: target, Err: err}
	switch {
	case rec.err != nil || status == 0:
		e.Kind = conformance.KindTransport
	case status < 300:
		// Response received but not decodable.
		e.Kind = conformance.KindTransport
		e.StatusCode = status
	default:
		e.Kind = conformance.KindForStatus(status)
		e.StatusCode = status
		if out := rec.outcome(); out != nil {
			e.Issues = out.Issues
		}
	}
	return e
}

// encode marshals resource to JSON and reads its resourceType.
func encode(op string, resource any) (json.RawMessage, string, error) {
	var raw []byte
	switch r := resource.(type) {
	case nil:
		return nil, "", conformance.Configuration(op, "resource is nil")
	case json.RawMessage:
		raw = r
	case []byte:
		raw = r
	case string:
		raw = []byte(r)
	default:
		b, err := json.Marshal(resource)
		if err != nil {
			return nil, "", conformance.NewError(conformance.KindConfiguration, op, "", errors.Wrap(err, "encode resource"))
		}
		raw = b
	}

	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, "", conformance.NewError(conformance.KindConfiguration, op, "", errors.Wrap(err, "decode resource"))
	}
	if head.ResourceType == "" {
		return nil, "", conformance.Configuration(op, "resource has no resourceType")
	}
	return json.RawMessage(raw), head.ResourceType, nil
}
