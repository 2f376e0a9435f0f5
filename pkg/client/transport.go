package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/gofhir/conformance/pkg/issue"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 1 << 20

// callRecord captures what the wire saw for one client call.
type callRecord struct {
	status int
	body   []byte
	err    error
}

type recordKey struct{}

func withRecord(ctx context.Context, rec *callRecord) context.Context {
	return context.WithValue(ctx, recordKey{}, rec)
}

// outcome decodes the recorded body when it is an OperationOutcome.
func (r *callRecord) outcome() *issue.Outcome {
	if len(r.body) == 0 {
		return nil
	}
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(r.body, &head); err != nil || head.ResourceType != "OperationOutcome" {
		return nil
	}
	var oo fhir.OperationOutcome
	if err := json.Unmarshal(r.body, &oo); err != nil {
		return nil
	}
	return issue.FromOperationOutcome(oo)
}

// recordingTransport stores the status, error body or transport error of each
// round trip in the callRecord carried by the request context. With redirects
// the last round trip wins.
type recordingTransport struct {
	next http.RoundTripper
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	rec, _ := req.Context().Value(recordKey{}).(*callRecord)
	if rec == nil {
		return resp, err
	}
	if err != nil {
		rec.status, rec.body, rec.err = 0, nil, err
		return resp, err
	}
	rec.status, rec.body, rec.err = resp.StatusCode, nil, nil
	if resp.StatusCode >= http.StatusBadRequest {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		if readErr != nil {
			rec.err = readErr
			return nil, readErr
		}
		rec.body = body
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
	}
	return resp, nil
}
