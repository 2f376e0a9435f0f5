// Package fhirstub is an in-memory FHIR REST endpoint for tests and demos.
//
// It serves the capability statement, $validate, create, read and type-level
// search with paging. Failures are answered with OperationOutcome bodies.
package fhirstub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"

	"github.com/gofhir/conformance/pkg/issue"
	"github.com/gofhir/conformance/pkg/logger"
	"github.com/gofhir/conformance/pkg/search"
)

const (
	contentType     = "application/fhir+json"
	maxBodySize     = 10 << 20
	defaultPageSize = 10

	paramPages  = "_getpages"
	paramOffset = "_getpagesoffset"
)

// ValidateFunc validates a resource body for create and $validate.
type ValidateFunc func(ctx context.Context, resource []byte) (*issue.Outcome, error)

// Server is the stub endpoint. It implements http.Handler.
type Server struct {
	store            *store
	router           chi.Router
	validate         ValidateFunc
	rejectDuplicates bool
	name             string
	version          string
	pageSize         int
	now              func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithValidator runs fn on created resources and on $validate. Resources
// failing validation are not created.
func WithValidator(fn ValidateFunc) Option {
	return func(s *Server) {
		s.validate = fn
	}
}

// WithRejectDuplicateIdentifiers answers 409 when a created resource shares an
// identifier with a stored one of the same type.
func WithRejectDuplicateIdentifiers() Option {
	return func(s *Server) {
		s.rejectDuplicates = true
	}
}

// WithName sets the name and software version reported by /metadata.
func WithName(name, version string) Option {
	return func(s *Server) {
		s.name = name
		s.version = version
	}
}

// WithPageSize sets the page size used when a search has no _count.
func WithPageSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		store:    newStore(),
		name:     "fhirstub",
		version:  "1.0.0",
		pageSize: defaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/metadata", s.metadata)
	r.Route("/{type}", func(r chi.Router) {
		r.Get("/", s.searchType)
		r.Post("/", s.create)
		r.Post("/_search", s.searchForm)
		r.Post("/$validate", s.validateResource)
		r.Get("/{id}", s.read)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeOutcome(w, http.StatusNotFound, issue.CodeNotSupported, "no route for "+r.Method+" "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeOutcome(w, http.StatusMethodNotAllowed, issue.CodeNotSupported, r.Method+" is not supported on "+r.URL.Path)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Seed stores a resource under its own id, e.g. an Organization referenced by
// seeded patients.
func (s *Server) Seed(resource any) error {
	raw, err := json.Marshal(resource)
	if err != nil {
		return errors.Wrap(err, "encode seed")
	}
	obj, err := decode(raw)
	if err != nil {
		return err
	}
	resourceType, _ := obj["resourceType"].(string)
	if resourceType == "" {
		return errors.New("seed has no resourceType")
	}
	return s.store.put(resourceType, obj)
}

// Count returns the number of stored resources of a type.
func (s *Server) Count(resourceType string) int {
	return s.store.len(resourceType)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debug("fhirstub: %s %s -> %d (%v)", r.Method, r.URL.RequestURI(), ww.Status(), time.Since(start))
	})
}

func (s *Server) metadata(w http.ResponseWriter, r *http.Request) {
	types := make([]string, 0, len(searchParams))
	for t := range searchParams {
		types = append(types, t)
	}
	sort.Strings(types)

	resources := make([]map[string]any, 0, len(types))
	for _, t := range types {
		names := make([]string, 0, len(searchParams[t]))
		for name := range searchParams[t] {
			names = append(names, name)
		}
		sort.Strings(names)
		params := []map[string]any{{"name": "_id", "type": "token"}}
		for _, name := range names {
			params = append(params, map[string]any{"name": name, "type": kindName(searchParams[t][name].kind)})
		}
		resources = append(resources, map[string]any{
			"type": t,
			"interaction": []map[string]any{
				{"code": "read"}, {"code": "create"}, {"code": "search-type"},
			},
			"searchParam": params,
			"operation": []map[string]any{
				{"name": "validate", "definition": "http://hl7.org/fhir/OperationDefinition/Resource-validate"},
			},
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         s.now().UTC().Format(time.RFC3339),
		"kind":         "instance",
		"name":         s.name,
		"software":     map[string]any{"name": s.name, "version": s.version},
		"implementation": map[string]any{
			"description": s.name,
			"url":         baseURL(r),
		},
		"fhirVersion": "4.0.1",
		"format":      []string{"json"},
		"rest":        []map[string]any{{"mode": "server", "resource": resources}},
	})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "type")
	raw, obj, ok := readResource(w, r, resourceType)
	if !ok {
		return
	}
	if s.validate != nil {
		out, err := s.validate(r.Context(), raw)
		if err != nil {
			writeOutcome(w, http.StatusInternalServerError, issue.CodeException, err.Error())
			return
		}
		if !out.Success() {
			writeJSON(w, http.StatusUnprocessableEntity, out.OperationOutcome())
			return
		}
	}
	created, ok := s.store.create(resourceType, obj, s.now(), s.rejectDuplicates)
	if !ok {
		writeOutcome(w, http.StatusConflict, issue.CodeDuplicate, resourceType+" with the same identifier already exists")
		return
	}
	id := created["id"].(string)
	w.Header().Set("Location", baseURL(r)+"/"+resourceType+"/"+id+"/_history/1")
	w.Header().Set("ETag", `W/"1"`)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) validateResource(w http.ResponseWriter, r *http.Request) {
	resourceType := chi.URLParam(r, "type")
	raw, err := readBody(r)
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, issue.CodeStructure, err.Error())
		return
	}
	raw, err = unwrapParameters(raw)
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, issue.CodeStructure, err.Error())
		return
	}
	if _, _, ok := checkResource(w, raw, resourceType); !ok {
		return
	}

	out := issue.NewOutcome()
	if s.validate != nil {
		if out, err = s.validate(r.Context(), raw); err != nil {
			writeOutcome(w, http.StatusInternalServerError, issue.CodeException, err.Error())
			return
		}
	}
	status := http.StatusOK
	if !out.Success() {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, out.OperationOutcome())
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	resourceType, id := chi.URLParam(r, "type"), chi.URLParam(r, "id")
	obj, ok := s.store.get(resourceType, id)
	if !ok {
		writeOutcome(w, http.StatusNotFound, issue.CodeNotFound, "resource "+resourceType+"/"+id+" is not known")
		return
	}
	if meta, _ := obj["meta"].(map[string]any); meta != nil {
		if v, _ := meta["versionId"].(string); v != "" {
			w.Header().Set("ETag", `W/"`+v+`"`)
		}
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) searchType(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Has(paramPages) {
		s.page(w, r, query)
		return
	}
	s.search(w, r, query)
}

func (s *Server) searchForm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		writeOutcome(w, http.StatusBadRequest, issue.CodeStructure, err.Error())
		return
	}
	s.search(w, r, r.Form)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request, query url.Values) {
	resourceType := chi.URLParam(r, "type")
	criteria, err := search.Parse(query)
	if err == nil {
		err = checkCriteria(resourceType, criteria)
	}
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, issue.CodeNotSupported, err.Error())
		return
	}

	var hits []object
	for _, obj := range s.store.all(resourceType) {
		if matches(resourceType, obj, criteria) {
			hits = append(hits, obj)
		}
	}
	sortResults(resourceType, hits, criteria.Sort())

	snap := &snapshot{
		resourceType: resourceType,
		ids:          make([]string, len(hits)),
		summary:      criteria.Summary(),
		includes:     criteria.Includes(),
	}
	for i, obj := range hits {
		snap.ids[i], _ = obj["id"].(string)
	}
	count := criteria.Count()
	if count == 0 {
		count = s.pageSize
	}
	var token string
	if len(snap.ids) > count {
		token = s.store.savePages(snap)
	}
	s.writePage(w, r, snap, token, 0, count)
}

func (s *Server) page(w http.ResponseWriter, r *http.Request, query url.Values) {
	resourceType := chi.URLParam(r, "type")
	snap, ok := s.store.loadPages(query.Get(paramPages))
	if !ok || snap.resourceType != resourceType {
		writeOutcome(w, http.StatusGone, issue.CodeNotFound, "search page "+query.Get(paramPages)+" is unknown or expired")
		return
	}
	offset, err := strconv.Atoi(query.Get(paramOffset))
	if err != nil || offset < 0 {
		writeOutcome(w, http.StatusBadRequest, issue.CodeInvalid, "invalid "+paramOffset)
		return
	}
	count := s.pageSize
	if v := query.Get(search.ParamCount); v != "" {
		if count, err = strconv.Atoi(v); err != nil || count <= 0 {
			writeOutcome(w, http.StatusBadRequest, issue.CodeInvalid, "invalid "+search.ParamCount)
			return
		}
	}
	s.writePage(w, r, snap, query.Get(paramPages), offset, count)
}

func (s *Server) writePage(w http.ResponseWriter, r *http.Request, snap *snapshot, token string, offset, count int) {
	base := baseURL(r)
	end := min(offset+count, len(snap.ids))
	start := min(offset, end)

	matchMode := fhir.SearchEntryModeMatch
	includeMode := fhir.SearchEntryModeInclude
	var matched, included []fhir.BundleEntry
	seen := map[string]bool{}
	for _, id := range snap.ids[start:end] {
		obj, ok := s.store.get(snap.resourceType, id)
		if !ok {
			continue
		}
		for _, inc := range snap.includes {
			for _, ref := range references(obj, inc) {
				if seen[ref] {
					continue
				}
				seen[ref] = true
				refType, refID, _ := strings.Cut(ref, "/")
				target, found := s.store.get(refType, refID)
				if !found {
					continue
				}
				entry, err := bundleEntry(base, refType, refID, target, &includeMode)
				if err != nil {
					writeOutcome(w, http.StatusInternalServerError, issue.CodeException, err.Error())
					return
				}
				included = append(included, entry)
			}
		}
		if snap.summary {
			obj = summarize(obj)
		}
		entry, err := bundleEntry(base, snap.resourceType, id, obj, &matchMode)
		if err != nil {
			writeOutcome(w, http.StatusInternalServerError, issue.CodeException, err.Error())
			return
		}
		matched = append(matched, entry)
	}

	links := []fhir.BundleLink{{Relation: "self", Url: base + r.URL.RequestURI()}}
	if token != "" && end < len(snap.ids) {
		next := url.Values{}
		next.Set(paramPages, token)
		next.Set(paramOffset, strconv.Itoa(end))
		next.Set(search.ParamCount, strconv.Itoa(count))
		links = append(links, fhir.BundleLink{
			Relation: "next",
			Url:      base + "/" + snap.resourceType + "?" + next.Encode(),
		})
	}

	id := uuid.NewString()
	now := s.now().UTC().Format(time.RFC3339)
	total := len(snap.ids)
	writeJSON(w, http.StatusOK, fhir.Bundle{
		Id:    &id,
		Meta:  &fhir.Meta{LastUpdated: &now},
		Type:  fhir.BundleTypeSearchset,
		Total: &total,
		Link:  links,
		Entry: append(matched, included...),
	})
}

func bundleEntry(base, resourceType, id string, obj object, mode *fhir.SearchEntryMode) (fhir.BundleEntry, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return fhir.BundleEntry{}, errors.Wrapf(err, "encode %s/%s", resourceType, id)
	}
	fullURL := base + "/" + resourceType + "/" + id
	return fhir.BundleEntry{
		FullUrl:  &fullURL,
		Resource: raw,
		Search:   &fhir.BundleEntrySearch{Mode: mode},
	}, nil
}

// baseURL derives the endpoint base from the request.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(raw) > maxBodySize {
		return nil, errors.New("request body too large")
	}
	return raw, nil
}

// readResource reads and checks a request body. It answers the request itself
// when the body is unusable.
func readResource(w http.ResponseWriter, r *http.Request, resourceType string) ([]byte, object, bool) {
	raw, err := readBody(r)
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, issue.CodeStructure, err.Error())
		return nil, nil, false
	}
	return checkResource(w, raw, resourceType)
}

func checkResource(w http.ResponseWriter, raw []byte, resourceType string) ([]byte, object, bool) {
	obj, err := decode(raw)
	if err != nil {
		writeOutcome(w, http.StatusBadRequest, issue.CodeStructure, err.Error())
		return nil, nil, false
	}
	if got, _ := obj["resourceType"].(string); got != resourceType {
		writeOutcome(w, http.StatusBadRequest, issue.CodeInvalid,
			"resourceType "+strconv.Quote(got)+" does not match endpoint "+resourceType)
		return nil, nil, false
	}
	return raw, obj, true
}

// unwrapParameters returns the "resource" parameter of a Parameters body, or
// the body itself.
func unwrapParameters(raw []byte) ([]byte, error) {
	var params struct {
		ResourceType string `json:"resourceType"`
		Parameter    []struct {
			Name     string          `json:"name"`
			Resource json.RawMessage `json:"resource"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(raw, &params); err != nil || params.ResourceType != "Parameters" {
		return raw, nil
	}
	for _, p := range params.Parameter {
		if p.Name == "resource" && len(p.Resource) > 0 {
			return p.Resource, nil
		}
	}
	return nil, errors.New("Parameters body has no resource parameter")
}

func kindName(k paramKind) string {
	switch k {
	case kindString:
		return "string"
	case kindDate:
		return "date"
	default:
		return "token"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		logger.Error("fhirstub: encode response: %v", err)
		status = http.StatusInternalServerError
		body = []byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"fatal","code":"exception"}]}`)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeOutcome(w http.ResponseWriter, status int, code issue.Code, diagnostics string) {
	out := issue.NewOutcome()
	if status >= http.StatusInternalServerError {
		out.AddFatal(code, diagnostics)
	} else {
		out.AddError(code, diagnostics)
	}
	writeJSON(w, status, out.OperationOutcome())
}
