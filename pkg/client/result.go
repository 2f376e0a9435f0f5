package client

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Capabilities summarizes a server CapabilityStatement.
type Capabilities struct {
	Name        string
	FHIRVersion string
	Software    string
	Statement   fhir.CapabilityStatement
}

func newCapabilities(cs fhir.CapabilityStatement) *Capabilities {
	caps := &Capabilities{
		FHIRVersion: cs.FhirVersion.Code(),
		Statement:   cs,
	}
	if cs.Name != nil {
		caps.Name = *cs.Name
	}
	if cs.Software != nil {
		caps.Software = cs.Software.Name
		if cs.Software.Version != nil {
			caps.Software += " " + *cs.Software.Version
		}
	}
	return caps
}

// String renders "Name: <name>, Fhir Version: <version>".
func (c *Capabilities) String() string {
	return fmt.Sprintf("Name: %s, Fhir Version: %s", c.Name, c.FHIRVersion)
}

// SearchResult is one page of a searchset.
type SearchResult struct {
	// Bundle is the page as received.
	Bundle fhir.Bundle
	// Matches holds entries with search mode "match" (or no mode).
	Matches []json.RawMessage
	// Included holds entries added by _include.
	Included []json.RawMessage
	// Total is the server's total match count, if reported.
	Total *int
	// Self and Next are the page links. Next is empty on the last page.
	Self string
	Next string
}

func newSearchResult(bundle fhir.Bundle) *SearchResult {
	page := &SearchResult{Bundle: bundle, Total: bundle.Total}
	for _, link := range bundle.Link {
		switch link.Relation {
		case "self":
			page.Self = link.Url
		case "next":
			page.Next = link.Url
		}
	}
	for _, entry := range bundle.Entry {
		if entry.Resource == nil {
			continue
		}
		mode := "match"
		if entry.Search != nil && entry.Search.Mode != nil {
			mode = entry.Search.Mode.Code()
		}
		switch mode {
		case "match":
			page.Matches = append(page.Matches, entry.Resource)
		case "include":
			page.Included = append(page.Included, entry.Resource)
		}
	}
	return page
}

// Len returns the number of matches on this page.
func (r *SearchResult) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Matches)
}

// HasNext reports whether another page exists.
func (r *SearchResult) HasNext() bool {
	return r != nil && r.Next != ""
}

// Decode unmarshals match i into target.
func (r *SearchResult) Decode(i int, target any) error {
	if i < 0 || i >= r.Len() {
		return errors.Errorf("match %d out of range (page has %d)", i, r.Len())
	}
	return errors.Wrapf(json.Unmarshal(r.Matches[i], target), "decode match %d", i)
}
