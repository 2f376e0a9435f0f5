// Package search builds and parses FHIR search parameters.
//
// A Criteria is built fluently on the client side:
//
//	q := search.New().
//		Where("family:exact=Visser").
//		OrderBy("birthdate", search.Descending).
//		SummaryOnly().
//		Include("Patient:organization").
//		LimitTo(5)
//
// and turned back into a Criteria on the server side with Parse.
package search

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Order is a sort direction.
type Order int

// Sort directions.
const (
	Ascending Order = iota
	Descending
)

// Modifiers understood by Filter.
const (
	ModifierNone     = ""
	ModifierExact    = "exact"
	ModifierContains = "contains"
	ModifierMissing  = "missing"
)

// Prefix is a comparison prefix on date and number parameters.
type Prefix string

// Comparison prefixes.
const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixGt Prefix = "gt"
	PrefixLt Prefix = "lt"
	PrefixGe Prefix = "ge"
	PrefixLe Prefix = "le"
)

var prefixes = []Prefix{PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe}

// Result parameters handled by dedicated Criteria fields.
const (
	ParamID      = "_id"
	ParamSort    = "_sort"
	ParamCount   = "_count"
	ParamSummary = "_summary"
	ParamInclude = "_include"
)

// Param is one search condition, e.g. name "family", modifier "exact", value "Visser".
// A value may hold several comma separated alternatives.
type Param struct {
	Name     string
	Modifier string
	Value    string
}

// Key returns the query key, "name" or "name:modifier".
func (p Param) Key() string {
	if p.Modifier == "" {
		return p.Name
	}
	return p.Name + ":" + p.Modifier
}

// Alternatives splits the value on unescaped commas.
func (p Param) Alternatives() []string {
	var (
		out []string
		b   strings.Builder
	)
	for i := 0; i < len(p.Value); i++ {
		switch {
		case p.Value[i] == '\\' && i+1 < len(p.Value):
			i++
			b.WriteByte(p.Value[i])
		case p.Value[i] == ',':
			out = append(out, b.String())
			b.Reset()
		default:
			b.WriteByte(p.Value[i])
		}
	}
	return append(out, b.String())
}

// SortField is one _sort entry.
type SortField struct {
	Field string
	Order Order
}

// Criteria is an ordered set of search conditions plus result parameters.
// Builder methods record the first malformed input in Err.
type Criteria struct {
	params   []Param
	sort     []SortField
	includes []string
	summary  bool
	count    int
	id       string
	err      error
}

// New returns empty criteria.
func New() *Criteria {
	return &Criteria{}
}

// Where adds a condition written as "name[:modifier]=value".
func (c *Criteria) Where(expr string) *Criteria {
	key, value, ok := strings.Cut(expr, "=")
	if !ok || key == "" {
		c.fail(errors.Errorf("search condition %q is not of the form name=value", expr))
		return c
	}
	name, modifier, _ := strings.Cut(key, ":")
	return c.Filter(name, modifier, value)
}

// Filter adds a condition on field.
func (c *Criteria) Filter(field, modifier, value string) *Criteria {
	switch {
	case field == "":
		c.fail(errors.New("search condition without a parameter name"))
	case field == ParamID:
		c.id = value
	default:
		c.params = append(c.params, Param{Name: field, Modifier: modifier, Value: value})
	}
	return c
}

// Compare adds a prefixed condition such as birthdate=ge2001-01-01.
func (c *Criteria) Compare(field string, prefix Prefix, value string) *Criteria {
	if !validPrefix(prefix) {
		c.fail(errors.Errorf("unknown comparison prefix %q", prefix))
		return c
	}
	return c.Filter(field, ModifierNone, string(prefix)+value)
}

// OrderBy appends a sort field.
func (c *Criteria) OrderBy(field string, order Order) *Criteria {
	if field == "" {
		c.fail(errors.New("empty sort field"))
		return c
	}
	c.sort = append(c.sort, SortField{Field: field, Order: order})
	return c
}

// Include asks the server to include referenced resources, e.g. "Patient:organization".
func (c *Criteria) Include(spec string) *Criteria {
	if !strings.Contains(spec, ":") {
		c.fail(errors.Errorf("include %q is not of the form Type:param", spec))
		return c
	}
	c.includes = append(c.includes, spec)
	return c
}

// SummaryOnly asks for summary elements only.
func (c *Criteria) SummaryOnly() *Criteria {
	c.summary = true
	return c
}

// LimitTo sets the page size.
func (c *Criteria) LimitTo(n int) *Criteria {
	if n <= 0 {
		c.fail(errors.Errorf("page size must be positive, got %d", n))
		return c
	}
	c.count = n
	return c
}

// ByID restricts the search to a single logical id.
func (c *Criteria) ByID(id string) *Criteria {
	c.id = id
	return c
}

func (c *Criteria) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Err returns the first builder error.
func (c *Criteria) Err() error { return c.err }

// Params returns the conditions in the order they were added.
func (c *Criteria) Params() []Param { return append([]Param(nil), c.params...) }

// Sort returns the sort fields.
func (c *Criteria) Sort() []SortField { return append([]SortField(nil), c.sort...) }

// Includes returns the _include specs.
func (c *Criteria) Includes() []string { return append([]string(nil), c.includes...) }

// Summary reports whether only summary elements are requested.
func (c *Criteria) Summary() bool { return c.summary }

// Count returns the page size, 0 when unset.
func (c *Criteria) Count() int { return c.count }

// ID returns the _id restriction.
func (c *Criteria) ID() string { return c.id }

// Values encodes the criteria as query parameters.
func (c *Criteria) Values() url.Values {
	values := url.Values{}
	if c == nil {
		return values
	}
	if c.id != "" {
		values.Set(ParamID, c.id)
	}
	for _, p := range c.params {
		values.Add(p.Key(), p.Value)
	}
	if len(c.sort) > 0 {
		fields := make([]string, len(c.sort))
		for i, s := range c.sort {
			fields[i] = s.Field
			if s.Order == Descending {
				fields[i] = "-" + s.Field
			}
		}
		values.Set(ParamSort, strings.Join(fields, ","))
	}
	for _, inc := range c.includes {
		values.Add(ParamInclude, inc)
	}
	if c.summary {
		values.Set(ParamSummary, "true")
	}
	if c.count > 0 {
		values.Set(ParamCount, strconv.Itoa(c.count))
	}
	return values
}

// String returns the encoded query.
func (c *Criteria) String() string {
	return c.Values().Encode()
}

// Parse reads criteria from query parameters. Parameters starting with "_"
// other than the result parameters are ignored. Conditions come out sorted by
// key since url.Values carries no order.
func Parse(values url.Values) (*Criteria, error) {
	c := New()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, value := range values[key] {
			switch key {
			case ParamID:
				c.ByID(value)
			case ParamSort:
				for _, f := range strings.Split(value, ",") {
					f = strings.TrimSpace(f)
					if strings.HasPrefix(f, "-") {
						c.OrderBy(f[1:], Descending)
					} else if f != "" {
						c.OrderBy(f, Ascending)
					}
				}
			case ParamCount:
				n, err := strconv.Atoi(value)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid %s", ParamCount)
				}
				c.LimitTo(n)
			case ParamSummary:
				switch value {
				case "true":
					c.SummaryOnly()
				case "false", "":
				default:
					return nil, errors.Errorf("unsupported %s=%s", ParamSummary, value)
				}
			case ParamInclude:
				c.Include(value)
			default:
				if strings.HasPrefix(key, "_") {
					continue
				}
				name, modifier, _ := strings.Cut(key, ":")
				c.Filter(name, modifier, value)
			}
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c, nil
}

// SplitPrefix separates a comparison prefix from a value. Values without a
// known prefix compare with eq.
func SplitPrefix(value string) (Prefix, string) {
	if len(value) > 2 {
		for _, p := range prefixes {
			if strings.HasPrefix(value, string(p)) && value[2] >= '0' && value[2] <= '9' {
				return p, value[2:]
			}
		}
	}
	return PrefixEq, value
}

func validPrefix(p Prefix) bool {
	for _, known := range prefixes {
		if p == known {
			return true
		}
	}
	return false
}
