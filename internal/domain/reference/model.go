package reference

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocl/ocl/internal/platform/uri"
)

// Kind is the resource type a reference selects.
type Kind string

const (
	Concepts Kind = "concepts"
	Mappings Kind = "mappings"
)

// Filter operators.
const (
	OpEqual = "="
	OpIn    = "in"
)

// Cascade methods.
const (
	CascadeSourceMappings   = "sourcemappings"
	CascadeSourceToConcepts = "sourcetoconcepts"
)

// Transforms applied to resolved resources.
const (
	TransformResourceVersions = "resourceversions"
	TransformExtensional      = "extensional"
)

// Filter narrows the resources a reference selects.
type Filter struct {
	Property string `json:"property"`
	Operator string `json:"op"`
	Value    string `json:"value"`
}

// Values returns the comma-split values of an "in" filter, or the single
// value otherwise.
func (f Filter) Values() []string {
	if f.Operator != OpIn {
		return []string{f.Value}
	}
	parts := strings.Split(f.Value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw struct {
		Property string `json:"property"`
		Op       string `json:"op"`
		Operator string `json:"operator"`
		Value    any    `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.Property = raw.Property
	f.Operator = raw.Op
	if f.Operator == "" {
		f.Operator = raw.Operator
	}
	if f.Operator == "" {
		f.Operator = OpEqual
	}
	switch v := raw.Value.(type) {
	case nil:
	case string:
		f.Value = v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
		f.Value = strings.Join(parts, ",")
		f.Operator = OpIn
	default:
		f.Value = fmt.Sprint(v)
	}
	if f.Operator != OpEqual && f.Operator != OpIn {
		return fmt.Errorf("unsupported filter operator %q", f.Operator)
	}
	return nil
}

// Cascade selects the related resources added to each resolved concept.
// It is written as a bare method string or as an object.
type Cascade struct {
	Method          string `json:"method"`
	MapTypes        string `json:"map_types,omitempty"`
	ExcludeMapTypes string `json:"exclude_map_types,omitempty"`
}

// NewCascade returns a cascade for method, or nil when method is empty.
func NewCascade(method string) *Cascade {
	if method == "" {
		return nil
	}
	return &Cascade{Method: strings.ToLower(method)}
}

// Enabled reports whether c adds anything.
func (c *Cascade) Enabled() bool {
	return c != nil && (c.Method == CascadeSourceMappings || c.Method == CascadeSourceToConcepts)
}

// ToConcepts reports whether mapping targets are added too.
func (c *Cascade) ToConcepts() bool {
	return c != nil && c.Method == CascadeSourceToConcepts
}

// AllowsMapType applies the map type filters.
func (c *Cascade) AllowsMapType(mapType string) bool {
	if c == nil {
		return true
	}
	if c.MapTypes != "" && !containsFold(splitList(c.MapTypes), mapType) {
		return false
	}
	if c.ExcludeMapTypes != "" && containsFold(splitList(c.ExcludeMapTypes), mapType) {
		return false
	}
	return true
}

func (c *Cascade) UnmarshalJSON(data []byte) error {
	var method string
	if err := json.Unmarshal(data, &method); err == nil {
		c.Method = strings.ToLower(method)
		return nil
	}
	type plain Cascade
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("cascade must be a string or an object: %w", err)
	}
	*c = Cascade(p)
	c.Method = strings.ToLower(c.Method)
	return nil
}

// Reference is the canonical parsed form of a reference expression. It is
// not modified after parsing.
type Reference struct {
	ID                  uuid.UUID  `json:"id"`
	RepositoryVersionID uuid.UUID  `json:"repository_version_id"`
	Expression          string     `json:"expression,omitempty"`
	Namespace           string     `json:"namespace,omitempty"`
	System              string     `json:"system,omitempty"`
	Version             string     `json:"version,omitempty"`
	Code                string     `json:"code,omitempty"`
	ResourceVersion     string     `json:"resource_version,omitempty"`
	Valueset            []string   `json:"valueset,omitempty"`
	Filter              []Filter   `json:"filter,omitempty"`
	Cascade             *Cascade   `json:"cascade,omitempty"`
	Kind                Kind       `json:"reference_type"`
	Transform           string     `json:"transform,omitempty"`
	Display             string     `json:"display,omitempty"`
	Include             bool       `json:"include"`
	Translation         string     `json:"translation,omitempty"`
	LastResolvedAt      *time.Time `json:"last_resolved_at"`
	CreatedAt           time.Time  `json:"created_at"`
}

// IsConcept reports whether r selects concepts.
func (r *Reference) IsConcept() bool { return r.Kind != Mappings }

// SystemURI returns the system without its |version suffix.
func (r *Reference) SystemURI() string {
	base, _ := uri.SplitVersion(r.System)
	return base
}

// SystemVersion returns the pinned system version, from the version field
// or the |version suffix.
func (r *Reference) SystemVersion() string {
	if r.Version != "" {
		return r.Version
	}
	_, v := uri.SplitVersion(r.System)
	return v
}

// Identity is the version-independent identity used to detect duplicate
// references within a repository version.
func (r *Reference) Identity() string {
	valuesets := make([]string, 0, len(r.Valueset))
	for _, vs := range r.Valueset {
		valuesets = append(valuesets, uri.NormalizeRepository(vs))
	}
	sort.Strings(valuesets)

	filters := make([]string, 0, len(r.Filter))
	for _, f := range r.Filter {
		filters = append(filters, f.Property+f.Operator+f.Value)
	}
	sort.Strings(filters)

	system := ""
	if r.System != "" {
		system = uri.NormalizeRepository(r.System)
	}
	return strings.Join([]string{
		string(r.Kind),
		system,
		strings.ToLower(r.Code),
		strings.Join(valuesets, ","),
		strings.Join(filters, "&"),
		fmt.Sprint(r.Include),
	}, "|")
}

// ResolvedTarget returns the expression shown for r: the original legacy
// expression when there is one, else a URI built from its parts.
func (r *Reference) ResolvedTarget() string {
	if r.Expression != "" {
		return r.Expression
	}
	if r.System == "" {
		return strings.Join(r.Valueset, ",")
	}
	base := uri.NormalizeRepository(r.System)
	if strings.HasPrefix(base, "/") {
		if v := r.SystemVersion(); v != "" {
			base += v + "/"
		}
		base += string(r.Kind) + "/"
		if r.Code != "" {
			base += r.Code + "/"
			if r.ResourceVersion != "" {
				base += r.ResourceVersion + "/"
			}
		}
		return base
	}
	return uri.JoinVersion(base, r.SystemVersion())
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, x := range list {
		if strings.EqualFold(x, s) {
			return true
		}
	}
	return false
}
