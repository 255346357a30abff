// Package uri parses and normalizes repository resource URIs of the form
//
//	/<owner-kind>/<owner>/<repo-kind>/<repo>/[<version>/]<resource-kind>/[<code>/[<resource-version>/]]
//
// and the absolute canonical form http(s)://host/path[|version].
package uri

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedURI is returned when a URI matches neither accepted shape.
var ErrMalformedURI = errors.New("malformed uri")

// Error describes why a specific input failed to parse.
type Error struct {
	URI    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("malformed uri %q: %s", e.URI, e.Reason)
}

func (e *Error) Unwrap() error { return ErrMalformedURI }

func malformed(raw, reason string) error {
	return &Error{URI: raw, Reason: reason}
}

// Owner kinds.
const (
	OwnerOrgs  = "orgs"
	OwnerUsers = "users"
)

// Repository kinds.
const (
	RepoSources     = "sources"
	RepoCollections = "collections"
)

// Resource kinds.
const (
	ResourceConcepts = "concepts"
	ResourceMappings = "mappings"
)

// VersionSeparator joins a repository reference to a pinned version.
const VersionSeparator = "|"

// URI is the typed result of Parse. Exactly one of the path fields
// (OwnerKind..Repo) or Canonical is populated.
type URI struct {
	OwnerKind       string
	Owner           string
	RepoKind        string
	Repo            string
	Version         string
	ResourceKind    string
	Code            string
	ResourceVersion string

	// Canonical holds the absolute URL (without the |version suffix).
	Canonical string
	// RawQuery is the undecoded query string, if any.
	RawQuery string
}

// Parse validates raw and returns its components. The path form with a
// version segment and the |version suffix form normalize to the same URI.
func Parse(raw string) (*URI, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, malformed(raw, "empty")
	}

	var query string
	if i := strings.Index(s, "?"); i >= 0 {
		s, query = s[:i], s[i+1:]
	}

	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return parseCanonical(raw, s, query)
	}

	var pipeVersion string
	if i := strings.Index(s, VersionSeparator); i >= 0 {
		s, pipeVersion = s[:i], s[i+1:]
		if pipeVersion == "" || strings.Contains(pipeVersion, "/") {
			return nil, malformed(raw, "invalid version suffix")
		}
	}

	if !strings.HasPrefix(s, "/") {
		return nil, malformed(raw, "relative path")
	}
	segments := strings.Split(strings.Trim(s, "/"), "/")
	for _, seg := range segments {
		if seg == "" {
			return nil, malformed(raw, "empty path segment")
		}
	}
	if len(segments) < 4 {
		return nil, malformed(raw, "missing owner or repository")
	}

	u := &URI{
		OwnerKind: segments[0],
		Owner:     segments[1],
		RepoKind:  segments[2],
		Repo:      segments[3],
		RawQuery:  query,
	}
	if u.OwnerKind != OwnerOrgs && u.OwnerKind != OwnerUsers {
		return nil, malformed(raw, "unknown owner kind "+u.OwnerKind)
	}
	if u.RepoKind != RepoSources && u.RepoKind != RepoCollections {
		return nil, malformed(raw, "unknown repository kind "+u.RepoKind)
	}

	rest := segments[4:]
	if len(rest) > 0 && !isResourceKind(rest[0]) {
		u.Version = rest[0]
		rest = rest[1:]
	}
	if len(rest) > 0 {
		if !isResourceKind(rest[0]) {
			return nil, malformed(raw, "unknown resource kind "+rest[0])
		}
		u.ResourceKind = rest[0]
		rest = rest[1:]
	}
	if len(rest) > 0 {
		u.Code = rest[0]
		rest = rest[1:]
	}
	if len(rest) > 0 {
		u.ResourceVersion = rest[0]
		rest = rest[1:]
	}
	if len(rest) > 0 {
		return nil, malformed(raw, "trailing path segments")
	}

	if pipeVersion != "" {
		if u.ResourceKind != "" {
			return nil, malformed(raw, "version suffix on a resource uri")
		}
		if u.Version != "" && u.Version != pipeVersion {
			return nil, malformed(raw, "conflicting versions")
		}
		u.Version = pipeVersion
	}
	return u, nil
}

func parseCanonical(raw, s, query string) (*URI, error) {
	base, version := SplitVersion(s)
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return nil, malformed(raw, "invalid absolute url")
	}
	return &URI{Canonical: base, Version: version, RawQuery: query}, nil
}

func isResourceKind(s string) bool {
	return s == ResourceConcepts || s == ResourceMappings
}

// IsCanonical reports whether the URI is in absolute URL form.
func (u *URI) IsCanonical() bool { return u.Canonical != "" }

// IsCollection reports whether the URI is collection-scoped.
func (u *URI) IsCollection() bool { return u.RepoKind == RepoCollections }

// IsSource reports whether the URI is source-scoped.
func (u *URI) IsSource() bool { return u.RepoKind == RepoSources }

// IsVersioned reports whether the URI pins a specific resource version.
func (u *URI) IsVersioned() bool { return u.ResourceVersion != "" }

// RepositoryPath returns the versionless repository URI, or the canonical
// URL for absolute URIs.
func (u *URI) RepositoryPath() string {
	if u.IsCanonical() {
		return u.Canonical
	}
	return "/" + u.OwnerKind + "/" + u.Owner + "/" + u.RepoKind + "/" + u.Repo + "/"
}

// RepositoryVersionPath returns the repository URI including the version
// segment when one is present.
func (u *URI) RepositoryVersionPath() string {
	if u.IsCanonical() {
		return JoinVersion(u.Canonical, u.Version)
	}
	p := u.RepositoryPath()
	if u.Version != "" {
		p += u.Version + "/"
	}
	return p
}

// String renders the normalized path form (query string excluded).
func (u *URI) String() string {
	if u.IsCanonical() {
		return JoinVersion(u.Canonical, u.Version)
	}
	p := u.RepositoryVersionPath()
	if u.ResourceKind != "" {
		p += u.ResourceKind + "/"
		if u.Code != "" {
			p += u.Code + "/"
			if u.ResourceVersion != "" {
				p += u.ResourceVersion + "/"
			}
		}
	}
	return p
}

// Unversioned returns a copy of u with both the repository version and the
// resource version removed.
func (u *URI) Unversioned() *URI {
	c := *u
	c.Version = ""
	c.ResourceVersion = ""
	c.RawQuery = ""
	return &c
}

// DropVersion returns the repository-HEAD-relative, versionless form of a
// resource URI. It is used as a join key across versions. Inputs that do
// not parse are returned with any |version suffix removed.
func DropVersion(raw string) string {
	u, err := Parse(raw)
	if err != nil {
		base, _ := SplitVersion(raw)
		return base
	}
	return u.Unversioned().String()
}

// ParentOf returns the URI of the immediately containing repository
// (version segment preserved).
func ParentOf(raw string) string {
	u, err := Parse(raw)
	if err != nil {
		for _, splitter := range []string{"/" + ResourceConcepts + "/", "/" + ResourceMappings + "/"} {
			if i := strings.Index(raw, splitter); i >= 0 {
				return raw[:i] + "/"
			}
		}
		return raw
	}
	return u.RepositoryVersionPath()
}

// IsVersioned reports whether raw encodes an explicit resource version.
func IsVersioned(raw string) bool {
	u, err := Parse(raw)
	if err != nil {
		return false
	}
	return u.IsVersioned()
}

// SplitVersion splits "base|version" into its parts.
func SplitVersion(s string) (base, version string) {
	if i := strings.Index(s, VersionSeparator); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// JoinVersion renders base with an optional |version suffix.
func JoinVersion(base, version string) string {
	if version == "" {
		return base
	}
	return base + VersionSeparator + version
}

// NormalizeRepository returns the versionless repository form of s with a
// trailing slash for path URIs, or s unchanged for canonical URLs.
func NormalizeRepository(s string) string {
	base, _ := SplitVersion(strings.TrimSpace(s))
	if base == "" || strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://") {
		return strings.TrimSuffix(base, "/")
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if u, err := Parse(base); err == nil {
		return u.RepositoryPath()
	}
	return base
}

// QueryParam is one key of a query string with every value it carried.
type QueryParam struct {
	Key    string
	Values []string
}

// ParseQuery decodes a raw query string preserving first-appearance key
// order. Repeated keys and comma-separated values both contribute values.
func ParseQuery(raw string) ([]QueryParam, error) {
	var params []QueryParam
	index := map[string]int{}
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(key)
		if err != nil {
			return nil, fmt.Errorf("decode query key %q: %w", key, err)
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("decode query value %q: %w", value, err)
		}
		i, ok := index[k]
		if !ok {
			i = len(params)
			index[k] = i
			params = append(params, QueryParam{Key: k})
		}
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				params[i].Values = append(params[i].Values, part)
			}
		}
	}
	return params, nil
}
