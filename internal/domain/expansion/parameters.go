package expansion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ocl/ocl/internal/domain/reference"
	"github.com/ocl/ocl/internal/domain/terminology"
	"github.com/ocl/ocl/internal/platform/uri"
)

// Parameters post-filter what an expansion's references resolve to.
type Parameters struct {
	// ActiveOnly drops retired resources.
	ActiveOnly bool `json:"activeOnly"`
	// Date keeps resources whose owning repository version was revised
	// within one of the comma-separated ranges. Each range is a year, month
	// or day: 2024, 2024-03, 2024-03-15.
	Date string `json:"date,omitempty"`
	// SystemVersion pins repositories for this expansion only, as a
	// comma-separated list of uri|version.
	SystemVersion string `json:"system-version,omitempty"`
	// ExcludeSystem drops resources owned by the listed repositories. An
	// entry without |version matches every version of the repository.
	ExcludeSystem string `json:"exclude-system,omitempty"`
}

// Validate checks every parameter without touching the store.
func (p Parameters) Validate() error {
	if _, err := parseDateRanges(p.Date); err != nil {
		return err
	}
	for _, entry := range splitParam(p.SystemVersion) {
		base, version := uri.SplitVersion(entry)
		if base == "" || version == "" {
			return fmt.Errorf("%w: system-version %q must be uri|version", ErrInvalidParameters, entry)
		}
	}
	for _, entry := range splitParam(p.ExcludeSystem) {
		if base, _ := uri.SplitVersion(entry); base == "" {
			return fmt.Errorf("%w: exclude-system %q has no uri", ErrInvalidParameters, entry)
		}
	}
	return nil
}

// SystemVersions returns the system-version pins keyed by versionless
// repository URI.
func (p Parameters) SystemVersions() map[string]string {
	entries := splitParam(p.SystemVersion)
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		base, version := uri.SplitVersion(entry)
		if base != "" && version != "" {
			out[uri.NormalizeRepository(base)] = version
		}
	}
	return out
}

// ResolveOptions returns the resolver options for these parameters.
func (p Parameters) ResolveOptions() reference.ResolveOptions {
	return reference.ResolveOptions{SystemVersions: p.SystemVersions()}
}

func splitParam(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type dateRange struct {
	from, to time.Time
}

func (r dateRange) contains(t time.Time) bool {
	return !t.Before(r.from) && t.Before(r.to)
}

func parseDateRanges(s string) ([]dateRange, error) {
	var out []dateRange
	for _, part := range splitParam(s) {
		var (
			r   dateRange
			err error
		)
		switch len(part) {
		case len("2006"):
			r.from, err = time.Parse("2006", part)
			r.to = r.from.AddDate(1, 0, 0)
		case len("2006-01"):
			r.from, err = time.Parse("2006-01", part)
			r.to = r.from.AddDate(0, 1, 0)
		case len("2006-01-02"):
			r.from, err = time.Parse("2006-01-02", part)
			r.to = r.from.AddDate(0, 0, 1)
		default:
			err = errors.New("unsupported precision")
		}
		if err != nil {
			return nil, fmt.Errorf("%w: date %q must be YYYY, YYYY-MM or YYYY-MM-DD", ErrInvalidParameters, part)
		}
		out = append(out, r)
	}
	return out, nil
}

// postFilter is Parameters compiled against the store.
type postFilter struct {
	activeOnly   bool
	dates        []dateRange
	excludeRepos map[string]bool
	excludeIDs   *terminology.MemberSet
}

func (f *postFilter) empty() bool {
	return !f.activeOnly && len(f.dates) == 0 && len(f.excludeRepos) == 0 && memberCount(f.excludeIDs) == 0
}

// compile resolves exclude-system entries to repositories and member ids.
// Entries naming a repository version that does not exist exclude nothing.
func (p Parameters) compile(ctx context.Context, store terminology.Store) (*postFilter, error) {
	dates, err := parseDateRanges(p.Date)
	if err != nil {
		return nil, err
	}
	f := &postFilter{
		activeOnly:   p.ActiveOnly,
		dates:        dates,
		excludeRepos: map[string]bool{},
		excludeIDs:   terminology.NewMemberSet(),
	}

	for _, entry := range splitParam(p.ExcludeSystem) {
		base, version := uri.SplitVersion(entry)
		if version == "" {
			repo := uri.NormalizeRepository(base)
			if strings.HasPrefix(repo, "http://") || strings.HasPrefix(repo, "https://") {
				rv, err := store.FindRepositoryVersion(ctx, repo, "")
				if errors.Is(err, terminology.ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, fmt.Errorf("exclude-system %s: %w", entry, err)
				}
				repo = rv.RepositoryURI
			}
			f.excludeRepos[repo] = true
			continue
		}

		rv, err := store.FindRepositoryVersion(ctx, base, version)
		if errors.Is(err, terminology.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("exclude-system %s: %w", entry, err)
		}
		if err := collectScope(ctx, store, rv, f.excludeIDs); err != nil {
			return nil, fmt.Errorf("exclude-system %s: %w", entry, err)
		}
	}
	return f, nil
}

func collectScope(ctx context.Context, store terminology.Store, rv *terminology.RepositoryVersion, into *terminology.MemberSet) error {
	q := rv.Scope()
	if q.ContainerID != nil {
		members, err := store.MembersOf(ctx, *q.ContainerID)
		if err != nil {
			return err
		}
		for id := range members.Concepts {
			into.Concepts[id] = struct{}{}
		}
		for id := range members.Mappings {
			into.Mappings[id] = struct{}{}
		}
		return nil
	}
	concepts, err := store.FindConcepts(ctx, q)
	if err != nil {
		return err
	}
	for _, c := range concepts {
		into.Concepts[c.ID] = struct{}{}
	}
	mappings, err := store.FindMappings(ctx, q)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		into.Mappings[m.ID] = struct{}{}
	}
	return nil
}

// keep reports whether a resource passes. revised is false when the owning
// repository version is unknown, which fails any date range.
func (f *postFilter) keep(repoURI string, retired bool, revision time.Time, revised bool) bool {
	if f.activeOnly && retired {
		return false
	}
	if f.excludeRepos[repoURI] {
		return false
	}
	if len(f.dates) == 0 {
		return true
	}
	if !revised {
		return false
	}
	for _, r := range f.dates {
		if r.contains(revision) {
			return true
		}
	}
	return false
}

// apply returns the resources of res that pass the filter.
func (f *postFilter) apply(res *reference.Result) *reference.Result {
	if f.empty() {
		return res
	}
	out := &reference.Result{RevisionDates: res.RevisionDates}
	for _, c := range res.Concepts {
		revision, ok := res.RevisionDates[c.ID]
		if !f.excludeIDs.Concepts.Has(c.ID) && f.keep(c.RepositoryURI, c.Retired, revision, ok) {
			out.Concepts = append(out.Concepts, c)
		}
	}
	for _, m := range res.Mappings {
		revision, ok := res.RevisionDates[m.ID]
		if !f.excludeIDs.Mappings.Has(m.ID) && f.keep(m.RepositoryURI, m.Retired, revision, ok) {
			out.Mappings = append(out.Mappings, m)
		}
	}
	return out
}
