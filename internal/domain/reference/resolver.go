package reference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ocl/ocl/internal/domain/terminology"
	"github.com/ocl/ocl/internal/platform/uri"
)

// Config holds resolver settings.
type Config struct {
	// DefaultLocale is used by locale filters that carry no value.
	DefaultLocale string
}

// Resolver turns references into concrete concept and mapping versions.
// It only reads through the Store and keeps no state between calls.
type Resolver struct {
	store terminology.Store
	cfg   Config
}

// NewResolver creates a resolver over store.
func NewResolver(store terminology.Store, cfg Config) *Resolver {
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = "en"
	}
	return &Resolver{store: store, cfg: cfg}
}

// ResolveOptions carries expansion-level settings.
type ResolveOptions struct {
	// SystemVersions pins repositories, keyed by versionless URI, to a
	// version when the reference itself does not pin one.
	SystemVersions map[string]string
}

func (o ResolveOptions) pin(repo string) string {
	if len(o.SystemVersions) == 0 {
		return ""
	}
	key := uri.NormalizeRepository(repo)
	if v, ok := o.SystemVersions[key]; ok {
		return v
	}
	for k, v := range o.SystemVersions {
		if uri.NormalizeRepository(k) == key {
			return v
		}
	}
	return ""
}

// Result is the resolved content of one or more references.
type Result struct {
	Concepts []*terminology.ConceptVersion
	Mappings []*terminology.MappingVersion
	// RevisionDates holds, per resource id, the revision date of the
	// repository version the resource was resolved through.
	RevisionDates map[uuid.UUID]time.Time
}

func (r *Result) stamp(id uuid.UUID, at time.Time) {
	if r.RevisionDates == nil {
		r.RevisionDates = map[uuid.UUID]time.Time{}
	}
	if _, ok := r.RevisionDates[id]; !ok {
		r.RevisionDates[id] = at
	}
}

func (r *Result) stampAll(at time.Time) {
	for _, c := range r.Concepts {
		r.stamp(c.ID, at)
	}
	for _, m := range r.Mappings {
		r.stamp(m.ID, at)
	}
}

// Empty reports whether nothing was resolved.
func (r *Result) Empty() bool { return len(r.Concepts) == 0 && len(r.Mappings) == 0 }

// Members returns the ids of the resolved resources.
func (r *Result) Members() *terminology.MemberSet {
	m := terminology.NewMemberSet()
	for _, c := range r.Concepts {
		m.Concepts[c.ID] = struct{}{}
	}
	for _, mp := range r.Mappings {
		m.Mappings[mp.ID] = struct{}{}
	}
	return m
}

// Merge appends other, skipping resources already present.
func (r *Result) Merge(other *Result) {
	r.Concepts = uniqueConcepts(append(r.Concepts, other.Concepts...))
	r.Mappings = uniqueMappings(append(r.Mappings, other.Mappings...))
	for id, at := range other.RevisionDates {
		r.stamp(id, at)
	}
}

// Resolve returns the resources ref selects. A reference without system
// and valueset selects nothing, and a reference that matches nothing is
// not an error.
func (r *Resolver) Resolve(ctx context.Context, ref *Reference, opts ResolveOptions) (*Result, error) {
	res := &Result{}
	if ref.SystemURI() == "" && len(ref.Valueset) == 0 {
		return res, nil
	}

	rv, q, valuesets, err := r.scope(ctx, ref, opts)
	if err != nil || rv == nil {
		return res, err
	}

	if !ref.IsConcept() {
		mappings, err := r.store.FindMappings(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("resolve mappings: %w", err)
		}
		for _, vs := range valuesets {
			ids, found, err := r.memberIDs(ctx, vs, Mappings, opts)
			if err != nil {
				return nil, err
			}
			if !found {
				return res, nil
			}
			mappings = keepMappings(mappings, ids)
		}
		mappings = filterMappings(mappings, ref.Filter)
		if mappings, err = r.transformMappings(ctx, mappings, ref.Transform); err != nil {
			return nil, err
		}
		res.Mappings = uniqueMappings(mappings)
		res.stampAll(rv.RevisionDate)
		return res, nil
	}

	concepts, err := r.store.FindConcepts(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("resolve concepts: %w", err)
	}
	for _, vs := range valuesets {
		ids, found, err := r.memberIDs(ctx, vs, Concepts, opts)
		if err != nil {
			return nil, err
		}
		if !found {
			return res, nil
		}
		concepts = keepConcepts(concepts, ids)
	}
	concepts = filterConcepts(concepts, ref.Filter, r.cfg.DefaultLocale)
	if concepts, err = r.transformConcepts(ctx, concepts, ref.Transform); err != nil {
		return nil, err
	}
	res.Concepts = uniqueConcepts(concepts)
	res.stampAll(rv.RevisionDate)

	if ref.Cascade.Enabled() && len(res.Concepts) > 0 {
		var base *terminology.ResourceQuery
		if q.ContainerID != nil && ref.SystemURI() != "" {
			base = &terminology.ResourceQuery{ContainerID: q.ContainerID}
		}
		cascaded, err := r.cascade(ctx, res.Concepts, ref.Cascade, nil, base)
		if err != nil {
			return nil, err
		}
		if base != nil {
			cascaded.stampAll(rv.RevisionDate)
		} else if err := r.stampHeads(ctx, cascaded); err != nil {
			return nil, err
		}
		res.Merge(cascaded)
	}
	return res, nil
}

// stampHeads dates resources by the HEAD version of their own repository.
func (r *Resolver) stampHeads(ctx context.Context, res *Result) error {
	heads := map[string]time.Time{}
	head := func(repo string) (time.Time, error) {
		if at, ok := heads[repo]; ok {
			return at, nil
		}
		rv, err := r.findVersion(ctx, repo, "")
		if err != nil || rv == nil {
			return time.Time{}, err
		}
		heads[repo] = rv.RevisionDate
		return rv.RevisionDate, nil
	}
	for _, c := range res.Concepts {
		at, err := head(c.RepositoryURI)
		if err != nil {
			return err
		}
		res.stamp(c.ID, at)
	}
	for _, m := range res.Mappings {
		at, err := head(m.RepositoryURI)
		if err != nil {
			return err
		}
		res.stamp(m.ID, at)
	}
	return nil
}

// ResolveAll resolves every included reference and unions the results.
// Excluded references are resolved and subtracted afterwards.
func (r *Resolver) ResolveAll(ctx context.Context, refs []*Reference, opts ResolveOptions) (*Result, error) {
	included, excluded := &Result{}, &Result{}
	for _, ref := range refs {
		res, err := r.Resolve(ctx, ref, opts)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", ref.ResolvedTarget(), err)
		}
		if ref.Include {
			included.Merge(res)
		} else {
			excluded.Merge(res)
		}
	}
	if excluded.Empty() {
		return included, nil
	}
	drop := excluded.Members()
	out := &Result{RevisionDates: included.RevisionDates}
	for _, c := range included.Concepts {
		if !drop.Concepts.Has(c.ID) {
			out.Concepts = append(out.Concepts, c)
		}
	}
	for _, m := range included.Mappings {
		if !drop.Mappings.Has(m.ID) {
			out.Mappings = append(out.Mappings, m)
		}
	}
	return out, nil
}

// scope selects the repository version to resolve in, the candidate query
// and the valuesets still to intersect. rv is nil when the named repository
// version does not exist.
func (r *Resolver) scope(ctx context.Context, ref *Reference, opts ResolveOptions) (rv *terminology.RepositoryVersion, q terminology.ResourceQuery, valuesets []string, err error) {
	valuesets = ref.Valueset

	if system := ref.SystemURI(); system != "" {
		version := ref.SystemVersion()
		if version == "" {
			version = opts.pin(system)
		}
		rv, err = r.findVersion(ctx, system, version)
	} else {
		base, version := uri.SplitVersion(valuesets[0])
		if version == "" {
			version = opts.pin(base)
		}
		rv, err = r.findVersion(ctx, base, version)
		valuesets = valuesets[1:]
	}
	if err != nil || rv == nil {
		return nil, q, nil, err
	}

	q = rv.Scope()
	if ref.ResourceVersion != "" && !rv.IsCollection() {
		q = terminology.ResourceQuery{RepositoryURI: rv.RepositoryURI}
	}
	q.Code = ref.Code
	q.Version = ref.ResourceVersion
	return rv, q, valuesets, nil
}

// findVersion returns nil without error when the version does not exist.
func (r *Resolver) findVersion(ctx context.Context, repo, version string) (*terminology.RepositoryVersion, error) {
	rv, err := r.store.FindRepositoryVersion(ctx, repo, version)
	if errors.Is(err, terminology.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find repository version %s: %w", uri.JoinVersion(repo, version), err)
	}
	return rv, nil
}

// memberIDs returns the ids of kind visible from the valueset vs.
func (r *Resolver) memberIDs(ctx context.Context, vs string, kind Kind, opts ResolveOptions) (terminology.IDSet, bool, error) {
	base, version := uri.SplitVersion(vs)
	if version == "" {
		version = opts.pin(base)
	}
	rv, err := r.findVersion(ctx, base, version)
	if err != nil || rv == nil {
		return nil, false, err
	}

	q := rv.Scope()
	if q.ContainerID != nil {
		members, err := r.store.MembersOf(ctx, *q.ContainerID)
		if err != nil {
			return nil, false, fmt.Errorf("members of %s: %w", vs, err)
		}
		if kind == Mappings {
			return members.Mappings, true, nil
		}
		return members.Concepts, true, nil
	}

	ids := terminology.IDSet{}
	if kind == Mappings {
		ms, err := r.store.FindMappings(ctx, q)
		if err != nil {
			return nil, false, err
		}
		for _, m := range ms {
			ids[m.ID] = struct{}{}
		}
	} else {
		cs, err := r.store.FindConcepts(ctx, q)
		if err != nil {
			return nil, false, err
		}
		for _, c := range cs {
			ids[c.ID] = struct{}{}
		}
	}
	return ids, true, nil
}

func (r *Resolver) transformConcepts(ctx context.Context, concepts []*terminology.ConceptVersion, transform string) ([]*terminology.ConceptVersion, error) {
	if transform == "" || len(concepts) == 0 {
		return concepts, nil
	}
	vos := make([]uuid.UUID, 0, len(concepts))
	for _, c := range concepts {
		vos = append(vos, c.VersionedObjectID)
	}
	q := terminology.ResourceQuery{VersionedObjectIDs: vos, LatestOnly: true}
	if transform == TransformExtensional {
		q = terminology.ResourceQuery{IDs: vos}
	}
	found, err := r.store.FindConcepts(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", transform, err)
	}
	byVO := make(map[uuid.UUID]*terminology.ConceptVersion, len(found))
	for _, c := range found {
		byVO[c.VersionedObjectID] = c
	}
	out := make([]*terminology.ConceptVersion, 0, len(concepts))
	for _, c := range concepts {
		if t, ok := byVO[c.VersionedObjectID]; ok {
			c = t
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Resolver) transformMappings(ctx context.Context, mappings []*terminology.MappingVersion, transform string) ([]*terminology.MappingVersion, error) {
	if transform == "" || len(mappings) == 0 {
		return mappings, nil
	}
	vos := make([]uuid.UUID, 0, len(mappings))
	for _, m := range mappings {
		vos = append(vos, m.VersionedObjectID)
	}
	q := terminology.ResourceQuery{VersionedObjectIDs: vos, LatestOnly: true}
	if transform == TransformExtensional {
		q = terminology.ResourceQuery{IDs: vos}
	}
	found, err := r.store.FindMappings(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", transform, err)
	}
	byVO := make(map[uuid.UUID]*terminology.MappingVersion, len(found))
	for _, m := range found {
		byVO[m.VersionedObjectID] = m
	}
	out := make([]*terminology.MappingVersion, 0, len(mappings))
	for _, m := range mappings {
		if t, ok := byVO[m.VersionedObjectID]; ok {
			m = t
		}
		out = append(out, m)
	}
	return out, nil
}

func keepConcepts(in []*terminology.ConceptVersion, ids terminology.IDSet) []*terminology.ConceptVersion {
	var out []*terminology.ConceptVersion
	for _, c := range in {
		if ids.Has(c.ID) {
			out = append(out, c)
		}
	}
	return out
}

func keepMappings(in []*terminology.MappingVersion, ids terminology.IDSet) []*terminology.MappingVersion {
	var out []*terminology.MappingVersion
	for _, m := range in {
		if ids.Has(m.ID) {
			out = append(out, m)
		}
	}
	return out
}

func uniqueConcepts(in []*terminology.ConceptVersion) []*terminology.ConceptVersion {
	seen := make(map[uuid.UUID]bool, len(in))
	out := in[:0:0]
	for _, c := range in {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	return out
}

func uniqueMappings(in []*terminology.MappingVersion) []*terminology.MappingVersion {
	seen := make(map[uuid.UUID]bool, len(in))
	out := in[:0:0]
	for _, m := range in {
		if !seen[m.ID] {
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}
