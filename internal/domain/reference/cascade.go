package reference

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ocl/ocl/internal/domain/terminology"
	"github.com/ocl/ocl/internal/platform/uri"
)

// Cascade returns the resources related to concepts: their non-retired
// outgoing mappings in each concept's own repository, and for
// sourcetoconcepts also the mapped target concepts of that repository.
// Mappings whose URI is in excludeMappingURIs are skipped. Cascade is one
// hop; the source concepts are not part of the result.
func (r *Resolver) Cascade(ctx context.Context, concepts []*terminology.ConceptVersion, c *Cascade, excludeMappingURIs []string) (*Result, error) {
	return r.cascade(ctx, concepts, c, excludeMappingURIs, nil)
}

// cascade reads mappings and target concepts from base when given, else
// from the latest versions of each concept's repository.
func (r *Resolver) cascade(ctx context.Context, concepts []*terminology.ConceptVersion, c *Cascade, excludeMappingURIs []string, base *terminology.ResourceQuery) (*Result, error) {
	res := &Result{}
	if !c.Enabled() {
		return res, nil
	}
	exclude := make(map[string]bool, len(excludeMappingURIs))
	for _, u := range excludeMappingURIs {
		exclude[u] = true
		exclude[uri.DropVersion(u)] = true
	}

	for _, concept := range concepts {
		q := terminology.ResourceQuery{RepositoryURI: concept.RepositoryURI, LatestOnly: true}
		if base != nil {
			q = *base
		}
		q.FromConceptVersionedObjectIDs = []uuid.UUID{concept.VersionedObjectID}
		mappings, err := r.store.FindMappings(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("cascade %s: %w", concept.URI(), err)
		}

		var targets []uuid.UUID
		for _, m := range mappings {
			if m.Retired || !c.AllowsMapType(m.MapType) {
				continue
			}
			if exclude[m.URI()] || exclude[m.VersionlessURI()] {
				continue
			}
			res.Mappings = append(res.Mappings, m)
			if c.ToConcepts() && m.ToConceptID != nil && sameRepository(m.ToSourceURL, concept.RepositoryURI) {
				targets = append(targets, *m.ToConceptID)
			}
		}
		if len(targets) == 0 {
			continue
		}
		found, err := r.store.FindConcepts(ctx, terminology.ResourceQuery{RepositoryURI: concept.RepositoryURI, IDs: targets})
		if err != nil {
			return nil, fmt.Errorf("cascade targets of %s: %w", concept.URI(), err)
		}
		if base != nil && len(found) > 0 {
			if found, err = r.visibleIn(ctx, *base, found); err != nil {
				return nil, fmt.Errorf("cascade targets of %s: %w", concept.URI(), err)
			}
		}
		for _, t := range found {
			if !t.Retired {
				res.Concepts = append(res.Concepts, t)
			}
		}
	}
	res.Mappings = uniqueMappings(res.Mappings)
	res.Concepts = uniqueConcepts(res.Concepts)
	return res, nil
}

// visibleIn swaps each target for the version of the same concept that is
// a member of base. Targets with no member version are dropped.
func (r *Resolver) visibleIn(ctx context.Context, base terminology.ResourceQuery, targets []*terminology.ConceptVersion) ([]*terminology.ConceptVersion, error) {
	q := base
	q.VersionedObjectIDs = make([]uuid.UUID, 0, len(targets))
	for _, t := range targets {
		q.VersionedObjectIDs = append(q.VersionedObjectIDs, t.VersionedObjectID)
	}
	return r.store.FindConcepts(ctx, q)
}

// sameRepository treats an empty target source as the concept's own.
func sameRepository(targetSource, repoURI string) bool {
	return targetSource == "" || uri.NormalizeRepository(targetSource) == repoURI
}

// RelatedURIs returns the URIs of the resources ref would cascade to.
func (r *Resolver) RelatedURIs(ctx context.Context, ref *Reference, opts ResolveOptions) ([]string, error) {
	if !ref.IsConcept() || !ref.Cascade.Enabled() || ref.Code == "" {
		return nil, nil
	}
	plain := *ref
	plain.Cascade = nil
	res, err := r.Resolve(ctx, &plain, opts)
	if err != nil {
		return nil, err
	}
	related, err := r.Cascade(ctx, res.Concepts, ref.Cascade, nil)
	if err != nil {
		return nil, err
	}
	var uris []string
	for _, m := range related.Mappings {
		uris = append(uris, m.URI())
	}
	for _, c := range related.Concepts {
		uris = append(uris, c.URI())
	}
	return uris, nil
}

// MaterializeCascade replaces the live cascade of references that also
// carry a transform with explicit references to the related resources.
// The added references precede the reference they were derived from.
func (r *Resolver) MaterializeCascade(ctx context.Context, refs []*Reference, opts ResolveOptions) ([]*Reference, error) {
	var out []*Reference
	for _, ref := range refs {
		if ref.Transform == "" || ref.Code == "" || !ref.Cascade.Enabled() {
			out = append(out, ref)
			continue
		}
		uris, err := r.RelatedURIs(ctx, ref, opts)
		if err != nil {
			return nil, err
		}
		target := ref.ResolvedTarget()
		existing := map[string]bool{target: true, uri.DropVersion(target): true}
		for _, u := range uris {
			if existing[u] || existing[uri.DropVersion(u)] {
				continue
			}
			related, err := parseExpressionString(u, Options{Transform: ref.Transform})
			if err != nil {
				return nil, err
			}
			related.Include = ref.Include
			out = append(out, related)
		}
		out = append(out, ref)
	}
	return out, nil
}
