package expansion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocl/ocl/internal/domain/reference"
	"github.com/ocl/ocl/internal/domain/terminology"
	"github.com/ocl/ocl/internal/platform/uri"
	"github.com/ocl/ocl/pkg/pagination"
)

// ServiceConfig holds expansion service settings.
type ServiceConfig struct {
	// AutoExpand creates the autoexpand-<version> expansion the first time
	// references are added to a collection version.
	AutoExpand bool
}

// Service manages the references and expansions of collection versions.
type Service struct {
	m         *Materializer
	refs      *reference.Service
	scheduler Scheduler
	logger    zerolog.Logger
	cfg       ServiceConfig
}

// NewService creates an expansion service. Materialization runs through
// scheduler.
func NewService(m *Materializer, refs *reference.Service, scheduler Scheduler, logger zerolog.Logger, cfg ServiceConfig) *Service {
	return &Service{
		m:         m,
		refs:      refs,
		scheduler: scheduler,
		logger:    logger.With().Str("component", "expansion-service").Logger(),
		cfg:       cfg,
	}
}

// Materializer returns the service's materializer.
func (s *Service) Materializer() *Materializer { return s.m }

// AddResult reports the outcome of adding a batch of expressions.
type AddResult struct {
	Added         []*reference.Reference           `json:"added"`
	Errors        map[string]string                `json:"errors,omitempty"`
	NameConflicts []*reference.NameUniquenessError `json:"name_conflicts,omitempty"`
}

func (r *AddResult) reject(expression string, err error) {
	if r.Errors == nil {
		r.Errors = map[string]string{}
	}
	r.Errors[expression] = err.Error()
}

// AddExpressions parses expression, stores the resulting references on a
// collection version and updates its expansions. Malformed expressions,
// references that fail to resolve, duplicates and name conflicts are
// reported per expression without aborting the rest of the batch.
func (s *Service) AddExpressions(ctx context.Context, versionID uuid.UUID, expression any, opts reference.Options) (*AddResult, error) {
	rv, err := s.m.store.GetRepositoryVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !rv.IsCollection() {
		return nil, ErrNotCollection
	}

	parsed, perr, err := s.refs.Prepare(ctx, expression, opts)
	if err != nil {
		return nil, err
	}
	result := &AddResult{Added: []*reference.Reference{}}
	for expr, e := range perr {
		result.reject(expr, e)
	}

	var created *Expansion
	if s.cfg.AutoExpand {
		if created, err = s.ensureAutoExpansion(ctx, rv); err != nil {
			return nil, err
		}
		if rv, err = s.m.store.GetRepositoryVersion(ctx, versionID); err != nil {
			return nil, err
		}
	}
	resolveOpts, err := s.defaultResolveOptions(ctx, rv)
	if err != nil {
		return nil, err
	}

	var (
		existing    []*terminology.ConceptVersion
		expressions map[uuid.UUID][]string
		openMRS     = rv.CustomValidationSchema == terminology.ValidationSchemaOpenMRS
	)
	if openMRS {
		if existing, err = s.m.store.FindConcepts(ctx, rv.Scope()); err != nil {
			return nil, fmt.Errorf("collection concepts: %w", err)
		}
		expressions = map[uuid.UUID][]string{}
	}

	duplicates, conflicts, unresolved := 0, 0, 0
	for _, ref := range parsed {
		res, err := s.m.resolver.Resolve(ctx, ref, resolveOpts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn().Err(err).Str("expression", ref.ResolvedTarget()).Msg("reference not resolved")
			result.reject(ref.ResolvedTarget(), fmt.Errorf("resolve: %w", err))
			unresolved++
			continue
		}

		if openMRS && ref.Include {
			if conflict := reference.CheckNameUniqueness(existing, res.Concepts, withExpression(expressions, res.Concepts, ref.ResolvedTarget())); conflict != nil {
				result.reject(ref.ResolvedTarget(), conflict)
				result.NameConflicts = append(result.NameConflicts, conflict)
				conflicts++
				continue
			}
		}

		ref.RepositoryVersionID = rv.ID
		ref.LastResolvedAt = nil
		if !res.Empty() {
			now := time.Now().UTC()
			ref.LastResolvedAt = &now
		}
		if err := s.m.references.Create(ctx, ref); err != nil {
			if errors.Is(err, reference.ErrDuplicateReference) {
				result.reject(ref.ResolvedTarget(), err)
				duplicates++
				continue
			}
			return nil, err
		}
		if openMRS && ref.Include {
			existing = append(existing, res.Concepts...)
			for _, c := range res.Concepts {
				expressions[c.ID] = append(expressions[c.ID], ref.ResolvedTarget())
			}
		}
		result.Added = append(result.Added, ref)
	}
	s.m.metrics.RecordReferences(len(result.Added), map[string]int{
		"malformed":     len(perr),
		"unresolved":    unresolved,
		"duplicate":     duplicates,
		"name_conflict": conflicts,
	})

	if len(result.Added) == 0 && created == nil {
		return result, nil
	}
	expansions, err := s.m.expansions.ListByVersion(ctx, rv.ID)
	if err != nil {
		return nil, err
	}
	added := result.Added
	for _, exp := range expansions {
		exp := exp
		if created != nil && exp.ID == created.ID {
			err = s.schedule(ctx, ModeSeed, exp.ID, func(ctx context.Context) error {
				return s.m.Seed(ctx, exp.ID)
			})
		} else {
			err = s.schedule(ctx, ModeAdd, exp.ID, func(ctx context.Context) error {
				return s.m.AddReferences(ctx, exp.ID, added)
			})
		}
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// withExpression returns the stored expressions plus expression for each of
// concepts, leaving stored untouched.
func withExpression(stored map[uuid.UUID][]string, concepts []*terminology.ConceptVersion, expression string) map[uuid.UUID][]string {
	out := make(map[uuid.UUID][]string, len(stored)+len(concepts))
	for id, exprs := range stored {
		out[id] = exprs
	}
	for _, c := range concepts {
		exprs := make([]string, 0, len(out[c.ID])+1)
		out[c.ID] = append(append(exprs, out[c.ID]...), expression)
	}
	return out
}

// defaultResolveOptions uses the default expansion's parameters when the
// version has one.
func (s *Service) defaultResolveOptions(ctx context.Context, rv *terminology.RepositoryVersion) (reference.ResolveOptions, error) {
	if rv.DefaultExpansionID == nil {
		return reference.ResolveOptions{}, nil
	}
	exp, err := s.m.expansions.Get(ctx, *rv.DefaultExpansionID)
	if errors.Is(err, ErrExpansionNotFound) {
		return reference.ResolveOptions{}, nil
	}
	if err != nil {
		return reference.ResolveOptions{}, err
	}
	return exp.Parameters.ResolveOptions(), nil
}

// ListReferences returns the references of a repository version.
func (s *Service) ListReferences(ctx context.Context, versionID uuid.UUID) ([]*reference.Reference, error) {
	if _, err := s.m.store.GetRepositoryVersion(ctx, versionID); err != nil {
		return nil, err
	}
	refs, err := s.m.references.ListByVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if refs == nil {
		refs = []*reference.Reference{}
	}
	return refs, nil
}

// DeleteReferences removes references by id and updates the version's
// expansions. Unknown ids are ignored.
func (s *Service) DeleteReferences(ctx context.Context, versionID uuid.UUID, ids []uuid.UUID) ([]*reference.Reference, error) {
	if _, err := s.m.store.GetRepositoryVersion(ctx, versionID); err != nil {
		return nil, err
	}
	deleted, err := s.m.references.Delete(ctx, versionID, ids)
	if err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return []*reference.Reference{}, nil
	}

	expansions, err := s.m.expansions.ListByVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	for _, exp := range expansions {
		exp := exp
		if err := s.schedule(ctx, ModeDelete, exp.ID, func(ctx context.Context) error {
			return s.m.DeleteReferences(ctx, exp.ID, deleted)
		}); err != nil {
			return nil, err
		}
	}
	return deleted, nil
}

// DeleteExpressions removes the references whose expression, resolved
// target or version-free target matches one of expressions.
func (s *Service) DeleteExpressions(ctx context.Context, versionID uuid.UUID, expressions []string) ([]*reference.Reference, error) {
	refs, err := s.ListReferences(ctx, versionID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(expressions))
	for _, e := range expressions {
		wanted[e] = true
	}
	var ids []uuid.UUID
	for _, ref := range refs {
		target := ref.ResolvedTarget()
		if wanted[ref.Expression] || wanted[target] || wanted[uri.DropVersion(target)] {
			ids = append(ids, ref.ID)
		}
	}
	if len(ids) == 0 {
		return []*reference.Reference{}, nil
	}
	return s.DeleteReferences(ctx, versionID, ids)
}

// CreateExpansion creates an expansion of a collection version and seeds
// it. The first expansion of a version becomes its default.
func (s *Service) CreateExpansion(ctx context.Context, versionID uuid.UUID, mnemonic string, params Parameters) (*Expansion, error) {
	if mnemonic == "" {
		return nil, fmt.Errorf("%w: mnemonic is required", ErrInvalidParameters)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	rv, err := s.m.store.GetRepositoryVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !rv.IsCollection() {
		return nil, ErrNotCollection
	}

	exp := NewExpansion(rv, mnemonic, params)
	if err := s.m.expansions.Create(ctx, exp); err != nil {
		return nil, err
	}
	if rv.DefaultExpansionID == nil {
		if err := s.m.store.SetDefaultExpansion(ctx, rv.ID, &exp.ID, exp.URI); err != nil {
			return nil, err
		}
	}
	if err := s.schedule(ctx, ModeSeed, exp.ID, func(ctx context.Context) error {
		return s.m.Seed(ctx, exp.ID)
	}); err != nil {
		return nil, err
	}
	return s.m.expansions.Get(ctx, exp.ID)
}

// GetExpansion returns an expansion by id.
func (s *Service) GetExpansion(ctx context.Context, id uuid.UUID) (*Expansion, error) {
	return s.m.expansions.Get(ctx, id)
}

// ListExpansions returns the expansions of a repository version.
func (s *Service) ListExpansions(ctx context.Context, versionID uuid.UUID) ([]*Expansion, error) {
	if _, err := s.m.store.GetRepositoryVersion(ctx, versionID); err != nil {
		return nil, err
	}
	out, err := s.m.expansions.ListByVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Expansion{}
	}
	return out, nil
}

// DeleteExpansion deletes an expansion and unsets it as the version's
// default. A run in progress notices and aborts without writing.
func (s *Service) DeleteExpansion(ctx context.Context, id uuid.UUID) error {
	exp, err := s.m.expansions.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.m.expansions.Delete(ctx, id); err != nil {
		return err
	}
	rv, err := s.m.store.GetRepositoryVersion(ctx, exp.RepositoryVersionID)
	if err != nil {
		return err
	}
	if rv.DefaultExpansionID != nil && *rv.DefaultExpansionID == id {
		return s.m.store.SetDefaultExpansion(ctx, rv.ID, nil, "")
	}
	return nil
}

// Recompute schedules a full pass over an expansion.
func (s *Service) Recompute(ctx context.Context, id uuid.UUID) (*Expansion, error) {
	if _, err := s.m.expansions.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := s.schedule(ctx, ModeSeed, id, func(ctx context.Context) error {
		return s.m.Seed(ctx, id)
	}); err != nil {
		return nil, err
	}
	return s.m.expansions.Get(ctx, id)
}

// EnsureAutoExpansion returns the autoexpand-<version> expansion of a
// collection version, creating and seeding it when missing.
func (s *Service) EnsureAutoExpansion(ctx context.Context, versionID uuid.UUID) (*Expansion, error) {
	rv, err := s.m.store.GetRepositoryVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if !rv.IsCollection() {
		return nil, ErrNotCollection
	}
	created, err := s.ensureAutoExpansion(ctx, rv)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return s.findExpansion(ctx, rv.ID, AutoExpansionMnemonic(rv.Version))
	}
	if err := s.schedule(ctx, ModeSeed, created.ID, func(ctx context.Context) error {
		return s.m.Seed(ctx, created.ID)
	}); err != nil {
		return nil, err
	}
	return s.m.expansions.Get(ctx, created.ID)
}

// ensureAutoExpansion creates the automatic expansion if it is missing and
// returns it, or nil when it already existed. It does not seed.
func (s *Service) ensureAutoExpansion(ctx context.Context, rv *terminology.RepositoryVersion) (*Expansion, error) {
	mnemonic := AutoExpansionMnemonic(rv.Version)
	if _, err := s.findExpansion(ctx, rv.ID, mnemonic); err == nil {
		return nil, nil
	} else if !errors.Is(err, ErrExpansionNotFound) {
		return nil, err
	}

	exp := NewExpansion(rv, mnemonic, Parameters{})
	if err := s.m.expansions.Create(ctx, exp); err != nil {
		if errors.Is(err, ErrDuplicateExpansion) {
			return nil, nil
		}
		return nil, err
	}
	if rv.DefaultExpansionID == nil {
		if err := s.m.store.SetDefaultExpansion(ctx, rv.ID, &exp.ID, exp.URI); err != nil {
			return nil, err
		}
	}
	s.logger.Info().
		Str("repository_version", rv.URI()).
		Str("expansion", exp.URI).
		Msg("auto expansion created")
	return exp, nil
}

func (s *Service) findExpansion(ctx context.Context, versionID uuid.UUID, mnemonic string) (*Expansion, error) {
	expansions, err := s.m.expansions.ListByVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	for _, exp := range expansions {
		if exp.Mnemonic == mnemonic {
			return exp, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", mnemonic, ErrExpansionNotFound)
}

// WaitUntilProcessed blocks until the expansion's pending run finishes.
func (s *Service) WaitUntilProcessed(ctx context.Context, id uuid.UUID) (*Expansion, error) {
	return s.m.WaitUntilProcessed(ctx, id)
}

// ListConcepts returns one page of an expansion's concepts ordered by URI.
func (s *Service) ListConcepts(ctx context.Context, id uuid.UUID, p pagination.Params) ([]*terminology.ConceptVersion, int, error) {
	if _, err := s.m.expansions.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	concepts, err := s.m.store.FindConcepts(ctx, terminology.ResourceQuery{ContainerID: &id})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(concepts, func(i, j int) bool { return concepts[i].URI() < concepts[j].URI() })
	return pagination.Page(concepts, p), len(concepts), nil
}

// ListMappings returns one page of an expansion's mappings ordered by URI.
func (s *Service) ListMappings(ctx context.Context, id uuid.UUID, p pagination.Params) ([]*terminology.MappingVersion, int, error) {
	if _, err := s.m.expansions.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	mappings, err := s.m.store.FindMappings(ctx, terminology.ResourceQuery{ContainerID: &id})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].URI() < mappings[j].URI() })
	return pagination.Page(mappings, p), len(mappings), nil
}

func (s *Service) schedule(ctx context.Context, mode string, expansionID uuid.UUID, task Task) error {
	if err := s.scheduler.Schedule(ctx, mode, expansionID, task); err != nil {
		s.logger.Error().Err(err).
			Str("expansion_id", expansionID.String()).
			Str("mode", mode).
			Msg("materialization failed")
		return fmt.Errorf("%s expansion %s: %w", mode, expansionID, err)
	}
	return nil
}
