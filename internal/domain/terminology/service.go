package terminology

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocl/ocl/internal/platform/checksum"
)

// Service computes checksums and compares repository versions.
type Service struct {
	store  Store
	logger zerolog.Logger
}

// NewService creates a new terminology service.
func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// ChecksumResult is the outcome of a checksum request. Explanation is set
// only when requested.
type ChecksumResult struct {
	Resource    checksum.Resource     `json:"resource"`
	Kind        checksum.Kind         `json:"kind"`
	Checksum    string                `json:"checksum"`
	Explanation *checksum.Explanation `json:"explanation,omitempty"`
}

// Checksum computes the checksum of a raw JSON payload holding one resource
// or a list of resources.
func (s *Service) Checksum(resource, kind string, payload []byte, explain bool) (*ChecksumResult, error) {
	r, err := checksum.ParseResource(resource)
	if err != nil {
		return nil, err
	}
	k, err := checksum.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	data, err := checksum.DecodeJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	exp, err := checksum.Explain(r, data, k)
	if err != nil {
		return nil, err
	}
	result := &ChecksumResult{Resource: r, Kind: k, Checksum: exp.Digest}
	if explain {
		result.Explanation = exp
	}
	return result, nil
}

// VersionDiff compares the concepts and the mappings of two repository
// versions.
type VersionDiff struct {
	Older    uuid.UUID            `json:"older"`
	Newer    uuid.UUID            `json:"newer"`
	Concepts *checksum.DiffResult `json:"concepts"`
	Mappings *checksum.DiffResult `json:"mappings"`
}

// CompareVersions classifies the resources of newerID against olderID by
// their standard and smart checksums, keyed by mnemonic.
func (s *Service) CompareVersions(ctx context.Context, olderID, newerID uuid.UUID, verbosity int) (*VersionDiff, error) {
	if verbosity < checksum.VerbosityCounts || verbosity > checksum.VerbosityAllIDs {
		return nil, fmt.Errorf("%w: %d is not between %d and %d", ErrInvalidVerbosity, verbosity, checksum.VerbosityCounts, checksum.VerbosityAllIDs)
	}
	older, err := s.store.GetRepositoryVersion(ctx, olderID)
	if err != nil {
		return nil, err
	}
	newer, err := s.store.GetRepositoryVersion(ctx, newerID)
	if err != nil {
		return nil, err
	}

	oc, om, err := s.entries(ctx, older)
	if err != nil {
		return nil, err
	}
	nc, nm, err := s.entries(ctx, newer)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("older", older.URI()).
		Str("newer", newer.URI()).
		Int("verbosity", verbosity).
		Msg("comparing repository versions")

	return &VersionDiff{
		Older:    older.ID,
		Newer:    newer.ID,
		Concepts: checksum.Diff(oc, nc, verbosity),
		Mappings: checksum.Diff(om, nm, verbosity),
	}, nil
}

func (s *Service) entries(ctx context.Context, v *RepositoryVersion) (concepts, mappings []checksum.Entry, err error) {
	scope := v.Scope()
	cs, err := s.store.FindConcepts(ctx, scope)
	if err != nil {
		return nil, nil, fmt.Errorf("concepts of %s: %w", v.URI(), err)
	}
	for _, c := range cs {
		e, err := entry(c.Mnemonic, c.ID, c.Retired, c.Checksum)
		if err != nil {
			return nil, nil, fmt.Errorf("checksum concept %s: %w", c.URI(), err)
		}
		concepts = append(concepts, e)
	}

	ms, err := s.store.FindMappings(ctx, scope)
	if err != nil {
		return nil, nil, fmt.Errorf("mappings of %s: %w", v.URI(), err)
	}
	for _, m := range ms {
		e, err := entry(m.Mnemonic, m.ID, m.Retired, m.Checksum)
		if err != nil {
			return nil, nil, fmt.Errorf("checksum mapping %s: %w", m.URI(), err)
		}
		mappings = append(mappings, e)
	}
	return concepts, mappings, nil
}

func entry(mnemonic string, id uuid.UUID, retired bool, sum func(checksum.Kind) (string, error)) (checksum.Entry, error) {
	standard, err := sum(checksum.Standard)
	if err != nil {
		return checksum.Entry{}, err
	}
	smart, err := sum(checksum.Smart)
	if err != nil {
		return checksum.Entry{}, err
	}
	return checksum.Entry{
		Identity: mnemonic,
		ID:       id.String(),
		Retired:  retired,
		Standard: standard,
		Smart:    smart,
	}, nil
}
