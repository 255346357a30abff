package reference

import (
	"context"
	"errors"
	"fmt"
)

// Service parses and translates reference expressions.
type Service struct {
	resolver *Resolver
}

// NewService creates a reference service.
func NewService(resolver *Resolver) *Service {
	return &Service{resolver: resolver}
}

// ParseResult holds the references parsed from a batch and the
// expressions that failed.
type ParseResult struct {
	References []*Reference      `json:"references"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// Prepare parses expression, materializes cascades that carry a transform
// and fills in each reference's translation.
func (s *Service) Prepare(ctx context.Context, expression any, opts Options) ([]*Reference, ParseErrors, error) {
	if expression == nil {
		return nil, nil, fmt.Errorf("expressions are required")
	}
	refs, err := Parse(expression, opts)
	var perr ParseErrors
	if err != nil && !errors.As(err, &perr) {
		return nil, nil, err
	}

	refs, err = s.resolver.MaterializeCascade(ctx, refs, ResolveOptions{})
	if err != nil {
		return nil, nil, err
	}
	for _, ref := range refs {
		ref.Translation = Translate(ref)
	}
	return refs, perr, nil
}

// ParseExpressions is Prepare for API responses.
func (s *Service) ParseExpressions(ctx context.Context, expression any, opts Options) (*ParseResult, error) {
	refs, perr, err := s.Prepare(ctx, expression, opts)
	if err != nil {
		return nil, err
	}
	result := &ParseResult{References: refs}
	if result.References == nil {
		result.References = []*Reference{}
	}
	if len(perr) > 0 {
		result.Errors = perr.Messages()
	}
	return result, nil
}
