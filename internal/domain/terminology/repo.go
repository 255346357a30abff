package terminology

import (
	"context"

	"github.com/google/uuid"
)

// Store answers the queries the reference engine needs about repositories
// and their concept and mapping versions.
type Store interface {
	// FindRepositoryVersion resolves a repository URI or canonical URL at a
	// version; an empty version selects HEAD.
	FindRepositoryVersion(ctx context.Context, repoURI, version string) (*RepositoryVersion, error)
	GetRepositoryVersion(ctx context.Context, id uuid.UUID) (*RepositoryVersion, error)
	FindConcepts(ctx context.Context, q ResourceQuery) ([]*ConceptVersion, error)
	FindMappings(ctx context.Context, q ResourceQuery) ([]*MappingVersion, error)
	// MembersOf returns the members of a repository version or expansion.
	MembersOf(ctx context.Context, containerID uuid.UUID) (*MemberSet, error)
	SetDefaultExpansion(ctx context.Context, versionID uuid.UUID, expansionID *uuid.UUID, expansionURI string) error
}

// MembershipWriter mutates membership containers. Only the expansion
// materializer writes through it.
type MembershipWriter interface {
	ApplyMembers(ctx context.Context, containerID uuid.UUID, add, remove *MemberSet) error
	ClearMembers(ctx context.Context, containerID uuid.UUID) error
}
