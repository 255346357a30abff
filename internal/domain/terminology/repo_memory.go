package terminology

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ocl/ocl/internal/platform/uri"
)

// MemoryStore is a thread-safe, in-memory implementation of Store and
// MembershipWriter. Results preserve insertion order.
type MemoryStore struct {
	mu           sync.RWMutex
	repositories map[uuid.UUID]*Repository
	versions     map[uuid.UUID]*RepositoryVersion
	versionOrder []uuid.UUID
	concepts     []*ConceptVersion
	mappings     []*MappingVersion
	members      map[uuid.UUID]*MemberSet
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		repositories: make(map[uuid.UUID]*Repository),
		versions:     make(map[uuid.UUID]*RepositoryVersion),
		members:      make(map[uuid.UUID]*MemberSet),
	}
}

// AddRepository registers a repository and creates its HEAD version.
func (s *MemoryStore) AddRepository(repo *Repository) *RepositoryVersion {
	if repo.ID == uuid.Nil {
		repo.ID = uuid.New()
	}
	s.mu.Lock()
	s.repositories[repo.ID] = repo
	s.mu.Unlock()
	return s.AddVersion(repo, HEAD)
}

// AddVersion creates a repository version.
func (s *MemoryStore) AddVersion(repo *Repository, version string) *RepositoryVersion {
	v := &RepositoryVersion{
		ID:                     uuid.New(),
		RepositoryID:           repo.ID,
		RepositoryKind:         repo.Kind,
		RepositoryURI:          repo.URI(),
		CanonicalURL:           repo.CanonicalURL,
		CustomValidationSchema: repo.CustomValidationSchema,
		Version:                version,
		RevisionDate:           repo.CreatedAt,
	}
	s.PutVersion(v)
	return v
}

// PutVersion stores or replaces a repository version.
func (s *MemoryStore) PutVersion(v *RepositoryVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[v.ID]; !ok {
		s.versionOrder = append(s.versionOrder, v.ID)
	}
	s.versions[v.ID] = v
}

// AddConcept stores a concept version.
func (s *MemoryStore) AddConcept(c *ConceptVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.concepts = append(s.concepts, c)
}

// AddMapping stores a mapping version.
func (s *MemoryStore) AddMapping(m *MappingVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings = append(s.mappings, m)
}

// AddMembers adds resources to a container without any other checks.
func (s *MemoryStore) AddMembers(containerID uuid.UUID, concepts []*ConceptVersion, mappings []*MappingVersion) {
	add := NewMemberSet()
	for _, c := range concepts {
		add.Concepts[c.ID] = struct{}{}
	}
	for _, m := range mappings {
		add.Mappings[m.ID] = struct{}{}
	}
	_ = s.ApplyMembers(context.Background(), containerID, add, nil)
}

func (s *MemoryStore) FindRepositoryVersion(_ context.Context, repoURI, version string) (*RepositoryVersion, error) {
	base := uri.NormalizeRepository(repoURI)
	if version == "" {
		version = HEAD
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.versionOrder {
		v := s.versions[id]
		if v.Version != version {
			continue
		}
		if v.RepositoryURI == base || (v.CanonicalURL != "" && strings.TrimSuffix(v.CanonicalURL, "/") == base) {
			return v, nil
		}
	}
	return nil, fmt.Errorf("repository version %s|%s: %w", repoURI, version, ErrNotFound)
}

func (s *MemoryStore) GetRepositoryVersion(_ context.Context, id uuid.UUID) (*RepositoryVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, fmt.Errorf("repository version %s: %w", id, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) FindConcepts(_ context.Context, q ResourceQuery) ([]*ConceptVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var scope IDSet
	if q.ContainerID != nil {
		scope = s.scope(*q.ContainerID).Concepts
	}
	var out []*ConceptVersion
	for _, c := range s.concepts {
		if scope != nil && !scope.Has(c.ID) {
			continue
		}
		if q.MatchesConcept(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) FindMappings(_ context.Context, q ResourceQuery) ([]*MappingVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var scope IDSet
	if q.ContainerID != nil {
		scope = s.scope(*q.ContainerID).Mappings
	}
	var out []*MappingVersion
	for _, m := range s.mappings {
		if scope != nil && !scope.Has(m.ID) {
			continue
		}
		if q.MatchesMapping(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// scope returns the container's members, never nil. Callers hold mu.
func (s *MemoryStore) scope(containerID uuid.UUID) *MemberSet {
	if m, ok := s.members[containerID]; ok {
		return m
	}
	return NewMemberSet()
}

func (s *MemoryStore) MembersOf(_ context.Context, containerID uuid.UUID) (*MemberSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.scope(containerID)
	out := NewMemberSet()
	for id := range src.Concepts {
		out.Concepts[id] = struct{}{}
	}
	for id := range src.Mappings {
		out.Mappings[id] = struct{}{}
	}
	return out, nil
}

func (s *MemoryStore) SetDefaultExpansion(_ context.Context, versionID uuid.UUID, expansionID *uuid.UUID, expansionURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return fmt.Errorf("repository version %s: %w", versionID, ErrNotFound)
	}
	updated := *v
	updated.DefaultExpansionID = expansionID
	updated.ExpansionURI = expansionURI
	s.versions[versionID] = &updated
	return nil
}

// ApplyMembers adds then removes members of a container in one step.
func (s *MemoryStore) ApplyMembers(_ context.Context, containerID uuid.UUID, add, remove *MemberSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[containerID]
	if !ok {
		m = NewMemberSet()
		s.members[containerID] = m
	}
	if add != nil {
		for id := range add.Concepts {
			m.Concepts[id] = struct{}{}
		}
		for id := range add.Mappings {
			m.Mappings[id] = struct{}{}
		}
	}
	if remove != nil {
		for id := range remove.Concepts {
			delete(m.Concepts, id)
		}
		for id := range remove.Mappings {
			delete(m.Mappings, id)
		}
	}
	return nil
}

// ClearMembers drops a container.
func (s *MemoryStore) ClearMembers(_ context.Context, containerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, containerID)
	return nil
}
