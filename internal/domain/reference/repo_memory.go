package reference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory Repository.
type MemoryRepo struct {
	mu    sync.RWMutex
	refs  map[uuid.UUID]*Reference
	order []uuid.UUID
}

// NewMemoryRepo creates an empty repository.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{refs: make(map[uuid.UUID]*Reference)}
}

func (m *MemoryRepo) Create(_ context.Context, ref *Reference) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity := ref.Identity()
	for _, id := range m.order {
		existing := m.refs[id]
		if existing.RepositoryVersionID == ref.RepositoryVersionID && existing.Identity() == identity {
			return fmt.Errorf("%s: %w", ref.ResolvedTarget(), ErrDuplicateReference)
		}
	}
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	m.refs[ref.ID] = ref
	m.order = append(m.order, ref.ID)
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, id uuid.UUID) (*Reference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.refs[id]
	if !ok {
		return nil, fmt.Errorf("reference %s: %w", id, ErrReferenceNotFound)
	}
	return ref, nil
}

func (m *MemoryRepo) ListByVersion(_ context.Context, versionID uuid.UUID) ([]*Reference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Reference
	for _, id := range m.order {
		if ref := m.refs[id]; ref.RepositoryVersionID == versionID {
			out = append(out, ref)
		}
	}
	return out, nil
}

func (m *MemoryRepo) Delete(_ context.Context, versionID uuid.UUID, ids []uuid.UUID) ([]*Reference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[uuid.UUID]bool, len(ids))
	var deleted []*Reference
	for _, id := range ids {
		if ref, ok := m.refs[id]; ok && ref.RepositoryVersionID == versionID && !drop[id] {
			drop[id] = true
			deleted = append(deleted, ref)
			delete(m.refs, id)
		}
	}
	if len(drop) == 0 {
		return nil, nil
	}
	order := m.order[:0]
	for _, id := range m.order {
		if !drop[id] {
			order = append(order, id)
		}
	}
	m.order = order
	return deleted, nil
}
