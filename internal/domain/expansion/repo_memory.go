package expansion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocl/ocl/internal/domain/terminology"
)

// MemoryRepo is an in-memory Repository writing members through a
// terminology.MembershipWriter.
type MemoryRepo struct {
	mu         sync.Mutex
	expansions map[uuid.UUID]*Expansion
	order      []uuid.UUID
	members    terminology.MembershipWriter
}

// NewMemoryRepo creates an empty repository.
func NewMemoryRepo(members terminology.MembershipWriter) *MemoryRepo {
	return &MemoryRepo{expansions: make(map[uuid.UUID]*Expansion), members: members}
}

func (m *MemoryRepo) Create(_ context.Context, e *Expansion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		other := m.expansions[id]
		if other.RepositoryVersionID == e.RepositoryVersionID && other.Mnemonic == e.Mnemonic {
			return fmt.Errorf("%s: %w", e.Mnemonic, ErrDuplicateExpansion)
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	stored := *e
	m.expansions[e.ID] = &stored
	m.order = append(m.order, e.ID)
	return nil
}

// lookup returns the stored record. Callers hold mu.
func (m *MemoryRepo) lookup(id uuid.UUID) (*Expansion, error) {
	e, ok := m.expansions[id]
	if !ok {
		return nil, fmt.Errorf("expansion %s: %w", id, ErrExpansionNotFound)
	}
	return e, nil
}

func (m *MemoryRepo) Get(_ context.Context, id uuid.UUID) (*Expansion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	out := *e
	return &out, nil
}

func (m *MemoryRepo) ListByVersion(_ context.Context, versionID uuid.UUID) ([]*Expansion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Expansion
	for _, id := range m.order {
		if e := m.expansions[id]; e.RepositoryVersionID == versionID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepo) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(id); err != nil {
		return err
	}
	delete(m.expansions, id)
	order := m.order[:0]
	for _, other := range m.order {
		if other != id {
			order = append(order, other)
		}
	}
	m.order = order
	return m.members.ClearMembers(ctx, id)
}

func (m *MemoryRepo) TryMarkProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	if e.IsProcessing {
		return false, nil
	}
	e.IsProcessing = true
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryRepo) ClearProcessing(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.IsProcessing = false
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepo) SetChecksum(_ context.Context, id uuid.UUID, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.Checksum = checksum
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepo) ApplyDelta(ctx context.Context, id uuid.UUID, d Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(id); err != nil {
		return err
	}
	return m.members.ApplyMembers(ctx, id, d.Add, d.Remove)
}
