package expansion

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists expansion records and commits member deltas.
type Repository interface {
	// Create returns ErrDuplicateExpansion when the repository version
	// already has an expansion with the same mnemonic.
	Create(ctx context.Context, e *Expansion) error
	Get(ctx context.Context, id uuid.UUID) (*Expansion, error)
	ListByVersion(ctx context.Context, versionID uuid.UUID) ([]*Expansion, error)
	// Delete removes the expansion and its members.
	Delete(ctx context.Context, id uuid.UUID) error

	// TryMarkProcessing sets is_processing if it is clear and reports
	// whether this call set it.
	TryMarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	ClearProcessing(ctx context.Context, id uuid.UUID) error
	SetChecksum(ctx context.Context, id uuid.UUID, checksum string) error
	// ApplyDelta commits a member delta atomically. It returns
	// ErrExpansionNotFound, writing nothing, once the expansion is deleted.
	ApplyDelta(ctx context.Context, id uuid.UUID, d Delta) error
}
