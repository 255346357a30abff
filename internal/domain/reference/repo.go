package reference

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists the references of repository versions.
type Repository interface {
	// Create stores ref. It returns ErrDuplicateReference when a reference
	// with the same identity exists in the same repository version.
	Create(ctx context.Context, ref *Reference) error
	Get(ctx context.Context, id uuid.UUID) (*Reference, error)
	// ListByVersion returns references in creation order.
	ListByVersion(ctx context.Context, versionID uuid.UUID) ([]*Reference, error)
	// Delete removes the given references of a version and returns the
	// ones that existed.
	Delete(ctx context.Context, versionID uuid.UUID, ids []uuid.UUID) ([]*Reference, error)
}
