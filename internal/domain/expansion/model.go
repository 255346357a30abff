package expansion

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ocl/ocl/internal/domain/terminology"
)

// AutoExpansionPrefix names expansions created automatically for a
// repository version.
const AutoExpansionPrefix = "autoexpand-"

// Expansion states.
const (
	StateEmpty      = "EMPTY"
	StateProcessing = "PROCESSING"
	StateReady      = "READY"
)

var (
	ErrExpansionNotFound  = errors.New("expansion not found")
	ErrDuplicateExpansion = errors.New("expansion already exists")
	ErrNotCollection      = errors.New("references can only be added to collection versions")
	ErrInvalidParameters  = errors.New("invalid expansion parameters")
	// ErrWaitTimeout is returned when an expansion is still processing after
	// the wait budget is spent.
	ErrWaitTimeout = errors.New("timed out waiting for expansion to finish processing")
)

// Expansion is a materialized snapshot of what a repository version's
// references resolve to. Members live in the terminology store keyed by the
// expansion id; the record itself is recomputed in place so its id and URI
// stay stable.
type Expansion struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	RepositoryVersionID uuid.UUID  `db:"repository_version_id" json:"repository_version_id"`
	Mnemonic            string     `db:"mnemonic" json:"mnemonic"`
	URI                 string     `db:"uri" json:"url"`
	Parameters          Parameters `db:"parameters" json:"parameters"`
	IsProcessing        bool       `db:"is_processing" json:"is_processing"`
	Checksum            string     `db:"checksum" json:"checksum,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// State reports EMPTY until the first pass commits, then READY, with
// PROCESSING while a pass is running.
func (e *Expansion) State() string {
	switch {
	case e.IsProcessing:
		return StateProcessing
	case e.Checksum == "":
		return StateEmpty
	default:
		return StateReady
	}
}

// AutoExpansionMnemonic returns the mnemonic of the automatic expansion of
// a repository version.
func AutoExpansionMnemonic(version string) string {
	if version == "" {
		version = terminology.HEAD
	}
	return AutoExpansionPrefix + version
}

// NewExpansion builds an expansion of rv. It is not persisted.
func NewExpansion(rv *terminology.RepositoryVersion, mnemonic string, params Parameters) *Expansion {
	now := time.Now().UTC()
	return &Expansion{
		ID:                  uuid.New(),
		RepositoryVersionID: rv.ID,
		Mnemonic:            mnemonic,
		URI:                 rv.URI() + "expansions/" + mnemonic + "/",
		Parameters:          params,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Delta is a change to an expansion's member set.
type Delta struct {
	Add    *terminology.MemberSet
	Remove *terminology.MemberSet
}

// Empty reports whether d changes nothing.
func (d Delta) Empty() bool {
	return memberCount(d.Add) == 0 && memberCount(d.Remove) == 0
}

func memberCount(m *terminology.MemberSet) int {
	if m == nil {
		return 0
	}
	return len(m.Concepts) + len(m.Mappings)
}

// difference returns the members of a that are not in b.
func difference(a, b *terminology.MemberSet) *terminology.MemberSet {
	out := terminology.NewMemberSet()
	for id := range a.Concepts {
		if !b.Concepts.Has(id) {
			out.Concepts[id] = struct{}{}
		}
	}
	for id := range a.Mappings {
		if !b.Mappings.Has(id) {
			out.Mappings[id] = struct{}{}
		}
	}
	return out
}

// intersect returns the members present in both a and b.
func intersect(a, b *terminology.MemberSet) *terminology.MemberSet {
	out := terminology.NewMemberSet()
	for id := range a.Concepts {
		if b.Concepts.Has(id) {
			out.Concepts[id] = struct{}{}
		}
	}
	for id := range a.Mappings {
		if b.Mappings.Has(id) {
			out.Mappings[id] = struct{}{}
		}
	}
	return out
}
