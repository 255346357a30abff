package reference

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrDuplicateReference is returned when a reference with the same identity
// already exists in the repository version.
var ErrDuplicateReference = errors.New("duplicate reference")

// ErrReferenceNotFound is returned for unknown reference ids.
var ErrReferenceNotFound = errors.New("reference not found")

// ParseErrors collects per-expression failures of a batch, keyed by the
// original expression text.
type ParseErrors map[string]error

func (e ParseErrors) Error() string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, fmt.Sprintf("%s: %v", k, e[k]))
	}
	return strings.Join(msgs, "; ")
}

// Messages renders the errors for API responses.
func (e ParseErrors) Messages() map[string]string {
	out := make(map[string]string, len(e))
	for k, err := range e {
		out[k] = err.Error()
	}
	return out
}

// Name kinds checked by the OpenMRS validation schema.
const (
	NameFullySpecified  = "fully_specified"
	NameLocalePreferred = "locale_preferred"
)

// NameUniquenessError reports a concept whose name collides with another
// concept of the same collection and locale.
type NameUniquenessError struct {
	ConceptURI            string   `json:"concept_uri"`
	ConflictingConceptURI string   `json:"conflicting_concept_uri"`
	Name                  string   `json:"name"`
	Locale                string   `json:"locale"`
	NameKind              string   `json:"name_kind"`
	ConflictingReferences []string `json:"conflicting_references,omitempty"`
}

func (e *NameUniquenessError) Error() string {
	what := "fully specified name"
	if e.NameKind == NameLocalePreferred {
		what = "preferred name"
	}
	return fmt.Sprintf("concept %s: %s %q must be unique for same collection and locale %q (conflicts with %s)",
		e.ConceptURI, what, e.Name, e.Locale, e.ConflictingConceptURI)
}
