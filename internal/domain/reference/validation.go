package reference

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ocl/ocl/internal/domain/terminology"
)

type nameKey struct {
	kind   string
	locale string
	name   string
}

// CheckNameUniqueness enforces the OpenMRS collection rule: within one
// collection, fully specified names and locale-preferred names are unique
// per locale. existing are the concepts already in the collection, added
// the ones about to join it. expressions maps concept version ids to the
// references that brought them in and is used to describe conflicts. Only
// conflicts involving an added concept are reported, the first one found.
func CheckNameUniqueness(existing, added []*terminology.ConceptVersion, expressions map[uuid.UUID][]string) *NameUniquenessError {
	owners := map[nameKey]*terminology.ConceptVersion{}
	record := func(c *terminology.ConceptVersion, check bool) *NameUniquenessError {
		for _, n := range c.Names {
			for _, key := range nameKeys(n) {
				other, ok := owners[key]
				if !ok {
					owners[key] = c
					continue
				}
				if !check || other.VersionedObjectID == c.VersionedObjectID {
					continue
				}
				return &NameUniquenessError{
					ConceptURI:            c.URI(),
					ConflictingConceptURI: other.URI(),
					Name:                  n.Name,
					Locale:                n.Locale,
					NameKind:              key.kind,
					ConflictingReferences: append(append([]string(nil), expressions[c.ID]...), expressions[other.ID]...),
				}
			}
		}
		return nil
	}

	addedVOs := map[uuid.UUID]bool{}
	for _, c := range added {
		addedVOs[c.VersionedObjectID] = true
	}
	for _, c := range existing {
		// A concept being replaced by another version of itself does not
		// conflict with its own previous names.
		if addedVOs[c.VersionedObjectID] {
			continue
		}
		record(c, false)
	}
	for _, c := range added {
		if err := record(c, true); err != nil {
			return err
		}
	}
	return nil
}

func nameKeys(n terminology.Name) []nameKey {
	var keys []nameKey
	name := strings.ToLower(strings.TrimSpace(n.Name))
	if n.IsFullySpecified() {
		keys = append(keys, nameKey{NameFullySpecified, n.Locale, name})
	}
	if n.LocalePreferred {
		keys = append(keys, nameKey{NameLocalePreferred, n.Locale, name})
	}
	return keys
}
