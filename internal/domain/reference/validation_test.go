package reference

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ocl/ocl/internal/domain/terminology"
)

func namedConcept(code string, names ...terminology.Name) *terminology.ConceptVersion {
	id := uuid.New()
	return &terminology.ConceptVersion{
		ID:                id,
		VersionedObjectID: id,
		RepositoryURI:     "/orgs/O/sources/S/",
		Mnemonic:          code,
		Version:           "1",
		Names:             names,
	}
}

func fsn(locale, name string) terminology.Name {
	return terminology.Name{Locale: locale, Name: name, NameType: "FULLY_SPECIFIED"}
}

func preferred(locale, name string) terminology.Name {
	return terminology.Name{Locale: locale, Name: name, NameType: "SHORT", LocalePreferred: true}
}

func TestCheckNameUniqueness(t *testing.T) {
	existing := namedConcept("A", fsn("en", "Malaria"), preferred("fr", "Paludisme"))

	tests := []struct {
		name     string
		added    *terminology.ConceptVersion
		wantKind string
	}{
		{"same fsn different case", namedConcept("B", fsn("en", " malaria ")), NameFullySpecified},
		{"same preferred name", namedConcept("C", preferred("fr", "PALUDISME")), NameLocalePreferred},
		{"other locale", namedConcept("D", fsn("fr", "Malaria")), ""},
		{"short name is free", namedConcept("E", terminology.Name{Locale: "en", Name: "Malaria", NameType: "SHORT"}), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckNameUniqueness([]*terminology.ConceptVersion{existing}, []*terminology.ConceptVersion{tt.added}, nil)
			if tt.wantKind == "" {
				if err != nil {
					t.Errorf("unexpected conflict: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected a conflict")
			}
			if err.NameKind != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, err.NameKind)
			}
			if err.ConflictingConceptURI != existing.URI() || err.ConceptURI != tt.added.URI() {
				t.Errorf("unexpected conflict %+v", err)
			}
		})
	}
}

func TestCheckNameUniqueness_NewVersionOfSameConcept(t *testing.T) {
	existing := namedConcept("A", fsn("en", "Malaria"))
	next := namedConcept("A", fsn("en", "Malaria"))
	next.VersionedObjectID = existing.VersionedObjectID

	if err := CheckNameUniqueness([]*terminology.ConceptVersion{existing}, []*terminology.ConceptVersion{next}, nil); err != nil {
		t.Errorf("a new version of the same concept must not conflict: %v", err)
	}
}

func TestCheckNameUniqueness_AmongAdded(t *testing.T) {
	a := namedConcept("A", fsn("en", "Fever"))
	b := namedConcept("B", fsn("en", "Fever"))
	expressions := map[uuid.UUID][]string{
		a.ID: {"/orgs/O/sources/S/concepts/A/"},
		b.ID: {"/orgs/O/sources/S/concepts/B/"},
	}
	err := CheckNameUniqueness(nil, []*terminology.ConceptVersion{a, b}, expressions)
	if err == nil {
		t.Fatal("expected a conflict")
	}
	if len(err.ConflictingReferences) != 2 {
		t.Errorf("expected both references to be named, got %v", err.ConflictingReferences)
	}
}

func TestCheckNameUniqueness_ExistingConflictsIgnored(t *testing.T) {
	a := namedConcept("A", fsn("en", "Fever"))
	b := namedConcept("B", fsn("en", "Fever"))
	c := namedConcept("C", fsn("en", "Cough"))
	if err := CheckNameUniqueness([]*terminology.ConceptVersion{a, b}, []*terminology.ConceptVersion{c}, nil); err != nil {
		t.Errorf("pre-existing conflicts are not reported: %v", err)
	}
}
