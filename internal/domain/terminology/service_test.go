package terminology

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocl/ocl/internal/platform/checksum"
)

type versionFixture struct {
	store *MemoryStore
	head  *RepositoryVersion
	v1    *RepositoryVersion
	v2    *RepositoryVersion
}

// newVersionFixture builds a source whose v1 holds concepts 1, 2, 3 and
// whose v2 changes 1's short name, changes 2's class, retires 3 and adds 4.
func newVersionFixture() *versionFixture {
	s := NewMemoryStore()
	repo := &Repository{ID: uuid.New(), OwnerKind: "orgs", Owner: "CIEL", Kind: "sources", Mnemonic: "CIEL"}
	f := &versionFixture{store: s, head: s.AddRepository(repo)}
	f.v1 = s.AddVersion(repo, "v1")
	f.v2 = s.AddVersion(repo, "v2")

	add := func(v *RepositoryVersion, code string, mutate func(*ConceptVersion)) {
		c := newConcept(v, code, v.Version, v == f.v2)
		if mutate != nil {
			mutate(c)
		}
		s.AddConcept(c)
		s.AddMembers(v.ID, []*ConceptVersion{c}, nil)
	}
	shortName := func(name string) func(*ConceptVersion) {
		return func(c *ConceptVersion) {
			c.Names = append(c.Names, Name{Locale: "en", Name: name, NameType: "SHORT"})
		}
	}

	add(f.v1, "1", shortName("Mal"))
	add(f.v1, "2", nil)
	add(f.v1, "3", nil)

	add(f.v2, "1", shortName("Mala"))
	add(f.v2, "2", func(c *ConceptVersion) { c.ConceptClass = "Finding" })
	add(f.v2, "3", func(c *ConceptVersion) { c.Retired = true })
	add(f.v2, "4", nil)
	return f
}

func newTestService() (*Service, *versionFixture) {
	f := newVersionFixture()
	return NewService(f.store, zerolog.Nop()), f
}

func TestService_CompareVersions(t *testing.T) {
	svc, f := newTestService()

	diff, err := svc.CompareVersions(context.Background(), f.v1.ID, f.v2.ID, checksum.VerbosityChangedIDs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := diff.Concepts
	if c.New.Total != 1 || len(c.New.IDs) != 1 || c.New.IDs[0] != "4" {
		t.Errorf("expected concept 4 to be new, got %+v", c.New)
	}
	if c.Removed.Total != 0 {
		t.Errorf("a retired concept must not be reported as removed, got %+v", c.Removed)
	}
	if c.ChangedRetired.Total != 1 || c.ChangedRetired.IDs[0] != "3" {
		t.Errorf("expected concept 3 to be retired, got %+v", c.ChangedRetired)
	}
	if c.ChangedMajor.Total != 1 || c.ChangedMajor.IDs[0] != "2" {
		t.Errorf("expected concept 2 to be a major change, got %+v", c.ChangedMajor)
	}
	if c.ChangedMinor.Total != 1 || c.ChangedMinor.IDs[0] != "1" {
		t.Errorf("expected concept 1 to be a minor change, got %+v", c.ChangedMinor)
	}
	if c.ChangedTotal != 3 {
		t.Errorf("expected 3 changes, got %d", c.ChangedTotal)
	}
	if diff.Mappings.New.Total != 0 {
		t.Errorf("expected no mapping changes, got %+v", diff.Mappings)
	}
}

func TestService_CompareVersions_Errors(t *testing.T) {
	svc, f := newTestService()
	ctx := context.Background()

	if _, err := svc.CompareVersions(ctx, uuid.New(), f.v2.ID, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.CompareVersions(ctx, f.v1.ID, f.v2.ID, 7); !errors.Is(err, ErrInvalidVerbosity) {
		t.Errorf("expected ErrInvalidVerbosity, got %v", err)
	}
}

func TestService_Checksum(t *testing.T) {
	svc, _ := newTestService()

	res, err := svc.Checksum("concept", "", []byte(`{"concept_class":"Diagnosis","datatype":"N/A",
		"names":[{"locale":"en","name":"Malaria","name_type":"FULLY_SPECIFIED"}]}`), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Checksum != "25d2d8d5ef2cff26e35f0325d8d82b1e" {
		t.Errorf("unexpected checksum %s", res.Checksum)
	}
	if res.Kind != checksum.Standard || res.Explanation != nil {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = svc.Checksum("mapping", "smart", []byte(`[{"map_type":"SAME-AS"},{"map_type":"NARROWER-THAN"}]`), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Explanation == nil || len(res.Explanation.Checksums) != 2 {
		t.Errorf("expected an explanation with two checksums, got %+v", res.Explanation)
	}
}

func TestService_Checksum_Errors(t *testing.T) {
	svc, _ := newTestService()

	tests := []struct {
		name     string
		resource string
		kind     string
		payload  string
		wantErr  error
	}{
		{"unsupported resource", "source", "standard", `{}`, checksum.ErrResourceKindUnsupported},
		{"unsupported kind", "concept", "fuzzy", `{}`, checksum.ErrChecksumKindUnsupported},
		{"empty payload", "concept", "standard", ``, nil},
		{"invalid json", "concept", "standard", `{"a":`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Checksum(tt.resource, tt.kind, []byte(tt.payload), false)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMemoryStore_FindRepositoryVersion(t *testing.T) {
	f := newVersionFixture()
	ctx := context.Background()

	tests := []struct {
		name    string
		uri     string
		version string
		want    *RepositoryVersion
	}{
		{"head by default", "/orgs/CIEL/sources/CIEL/", "", f.head},
		{"missing trailing slash", "/orgs/CIEL/sources/CIEL", "v1", f.v1},
		{"explicit head", "/orgs/CIEL/sources/CIEL/", HEAD, f.head},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.store.FindRepositoryVersion(ctx, tt.uri, tt.version)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID != tt.want.ID {
				t.Errorf("expected %s, got %s", tt.want.URI(), got.URI())
			}
		})
	}

	if _, err := f.store.FindRepositoryVersion(ctx, "/orgs/CIEL/sources/CIEL/", "v9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CanonicalURL(t *testing.T) {
	s := NewMemoryStore()
	head := s.AddRepository(&Repository{OwnerKind: "orgs", Owner: "O", Kind: "sources", Mnemonic: "S", CanonicalURL: "http://example.org/cs/s"})

	got, err := s.FindRepositoryVersion(context.Background(), "http://example.org/cs/s", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != head.ID {
		t.Errorf("expected HEAD, got %s", got.URI())
	}
}

func TestMemoryStore_Membership(t *testing.T) {
	f := newVersionFixture()
	ctx := context.Background()
	container := uuid.New()

	all, _ := f.store.FindConcepts(ctx, f.v1.Scope())
	if len(all) != 3 {
		t.Fatalf("expected 3 concepts in v1, got %d", len(all))
	}

	add := NewMemberSet()
	for _, c := range all {
		add.Concepts[c.ID] = struct{}{}
	}
	if err := f.store.ApplyMembers(ctx, container, add, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	remove := NewMemberSet()
	remove.Concepts[all[0].ID] = struct{}{}
	if err := f.store.ApplyMembers(ctx, container, nil, remove); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	members, _ := f.store.MembersOf(ctx, container)
	if len(members.Concepts) != 2 || members.Concepts.Has(all[0].ID) {
		t.Errorf("expected two remaining members, got %v", members.Concepts.Slice())
	}

	// MembersOf returns a copy.
	members.Concepts[uuid.New()] = struct{}{}
	again, _ := f.store.MembersOf(ctx, container)
	if len(again.Concepts) != 2 {
		t.Error("mutating the returned set must not change the store")
	}

	if err := f.store.ClearMembers(ctx, container); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	scoped, _ := f.store.FindConcepts(ctx, ResourceQuery{ContainerID: &container})
	if len(scoped) != 0 {
		t.Errorf("expected an empty container, got %d concepts", len(scoped))
	}
}

func TestMemoryStore_SetDefaultExpansion(t *testing.T) {
	f := newVersionFixture()
	ctx := context.Background()
	expansionID := uuid.New()

	if err := f.store.SetDefaultExpansion(ctx, f.v1.ID, &expansionID, "/orgs/CIEL/sources/CIEL/v1/expansions/e1/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := f.store.GetRepositoryVersion(ctx, f.v1.ID)
	if got.DefaultExpansionID == nil || *got.DefaultExpansionID != expansionID {
		t.Errorf("expected default expansion %s, got %v", expansionID, got.DefaultExpansionID)
	}
	if f.v1.DefaultExpansionID != nil {
		t.Error("previously returned versions must not be mutated")
	}

	if err := f.store.SetDefaultExpansion(ctx, uuid.New(), nil, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
