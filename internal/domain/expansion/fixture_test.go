package expansion

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocl/ocl/internal/domain/reference"
	"github.com/ocl/ocl/internal/domain/terminology"
	"github.com/ocl/ocl/internal/platform/indexer"
)

const (
	sourceURI     = "/orgs/Org/sources/S/"
	collectionURI = "/orgs/Org/collections/C/"
)

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []indexer.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e indexer.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *recordingPublisher) last() indexer.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

var errStoreUnavailable = errors.New("store unavailable")

// hookStore wraps a MemoryStore and calls onMembersOf before answering
// MembersOf for watch. FindConcepts fails for queries on failCode.
type hookStore struct {
	*terminology.MemoryStore
	mu          sync.Mutex
	watch       uuid.UUID
	calls       int
	onMembersOf func()
	failCode    string
}

func (s *hookStore) FindConcepts(ctx context.Context, q terminology.ResourceQuery) ([]*terminology.ConceptVersion, error) {
	s.mu.Lock()
	fail := s.failCode != "" && strings.EqualFold(q.Code, s.failCode)
	s.mu.Unlock()
	if fail {
		return nil, errStoreUnavailable
	}
	return s.MemoryStore.FindConcepts(ctx, q)
}

func (s *hookStore) MembersOf(ctx context.Context, containerID uuid.UUID) (*terminology.MemberSet, error) {
	s.mu.Lock()
	hook := s.onMembersOf
	if containerID == s.watch {
		s.calls++
	} else {
		hook = nil
	}
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.MemoryStore.MembersOf(ctx, containerID)
}

func (s *hookStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	store      *hookStore
	refs       *reference.MemoryRepo
	expansions *MemoryRepo
	resolver   *reference.Resolver
	publisher  *recordingPublisher
	m          *Materializer
	svc        *Service

	source     *terminology.Repository
	sourceHead *terminology.RepositoryVersion
	sourceV1   *terminology.RepositoryVersion
	collection *terminology.RepositoryVersion

	a, b, c *terminology.ConceptVersion
	aToB    *terminology.MappingVersion
}

var created2023 = time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC)
var created2024 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
var revised2025 = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

// newFixture builds source Org/S with concepts A, B and a retired C, a
// mapping A SAME-AS B, version v1 of S holding only A, and an empty
// collection Org/C at HEAD. HEAD of S is revised on created2024 and v1 on
// revised2025.
func newFixture(t *testing.T, autoExpand bool) *fixture {
	t.Helper()
	mem := terminology.NewMemoryStore()
	f := &fixture{
		store:     &hookStore{MemoryStore: mem},
		refs:      reference.NewMemoryRepo(),
		publisher: &recordingPublisher{},
	}
	f.expansions = NewMemoryRepo(mem)
	f.resolver = reference.NewResolver(f.store, reference.Config{})
	f.m = NewMaterializer(f.expansions, f.refs, f.store, f.resolver, zerolog.Nop(),
		Config{WaitInterval: time.Millisecond, WaitAttempts: 3})
	f.m.SetPublisher(f.publisher)
	f.svc = NewService(f.m, reference.NewService(f.resolver), SyncScheduler{}, zerolog.Nop(),
		ServiceConfig{AutoExpand: autoExpand})

	f.source = &terminology.Repository{OwnerKind: "orgs", Owner: "Org", Kind: "sources", Mnemonic: "S"}
	f.sourceHead = mem.AddRepository(f.source)
	f.sourceHead.RevisionDate = created2024
	mem.PutVersion(f.sourceHead)
	f.a = f.addConcept("A", "Fever", false, created2023)
	f.b = f.addConcept("B", "Cough", false, created2024)
	f.c = f.addConcept("C", "Rash", true, created2024)
	f.aToB = &terminology.MappingVersion{
		ID:                           uuid.New(),
		VersionedObjectID:            uuid.New(),
		RepositoryID:                 f.source.ID,
		RepositoryURI:                f.source.URI(),
		Mnemonic:                     "M1",
		Version:                      "1",
		IsLatestVersion:              true,
		MapType:                      "SAME-AS",
		FromConceptID:                &f.a.ID,
		FromConceptVersionedObjectID: &f.a.VersionedObjectID,
		FromConceptCode:              "A",
		ToConceptID:                  &f.b.ID,
		ToConceptCode:                "B",
		CreatedAt:                    created2024,
	}
	mem.AddMapping(f.aToB)
	f.sourceV1 = mem.AddVersion(f.source, "v1")
	f.sourceV1.RevisionDate = revised2025
	mem.PutVersion(f.sourceV1)
	mem.AddMembers(f.sourceV1.ID, []*terminology.ConceptVersion{f.a}, nil)

	f.collection = mem.AddRepository(&terminology.Repository{OwnerKind: "orgs", Owner: "Org", Kind: "collections", Mnemonic: "C"})
	return f
}

func (f *fixture) addConcept(code, name string, retired bool, created time.Time) *terminology.ConceptVersion {
	c := &terminology.ConceptVersion{
		ID:                uuid.New(),
		VersionedObjectID: uuid.New(),
		RepositoryID:      f.source.ID,
		RepositoryURI:     f.source.URI(),
		Mnemonic:          code,
		Version:           "1",
		IsLatestVersion:   true,
		ConceptClass:      "Diagnosis",
		Datatype:          "N/A",
		Retired:           retired,
		Names:             []terminology.Name{{Locale: "en", Name: name, NameType: "FULLY_SPECIFIED", LocalePreferred: true}},
		CreatedAt:         created,
	}
	f.store.AddConcept(c)
	return c
}

// newExpansion stores an expansion of the collection without seeding it.
func (f *fixture) newExpansion(t *testing.T, mnemonic string, params Parameters) *Expansion {
	t.Helper()
	exp := NewExpansion(f.collection, mnemonic, params)
	if err := f.expansions.Create(context.Background(), exp); err != nil {
		t.Fatalf("create expansion: %v", err)
	}
	return exp
}

// storeRefs parses and stores expressions on the collection without
// touching any expansion.
func (f *fixture) storeRefs(t *testing.T, expressions ...any) []*reference.Reference {
	t.Helper()
	refs, err := reference.Parse(expressions, reference.Options{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, ref := range refs {
		ref.RepositoryVersionID = f.collection.ID
		if err := f.refs.Create(context.Background(), ref); err != nil {
			t.Fatalf("create reference: %v", err)
		}
	}
	return refs
}

func (f *fixture) members(t *testing.T, expansionID uuid.UUID) *terminology.MemberSet {
	t.Helper()
	m, err := f.store.MemoryStore.MembersOf(context.Background(), expansionID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	return m
}

func idStrings(ids terminology.IDSet) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}

func assertMembers(t *testing.T, got *terminology.MemberSet, concepts []*terminology.ConceptVersion, mappings []*terminology.MappingVersion) {
	t.Helper()
	want := terminology.NewMemberSet()
	for _, c := range concepts {
		want.Concepts[c.ID] = struct{}{}
	}
	for _, m := range mappings {
		want.Mappings[m.ID] = struct{}{}
	}
	g, w := idStrings(got.Concepts), idStrings(want.Concepts)
	if len(g) != len(w) {
		t.Fatalf("expected %d concepts, got %d", len(w), len(g))
	}
	for i := range g {
		if g[i] != w[i] {
			t.Fatalf("unexpected concepts: got %v, want %v", g, w)
		}
	}
	g, w = idStrings(got.Mappings), idStrings(want.Mappings)
	if len(g) != len(w) {
		t.Fatalf("expected %d mappings, got %d", len(w), len(g))
	}
	for i := range g {
		if g[i] != w[i] {
			t.Fatalf("unexpected mappings: got %v, want %v", g, w)
		}
	}
}

func conceptsOf(cs ...*terminology.ConceptVersion) []*terminology.ConceptVersion { return cs }
