package terminology

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocl/ocl/internal/platform/checksum"
	"github.com/ocl/ocl/internal/platform/uri"
)

// HEAD is the version identifier of a repository's mutable version.
const HEAD = "HEAD"

// Custom validation schemas a collection may enforce.
const (
	ValidationSchemaNone    = "None"
	ValidationSchemaOpenMRS = "OpenMRS"
)

// ErrNotFound is returned when a repository version or resource does not
// exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidVerbosity rejects a diff verbosity outside 0..3.
var ErrInvalidVerbosity = errors.New("invalid verbosity")

// Repository is a source or collection.
type Repository struct {
	ID                     uuid.UUID `db:"id" json:"id"`
	OwnerKind              string    `db:"owner_kind" json:"owner_kind"`
	Owner                  string    `db:"owner" json:"owner"`
	Kind                   string    `db:"kind" json:"kind"`
	Mnemonic               string    `db:"mnemonic" json:"mnemonic"`
	CanonicalURL           string    `db:"canonical_url" json:"canonical_url,omitempty"`
	CustomValidationSchema string    `db:"custom_validation_schema" json:"custom_validation_schema,omitempty"`
	CreatedAt              time.Time `db:"created_at" json:"created_at"`
}

// URI returns the versionless repository URI.
func (r *Repository) URI() string {
	return "/" + r.OwnerKind + "/" + r.Owner + "/" + r.Kind + "/" + r.Mnemonic + "/"
}

// RepositoryVersion is HEAD or an immutable snapshot of a repository. The
// repository fields the engine needs are carried along.
type RepositoryVersion struct {
	ID                     uuid.UUID  `db:"id" json:"id"`
	RepositoryID           uuid.UUID  `db:"repository_id" json:"repository_id"`
	RepositoryKind         string     `db:"repository_kind" json:"repository_kind"`
	RepositoryURI          string     `db:"repository_uri" json:"repository_uri"`
	CanonicalURL           string     `db:"canonical_url" json:"canonical_url,omitempty"`
	CustomValidationSchema string     `db:"custom_validation_schema" json:"custom_validation_schema,omitempty"`
	Version                string     `db:"version" json:"version"`
	RevisionDate           time.Time  `db:"revision_date" json:"revision_date"`
	DefaultExpansionID     *uuid.UUID `db:"default_expansion_id" json:"default_expansion_id,omitempty"`
	ExpansionURI           string     `db:"expansion_uri" json:"expansion_uri,omitempty"`
}

// IsHead reports whether this is the mutable version.
func (v *RepositoryVersion) IsHead() bool { return v.Version == "" || v.Version == HEAD }

// IsCollection reports whether the repository is a collection.
func (v *RepositoryVersion) IsCollection() bool { return v.RepositoryKind == uri.RepoCollections }

// URI returns the repository URI including the version segment for
// non-HEAD versions.
func (v *RepositoryVersion) URI() string {
	if v.IsHead() {
		return v.RepositoryURI
	}
	return v.RepositoryURI + v.Version + "/"
}

// Scope returns the query selecting the resources visible from v. A source
// HEAD is the moving latest view; other source versions are their membership
// snapshot; a collection version reads its default expansion when it has one.
func (v *RepositoryVersion) Scope() ResourceQuery {
	if v.IsCollection() {
		id := v.ID
		if v.DefaultExpansionID != nil {
			id = *v.DefaultExpansionID
		}
		return ResourceQuery{ContainerID: &id}
	}
	if v.IsHead() {
		return ResourceQuery{RepositoryURI: v.RepositoryURI, LatestOnly: true}
	}
	id := v.ID
	return ResourceQuery{ContainerID: &id}
}

// Name is a localized concept name.
type Name struct {
	Locale          string `json:"locale"`
	LocalePreferred bool   `json:"locale_preferred"`
	Name            string `json:"name"`
	NameType        string `json:"name_type,omitempty"`
	ExternalID      string `json:"external_id,omitempty"`
}

// IsFullySpecified reports whether the name is a fully specified name.
func (n Name) IsFullySpecified() bool { return checksum.IsFullySpecifiedType(n.NameType) }

// Description is a localized concept description.
type Description struct {
	Locale          string `json:"locale"`
	LocalePreferred bool   `json:"locale_preferred"`
	Description     string `json:"description"`
	DescriptionType string `json:"description_type,omitempty"`
	ExternalID      string `json:"external_id,omitempty"`
}

// ConceptVersion is one version of a concept. The row whose ID equals its
// VersionedObjectID is the version-independent identity.
type ConceptVersion struct {
	ID                uuid.UUID      `db:"id" json:"id"`
	VersionedObjectID uuid.UUID      `db:"versioned_object_id" json:"versioned_object_id"`
	RepositoryID      uuid.UUID      `db:"repository_id" json:"repository_id"`
	RepositoryURI     string         `db:"repository_uri" json:"repository_uri"`
	Mnemonic          string         `db:"mnemonic" json:"id_code"`
	Version           string         `db:"version" json:"version,omitempty"`
	IsLatestVersion   bool           `db:"is_latest_version" json:"is_latest_version"`
	ConceptClass      string         `db:"concept_class" json:"concept_class"`
	Datatype          string         `db:"datatype" json:"datatype"`
	Retired           bool           `db:"retired" json:"retired"`
	ExternalID        string         `db:"external_id" json:"external_id,omitempty"`
	Names             []Name         `db:"names" json:"names"`
	Descriptions      []Description  `db:"descriptions" json:"descriptions,omitempty"`
	Extras            map[string]any `db:"extras" json:"extras,omitempty"`
	ParentConceptURLs []string       `db:"parent_concept_urls" json:"parent_concept_urls,omitempty"`
	ChildConceptURLs  []string       `db:"child_concept_urls" json:"child_concept_urls,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// IsVersionedObject reports whether c is the version-independent row.
func (c *ConceptVersion) IsVersionedObject() bool { return c.ID == c.VersionedObjectID }

// URI returns the resource URI, versioned unless c is the versioned object.
func (c *ConceptVersion) URI() string {
	u := c.VersionlessURI()
	if c.Version != "" && !c.IsVersionedObject() {
		u += c.Version + "/"
	}
	return u
}

// VersionlessURI returns the URI of the concept at repository HEAD.
func (c *ConceptVersion) VersionlessURI() string {
	return c.RepositoryURI + uri.ResourceConcepts + "/" + c.Mnemonic + "/"
}

// DisplayName returns the preferred name in locale, falling back to the
// fully specified name and then to the first name.
func (c *ConceptVersion) DisplayName(locale string) string {
	var fallback string
	for _, n := range c.Names {
		if n.Locale == locale && n.LocalePreferred {
			return n.Name
		}
		if fallback == "" && n.IsFullySpecified() {
			fallback = n.Name
		}
	}
	if fallback == "" && len(c.Names) > 0 {
		fallback = c.Names[0].Name
	}
	return fallback
}

// ChecksumPayload returns the checksum-relevant fields of c.
func (c *ConceptVersion) ChecksumPayload() *checksum.Object {
	names := make([]any, 0, len(c.Names))
	for _, n := range c.Names {
		names = append(names, checksum.NewObject().
			Set("locale", optional(n.Locale)).
			Set("locale_preferred", n.LocalePreferred).
			Set("name", n.Name).
			Set("name_type", optional(n.NameType)).
			Set("external_id", optional(n.ExternalID)))
	}
	descriptions := make([]any, 0, len(c.Descriptions))
	for _, d := range c.Descriptions {
		descriptions = append(descriptions, checksum.NewObject().
			Set("locale", optional(d.Locale)).
			Set("locale_preferred", d.LocalePreferred).
			Set("description", d.Description).
			Set("description_type", optional(d.DescriptionType)).
			Set("external_id", optional(d.ExternalID)))
	}

	p := checksum.NewObject().
		Set("concept_class", optional(c.ConceptClass)).
		Set("datatype", optional(c.Datatype)).
		Set("retired", c.Retired).
		Set("external_id", optional(c.ExternalID)).
		Set("names", names).
		Set("descriptions", descriptions).
		Set("parent_concept_urls", stringList(c.ParentConceptURLs)).
		Set("child_concept_urls", stringList(c.ChildConceptURLs))
	if len(c.Extras) > 0 {
		p.Set("extras", c.Extras)
	}
	return p
}

// Checksum computes the checksum of c.
func (c *ConceptVersion) Checksum(kind checksum.Kind) (string, error) {
	return checksum.Generate(checksum.Concept, c.ChecksumPayload(), kind)
}

// MappingVersion is one version of a mapping.
type MappingVersion struct {
	ID                           uuid.UUID      `db:"id" json:"id"`
	VersionedObjectID            uuid.UUID      `db:"versioned_object_id" json:"versioned_object_id"`
	RepositoryID                 uuid.UUID      `db:"repository_id" json:"repository_id"`
	RepositoryURI                string         `db:"repository_uri" json:"repository_uri"`
	Mnemonic                     string         `db:"mnemonic" json:"id_code"`
	Version                      string         `db:"version" json:"version,omitempty"`
	IsLatestVersion              bool           `db:"is_latest_version" json:"is_latest_version"`
	MapType                      string         `db:"map_type" json:"map_type"`
	Retired                      bool           `db:"retired" json:"retired"`
	ExternalID                   string         `db:"external_id" json:"external_id,omitempty"`
	SortWeight                   *float64       `db:"sort_weight" json:"sort_weight,omitempty"`
	Extras                       map[string]any `db:"extras" json:"extras,omitempty"`
	FromConceptID                *uuid.UUID     `db:"from_concept_id" json:"from_concept_id,omitempty"`
	FromConceptVersionedObjectID *uuid.UUID     `db:"from_concept_versioned_object_id" json:"-"`
	FromConceptCode              string         `db:"from_concept_code" json:"from_concept_code"`
	FromConceptName              string         `db:"from_concept_name" json:"from_concept_name,omitempty"`
	FromSourceURL                string         `db:"from_source_url" json:"from_source_url,omitempty"`
	FromSourceVersion            string         `db:"from_source_version" json:"from_source_version,omitempty"`
	ToConceptID                  *uuid.UUID     `db:"to_concept_id" json:"to_concept_id,omitempty"`
	ToConceptCode                string         `db:"to_concept_code" json:"to_concept_code"`
	ToConceptName                string         `db:"to_concept_name" json:"to_concept_name,omitempty"`
	ToSourceURL                  string         `db:"to_source_url" json:"to_source_url,omitempty"`
	ToSourceVersion              string         `db:"to_source_version" json:"to_source_version,omitempty"`
	CreatedAt                    time.Time      `db:"created_at" json:"created_at"`
}

// IsVersionedObject reports whether m is the version-independent row.
func (m *MappingVersion) IsVersionedObject() bool { return m.ID == m.VersionedObjectID }

// URI returns the resource URI, versioned unless m is the versioned object.
func (m *MappingVersion) URI() string {
	u := m.VersionlessURI()
	if m.Version != "" && !m.IsVersionedObject() {
		u += m.Version + "/"
	}
	return u
}

// VersionlessURI returns the URI of the mapping at repository HEAD.
func (m *MappingVersion) VersionlessURI() string {
	return m.RepositoryURI + uri.ResourceMappings + "/" + m.Mnemonic + "/"
}

// ChecksumPayload returns the checksum-relevant fields of m.
func (m *MappingVersion) ChecksumPayload() *checksum.Object {
	p := checksum.NewObject().
		Set("map_type", optional(m.MapType)).
		Set("from_concept_code", optional(m.FromConceptCode)).
		Set("to_concept_code", optional(m.ToConceptCode)).
		Set("from_concept_name", optional(m.FromConceptName)).
		Set("to_concept_name", optional(m.ToConceptName)).
		Set("retired", m.Retired).
		Set("external_id", optional(m.ExternalID)).
		Set("from_source_url", optional(m.FromSourceURL)).
		Set("from_source_version", optional(m.FromSourceVersion)).
		Set("to_source_url", optional(m.ToSourceURL)).
		Set("to_source_version", optional(m.ToSourceVersion))
	if m.SortWeight != nil {
		p.Set("sort_weight", *m.SortWeight)
	}
	if len(m.Extras) > 0 {
		p.Set("extras", m.Extras)
	}
	return p
}

// Checksum computes the checksum of m.
func (m *MappingVersion) Checksum(kind checksum.Kind) (string, error) {
	return checksum.Generate(checksum.Mapping, m.ChecksumPayload(), kind)
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringList(in []string) []any {
	out := make([]any, len(in))
	for i := range in {
		out[i] = in[i]
	}
	return out
}

// ResourceQuery selects concept or mapping versions. Zero-valued fields do
// not constrain the result.
type ResourceQuery struct {
	// RepositoryURI restricts to resources owned by a repository
	// (versionless URI).
	RepositoryURI string
	// ContainerID restricts to members of a repository version or
	// expansion.
	ContainerID *uuid.UUID
	// LatestOnly keeps only rows flagged as the latest version.
	LatestOnly bool
	// Code matches the mnemonic case-insensitively.
	Code string
	// Version matches the resource version exactly.
	Version            string
	IDs                []uuid.UUID
	VersionedObjectIDs []uuid.UUID
	// FromConceptVersionedObjectIDs applies to mappings only.
	FromConceptVersionedObjectIDs []uuid.UUID
}

// MatchesConcept reports whether c satisfies every constraint except
// ContainerID, which needs membership data.
func (q ResourceQuery) MatchesConcept(c *ConceptVersion) bool {
	return q.matches(c.RepositoryURI, c.Mnemonic, c.Version, c.IsLatestVersion, c.ID, c.VersionedObjectID)
}

// MatchesMapping is the mapping counterpart of MatchesConcept.
func (q ResourceQuery) MatchesMapping(m *MappingVersion) bool {
	if !q.matches(m.RepositoryURI, m.Mnemonic, m.Version, m.IsLatestVersion, m.ID, m.VersionedObjectID) {
		return false
	}
	if len(q.FromConceptVersionedObjectIDs) > 0 {
		if m.FromConceptVersionedObjectID == nil || !containsID(q.FromConceptVersionedObjectIDs, *m.FromConceptVersionedObjectID) {
			return false
		}
	}
	return true
}

func (q ResourceQuery) matches(repoURI, code, version string, latest bool, id, voID uuid.UUID) bool {
	if q.RepositoryURI != "" && q.RepositoryURI != repoURI {
		return false
	}
	if q.LatestOnly && !latest {
		return false
	}
	if q.Code != "" && !strings.EqualFold(q.Code, code) {
		return false
	}
	if q.Version != "" && q.Version != version {
		return false
	}
	if len(q.IDs) > 0 && !containsID(q.IDs, id) {
		return false
	}
	if len(q.VersionedObjectIDs) > 0 && !containsID(q.VersionedObjectIDs, voID) {
		return false
	}
	return true
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// IDSet is a set of resource version ids.
type IDSet map[uuid.UUID]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...uuid.UUID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s IDSet) Has(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

// Slice returns the ids in unspecified order.
func (s IDSet) Slice() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	return out
}

// MemberSet is the content of a membership container.
type MemberSet struct {
	Concepts IDSet
	Mappings IDSet
}

// NewMemberSet returns an empty MemberSet.
func NewMemberSet() *MemberSet {
	return &MemberSet{Concepts: IDSet{}, Mappings: IDSet{}}
}
