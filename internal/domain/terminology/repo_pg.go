package terminology

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocl/ocl/internal/platform/db"
	"github.com/ocl/ocl/internal/platform/uri"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Member kinds stored in the members table.
const (
	memberConcept = "concept"
	memberMapping = "mapping"
)

const repoURIExpr = `'/' || r.owner_kind || '/' || r.owner || '/' || r.kind || '/' || r.mnemonic || '/'`

const versionCols = `v.id, v.repository_id, r.kind, ` + repoURIExpr + `, COALESCE(r.canonical_url,''),
	COALESCE(r.custom_validation_schema,''), v.version, v.revision_date, v.default_expansion_id,
	COALESCE(v.expansion_uri,'')`

const conceptCols = `c.id, c.versioned_object_id, c.repository_id, ` + repoURIExpr + `, c.mnemonic,
	COALESCE(c.version,''), c.is_latest_version, COALESCE(c.concept_class,''), COALESCE(c.datatype,''),
	c.retired, COALESCE(c.external_id,''), c.names, c.descriptions, c.extras,
	c.parent_concept_urls, c.child_concept_urls, c.created_at`

const mappingCols = `m.id, m.versioned_object_id, m.repository_id, ` + repoURIExpr + `, m.mnemonic,
	COALESCE(m.version,''), m.is_latest_version, m.map_type, m.retired, COALESCE(m.external_id,''),
	m.sort_weight, m.extras, m.from_concept_id, m.from_concept_versioned_object_id,
	COALESCE(m.from_concept_code,''), COALESCE(m.from_concept_name,''), COALESCE(m.from_source_url,''),
	COALESCE(m.from_source_version,''), m.to_concept_id, COALESCE(m.to_concept_code,''),
	COALESCE(m.to_concept_name,''), COALESCE(m.to_source_url,''), COALESCE(m.to_source_version,''),
	m.created_at`

type storePG struct{ pool *pgxpool.Pool }

// NewStorePG returns a Postgres-backed Store that also writes membership.
func NewStorePG(pool *pgxpool.Pool) interface {
	Store
	MembershipWriter
} {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func scanVersion(row pgx.Row) (*RepositoryVersion, error) {
	var v RepositoryVersion
	err := row.Scan(&v.ID, &v.RepositoryID, &v.RepositoryKind, &v.RepositoryURI, &v.CanonicalURL,
		&v.CustomValidationSchema, &v.Version, &v.RevisionDate, &v.DefaultExpansionID, &v.ExpansionURI)
	return &v, err
}

func (s *storePG) FindRepositoryVersion(ctx context.Context, repoURI, version string) (*RepositoryVersion, error) {
	base := uri.NormalizeRepository(repoURI)
	if version == "" {
		version = HEAD
	}
	v, err := scanVersion(s.conn(ctx).QueryRow(ctx,
		`SELECT `+versionCols+`
		 FROM repository_versions v JOIN repositories r ON r.id = v.repository_id
		 WHERE v.version = $2
		   AND (`+repoURIExpr+` = $1 OR rtrim(r.canonical_url, '/') = $1)
		 LIMIT 1`, base, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("repository version %s|%s: %w", repoURI, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find repository version: %w", err)
	}
	return v, nil
}

func (s *storePG) GetRepositoryVersion(ctx context.Context, id uuid.UUID) (*RepositoryVersion, error) {
	v, err := scanVersion(s.conn(ctx).QueryRow(ctx,
		`SELECT `+versionCols+`
		 FROM repository_versions v JOIN repositories r ON r.id = v.repository_id
		 WHERE v.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("repository version %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository version: %w", err)
	}
	return v, nil
}

// where translates q into SQL predicates over alias and the repositories
// join r.
func where(q ResourceQuery, alias, kind string) (string, []interface{}) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(format string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}
	if q.RepositoryURI != "" {
		add(repoURIExpr+` = $%d`, uri.NormalizeRepository(q.RepositoryURI))
	}
	if q.ContainerID != nil {
		args = append(args, *q.ContainerID, kind)
		conds = append(conds, fmt.Sprintf(
			`%s.id IN (SELECT resource_id FROM members WHERE container_id = $%d AND resource_kind = $%d)`,
			alias, len(args)-1, len(args)))
	}
	if q.LatestOnly {
		conds = append(conds, alias+".is_latest_version")
	}
	if q.Code != "" {
		add(`lower(`+alias+`.mnemonic) = lower($%d)`, q.Code)
	}
	if q.Version != "" {
		add(alias+`.version = $%d`, q.Version)
	}
	if len(q.IDs) > 0 {
		add(alias+`.id = ANY($%d)`, q.IDs)
	}
	if len(q.VersionedObjectIDs) > 0 {
		add(alias+`.versioned_object_id = ANY($%d)`, q.VersionedObjectIDs)
	}
	if len(q.FromConceptVersionedObjectIDs) > 0 && kind == memberMapping {
		add(alias+`.from_concept_versioned_object_id = ANY($%d)`, q.FromConceptVersionedObjectIDs)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *storePG) FindConcepts(ctx context.Context, q ResourceQuery) ([]*ConceptVersion, error) {
	clause, args := where(q, "c", memberConcept)
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+conceptCols+` FROM concepts c JOIN repositories r ON r.id = c.repository_id`+
			clause+` ORDER BY c.created_at, c.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("find concepts: %w", err)
	}
	defer rows.Close()

	var out []*ConceptVersion
	for rows.Next() {
		var c ConceptVersion
		if err := rows.Scan(&c.ID, &c.VersionedObjectID, &c.RepositoryID, &c.RepositoryURI, &c.Mnemonic,
			&c.Version, &c.IsLatestVersion, &c.ConceptClass, &c.Datatype, &c.Retired, &c.ExternalID,
			&c.Names, &c.Descriptions, &c.Extras, &c.ParentConceptURLs, &c.ChildConceptURLs, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan concept: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *storePG) FindMappings(ctx context.Context, q ResourceQuery) ([]*MappingVersion, error) {
	clause, args := where(q, "m", memberMapping)
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+mappingCols+` FROM mappings m JOIN repositories r ON r.id = m.repository_id`+
			clause+` ORDER BY m.created_at, m.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("find mappings: %w", err)
	}
	defer rows.Close()

	var out []*MappingVersion
	for rows.Next() {
		var m MappingVersion
		if err := rows.Scan(&m.ID, &m.VersionedObjectID, &m.RepositoryID, &m.RepositoryURI, &m.Mnemonic,
			&m.Version, &m.IsLatestVersion, &m.MapType, &m.Retired, &m.ExternalID, &m.SortWeight, &m.Extras,
			&m.FromConceptID, &m.FromConceptVersionedObjectID, &m.FromConceptCode, &m.FromConceptName,
			&m.FromSourceURL, &m.FromSourceVersion, &m.ToConceptID, &m.ToConceptCode, &m.ToConceptName,
			&m.ToSourceURL, &m.ToSourceVersion, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *storePG) MembersOf(ctx context.Context, containerID uuid.UUID) (*MemberSet, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT resource_kind, resource_id FROM members WHERE container_id = $1`, containerID)
	if err != nil {
		return nil, fmt.Errorf("members of %s: %w", containerID, err)
	}
	defer rows.Close()

	out := NewMemberSet()
	for rows.Next() {
		var kind string
		var id uuid.UUID
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if kind == memberMapping {
			out.Mappings[id] = struct{}{}
		} else {
			out.Concepts[id] = struct{}{}
		}
	}
	return out, rows.Err()
}

func (s *storePG) SetDefaultExpansion(ctx context.Context, versionID uuid.UUID, expansionID *uuid.UUID, expansionURI string) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE repository_versions SET default_expansion_id = $2, expansion_uri = NULLIF($3, '') WHERE id = $1`,
		versionID, expansionID, expansionURI)
	if err != nil {
		return fmt.Errorf("set default expansion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repository version %s: %w", versionID, ErrNotFound)
	}
	return nil
}

// ApplyMembers writes both halves of the delta in one transaction.
func (s *storePG) ApplyMembers(ctx context.Context, containerID uuid.UUID, add, remove *MemberSet) error {
	return db.InTx(ctx, s.pool, func(ctx context.Context) error {
		q := s.conn(ctx)
		if add != nil {
			for kind, ids := range map[string]IDSet{memberConcept: add.Concepts, memberMapping: add.Mappings} {
				if len(ids) == 0 {
					continue
				}
				if _, err := q.Exec(ctx,
					`INSERT INTO members (container_id, resource_kind, resource_id)
					 SELECT $1, $2, unnest($3::uuid[]) ON CONFLICT DO NOTHING`,
					containerID, kind, ids.Slice()); err != nil {
					return fmt.Errorf("add %s members: %w", kind, err)
				}
			}
		}
		if remove != nil {
			for kind, ids := range map[string]IDSet{memberConcept: remove.Concepts, memberMapping: remove.Mappings} {
				if len(ids) == 0 {
					continue
				}
				if _, err := q.Exec(ctx,
					`DELETE FROM members WHERE container_id = $1 AND resource_kind = $2 AND resource_id = ANY($3)`,
					containerID, kind, ids.Slice()); err != nil {
					return fmt.Errorf("remove %s members: %w", kind, err)
				}
			}
		}
		return nil
	})
}

func (s *storePG) ClearMembers(ctx context.Context, containerID uuid.UUID) error {
	if _, err := s.conn(ctx).Exec(ctx, `DELETE FROM members WHERE container_id = $1`, containerID); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	return nil
}
