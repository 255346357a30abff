package reference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocl/ocl/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const uniqueViolation = "23505"

const refCols = `id, repository_version_id, COALESCE(expression,''), COALESCE(namespace,''),
	COALESCE(system,''), COALESCE(version,''), COALESCE(code,''), COALESCE(resource_version,''),
	valueset, filter, cascade, reference_type, COALESCE(transform,''), COALESCE(display,''),
	include, COALESCE(translation,''), last_resolved_at, created_at`

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Postgres-backed Repository.
func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func scanReference(row pgx.Row) (*Reference, error) {
	var ref Reference
	var kind string
	err := row.Scan(&ref.ID, &ref.RepositoryVersionID, &ref.Expression, &ref.Namespace,
		&ref.System, &ref.Version, &ref.Code, &ref.ResourceVersion,
		&ref.Valueset, &ref.Filter, &ref.Cascade, &kind, &ref.Transform, &ref.Display,
		&ref.Include, &ref.Translation, &ref.LastResolvedAt, &ref.CreatedAt)
	ref.Kind = Kind(kind)
	return &ref, err
}

func (r *repoPG) Create(ctx context.Context, ref *Reference) error {
	if ref.ID == uuid.Nil {
		ref.ID = uuid.New()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO collection_references (id, repository_version_id, expression, namespace, system, version,
		    code, resource_version, valueset, filter, cascade, reference_type, transform, display, include,
		    translation, identity, last_resolved_at, created_at)
		 VALUES ($1, $2, NULLIF($3,''), NULLIF($4,''), NULLIF($5,''), NULLIF($6,''), NULLIF($7,''), NULLIF($8,''),
		    $9, $10, $11, $12, NULLIF($13,''), NULLIF($14,''), $15, $16, $17, $18, $19)`,
		ref.ID, ref.RepositoryVersionID, ref.Expression, ref.Namespace, ref.System, ref.Version,
		ref.Code, ref.ResourceVersion, ref.Valueset, ref.Filter, ref.Cascade, string(ref.Kind), ref.Transform,
		ref.Display, ref.Include, ref.Translation, ref.Identity(), ref.LastResolvedAt, ref.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w", ref.ResolvedTarget(), ErrDuplicateReference)
		}
		return fmt.Errorf("create reference: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Reference, error) {
	ref, err := scanReference(r.conn(ctx).QueryRow(ctx,
		`SELECT `+refCols+` FROM collection_references WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reference %s: %w", id, ErrReferenceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reference: %w", err)
	}
	return ref, nil
}

func (r *repoPG) ListByVersion(ctx context.Context, versionID uuid.UUID) ([]*Reference, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+refCols+` FROM collection_references
		 WHERE repository_version_id = $1 ORDER BY created_at, id`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer rows.Close()

	var out []*Reference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (r *repoPG) Delete(ctx context.Context, versionID uuid.UUID, ids []uuid.UUID) ([]*Reference, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`DELETE FROM collection_references WHERE repository_version_id = $1 AND id = ANY($2)
		 RETURNING `+refCols, versionID, ids)
	if err != nil {
		return nil, fmt.Errorf("delete references: %w", err)
	}
	defer rows.Close()

	var out []*Reference
	for rows.Next() {
		ref, err := scanReference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
