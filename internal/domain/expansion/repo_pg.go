package expansion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocl/ocl/internal/domain/terminology"
	"github.com/ocl/ocl/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const uniqueViolation = "23505"

const expansionCols = `id, repository_version_id, mnemonic, uri, parameters, is_processing,
	COALESCE(checksum,''), created_at, updated_at`

type repoPG struct {
	pool    *pgxpool.Pool
	members terminology.MembershipWriter
}

// NewRepoPG returns a Postgres-backed Repository. members must write to the
// same database so that ApplyDelta commits in one transaction.
func NewRepoPG(pool *pgxpool.Pool, members terminology.MembershipWriter) Repository {
	return &repoPG{pool: pool, members: members}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func scanExpansion(row pgx.Row) (*Expansion, error) {
	var e Expansion
	err := row.Scan(&e.ID, &e.RepositoryVersionID, &e.Mnemonic, &e.URI, &e.Parameters,
		&e.IsProcessing, &e.Checksum, &e.CreatedAt, &e.UpdatedAt)
	return &e, err
}

func notFound(id uuid.UUID) error {
	return fmt.Errorf("expansion %s: %w", id, ErrExpansionNotFound)
}

func (r *repoPG) Create(ctx context.Context, e *Expansion) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO expansions (id, repository_version_id, mnemonic, uri, parameters, is_processing,
		    checksum, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7,''), $8, $9)`,
		e.ID, e.RepositoryVersionID, e.Mnemonic, e.URI, e.Parameters, e.IsProcessing,
		e.Checksum, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%s: %w", e.Mnemonic, ErrDuplicateExpansion)
		}
		return fmt.Errorf("create expansion: %w", err)
	}
	return nil
}

func (r *repoPG) Get(ctx context.Context, id uuid.UUID) (*Expansion, error) {
	e, err := scanExpansion(r.conn(ctx).QueryRow(ctx,
		`SELECT `+expansionCols+` FROM expansions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get expansion: %w", err)
	}
	return e, nil
}

func (r *repoPG) ListByVersion(ctx context.Context, versionID uuid.UUID) ([]*Expansion, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+expansionCols+` FROM expansions
		 WHERE repository_version_id = $1 ORDER BY created_at, id`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list expansions: %w", err)
	}
	defer rows.Close()

	var out []*Expansion
	for rows.Next() {
		e, err := scanExpansion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expansion: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM expansions WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete expansion: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return notFound(id)
		}
		return r.members.ClearMembers(ctx, id)
	})
}

func (r *repoPG) TryMarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE expansions SET is_processing = true, updated_at = $2
		 WHERE id = $1 AND NOT is_processing`, id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark expansion processing: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM expansions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("mark expansion processing: %w", err)
	}
	if !exists {
		return false, notFound(id)
	}
	return false, nil
}

func (r *repoPG) update(ctx context.Context, id uuid.UUID, set string, arg any) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE expansions SET `+set+` = $2, updated_at = $3 WHERE id = $1`, id, arg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update expansion %s: %w", set, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(id)
	}
	return nil
}

func (r *repoPG) ClearProcessing(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, id, "is_processing", false)
}

func (r *repoPG) SetChecksum(ctx context.Context, id uuid.UUID, checksum string) error {
	return r.update(ctx, id, "checksum", checksum)
}

// ApplyDelta locks the expansion row so a concurrent Delete either runs
// first, and the delta is dropped, or waits for the commit.
func (r *repoPG) ApplyDelta(ctx context.Context, id uuid.UUID, d Delta) error {
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		var locked uuid.UUID
		err := r.conn(ctx).QueryRow(ctx,
			`SELECT id FROM expansions WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound(id)
		}
		if err != nil {
			return fmt.Errorf("lock expansion: %w", err)
		}
		return r.members.ApplyMembers(ctx, id, d.Add, d.Remove)
	})
}
