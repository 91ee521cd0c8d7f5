package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/database"
	"github.com/ekaya-inc/ekaya-members/pkg/query"
)

// Collection names shared by the PostgreSQL tables and MongoDB collections.
const (
	CollectionProjects    = "projects"
	CollectionMembers     = "project_members"
	CollectionRoles       = "project_roles"
	CollectionInvitations = "project_member_invitations"
)

// CRUD is the storage port every entity repository provides.
type CRUD[T any] interface {
	// Create inserts entity, assigning an ID and CreatedAt when unset.
	// Returns apperrors.ErrConflict on a unique constraint violation.
	Create(ctx context.Context, entity *T) error
	// GetByID returns apperrors.ErrNotFound when no record has the id.
	GetByID(ctx context.Context, id uuid.UUID) (*T, error)
	// UpdateByID applies update atomically to the record with the id when
	// guard also holds. Returns apperrors.ErrNotFound when nothing matched.
	UpdateByID(ctx context.Context, id uuid.UUID, update query.Update, guard query.Filter) error
	// Count returns the number of records matching filter.
	Count(ctx context.Context, filter query.Filter) (int64, error)
}

// pgTable implements CRUD over one PostgreSQL table.
type pgTable[T any] struct {
	name    string
	columns []string
	// prepare fills generated fields before insert.
	prepare func(*T)
	// values returns the column values of an entity in columns order.
	values func(*T) []any
	// scan reads one row selected with columns.
	scan func(pgx.Row) (*T, error)
}

func (t *pgTable[T]) Create(ctx context.Context, entity *T) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}

	if t.prepare != nil {
		t.prepare(entity)
	}

	placeholders := make([]string, len(t.columns))
	for i := range t.columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.name, strings.Join(t.columns, ", "), strings.Join(placeholders, ", "))

	if _, err := q.Exec(ctx, sql, t.values(entity)...); err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to insert into %s: %w", t.name, err)
	}
	return nil
}

func (t *pgTable[T]) GetByID(ctx context.Context, id uuid.UUID) (*T, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	sql := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", strings.Join(t.columns, ", "), t.name)
	entity, err := t.scan(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get from %s: %w", t.name, err)
	}
	return entity, nil
}

func (t *pgTable[T]) UpdateByID(ctx context.Context, id uuid.UUID, update query.Update, guard query.Filter) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}

	sql, args, err := query.UpdateSQL(t.name, id, update, guard)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to update %s: %w", t.name, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (t *pgTable[T]) Count(ctx context.Context, filter query.Filter) (int64, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return 0, err
	}

	sql, args := query.CountSQL(t.name, filter)
	var n int64
	if err := q.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", t.name, err)
	}
	return n, nil
}

// findOne returns a record matching filter, or nil when there is none.
func (t *pgTable[T]) findOne(ctx context.Context, filter query.Filter) (*T, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	sql, args := query.SelectSQL(t.name, t.columns, filter)
	entity, err := t.scan(q.QueryRow(ctx, sql+" LIMIT 1", args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find in %s: %w", t.name, err)
	}
	return entity, nil
}

// deleteByID removes the record with the id.
func (t *pgTable[T]) deleteByID(ctx context.Context, id uuid.UUID) error {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", t.name), id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", t.name, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// runPipeline renders p for PostgreSQL and decodes each resulting document
// into R.
func runPipeline[R any](ctx context.Context, p *query.Pipeline) ([]R, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	sql, args, err := p.SQL()
	if err != nil {
		return nil, fmt.Errorf("failed to render %s pipeline: %w", p.Collection, err)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s pipeline: %w", p.Collection, err)
	}
	defer rows.Close()

	var out []R
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan %s document: %w", p.Collection, err)
		}
		var item R
		if err := json.Unmarshal(doc, &item); err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", p.Collection, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s pipeline: %w", p.Collection, err)
	}
	return out, nil
}
