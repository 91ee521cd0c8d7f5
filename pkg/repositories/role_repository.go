package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-members/pkg/database"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
)

// RoleRepository defines the interface for role data access.
// Role names are unique within a project.
type RoleRepository interface {
	CRUD[models.Role]

	// ListByProject returns every role of projectID, oldest first.
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Role, error)

	// Delete removes the role. Returns apperrors.ErrNotFound when absent.
	Delete(ctx context.Context, id uuid.UUID) error
}

// roleRepository implements RoleRepository using PostgreSQL.
type roleRepository struct {
	pgTable[models.Role]
}

var roleColumns = []string{"id", "project_id", "name", "permissions", "created_at"}

// NewRoleRepository creates a new role repository.
func NewRoleRepository() RoleRepository {
	return &roleRepository{
		pgTable: pgTable[models.Role]{
			name:    CollectionRoles,
			columns: roleColumns,
			prepare: PrepareRole,
			values: func(r *models.Role) []any {
				return []any{r.ID, r.ProjectID, r.Name, permissionStrings(r.Permissions), r.CreatedAt}
			},
			scan: scanRole,
		},
	}
}

func scanRole(row pgx.Row) (*models.Role, error) {
	var r models.Role
	var perms []string
	if err := row.Scan(&r.ID, &r.ProjectID, &r.Name, &perms, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Permissions = make([]models.Permission, len(perms))
	for i, p := range perms {
		r.Permissions[i] = models.Permission(p)
	}
	return &r, nil
}

func permissionStrings(perms []models.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func (r *roleRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Role, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id, project_id, name, permissions, created_at
		FROM project_roles
		WHERE project_id = $1
		ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	roles := make([]*models.Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating roles: %w", err)
	}
	return roles, nil
}

func (r *roleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.deleteByID(ctx, id)
}

// Ensure roleRepository implements RoleRepository at compile time.
var _ RoleRepository = (*roleRepository)(nil)
