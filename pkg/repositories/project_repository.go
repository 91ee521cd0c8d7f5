package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/query"
)

// ProjectRepository defines the interface for project data access.
type ProjectRepository interface {
	CRUD[models.Project]

	// ListForUser returns one page of the projects whose members index
	// holds userID, each with the user's membership and role. Total counts
	// the index entries, so a page can hold fewer items than the index
	// promises when it has drifted from the membership records.
	ListForUser(ctx context.Context, userID uuid.UUID, page models.PageOptions) (*models.DataList[models.ProjectPreview], error)

	// FindProjectMember returns userID's membership in projectID with its
	// role permissions, or nil when the user is not a member.
	FindProjectMember(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, error)

	// AddMember inserts userID into the project's members index.
	// Adding a present user is a no-op.
	AddMember(ctx context.Context, projectID, userID uuid.UUID) error

	// RemoveMember removes userID from the project's members index.
	// Removing an absent user is a no-op.
	RemoveMember(ctx context.Context, projectID, userID uuid.UUID) error
}

// projectRepository implements ProjectRepository using PostgreSQL.
type projectRepository struct {
	pgTable[models.Project]
}

// NewProjectRepository creates a new project repository.
func NewProjectRepository() ProjectRepository {
	return &projectRepository{
		pgTable: pgTable[models.Project]{
			name:    CollectionProjects,
			columns: []string{"id", "name", "description", "members", "created_at"},
			prepare: PrepareProject,
			values: func(p *models.Project) []any {
				return []any{p.ID, p.Name, p.Description, p.Members, p.CreatedAt}
			},
			scan: func(row pgx.Row) (*models.Project, error) {
				var p models.Project
				if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Members, &p.CreatedAt); err != nil {
					return nil, err
				}
				return &p, nil
			},
		},
	}
}

func (r *projectRepository) ListForUser(ctx context.Context, userID uuid.UUID, page models.PageOptions) (*models.DataList[models.ProjectPreview], error) {
	total, err := r.Count(ctx, UserProjectsFilter(userID))
	if err != nil {
		return nil, err
	}

	items, err := runPipeline[models.ProjectPreview](ctx, UserProjectsPipeline(userID, page))
	if err != nil {
		return nil, err
	}

	return models.NewDataList(total, page.Limit, items), nil
}

func (r *projectRepository) FindProjectMember(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, error) {
	items, err := runPipeline[models.ProjectMember](ctx, ProjectMemberPipeline(projectID, userID))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *projectRepository) AddMember(ctx context.Context, projectID, userID uuid.UUID) error {
	return r.updateMembers(ctx, projectID, query.AddToSet("members", userID))
}

func (r *projectRepository) RemoveMember(ctx context.Context, projectID, userID uuid.UUID) error {
	return r.updateMembers(ctx, projectID, query.Pull("members", userID))
}

// updateMembers applies m to the members index. A missing project is not an
// error: the index of a deleted project needs no maintenance.
func (r *projectRepository) updateMembers(ctx context.Context, projectID uuid.UUID, m query.Mutation) error {
	err := r.UpdateByID(ctx, projectID, query.Apply(m), nil)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("failed to update members of project %s: %w", projectID, err)
	}
	return nil
}

// Ensure projectRepository implements ProjectRepository at compile time.
var _ ProjectRepository = (*projectRepository)(nil)
