package mongodb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/query"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories"
)

type projectRepository struct {
	collection[models.Project]
	db *mongo.Database
}

// NewProjectRepository creates a project repository on db.
func NewProjectRepository(db *mongo.Database) repositories.ProjectRepository {
	return &projectRepository{
		collection: newCollection(db, repositories.CollectionProjects, repositories.PrepareProject),
		db:         db,
	}
}

func (r *projectRepository) ListForUser(ctx context.Context, userID uuid.UUID, page models.PageOptions) (*models.DataList[models.ProjectPreview], error) {
	total, err := r.Count(ctx, repositories.UserProjectsFilter(userID))
	if err != nil {
		return nil, err
	}

	items, err := aggregate[models.ProjectPreview](ctx, r.db, repositories.UserProjectsPipeline(userID, page))
	if err != nil {
		return nil, err
	}

	return models.NewDataList(total, page.Limit, items), nil
}

func (r *projectRepository) FindProjectMember(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, error) {
	items, err := aggregate[models.ProjectMember](ctx, r.db, repositories.ProjectMemberPipeline(projectID, userID))
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

func (r *projectRepository) updateMembers(ctx context.Context, projectID uuid.UUID, m query.Mutation) error {
	err := r.UpdateByID(ctx, projectID, query.Apply(m), nil)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("failed to update members of project %s: %w", projectID, err)
	}
	return nil
}

var _ repositories.ProjectRepository = (*projectRepository)(nil)
