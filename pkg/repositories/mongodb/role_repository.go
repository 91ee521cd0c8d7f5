package mongodb

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories"
)

type roleRepository struct {
	collection[models.Role]
}

// NewRoleRepository creates a role repository on db.
func NewRoleRepository(db *mongo.Database) repositories.RoleRepository {
	return &roleRepository{
		collection: newCollection(db, repositories.CollectionRoles, repositories.PrepareRole),
	}
}

func (r *roleRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*models.Role, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := r.coll.Find(ctx, bson.D{{Key: "project_id", Value: projectID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}

	roles := make([]*models.Role, 0)
	if err := cursor.All(ctx, &roles); err != nil {
		return nil, fmt.Errorf("failed to decode roles: %w", err)
	}
	return roles, nil
}

func (r *roleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.deleteByID(ctx, id)
}

var _ repositories.RoleRepository = (*roleRepository)(nil)
