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

type memberRepository struct {
	collection[models.Member]
	db *mongo.Database
}

// NewMemberRepository creates a membership repository on db.
func NewMemberRepository(db *mongo.Database) repositories.MemberRepository {
	return &memberRepository{
		collection: newCollection(db, repositories.CollectionMembers, repositories.PrepareMember),
		db:         db,
	}
}

func (r *memberRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.deleteByID(ctx, id)
}

func (r *memberRepository) ListByProject(ctx context.Context, projectID uuid.UUID, page models.PageOptions) (*models.DataList[models.MemberView], error) {
	total, err := r.Count(ctx, repositories.ProjectMembersFilter(projectID))
	if err != nil {
		return nil, err
	}

	items, err := aggregate[models.MemberView](ctx, r.db, repositories.ProjectMembersPipeline(projectID, page))
	if err != nil {
		return nil, err
	}

	return models.NewDataList(total, page.Limit, items), nil
}

func (r *memberRepository) ListUserIDs(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.D{{Key: "user_id", Value: 1}})

	cursor, err := r.coll.Find(ctx, bson.D{{Key: "project_id", Value: projectID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list member user ids: %w", err)
	}

	var docs []struct {
		UserID uuid.UUID `bson:"user_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode member user ids: %w", err)
	}

	ids := make([]uuid.UUID, len(docs))
	for i, d := range docs {
		ids[i] = d.UserID
	}
	return ids, nil
}

var _ repositories.MemberRepository = (*memberRepository)(nil)
