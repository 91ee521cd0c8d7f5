package mongodb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories"
)

type inviteRepository struct {
	collection[models.Invite]
	db *mongo.Database
}

// NewInviteRepository creates an invitation repository on db.
func NewInviteRepository(db *mongo.Database) repositories.InviteRepository {
	return &inviteRepository{
		collection: newCollection(db, repositories.CollectionInvitations, repositories.PrepareInvite),
		db:         db,
	}
}

func (r *inviteRepository) Expand(ctx context.Context, inviteID uuid.UUID) (*models.InviteExpand, error) {
	items, err := aggregate[models.InviteExpand](ctx, r.db, repositories.InviteExpandPipeline(inviteID))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *inviteRepository) FindPending(ctx context.Context, projectID, userID uuid.UUID) (*models.Invite, error) {
	return r.findOne(ctx, repositories.PendingInviteFilter(projectID, userID))
}

func (r *inviteRepository) ListForUser(ctx context.Context, userID uuid.UUID, asOf time.Time, page models.PageOptions) (*models.DataList[models.InvitePreview], error) {
	total, err := r.Count(ctx, repositories.UserInvitesFilter(userID, asOf))
	if err != nil {
		return nil, err
	}

	items, err := aggregate[models.InvitePreview](ctx, r.db, repositories.UserInvitesPipeline(userID, asOf, page))
	if err != nil {
		return nil, err
	}

	return models.NewDataList(total, page.Limit, items), nil
}

var _ repositories.InviteRepository = (*inviteRepository)(nil)
