package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-members/pkg/models"
)

// InviteRepository defines the interface for invitation data access.
// At most one NEW invite exists per (project, user) pair; a second one is
// rejected with apperrors.ErrConflict.
type InviteRepository interface {
	CRUD[models.Invite]

	// Expand returns the invite with its project and role names, or nil when
	// the invite, its project or its role does not exist.
	Expand(ctx context.Context, inviteID uuid.UUID) (*models.InviteExpand, error)

	// FindPending returns the NEW invite of userID to projectID, or nil when
	// there is none. The invite may be past its expiry.
	FindPending(ctx context.Context, projectID, userID uuid.UUID) (*models.Invite, error)

	// ListForUser returns one page of the invites addressed to userID that
	// are NEW and unexpired at asOf.
	ListForUser(ctx context.Context, userID uuid.UUID, asOf time.Time, page models.PageOptions) (*models.DataList[models.InvitePreview], error)
}

// inviteRepository implements InviteRepository using PostgreSQL.
type inviteRepository struct {
	pgTable[models.Invite]
}

// NewInviteRepository creates a new invitation repository.
func NewInviteRepository() InviteRepository {
	return &inviteRepository{
		pgTable: pgTable[models.Invite]{
			name:    CollectionInvitations,
			columns: []string{"id", "user_id", "project_id", "role_id", "status", "expires_at", "created_at"},
			prepare: PrepareInvite,
			values: func(i *models.Invite) []any {
				return []any{i.ID, i.UserID, i.ProjectID, i.RoleID, string(i.Status), i.ExpiresAt, i.CreatedAt}
			},
			scan: func(row pgx.Row) (*models.Invite, error) {
				var i models.Invite
				var status string
				if err := row.Scan(&i.ID, &i.UserID, &i.ProjectID, &i.RoleID, &status, &i.ExpiresAt, &i.CreatedAt); err != nil {
					return nil, err
				}
				i.Status = models.InviteStatus(status)
				return &i, nil
			},
		},
	}
}

func (r *inviteRepository) Expand(ctx context.Context, inviteID uuid.UUID) (*models.InviteExpand, error) {
	items, err := runPipeline[models.InviteExpand](ctx, InviteExpandPipeline(inviteID))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *inviteRepository) FindPending(ctx context.Context, projectID, userID uuid.UUID) (*models.Invite, error) {
	return r.findOne(ctx, PendingInviteFilter(projectID, userID))
}

func (r *inviteRepository) ListForUser(ctx context.Context, userID uuid.UUID, asOf time.Time, page models.PageOptions) (*models.DataList[models.InvitePreview], error) {
	total, err := r.Count(ctx, UserInvitesFilter(userID, asOf))
	if err != nil {
		return nil, err
	}

	items, err := runPipeline[models.InvitePreview](ctx, UserInvitesPipeline(userID, asOf, page))
	if err != nil {
		return nil, err
	}

	return models.NewDataList(total, page.Limit, items), nil
}

// Ensure inviteRepository implements InviteRepository at compile time.
var _ InviteRepository = (*inviteRepository)(nil)
