package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-members/pkg/database"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
)

// MemberRepository defines the interface for membership data access.
type MemberRepository interface {
	CRUD[models.Member]

	// Delete removes the membership. Returns apperrors.ErrNotFound when absent.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListByProject returns one page of projectID's members with their roles.
	ListByProject(ctx context.Context, projectID uuid.UUID, page models.PageOptions) (*models.DataList[models.MemberView], error)

	// ListUserIDs returns the user IDs holding a membership in projectID.
	ListUserIDs(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error)
}

// memberRepository implements MemberRepository using PostgreSQL.
type memberRepository struct {
	pgTable[models.Member]
}

// NewMemberRepository creates a new membership repository.
func NewMemberRepository() MemberRepository {
	return &memberRepository{
		pgTable: pgTable[models.Member]{
			name:    CollectionMembers,
			columns: []string{"id", "project_id", "user_id", "status", "role_id", "created_at"},
			prepare: PrepareMember,
			values: func(m *models.Member) []any {
				return []any{m.ID, m.ProjectID, m.UserID, string(m.Status), m.RoleID, m.CreatedAt}
			},
			scan: func(row pgx.Row) (*models.Member, error) {
				var m models.Member
				var status string
				if err := row.Scan(&m.ID, &m.ProjectID, &m.UserID, &status, &m.RoleID, &m.CreatedAt); err != nil {
					return nil, err
				}
				m.Status = models.MemberStatus(status)
				return &m, nil
			},
		},
	}
}

func (r *memberRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.deleteByID(ctx, id)
}

func (r *memberRepository) ListByProject(ctx context.Context, projectID uuid.UUID, page models.PageOptions) (*models.DataList[models.MemberView], error) {
	total, err := r.Count(ctx, ProjectMembersFilter(projectID))
	if err != nil {
		return nil, err
	}

	items, err := runPipeline[models.MemberView](ctx, ProjectMembersPipeline(projectID, page))
	if err != nil {
		return nil, err
	}

	return models.NewDataList(total, page.Limit, items), nil
}

func (r *memberRepository) ListUserIDs(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	q, err := database.QuerierFrom(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT user_id
		FROM project_members
		WHERE project_id = $1
		ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list member user ids: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan member user ids: %w", err)
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return ids, nil
}

// Ensure memberRepository implements MemberRepository at compile time.
var _ MemberRepository = (*memberRepository)(nil)
