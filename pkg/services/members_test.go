package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/database"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories"
)

func TestMemberService_CreateMembership(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()

	memberID, err := ts.members.CreateMembership(ctx, project.ID, userID, role.ID)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, memberID)

	member, err := ts.store.members.GetByID(ctx, memberID)
	require.NoError(t, err)
	assert.Equal(t, models.MemberStatusActive, member.Status)
	assert.Equal(t, role.ID, member.RoleID)
	assert.True(t, ts.store.projects.rows[project.ID].HasMember(userID))
	assert.Contains(t, ts.cache.invalidated, cacheKey(project.ID, userID))
}

func TestMemberService_CreateMembership_Duplicate(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()

	_, err := ts.members.CreateMembership(ctx, project.ID, userID, role.ID)
	require.NoError(t, err)

	_, err = ts.members.CreateMembership(ctx, project.ID, userID, role.ID)
	require.ErrorIs(t, err, apperrors.MemberExistsError)
	assert.Equal(t, apperrors.MsgAlreadyMember, err.Error())
	assert.Equal(t, 2, ts.store.members.creates, "only the owner and the first membership exist")
}

func TestMemberService_CreateMembership_ConflictOnInsert(t *testing.T) {
	ts := newTestServices()
	project, role := ts.seedProject("alpha")
	ts.store.members.createErr = apperrors.ErrConflict

	_, err := ts.members.CreateMembership(context.Background(), project.ID, uuid.New(), role.ID)
	require.ErrorIs(t, err, apperrors.MemberExistsError)
}

func TestMemberService_CreateMembership_RoleFromOtherProject(t *testing.T) {
	ts := newTestServices()
	project, _ := ts.seedProject("alpha")
	_, foreignRole := ts.seedProject("beta")

	_, err := ts.members.CreateMembership(context.Background(), project.ID, uuid.New(), foreignRole.ID)
	require.ErrorIs(t, err, apperrors.RoleNotExistsError)
}

func TestMemberService_CreateMembership_RetriesIndexUpdate(t *testing.T) {
	ts := newTestServices()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()
	ts.store.projects.addMemberCall = 0
	ts.store.projects.addMemberErrs = []error{errors.New("write tcp: connection reset by peer")}

	_, err := ts.members.CreateMembership(context.Background(), project.ID, userID, role.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, ts.store.projects.addMemberCall)
	assert.True(t, ts.store.projects.rows[project.ID].HasMember(userID))
}

func TestMemberService_CreateMembership_IndexFailure(t *testing.T) {
	ts := newTestServices()
	project, role := ts.seedProject("alpha")
	ts.store.projects.addMemberErrs = []error{errors.New("permission denied")}

	_, err := ts.members.CreateMembership(context.Background(), project.ID, uuid.New(), role.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestMemberService_BlockMember(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()
	memberID, err := ts.members.CreateMembership(ctx, project.ID, userID, role.ID)
	require.NoError(t, err)

	require.NoError(t, ts.members.BlockMember(ctx, project.ID, memberID))
	assert.Equal(t, models.MemberStatusBlocked, ts.store.members.rows[memberID].Status)

	err = ts.members.BlockMember(ctx, project.ID, memberID)
	require.ErrorIs(t, err, apperrors.BlockingNonParticipantError)
	assert.Equal(t, models.MemberStatusBlocked, ts.store.members.rows[memberID].Status)

	pm, err := ts.members.FindProjectMember(ctx, project.ID, userID)
	require.NoError(t, err)
	require.NotNil(t, pm)
	assert.Empty(t, pm.Member.Permissions(), "a blocked member has no permissions")
}

func TestMemberService_BlockMember_Missing(t *testing.T) {
	ts := newTestServices()
	project, _ := ts.seedProject("alpha")

	err := ts.members.BlockMember(context.Background(), project.ID, uuid.New())
	require.ErrorIs(t, err, apperrors.MemberNotExistsError)
}

func TestMemberService_BlockMember_OtherProject(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	other, _ := ts.seedProject("beta")
	memberID, err := ts.members.CreateMembership(ctx, project.ID, uuid.New(), role.ID)
	require.NoError(t, err)

	err = ts.members.BlockMember(ctx, other.ID, memberID)
	require.ErrorIs(t, err, apperrors.MemberNotExistsError)
	assert.Equal(t, models.MemberStatusActive, ts.store.members.rows[memberID].Status)
}

func TestMemberService_UnblockMember(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	memberID, err := ts.members.CreateMembership(ctx, project.ID, uuid.New(), role.ID)
	require.NoError(t, err)

	err = ts.members.UnblockMember(ctx, project.ID, memberID)
	require.ErrorIs(t, err, apperrors.InvalidMemberStatusError)

	require.NoError(t, ts.members.BlockMember(ctx, project.ID, memberID))
	require.NoError(t, ts.members.UnblockMember(ctx, project.ID, memberID))
	assert.Equal(t, models.MemberStatusActive, ts.store.members.rows[memberID].Status)
}

func TestMemberService_BlockMember_LostRace(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	memberID, err := ts.members.CreateMembership(ctx, project.ID, uuid.New(), role.ID)
	require.NoError(t, err)

	// The guarded update matches nothing when another writer got there first.
	ts.store.members.updateErr = apperrors.ErrNotFound

	err = ts.members.BlockMember(ctx, project.ID, memberID)
	require.ErrorIs(t, err, apperrors.BlockingNonParticipantError)
}

func TestMemberService_ChangeMemberRole(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, memberRole := ts.seedProject("alpha")
	userID := uuid.New()
	memberID, err := ts.members.CreateMembership(ctx, project.ID, userID, memberRole.ID)
	require.NoError(t, err)
	require.NoError(t, ts.members.BlockMember(ctx, project.ID, memberID))

	editor, err := ts.roles.CreateRole(ctx, project.ID, CreateRoleInput{
		Name:        "Editor",
		Permissions: []models.Permission{models.PermissionProjectRead, models.PermissionProjectUpdate},
	})
	require.NoError(t, err)

	require.NoError(t, ts.members.ChangeMemberRole(ctx, project.ID, memberID, editor.ID))
	member := ts.store.members.rows[memberID]
	assert.Equal(t, editor.ID, member.RoleID)
	assert.Equal(t, models.MemberStatusBlocked, member.Status, "status is kept")
	assert.Contains(t, ts.cache.invalidated, cacheKey(project.ID, userID))
}

func TestMemberService_ChangeMemberRole_Errors(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	_, foreignRole := ts.seedProject("beta")
	memberID, err := ts.members.CreateMembership(ctx, project.ID, uuid.New(), role.ID)
	require.NoError(t, err)

	err = ts.members.ChangeMemberRole(ctx, project.ID, uuid.New(), role.ID)
	require.ErrorIs(t, err, apperrors.MemberNotExistsError)

	err = ts.members.ChangeMemberRole(ctx, project.ID, memberID, foreignRole.ID)
	require.ErrorIs(t, err, apperrors.RoleNotExistsError)
	assert.Equal(t, role.ID, ts.store.members.rows[memberID].RoleID)
}

func TestMemberService_RemoveMember(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()
	memberID, err := ts.members.CreateMembership(ctx, project.ID, userID, role.ID)
	require.NoError(t, err)

	require.NoError(t, ts.members.RemoveMember(ctx, project.ID, memberID))
	_, exists := ts.store.members.rows[memberID]
	assert.False(t, exists)
	assert.False(t, ts.store.projects.rows[project.ID].HasMember(userID))

	pm, err := ts.members.FindProjectMember(ctx, project.ID, userID)
	require.NoError(t, err)
	assert.Nil(t, pm)

	err = ts.members.RemoveMember(ctx, project.ID, memberID)
	require.ErrorIs(t, err, apperrors.MemberNotExistsError)
}

func TestMemberService_ListMembers(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	for i := 0; i < 4; i++ {
		_, err := ts.members.CreateMembership(ctx, project.ID, uuid.New(), role.ID)
		require.NoError(t, err)
	}

	list, err := ts.members.ListMembers(ctx, project.ID, models.PageOptions{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), list.Total)
	assert.Equal(t, int64(3), list.PageCount)
	assert.Len(t, list.Items, 2)
	for _, item := range list.Items {
		assert.NotNil(t, item.Role)
	}

	last, err := ts.members.ListMembers(ctx, project.ID, models.PageOptions{Page: 3, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, last.Items, 1)
}

func TestMemberService_FindProjectMember_NonMember(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, _ := ts.seedProject("alpha")

	pm, err := ts.members.FindProjectMember(ctx, project.ID, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, pm)

	pm, err = ts.members.FindProjectMember(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, pm)
}

func TestMemberService_FindProjectMember_UsesCache(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()
	_, err := ts.members.CreateMembership(ctx, project.ID, userID, role.ID)
	require.NoError(t, err)

	first, err := ts.members.FindProjectMember(ctx, project.ID, userID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 0, ts.cache.hits)

	// A repository failure is invisible while the entry is cached.
	ts.store.projects.getErr = errors.New("database down")
	second, err := ts.members.FindProjectMember(ctx, project.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, ts.cache.hits)
}

func TestMemberService_FindProjectMember_CacheErrorFallsThrough(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()
	_, err := ts.members.CreateMembership(ctx, project.ID, userID, role.ID)
	require.NoError(t, err)
	ts.cache.getErr = errors.New("redis unavailable")

	pm, err := ts.members.FindProjectMember(ctx, project.ID, userID)
	require.NoError(t, err)
	require.NotNil(t, pm)
	assert.Equal(t, userID, pm.Member.UserID)
}

func TestMemberService_FindProjectMember_IgnoresForeignRole(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	_, foreignRole := ts.seedProject("beta")
	userID := uuid.New()
	memberID, err := ts.members.CreateMembership(ctx, project.ID, userID, role.ID)
	require.NoError(t, err)

	// Point the membership at another project's role behind the service's back.
	ts.store.members.rows[memberID].RoleID = foreignRole.ID

	pm, err := ts.members.FindProjectMember(ctx, project.ID, userID)
	require.NoError(t, err)
	require.NotNil(t, pm)
	assert.Nil(t, pm.Member.Role)
	assert.Empty(t, pm.Member.Permissions())
}

// lookupRaceRepository runs during once, after the database read of a
// member lookup and before the lookup returns.
type lookupRaceRepository struct {
	repositories.ProjectRepository
	during func()
}

func (r *lookupRaceRepository) FindProjectMember(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, error) {
	pm, err := r.ProjectRepository.FindProjectMember(ctx, projectID, userID)
	if during := r.during; during != nil {
		r.during = nil
		during()
	}
	return pm, err
}

func TestMemberService_FindProjectMember_OvertakenReadNotCached(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()
	memberID, err := ts.members.CreateMembership(ctx, project.ID, userID, role.ID)
	require.NoError(t, err)

	racing := &lookupRaceRepository{ProjectRepository: ts.store.projects}
	racing.during = func() {
		require.NoError(t, ts.members.RemoveMember(ctx, project.ID, memberID))
	}
	reader := NewMemberService(racing, ts.store.members, ts.store.roles,
		database.WithCommitHooks(&mockTransactor{}), ts.cache, testPages, zap.NewNop())

	stale, err := reader.FindProjectMember(ctx, project.ID, userID)
	require.NoError(t, err)
	require.NotNil(t, stale, "the read happened before the removal")
	assert.Equal(t, 1, ts.cache.refused)

	pm, err := ts.members.FindProjectMember(ctx, project.ID, userID)
	require.NoError(t, err)
	assert.Nil(t, pm, "the removed member must not be served from cache")
}
