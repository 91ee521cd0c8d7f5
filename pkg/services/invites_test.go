package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
)

func TestInviteService_CreateInvite(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()

	inviteID, err := ts.invites.CreateInvite(ctx, userID, project.ID, role.ID)
	require.NoError(t, err)

	invite := ts.store.invites.rows[inviteID]
	require.NotNil(t, invite)
	assert.Equal(t, models.InviteStatusNew, invite.Status)
	assert.Nil(t, invite.ExpiresAt, "no ttl configured")
}

func TestInviteService_CreateInvite_AlreadyInvited(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()

	_, err := ts.invites.CreateInvite(ctx, userID, project.ID, role.ID)
	require.NoError(t, err)

	_, err = ts.invites.CreateInvite(ctx, userID, project.ID, role.ID)
	require.ErrorIs(t, err, apperrors.MemberExistsError)
	assert.Equal(t, apperrors.MsgAlreadyInvited, err.Error())
}

func TestInviteService_CreateInvite_AlreadyMember(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()
	_, err := ts.members.CreateMembership(ctx, project.ID, userID, role.ID)
	require.NoError(t, err)

	_, err = ts.invites.CreateInvite(ctx, userID, project.ID, role.ID)
	require.ErrorIs(t, err, apperrors.MemberExistsError)
	assert.Equal(t, apperrors.MsgAlreadyMember, err.Error())
}

func TestInviteService_CreateInvite_ConflictOnInsert(t *testing.T) {
	ts := newTestServices()
	project, role := ts.seedProject("alpha")
	ts.store.invites.createErr = apperrors.ErrConflict

	_, err := ts.invites.CreateInvite(context.Background(), uuid.New(), project.ID, role.ID)
	require.ErrorIs(t, err, apperrors.MemberExistsError)
	assert.Equal(t, apperrors.MsgAlreadyInvited, err.Error())
}

func TestInviteService_CreateInvite_MissingProjectOrRole(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, _ := ts.seedProject("alpha")
	_, foreignRole := ts.seedProject("beta")

	_, err := ts.invites.CreateInvite(ctx, uuid.New(), uuid.New(), foreignRole.ID)
	require.ErrorIs(t, err, apperrors.ProjectNotExistsError)

	_, err = ts.invites.CreateInvite(ctx, uuid.New(), project.ID, foreignRole.ID)
	require.ErrorIs(t, err, apperrors.RoleNotExistsError)
}

func TestInviteService_CreateInvite_AfterDeclineAllowed(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()

	first, err := ts.invites.CreateInvite(ctx, userID, project.ID, role.ID)
	require.NoError(t, err)
	require.NoError(t, ts.invites.DeclineInvite(ctx, first))

	second, err := ts.invites.CreateInvite(ctx, userID, project.ID, role.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, models.InviteStatusDeclined, ts.store.invites.rows[first].Status)
}

// newExpiringInviteService returns an invite service over ts whose invites
// live one hour and whose clock is *now.
func newExpiringInviteService(ts *testServices, now *time.Time) *inviteService {
	svc := NewInviteService(ts.store.invites, ts.store.projects, ts.store.members, ts.store.roles,
		ts.members, ts.tx, time.Hour, testPages, zap.NewNop()).(*inviteService)
	svc.now = func() time.Time { return *now }
	return svc
}

func TestInviteService_CreateInvite_ReplacesExpired(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := newExpiringInviteService(ts, &now)

	first, err := svc.CreateInvite(ctx, userID, project.ID, role.ID)
	require.NoError(t, err)

	now = now.Add(30 * time.Minute)
	_, err = svc.CreateInvite(ctx, userID, project.ID, role.ID)
	require.ErrorIs(t, err, apperrors.MemberExistsError, "still pending")
	assert.Equal(t, apperrors.MsgAlreadyInvited, err.Error())

	now = now.Add(48 * time.Hour)
	second, err := svc.CreateInvite(ctx, userID, project.ID, role.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, models.InviteStatusExpired, ts.store.invites.rows[first].Status)
	assert.Equal(t, models.InviteStatusNew, ts.store.invites.rows[second].Status)
}

func TestInviteService_ExpandInvite(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	inviteID, err := ts.invites.CreateInvite(ctx, uuid.New(), project.ID, role.ID)
	require.NoError(t, err)

	expand, err := ts.invites.ExpandInvite(ctx, inviteID)
	require.NoError(t, err)
	require.NotNil(t, expand)
	assert.Equal(t, inviteID, expand.ID)
	assert.Equal(t, models.NamedEntity{ID: project.ID, Name: "alpha"}, *expand.Project)
	assert.Equal(t, models.NamedEntity{ID: role.ID, Name: models.RoleNameMember}, *expand.Role)

	missing, err := ts.invites.ExpandInvite(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInviteService_AcceptInvite(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()
	inviteID, err := ts.invites.CreateInvite(ctx, userID, project.ID, role.ID)
	require.NoError(t, err)

	memberID, err := ts.invites.AcceptInvite(ctx, inviteID)
	require.NoError(t, err)

	member := ts.store.members.rows[memberID]
	require.NotNil(t, member)
	assert.Equal(t, userID, member.UserID)
	assert.Equal(t, role.ID, member.RoleID)
	assert.Equal(t, models.MemberStatusActive, member.Status)
	assert.True(t, ts.store.projects.rows[project.ID].HasMember(userID))
	assert.Equal(t, models.InviteStatusAccepted, ts.store.invites.rows[inviteID].Status)

	_, err = ts.invites.AcceptInvite(ctx, inviteID)
	require.ErrorIs(t, err, apperrors.InviteNotPendingError)
	assert.Len(t, ts.store.members.find(nil), 2, "the second accept creates nothing")
}

// nestingTransactor opens a new level for every call and reports how many
// are open.
type nestingTransactor struct {
	depth int
}

func (n *nestingTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	n.depth++
	defer func() { n.depth-- }()
	return fn(ctx)
}

func TestInviteService_AcceptInvite_InvalidatesAfterCommit(t *testing.T) {
	tx := &nestingTransactor{}
	ts := newTestServicesWith(tx)
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()
	inviteID, err := ts.invites.CreateInvite(ctx, userID, project.ID, role.ID)
	require.NoError(t, err)

	pm, err := ts.members.FindProjectMember(ctx, project.ID, userID)
	require.NoError(t, err)
	require.Nil(t, pm, "not a member yet")

	var openAtInvalidation []int
	ts.cache.onInvalidate = func() { openAtInvalidation = append(openAtInvalidation, tx.depth) }

	_, err = ts.invites.AcceptInvite(ctx, inviteID)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, openAtInvalidation, "invalidated once, after the outer commit")

	pm, err = ts.members.FindProjectMember(ctx, project.ID, userID)
	require.NoError(t, err)
	require.NotNil(t, pm)
	assert.Equal(t, userID, pm.Member.UserID)
}

func TestInviteService_AcceptInvite_Missing(t *testing.T) {
	ts := newTestServices()

	_, err := ts.invites.AcceptInvite(context.Background(), uuid.New())
	require.ErrorIs(t, err, apperrors.InviteNotExistsError)
}

func TestInviteService_AcceptInvite_MembershipFails(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()
	inviteID, err := ts.invites.CreateInvite(ctx, userID, project.ID, role.ID)
	require.NoError(t, err)

	// The user joined by another path after being invited.
	_, err = ts.members.CreateMembership(ctx, project.ID, userID, role.ID)
	require.NoError(t, err)

	_, err = ts.invites.AcceptInvite(ctx, inviteID)
	require.ErrorIs(t, err, apperrors.FailedAcceptInviteError)
	require.ErrorIs(t, err, apperrors.MemberExistsError, "the cause is kept")
	assert.Equal(t, models.InviteStatusNew, ts.store.invites.rows[inviteID].Status)
}

func TestInviteService_AcceptInvite_LostRace(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	inviteID, err := ts.invites.CreateInvite(ctx, uuid.New(), project.ID, role.ID)
	require.NoError(t, err)

	// Another request answers the invite between the read and the update.
	ts.store.invites.updateErr = apperrors.ErrNotFound

	_, err = ts.invites.AcceptInvite(ctx, inviteID)
	require.ErrorIs(t, err, apperrors.InviteNotPendingError)
}

func TestInviteService_AcceptInvite_Expired(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	userID := uuid.New()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := newExpiringInviteService(ts, &now)

	inviteID, err := svc.CreateInvite(ctx, userID, project.ID, role.ID)
	require.NoError(t, err)
	require.NotNil(t, ts.store.invites.rows[inviteID].ExpiresAt)
	assert.Equal(t, now.Add(time.Hour), *ts.store.invites.rows[inviteID].ExpiresAt)

	now = now.Add(2 * time.Hour)
	_, err = svc.AcceptInvite(ctx, inviteID)
	require.ErrorIs(t, err, apperrors.InviteExpiredError)
	assert.Equal(t, models.InviteStatusExpired, ts.store.invites.rows[inviteID].Status)
	assert.False(t, ts.store.projects.rows[project.ID].HasMember(userID))

	_, err = svc.AcceptInvite(ctx, inviteID)
	require.ErrorIs(t, err, apperrors.InviteNotPendingError)
}

func TestInviteService_DeclineInvite(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	project, role := ts.seedProject("alpha")
	inviteID, err := ts.invites.CreateInvite(ctx, uuid.New(), project.ID, role.ID)
	require.NoError(t, err)

	require.NoError(t, ts.invites.DeclineInvite(ctx, inviteID))
	assert.Equal(t, models.InviteStatusDeclined, ts.store.invites.rows[inviteID].Status)

	_, err = ts.invites.AcceptInvite(ctx, inviteID)
	require.ErrorIs(t, err, apperrors.InviteNotPendingError)

	err = ts.invites.DeclineInvite(ctx, inviteID)
	require.ErrorIs(t, err, apperrors.InviteNotPendingError)
}

func TestInviteService_ListUserInvites(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	userID := uuid.New()

	var declined uuid.UUID
	for i := 0; i < 3; i++ {
		project, role := ts.seedProject("p")
		id, err := ts.invites.CreateInvite(ctx, userID, project.ID, role.ID)
		require.NoError(t, err)
		declined = id
	}
	require.NoError(t, ts.invites.DeclineInvite(ctx, declined))

	list, err := ts.invites.ListUserInvites(ctx, userID, models.PageOptions{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), list.Total)
	assert.Equal(t, int64(1), list.PageCount)
	require.Len(t, list.Items, 2)
	for _, item := range list.Items {
		assert.NotEqual(t, declined, item.ID)
		assert.Equal(t, models.InviteStatusNew, item.Status)
		require.NotNil(t, item.Project)
		require.NotNil(t, item.Role)
	}

	other, err := ts.invites.ListUserInvites(ctx, uuid.New(), models.PageOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.Total)
	assert.Empty(t, other.Items)
}

func TestInviteService_ListUserInvites_SkipsExpired(t *testing.T) {
	ts := newTestServices()
	ctx := context.Background()
	userID := uuid.New()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := newExpiringInviteService(ts, &now)

	stale, staleRole := ts.seedProject("stale")
	_, err := svc.CreateInvite(ctx, userID, stale.ID, staleRole.ID)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	fresh, freshRole := ts.seedProject("fresh")
	freshID, err := svc.CreateInvite(ctx, userID, fresh.ID, freshRole.ID)
	require.NoError(t, err)

	list, err := svc.ListUserInvites(ctx, userID, models.PageOptions{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), list.Total)
	require.Len(t, list.Items, 1)
	assert.Equal(t, freshID, list.Items[0].ID)
}
