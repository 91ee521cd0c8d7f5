// Package repotest holds the storage conformance suite run by the
// integration tests of every repository backend.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/query"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories"
)

// Backend is one storage implementation under test.
type Backend struct {
	Projects repositories.ProjectRepository
	Members  repositories.MemberRepository
	Roles    repositories.RoleRepository
	Invites  repositories.InviteRepository

	// Context returns the context repository calls run with.
	Context func(t *testing.T) context.Context
	// Reset empties every collection.
	Reset func(t *testing.T)
}

// Run executes the conformance suite against b. Each case starts from
// empty collections.
func Run(t *testing.T, b Backend) {
	cases := []struct {
		name string
		fn   func(t *testing.T, tc *testContext)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"UpdateByIDGuard", testUpdateByIDGuard},
		{"MemberPairUnique", testMemberPairUnique},
		{"AddRemoveMemberIdempotent", testAddRemoveMemberIdempotent},
		{"ListForUserPagination", testListForUserPagination},
		{"ListForUserDropsDrift", testListForUserDropsDrift},
		{"FindProjectMember", testFindProjectMember},
		{"FindProjectMemberForeignRole", testFindProjectMemberForeignRole},
		{"ListMembersByProject", testListMembersByProject},
		{"ListUserIDs", testListUserIDs},
		{"RolesByProject", testRolesByProject},
		{"OnePendingInvite", testOnePendingInvite},
		{"ExpandInvite", testExpandInvite},
		{"ListUserInvites", testListUserInvites},
		{"FindPendingInvite", testFindPendingInvite},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b.Reset(t)
			c.fn(t, &testContext{t: t, b: b, ctx: b.Context(t)})
		})
	}
}

// testContext holds the dependencies of one suite case.
type testContext struct {
	t   *testing.T
	b   Backend
	ctx context.Context
}

func (tc *testContext) createProject(name string, createdAt time.Time) *models.Project {
	tc.t.Helper()
	p := &models.Project{Name: name, Description: name + " description", CreatedAt: createdAt}
	require.NoError(tc.t, tc.b.Projects.Create(tc.ctx, p))
	return p
}

func (tc *testContext) createRole(projectID uuid.UUID, name string, perms ...models.Permission) *models.Role {
	tc.t.Helper()
	r := &models.Role{ProjectID: projectID, Name: name, Permissions: perms}
	require.NoError(tc.t, tc.b.Roles.Create(tc.ctx, r))
	return r
}

// join creates an ACTIVE membership and indexes it on the project.
func (tc *testContext) join(projectID, userID, roleID uuid.UUID) *models.Member {
	tc.t.Helper()
	m := &models.Member{ProjectID: projectID, UserID: userID, RoleID: roleID}
	require.NoError(tc.t, tc.b.Members.Create(tc.ctx, m))
	require.NoError(tc.t, tc.b.Projects.AddMember(tc.ctx, projectID, userID))
	return m
}

func (tc *testContext) createInvite(projectID, userID, roleID uuid.UUID) *models.Invite {
	tc.t.Helper()
	i := &models.Invite{ProjectID: projectID, UserID: userID, RoleID: roleID}
	require.NoError(tc.t, tc.b.Invites.Create(tc.ctx, i))
	return i
}

func baseTime() time.Time {
	return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
}

func testCreateAndGet(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	assert.NotEqual(t, uuid.Nil, p.ID)

	got, err := tc.b.Projects.GetByID(tc.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Description, got.Description)
	assert.True(t, p.CreatedAt.Equal(got.CreatedAt))
	assert.Empty(t, got.Members)

	_, err = tc.b.Projects.GetByID(tc.ctx, uuid.New())
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	role := tc.createRole(p.ID, "Owner", models.PermissionProjectRead, models.PermissionRoleManage)
	gotRole, err := tc.b.Roles.GetByID(tc.ctx, role.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, role.Permissions, gotRole.Permissions)

	member := tc.join(p.ID, uuid.New(), role.ID)
	gotMember, err := tc.b.Members.GetByID(tc.ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MemberStatusActive, gotMember.Status)
	assert.Equal(t, role.ID, gotMember.RoleID)

	expires := baseTime().Add(48 * time.Hour)
	invite := &models.Invite{ProjectID: p.ID, UserID: uuid.New(), RoleID: role.ID, ExpiresAt: &expires}
	require.NoError(t, tc.b.Invites.Create(tc.ctx, invite))
	gotInvite, err := tc.b.Invites.GetByID(tc.ctx, invite.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InviteStatusNew, gotInvite.Status)
	require.NotNil(t, gotInvite.ExpiresAt)
	assert.True(t, expires.Equal(*gotInvite.ExpiresAt))
}

func testUpdateByIDGuard(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	role := tc.createRole(p.ID, "Member", models.PermissionProjectRead)
	member := tc.join(p.ID, uuid.New(), role.ID)

	block := query.Apply(query.Set("status", string(models.MemberStatusBlocked)))
	activeOnly := query.Where(query.Eq("status", string(models.MemberStatusActive)))

	require.NoError(t, tc.b.Members.UpdateByID(tc.ctx, member.ID, block, activeOnly))
	err := tc.b.Members.UpdateByID(tc.ctx, member.ID, block, activeOnly)
	require.ErrorIs(t, err, apperrors.ErrNotFound, "guard no longer holds")

	got, err := tc.b.Members.GetByID(tc.ctx, member.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MemberStatusBlocked, got.Status)

	err = tc.b.Members.UpdateByID(tc.ctx, uuid.New(), block, nil)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	n, err := tc.b.Members.Count(tc.ctx, query.Where(query.Eq("status", string(models.MemberStatusBlocked))))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testMemberPairUnique(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	role := tc.createRole(p.ID, "Member", models.PermissionProjectRead)
	userID := uuid.New()
	tc.join(p.ID, userID, role.ID)

	err := tc.b.Members.Create(tc.ctx, &models.Member{ProjectID: p.ID, UserID: userID, RoleID: role.ID})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	err = tc.b.Roles.Create(tc.ctx, &models.Role{ProjectID: p.ID, Name: "Member"})
	require.ErrorIs(t, err, apperrors.ErrConflict, "role names are unique per project")
}

func testAddRemoveMemberIdempotent(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	userID := uuid.New()

	require.NoError(t, tc.b.Projects.AddMember(tc.ctx, p.ID, userID))
	require.NoError(t, tc.b.Projects.AddMember(tc.ctx, p.ID, userID))
	got, err := tc.b.Projects.GetByID(tc.ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{userID}, got.Members)

	require.NoError(t, tc.b.Projects.RemoveMember(tc.ctx, p.ID, userID))
	require.NoError(t, tc.b.Projects.RemoveMember(tc.ctx, p.ID, userID))
	got, err = tc.b.Projects.GetByID(tc.ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Members)

	// A missing project is not an error.
	require.NoError(t, tc.b.Projects.AddMember(tc.ctx, uuid.New(), userID))
	require.NoError(t, tc.b.Projects.RemoveMember(tc.ctx, uuid.New(), userID))
}

func testListForUserPagination(t *testing.T, tc *testContext) {
	userID := uuid.New()
	var created []uuid.UUID
	for i := 0; i < 15; i++ {
		p := tc.createProject("project", baseTime().Add(time.Duration(i)*time.Minute))
		role := tc.createRole(p.ID, "Member", models.PermissionProjectRead)
		tc.join(p.ID, userID, role.ID)
		created = append(created, p.ID)
	}
	// Another user's project stays out of the listing.
	other := tc.createProject("other", baseTime())
	otherRole := tc.createRole(other.ID, "Member")
	tc.join(other.ID, uuid.New(), otherRole.ID)

	first, err := tc.b.Projects.ListForUser(tc.ctx, userID, models.PageOptions{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(15), first.Total)
	assert.Equal(t, int64(2), first.PageCount)
	require.Len(t, first.Items, 10)

	second, err := tc.b.Projects.ListForUser(tc.ctx, userID, models.PageOptions{Page: 2, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(15), second.Total)
	require.Len(t, second.Items, 5)

	var listed []uuid.UUID
	for _, item := range append(first.Items, second.Items...) {
		listed = append(listed, item.ID)
		require.NotNil(t, item.Member)
		assert.Equal(t, models.MemberStatusActive, item.Member.Status)
		require.NotNil(t, item.Member.Role)
		assert.Equal(t, "Member", item.Member.Role.Name)
	}
	assert.Equal(t, created, listed, "ordered by creation time")

	beyond, err := tc.b.Projects.ListForUser(tc.ctx, userID, models.PageOptions{Page: 3, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(15), beyond.Total)
	assert.Empty(t, beyond.Items)
}

func testListForUserDropsDrift(t *testing.T, tc *testContext) {
	userID := uuid.New()
	p := tc.createProject("indexed only", baseTime())
	require.NoError(t, tc.b.Projects.AddMember(tc.ctx, p.ID, userID))

	list, err := tc.b.Projects.ListForUser(tc.ctx, userID, models.PageOptions{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), list.Total, "total counts index entries")
	assert.Empty(t, list.Items, "entries without a membership are dropped")
}

func testFindProjectMember(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	role := tc.createRole(p.ID, "Editor", models.PermissionProjectRead, models.PermissionProjectUpdate)
	userID := uuid.New()
	member := tc.join(p.ID, userID, role.ID)

	pm, err := tc.b.Projects.FindProjectMember(tc.ctx, p.ID, userID)
	require.NoError(t, err)
	require.NotNil(t, pm)
	assert.Equal(t, p.ID, pm.ProjectID)
	require.NotNil(t, pm.Member)
	assert.Equal(t, member.ID, pm.Member.ID)
	assert.Equal(t, userID, pm.Member.UserID)
	assert.Equal(t, models.MemberStatusActive, pm.Member.Status)
	require.NotNil(t, pm.Member.Role)
	assert.ElementsMatch(t, role.Permissions, pm.Member.Role.Permissions)

	none, err := tc.b.Projects.FindProjectMember(tc.ctx, p.ID, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, none, "non-members are not an error")

	none, err = tc.b.Projects.FindProjectMember(tc.ctx, uuid.New(), userID)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func testFindProjectMemberForeignRole(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	other := tc.createProject("beta", baseTime())
	foreign := tc.createRole(other.ID, "Owner", models.AllPermissions...)
	userID := uuid.New()
	tc.join(p.ID, userID, foreign.ID)

	pm, err := tc.b.Projects.FindProjectMember(tc.ctx, p.ID, userID)
	require.NoError(t, err)
	require.NotNil(t, pm, "the membership is still found")
	assert.Nil(t, pm.Member.Role, "a role of another project is never joined")
	assert.Empty(t, pm.Member.Permissions())
}

func testListMembersByProject(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	role := tc.createRole(p.ID, "Member", models.PermissionProjectRead)
	for i := 0; i < 3; i++ {
		tc.join(p.ID, uuid.New(), role.ID)
	}
	orphan := tc.join(p.ID, uuid.New(), uuid.New())

	list, err := tc.b.Members.ListByProject(tc.ctx, p.ID, models.PageOptions{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(4), list.Total)
	assert.Equal(t, int64(1), list.PageCount)
	require.Len(t, list.Items, 4)
	for _, item := range list.Items {
		if item.ID == orphan.ID {
			assert.Nil(t, item.Role, "a missing role is listed as none")
			continue
		}
		require.NotNil(t, item.Role)
		assert.Equal(t, role.ID, item.Role.ID)
	}

	page, err := tc.b.Members.ListByProject(tc.ctx, p.ID, models.PageOptions{Page: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.PageCount)
	assert.Len(t, page.Items, 1)
}

func testListUserIDs(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	role := tc.createRole(p.ID, "Member")
	a, b := uuid.New(), uuid.New()
	tc.join(p.ID, a, role.ID)
	tc.join(p.ID, b, role.ID)

	ids, err := tc.b.Members.ListUserIDs(tc.ctx, p.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, ids)

	ids, err = tc.b.Members.ListUserIDs(tc.ctx, uuid.New())
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func testRolesByProject(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	owner := tc.createRole(p.ID, "Owner", models.AllPermissions...)
	member := tc.createRole(p.ID, "Member", models.PermissionProjectRead)
	tc.createRole(tc.createProject("beta", baseTime()).ID, "Member")

	roles, err := tc.b.Roles.ListByProject(tc.ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.ElementsMatch(t, []uuid.UUID{owner.ID, member.ID}, []uuid.UUID{roles[0].ID, roles[1].ID})

	require.NoError(t, tc.b.Roles.Delete(tc.ctx, member.ID))
	require.ErrorIs(t, tc.b.Roles.Delete(tc.ctx, member.ID), apperrors.ErrNotFound)
}

func testOnePendingInvite(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	role := tc.createRole(p.ID, "Member")
	userID := uuid.New()
	first := tc.createInvite(p.ID, userID, role.ID)

	err := tc.b.Invites.Create(tc.ctx, &models.Invite{ProjectID: p.ID, UserID: userID, RoleID: role.ID})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	decline := query.Apply(query.Set("status", string(models.InviteStatusDeclined)))
	pending := query.Where(query.Eq("status", string(models.InviteStatusNew)))
	require.NoError(t, tc.b.Invites.UpdateByID(tc.ctx, first.ID, decline, pending))

	// Answered invites do not block a new one.
	tc.createInvite(p.ID, userID, role.ID)
}

func testExpandInvite(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	role := tc.createRole(p.ID, "Member")
	invite := tc.createInvite(p.ID, uuid.New(), role.ID)

	expand, err := tc.b.Invites.Expand(tc.ctx, invite.ID)
	require.NoError(t, err)
	require.NotNil(t, expand)
	assert.Equal(t, invite.ID, expand.ID)
	assert.Equal(t, &models.NamedEntity{ID: p.ID, Name: "alpha"}, expand.Project)
	assert.Equal(t, &models.NamedEntity{ID: role.ID, Name: "Member"}, expand.Role)

	missing, err := tc.b.Invites.Expand(tc.ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	dangling := tc.createInvite(p.ID, uuid.New(), uuid.New())
	missing, err = tc.b.Invites.Expand(tc.ctx, dangling.ID)
	require.NoError(t, err)
	assert.Nil(t, missing, "an invite whose role is gone does not expand")
}

func testListUserInvites(t *testing.T, tc *testContext) {
	userID := uuid.New()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		p := tc.createProject("project", baseTime())
		role := tc.createRole(p.ID, "Member")
		invite := &models.Invite{
			ProjectID: p.ID,
			UserID:    userID,
			RoleID:    role.ID,
			CreatedAt: baseTime().Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, tc.b.Invites.Create(tc.ctx, invite))
		ids = append(ids, invite.ID)
	}
	decline := query.Apply(query.Set("status", string(models.InviteStatusDeclined)))
	require.NoError(t, tc.b.Invites.UpdateByID(tc.ctx, ids[0], decline, nil))

	asOf := baseTime().Add(24 * time.Hour)
	expired := asOf.Add(-time.Minute)
	live := asOf.Add(time.Hour)
	require.NoError(t, tc.b.Invites.UpdateByID(tc.ctx, ids[1], query.Apply(query.Set("expires_at", live)), nil))
	p := tc.createProject("lapsed", baseTime())
	role := tc.createRole(p.ID, "Member")
	require.NoError(t, tc.b.Invites.Create(tc.ctx, &models.Invite{
		ProjectID: p.ID,
		UserID:    userID,
		RoleID:    role.ID,
		ExpiresAt: &expired,
		CreatedAt: baseTime().Add(5 * time.Hour),
	}))

	list, err := tc.b.Invites.ListForUser(tc.ctx, userID, asOf, models.PageOptions{Page: 1, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(2), list.Total)
	require.Len(t, list.Items, 2)
	assert.Equal(t, ids[2], list.Items[0].ID, "newest first")
	assert.Equal(t, ids[1], list.Items[1].ID)
	for _, item := range list.Items {
		assert.Equal(t, models.InviteStatusNew, item.Status)
		require.NotNil(t, item.Project)
		require.NotNil(t, item.Role)
		assert.Equal(t, "Member", item.Role.Name)
	}
	assert.Nil(t, list.Items[0].ExpiresAt)
	require.NotNil(t, list.Items[1].ExpiresAt)
	assert.True(t, live.Equal(*list.Items[1].ExpiresAt))
}

func testFindPendingInvite(t *testing.T, tc *testContext) {
	p := tc.createProject("alpha", baseTime())
	role := tc.createRole(p.ID, "Member")
	userID := uuid.New()

	none, err := tc.b.Invites.FindPending(tc.ctx, p.ID, userID)
	require.NoError(t, err)
	assert.Nil(t, none)

	invite := tc.createInvite(p.ID, userID, role.ID)
	found, err := tc.b.Invites.FindPending(tc.ctx, p.ID, userID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, invite.ID, found.ID)
	assert.Equal(t, models.InviteStatusNew, found.Status)

	expire := query.Apply(query.Set("status", string(models.InviteStatusExpired)))
	require.NoError(t, tc.b.Invites.UpdateByID(tc.ctx, invite.ID, expire, nil))
	none, err = tc.b.Invites.FindPending(tc.ctx, p.ID, userID)
	require.NoError(t, err)
	assert.Nil(t, none, "answered invites are not pending")
}
