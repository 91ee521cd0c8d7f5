package repositories

import (
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/query"
)

// The composite views below are shared by every storage backend.

// UserProjectsFilter selects the projects whose members index holds userID.
func UserProjectsFilter(userID uuid.UUID) query.Filter {
	return query.Where(query.Contains("members", userID))
}

// UserProjectsPipeline lists one page of userID's projects, each joined with
// the user's membership and the membership's role. Projects listed in the
// index without a matching membership or role are dropped.
func UserProjectsPipeline(userID uuid.UUID, page models.PageOptions) *query.Pipeline {
	return query.From(CollectionProjects).
		Match(UserProjectsFilter(userID)...).
		Sort(query.Asc("created_at"), query.Asc("id")).
		Skip(page.Skip()).
		Limit(int64(page.Limit)).
		Lookup(query.Lookup{
			From: CollectionMembers,
			As:   "member",
			On: []query.Correlation{
				query.On("project_id", query.Outer("id")),
				query.On("user_id", query.Literal(userID)),
			},
		}).
		Unwind("member", false).
		Lookup(query.Lookup{
			From:         CollectionRoles,
			As:           "member.role",
			LocalField:   "member.role_id",
			ForeignField: "id",
		}).
		Unwind("member.role", false).
		Project(
			"id", "name", "description", "created_at",
			"member.id", "member.status", "member.created_at",
			"member.role.id", "member.role.name", "member.role.created_at",
		)
}

// ProjectMemberPipeline resolves userID's membership in projectID together
// with the permissions of its role. The role is joined only when it belongs
// to the same project; a membership without one is kept with no role.
func ProjectMemberPipeline(projectID, userID uuid.UUID) *query.Pipeline {
	return query.From(CollectionProjects).
		Match(query.Eq("id", projectID)).
		Lookup(query.Lookup{
			From: CollectionMembers,
			As:   "member",
			On: []query.Correlation{
				query.On("project_id", query.Outer("id")),
				query.On("user_id", query.Literal(userID)),
			},
			Pipeline: []query.Stage{
				query.Lookup{
					From: CollectionRoles,
					As:   "role",
					On: []query.Correlation{
						query.On("project_id", query.Outer("project_id")),
						query.On("id", query.Outer("role_id")),
					},
				},
				query.Unwind{Path: "role", PreserveEmpty: true},
			},
		}).
		Unwind("member", false).
		Project(
			"id",
			"member.id", "member.project_id", "member.user_id", "member.status",
			"member.role.id", "member.role.permissions",
		)
}

// ProjectMembersFilter selects the memberships of projectID.
func ProjectMembersFilter(projectID uuid.UUID) query.Filter {
	return query.Where(query.Eq("project_id", projectID))
}

// ProjectMembersPipeline lists one page of projectID's members with their
// roles. A membership whose role is missing is listed without a role.
func ProjectMembersPipeline(projectID uuid.UUID, page models.PageOptions) *query.Pipeline {
	return query.From(CollectionMembers).
		Match(ProjectMembersFilter(projectID)...).
		Sort(query.Asc("created_at"), query.Asc("id")).
		Skip(page.Skip()).
		Limit(int64(page.Limit)).
		Lookup(query.Lookup{
			From: CollectionRoles,
			As:   "role",
			On: []query.Correlation{
				query.On("project_id", query.Outer("project_id")),
				query.On("id", query.Outer("role_id")),
			},
		}).
		Unwind("role", true).
		Project(
			"id", "user_id", "status", "created_at",
			"role.id", "role.name", "role.created_at",
		)
}

// InviteExpandPipeline resolves an invite to the names of its project and
// role.
func InviteExpandPipeline(inviteID uuid.UUID) *query.Pipeline {
	return inviteJoins(query.From(CollectionInvitations).
		Match(query.Eq("id", inviteID))).
		Project("id", "project.id", "project.name", "role.id", "role.name")
}

// PendingInviteFilter selects the NEW invite of userID to projectID,
// expired or not.
func PendingInviteFilter(projectID, userID uuid.UUID) query.Filter {
	return query.Where(
		query.Eq("project_id", projectID),
		query.Eq("user_id", userID),
		query.Eq("status", string(models.InviteStatusNew)),
	)
}

// UserInvitesFilter selects the invites addressed to userID that are still
// pending at asOf: NEW and not past their expiry.
func UserInvitesFilter(userID uuid.UUID, asOf time.Time) query.Filter {
	return query.Where(
		query.Eq("user_id", userID),
		query.Eq("status", string(models.InviteStatusNew)),
		query.UnsetOrGt("expires_at", asOf),
	)
}

// UserInvitesPipeline lists one page of userID's invites pending at asOf
// with the names of their projects and roles.
func UserInvitesPipeline(userID uuid.UUID, asOf time.Time, page models.PageOptions) *query.Pipeline {
	p := query.From(CollectionInvitations).
		Match(UserInvitesFilter(userID, asOf)...).
		Sort(query.Desc("created_at"), query.Asc("id")).
		Skip(page.Skip()).
		Limit(int64(page.Limit))
	return inviteJoins(p).
		Project(
			"id", "status", "expires_at", "created_at",
			"project.id", "project.name", "role.id", "role.name",
		)
}

func inviteJoins(p *query.Pipeline) *query.Pipeline {
	return p.
		Lookup(query.Lookup{
			From:         CollectionProjects,
			As:           "project",
			LocalField:   "project_id",
			ForeignField: "id",
		}).
		Unwind("project", false).
		Lookup(query.Lookup{
			From:         CollectionRoles,
			As:           "role",
			LocalField:   "role_id",
			ForeignField: "id",
		}).
		Unwind("role", false)
}
