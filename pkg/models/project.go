// Package models contains domain types for ekaya-members.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Project is the top-level container owning members, roles and invites.
//
// Members is a denormalized index of the user IDs that have a membership
// record for this project. It is maintained by the services alongside the
// project_members collection; the membership collection is authoritative.
type Project struct {
	ID          uuid.UUID   `json:"id" bson:"_id"`
	Name        string      `json:"name" bson:"name"`
	Description string      `json:"description" bson:"description"`
	Members     []uuid.UUID `json:"members" bson:"members"`
	CreatedAt   time.Time   `json:"created_at" bson:"created_at"`
}

// HasMember reports whether userID is present in the members index.
func (p *Project) HasMember(userID uuid.UUID) bool {
	for _, id := range p.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// ProjectPreview is a project as seen by one of its members: the project,
// that user's membership and the membership's role.
type ProjectPreview struct {
	ID          uuid.UUID      `json:"id" bson:"_id"`
	Name        string         `json:"name" bson:"name"`
	Description string         `json:"description" bson:"description"`
	CreatedAt   time.Time      `json:"created_at" bson:"created_at"`
	Member      *MemberPreview `json:"member" bson:"member"`
}

// MemberPreview is the membership part of a ProjectPreview.
type MemberPreview struct {
	ID        uuid.UUID    `json:"id" bson:"_id"`
	Status    MemberStatus `json:"status" bson:"status"`
	CreatedAt time.Time    `json:"created_at" bson:"created_at"`
	Role      *RolePreview `json:"role" bson:"role"`
}

// RolePreview is the subset of a role exposed in composite views.
type RolePreview struct {
	ID        uuid.UUID `json:"id" bson:"_id"`
	Name      string    `json:"name" bson:"name"`
	CreatedAt time.Time `json:"created_at,omitzero" bson:"created_at,omitempty"`
}

// ProjectMember is the result of looking up one user's membership in a
// project together with the permissions granted by its role.
type ProjectMember struct {
	ProjectID uuid.UUID          `json:"id" bson:"_id"`
	Member    *MemberPermissions `json:"member" bson:"member"`
}

// MemberPermissions carries a membership's status and its role's permissions.
// Role is nil when the referenced role does not exist in the same project.
type MemberPermissions struct {
	ID        uuid.UUID        `json:"id" bson:"_id"`
	ProjectID uuid.UUID        `json:"project_id" bson:"project_id"`
	UserID    uuid.UUID        `json:"user_id" bson:"user_id"`
	Status    MemberStatus     `json:"status" bson:"status"`
	Role      *RolePermissions `json:"role" bson:"role"`
}

// RolePermissions is the permission-bearing part of a role.
type RolePermissions struct {
	ID          uuid.UUID    `json:"id" bson:"_id"`
	Permissions []Permission `json:"permissions" bson:"permissions"`
}

// Permissions returns the effective permissions of the member.
// A blocked member or a member without a resolvable role has none.
func (m *MemberPermissions) Permissions() PermissionSet {
	if m == nil || m.Status != MemberStatusActive || m.Role == nil {
		return nil
	}
	return NewPermissionSet(m.Role.Permissions...)
}
