package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Role is a named permission set scoped to a project.
type Role struct {
	ID          uuid.UUID    `json:"id" bson:"_id"`
	ProjectID   uuid.UUID    `json:"project_id" bson:"project_id"`
	Name        string       `json:"name" bson:"name"`
	Permissions []Permission `json:"permissions" bson:"permissions"`
	CreatedAt   time.Time    `json:"created_at" bson:"created_at"`
}

// Permission is a single capability flag granted by a role.
type Permission string

// Permission constants.
const (
	PermissionProjectRead   Permission = "project:read"
	PermissionProjectUpdate Permission = "project:update"
	PermissionProjectDelete Permission = "project:delete"
	PermissionMemberInvite  Permission = "member:invite"
	PermissionMemberBlock   Permission = "member:block"
	PermissionMemberRemove  Permission = "member:remove"
	PermissionMemberRole    Permission = "member:change_role"
	PermissionRoleManage    Permission = "role:manage"
)

// AllPermissions contains every known permission.
var AllPermissions = []Permission{
	PermissionProjectRead,
	PermissionProjectUpdate,
	PermissionProjectDelete,
	PermissionMemberInvite,
	PermissionMemberBlock,
	PermissionMemberRemove,
	PermissionMemberRole,
	PermissionRoleManage,
}

// IsValidPermission checks if the given permission is known.
func IsValidPermission(p Permission) bool {
	for _, known := range AllPermissions {
		if known == p {
			return true
		}
	}
	return false
}

// Default role names seeded into every new project.
const (
	RoleNameOwner  = "Owner"
	RoleNameMember = "Member"
)

// PermissionSet is an unordered collection of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set, dropping duplicates.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Slice returns the permissions in a stable (sorted) order for storage.
func (s PermissionSet) Slice() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted permission names.
func (s PermissionSet) Strings() []string {
	perms := s.Slice()
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
