package models

import (
	"time"

	"github.com/google/uuid"
)

// Invite is a pending offer of membership in a project with a given role.
type Invite struct {
	ID        uuid.UUID    `json:"id" bson:"_id"`
	UserID    uuid.UUID    `json:"user_id" bson:"user_id"`
	ProjectID uuid.UUID    `json:"project_id" bson:"project_id"`
	RoleID    uuid.UUID    `json:"role_id" bson:"role_id"`
	Status    InviteStatus `json:"status" bson:"status"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	CreatedAt time.Time    `json:"created_at" bson:"created_at"`
}

// IsExpired reports whether the invite has an expiry that is not after now.
func (i *Invite) IsExpired(now time.Time) bool {
	return i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

// InviteStatus is the lifecycle state of an invite.
type InviteStatus string

const (
	InviteStatusNew      InviteStatus = "NEW"
	InviteStatusAccepted InviteStatus = "ACCEPTED"
	InviteStatusDeclined InviteStatus = "DECLINED"
	InviteStatusExpired  InviteStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s InviteStatus) IsTerminal() bool {
	switch s {
	case InviteStatusAccepted, InviteStatusDeclined, InviteStatusExpired:
		return true
	}
	return false
}

// CanTransitionTo reports whether an invite in status s may move to next.
// Only NEW invites move, and only into a terminal status.
func (s InviteStatus) CanTransitionTo(next InviteStatus) bool {
	return s == InviteStatusNew && next.IsTerminal()
}

// InviteExpand is an invite resolved to the names of its project and role.
type InviteExpand struct {
	ID      uuid.UUID    `json:"id" bson:"_id"`
	Project *NamedEntity `json:"project" bson:"project"`
	Role    *NamedEntity `json:"role" bson:"role"`
}

// InvitePreview is a pending invite listed for its recipient.
type InvitePreview struct {
	ID        uuid.UUID    `json:"id" bson:"_id"`
	Status    InviteStatus `json:"status" bson:"status"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	CreatedAt time.Time    `json:"created_at" bson:"created_at"`
	Project   *NamedEntity `json:"project" bson:"project"`
	Role      *NamedEntity `json:"role" bson:"role"`
}

// NamedEntity is an {id, name} pair used in expanded views.
type NamedEntity struct {
	ID   uuid.UUID `json:"id" bson:"_id"`
	Name string    `json:"name" bson:"name"`
}
