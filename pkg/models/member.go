package models

import (
	"time"

	"github.com/google/uuid"
)

// Member is the membership record joining a user to a project.
// There is at most one Member per (ProjectID, UserID) pair.
type Member struct {
	ID        uuid.UUID    `json:"id" bson:"_id"`
	ProjectID uuid.UUID    `json:"project_id" bson:"project_id"`
	UserID    uuid.UUID    `json:"user_id" bson:"user_id"`
	Status    MemberStatus `json:"status" bson:"status"`
	RoleID    uuid.UUID    `json:"role_id" bson:"role_id"`
	CreatedAt time.Time    `json:"created_at" bson:"created_at"`
}

// MemberStatus is the lifecycle state of a membership.
// A removed membership has no status: its record is deleted.
type MemberStatus string

const (
	MemberStatusActive  MemberStatus = "ACTIVE"
	MemberStatusBlocked MemberStatus = "BLOCKED"
)

// memberTransitions lists the allowed status changes.
var memberTransitions = map[MemberStatus][]MemberStatus{
	MemberStatusActive:  {MemberStatusBlocked},
	MemberStatusBlocked: {MemberStatusActive},
}

// IsValid reports whether s is a known member status.
func (s MemberStatus) IsValid() bool {
	switch s {
	case MemberStatusActive, MemberStatusBlocked:
		return true
	}
	return false
}

// CanTransitionTo reports whether a membership in status s may move to next.
func (s MemberStatus) CanTransitionTo(next MemberStatus) bool {
	for _, allowed := range memberTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MemberView is a project member together with its role, as listed on the
// project's member page.
type MemberView struct {
	ID        uuid.UUID    `json:"id" bson:"_id"`
	UserID    uuid.UUID    `json:"user_id" bson:"user_id"`
	Status    MemberStatus `json:"status" bson:"status"`
	CreatedAt time.Time    `json:"created_at" bson:"created_at"`
	Role      *RolePreview `json:"role" bson:"role"`
}
