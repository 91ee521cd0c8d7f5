package repositories

import (
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-members/pkg/models"
)

// The Prepare functions fill generated fields before an insert. Every
// backend calls them so records look the same regardless of storage.

// PrepareProject assigns ID and CreatedAt and an empty members index.
func PrepareProject(p *models.Project) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	if p.Members == nil {
		p.Members = []uuid.UUID{}
	}
}

// PrepareMember assigns ID and CreatedAt; a membership starts ACTIVE.
func PrepareMember(m *models.Member) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now()
	}
	if m.Status == "" {
		m.Status = models.MemberStatusActive
	}
}

// PrepareRole assigns ID and CreatedAt and an empty permission set.
func PrepareRole(r *models.Role) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	if r.Permissions == nil {
		r.Permissions = []models.Permission{}
	}
}

// PrepareInvite assigns ID and CreatedAt; an invite starts NEW.
func PrepareInvite(i *models.Invite) {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now()
	}
	if i.Status == "" {
		i.Status = models.InviteStatusNew
	}
}

// now truncates to milliseconds, the precision both backends keep.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
