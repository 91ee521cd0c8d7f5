package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/database"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/query"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories"
)

// memTable is an in-memory CRUD store evaluating query filters and updates
// through per-entity field accessors.
type memTable[T any] struct {
	rows    map[uuid.UUID]*T
	order   []uuid.UUID
	id      func(*T) uuid.UUID
	created func(*T) (int64, uuid.UUID)
	prepare func(*T)
	field   func(*T, string) any
	mutate  func(*T, query.Mutation)
	unique  func(existing, added *T) bool

	createErr error
	getErr    error
	updateErr error
	countErr  error

	creates int
	updates []query.Update
}

func (m *memTable[T]) Create(_ context.Context, e *T) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.prepare(e)
	for _, row := range m.rows {
		if m.unique != nil && m.unique(row, e) {
			return apperrors.ErrConflict
		}
	}
	c := *e
	m.rows[m.id(e)] = &c
	m.order = append(m.order, m.id(e))
	m.creates++
	return nil
}

func (m *memTable[T]) GetByID(_ context.Context, id uuid.UUID) (*T, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	row, ok := m.rows[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := *row
	return &c, nil
}

func (m *memTable[T]) UpdateByID(_ context.Context, id uuid.UUID, update query.Update, guard query.Filter) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, update)
	row, ok := m.rows[id]
	if !ok || !m.matches(row, guard) {
		return apperrors.ErrNotFound
	}
	for _, mut := range update {
		m.mutate(row, mut)
	}
	return nil
}

func (m *memTable[T]) Count(_ context.Context, filter query.Filter) (int64, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return int64(len(m.find(filter))), nil
}

func (m *memTable[T]) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.rows[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.rows, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// find returns the matching rows ordered by creation time then id.
func (m *memTable[T]) find(filter query.Filter) []*T {
	var out []*T
	for _, id := range m.order {
		if row := m.rows[id]; m.matches(row, filter) {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ti, ii := m.created(out[i])
		tj, ij := m.created(out[j])
		if ti != tj {
			return ti < tj
		}
		return ii.String() < ij.String()
	})
	return out
}

func (m *memTable[T]) matches(row *T, filter query.Filter) bool {
	for _, p := range filter {
		v := m.field(row, p.Field)
		switch p.Op {
		case query.OpEq:
			if fmt.Sprint(v) != fmt.Sprint(p.Value) {
				return false
			}
		case query.OpContains:
			ids, _ := v.([]uuid.UUID)
			if !containsID(ids, p.Value.(uuid.UUID)) {
				return false
			}
		case query.OpUnsetOrGt:
			if at, _ := v.(*time.Time); at != nil && !at.After(p.Value.(time.Time)) {
				return false
			}
		}
	}
	return true
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func paginate[T any](rows []T, opts models.PageOptions) []T {
	skip := int(opts.Skip())
	if skip >= len(rows) {
		return nil
	}
	end := skip + opts.Limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[skip:end]
}

// mockStore wires the four in-memory repositories together so the join
// views can be answered.
type mockStore struct {
	projects *mockProjectRepository
	members  *mockMemberRepository
	roles    *mockRoleRepository
	invites  *mockInviteRepository
}

func newMockStore() *mockStore {
	s := &mockStore{}
	s.projects = &mockProjectRepository{store: s, memTable: &memTable[models.Project]{
		rows:    map[uuid.UUID]*models.Project{},
		id:      func(p *models.Project) uuid.UUID { return p.ID },
		created: func(p *models.Project) (int64, uuid.UUID) { return p.CreatedAt.UnixNano(), p.ID },
		prepare: repositories.PrepareProject,
		field: func(p *models.Project, f string) any {
			switch f {
			case "id":
				return p.ID
			case "name":
				return p.Name
			case "members":
				return p.Members
			}
			panic("unknown project field " + f)
		},
		mutate: func(p *models.Project, m query.Mutation) {
			switch m.Op {
			case query.OpSet:
				p.Members = append([]uuid.UUID{}, m.Value.([]uuid.UUID)...)
			case query.OpAddToSet:
				if id := m.Value.(uuid.UUID); !containsID(p.Members, id) {
					p.Members = append(p.Members, id)
				}
			case query.OpPull:
				id := m.Value.(uuid.UUID)
				kept := p.Members[:0]
				for _, v := range p.Members {
					if v != id {
						kept = append(kept, v)
					}
				}
				p.Members = kept
			}
		},
	}}
	s.members = &mockMemberRepository{memTable: &memTable[models.Member]{
		rows:    map[uuid.UUID]*models.Member{},
		id:      func(m *models.Member) uuid.UUID { return m.ID },
		created: func(m *models.Member) (int64, uuid.UUID) { return m.CreatedAt.UnixNano(), m.ID },
		prepare: repositories.PrepareMember,
		field: func(m *models.Member, f string) any {
			switch f {
			case "id":
				return m.ID
			case "project_id":
				return m.ProjectID
			case "user_id":
				return m.UserID
			case "status":
				return m.Status
			case "role_id":
				return m.RoleID
			}
			panic("unknown member field " + f)
		},
		mutate: func(m *models.Member, mut query.Mutation) {
			switch mut.Field {
			case "status":
				m.Status = models.MemberStatus(mut.Value.(string))
			case "role_id":
				m.RoleID = mut.Value.(uuid.UUID)
			}
		},
		unique: func(a, b *models.Member) bool {
			return a.ProjectID == b.ProjectID && a.UserID == b.UserID
		},
	}, store: s}
	s.roles = &mockRoleRepository{memTable: &memTable[models.Role]{
		rows:    map[uuid.UUID]*models.Role{},
		id:      func(r *models.Role) uuid.UUID { return r.ID },
		created: func(r *models.Role) (int64, uuid.UUID) { return r.CreatedAt.UnixNano(), r.ID },
		prepare: repositories.PrepareRole,
		field: func(r *models.Role, f string) any {
			switch f {
			case "id":
				return r.ID
			case "project_id":
				return r.ProjectID
			case "name":
				return r.Name
			}
			panic("unknown role field " + f)
		},
		mutate: func(r *models.Role, mut query.Mutation) {
			perms := mut.Value.([]string)
			r.Permissions = make([]models.Permission, len(perms))
			for i, p := range perms {
				r.Permissions[i] = models.Permission(p)
			}
		},
		unique: func(a, b *models.Role) bool {
			return a.ProjectID == b.ProjectID && a.Name == b.Name
		},
	}}
	s.invites = &mockInviteRepository{store: s, memTable: &memTable[models.Invite]{
		rows:    map[uuid.UUID]*models.Invite{},
		id:      func(i *models.Invite) uuid.UUID { return i.ID },
		created: func(i *models.Invite) (int64, uuid.UUID) { return -i.CreatedAt.UnixNano(), i.ID },
		prepare: repositories.PrepareInvite,
		field: func(i *models.Invite, f string) any {
			switch f {
			case "id":
				return i.ID
			case "project_id":
				return i.ProjectID
			case "user_id":
				return i.UserID
			case "role_id":
				return i.RoleID
			case "status":
				return i.Status
			case "expires_at":
				return i.ExpiresAt
			}
			panic("unknown invite field " + f)
		},
		mutate: func(i *models.Invite, mut query.Mutation) {
			i.Status = models.InviteStatus(mut.Value.(string))
		},
		unique: func(a, b *models.Invite) bool {
			return a.ProjectID == b.ProjectID && a.UserID == b.UserID &&
				a.Status == models.InviteStatusNew && b.Status == models.InviteStatusNew
		},
	}}
	return s
}

type mockProjectRepository struct {
	*memTable[models.Project]
	store *mockStore

	// addMemberErrs is consumed one error per AddMember call.
	addMemberErrs []error
	addMemberCall int
}

func (m *mockProjectRepository) ListForUser(_ context.Context, userID uuid.UUID, opts models.PageOptions) (*models.DataList[models.ProjectPreview], error) {
	matching := m.find(repositories.UserProjectsFilter(userID))
	var items []models.ProjectPreview
	for _, p := range paginate(matching, opts) {
		member := m.store.members.pair(p.ID, userID)
		if member == nil {
			continue
		}
		role, ok := m.store.roles.rows[member.RoleID]
		if !ok {
			continue
		}
		items = append(items, models.ProjectPreview{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			CreatedAt:   p.CreatedAt,
			Member: &models.MemberPreview{
				ID:        member.ID,
				Status:    member.Status,
				CreatedAt: member.CreatedAt,
				Role:      &models.RolePreview{ID: role.ID, Name: role.Name, CreatedAt: role.CreatedAt},
			},
		})
	}
	return models.NewDataList(int64(len(matching)), opts.Limit, items), nil
}

func (m *mockProjectRepository) FindProjectMember(_ context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if _, ok := m.rows[projectID]; !ok {
		return nil, nil
	}
	member := m.store.members.pair(projectID, userID)
	if member == nil {
		return nil, nil
	}
	pm := &models.ProjectMember{
		ProjectID: projectID,
		Member: &models.MemberPermissions{
			ID:        member.ID,
			ProjectID: member.ProjectID,
			UserID:    member.UserID,
			Status:    member.Status,
		},
	}
	if role, ok := m.store.roles.rows[member.RoleID]; ok && role.ProjectID == projectID {
		pm.Member.Role = &models.RolePermissions{ID: role.ID, Permissions: role.Permissions}
	}
	return pm, nil
}

func (m *mockProjectRepository) AddMember(ctx context.Context, projectID, userID uuid.UUID) error {
	m.addMemberCall++
	if len(m.addMemberErrs) > 0 {
		err := m.addMemberErrs[0]
		m.addMemberErrs = m.addMemberErrs[1:]
		if err != nil {
			return err
		}
	}
	err := m.UpdateByID(ctx, projectID, query.Apply(query.AddToSet("members", userID)), nil)
	if err == apperrors.ErrNotFound {
		return nil
	}
	return err
}

func (m *mockProjectRepository) RemoveMember(ctx context.Context, projectID, userID uuid.UUID) error {
	err := m.UpdateByID(ctx, projectID, query.Apply(query.Pull("members", userID)), nil)
	if err == apperrors.ErrNotFound {
		return nil
	}
	return err
}

type mockMemberRepository struct {
	*memTable[models.Member]
	store *mockStore
}

func (m *mockMemberRepository) pair(projectID, userID uuid.UUID) *models.Member {
	rows := m.find(query.Where(query.Eq("project_id", projectID), query.Eq("user_id", userID)))
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}

func (m *mockMemberRepository) ListByProject(_ context.Context, projectID uuid.UUID, opts models.PageOptions) (*models.DataList[models.MemberView], error) {
	matching := m.find(repositories.ProjectMembersFilter(projectID))
	var items []models.MemberView
	for _, member := range paginate(matching, opts) {
		view := models.MemberView{ID: member.ID, UserID: member.UserID, Status: member.Status, CreatedAt: member.CreatedAt}
		if role, ok := m.store.roles.rows[member.RoleID]; ok && role.ProjectID == projectID {
			view.Role = &models.RolePreview{ID: role.ID, Name: role.Name, CreatedAt: role.CreatedAt}
		}
		items = append(items, view)
	}
	return models.NewDataList(int64(len(matching)), opts.Limit, items), nil
}

func (m *mockMemberRepository) ListUserIDs(_ context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	for _, member := range m.find(repositories.ProjectMembersFilter(projectID)) {
		ids = append(ids, member.UserID)
	}
	return ids, nil
}

type mockRoleRepository struct {
	*memTable[models.Role]
}

func (m *mockRoleRepository) ListByProject(_ context.Context, projectID uuid.UUID) ([]*models.Role, error) {
	roles := make([]*models.Role, 0)
	roles = append(roles, m.find(query.Where(query.Eq("project_id", projectID)))...)
	return roles, nil
}

type mockInviteRepository struct {
	*memTable[models.Invite]
	store *mockStore
}

func (m *mockInviteRepository) expand(i *models.Invite) (*models.NamedEntity, *models.NamedEntity, bool) {
	project, ok := m.store.projects.rows[i.ProjectID]
	if !ok {
		return nil, nil, false
	}
	role, ok := m.store.roles.rows[i.RoleID]
	if !ok {
		return nil, nil, false
	}
	return &models.NamedEntity{ID: project.ID, Name: project.Name}, &models.NamedEntity{ID: role.ID, Name: role.Name}, true
}

func (m *mockInviteRepository) Expand(_ context.Context, inviteID uuid.UUID) (*models.InviteExpand, error) {
	invite, ok := m.rows[inviteID]
	if !ok {
		return nil, nil
	}
	project, role, ok := m.expand(invite)
	if !ok {
		return nil, nil
	}
	return &models.InviteExpand{ID: invite.ID, Project: project, Role: role}, nil
}

func (m *mockInviteRepository) FindPending(_ context.Context, projectID, userID uuid.UUID) (*models.Invite, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if found := m.find(repositories.PendingInviteFilter(projectID, userID)); len(found) > 0 {
		return found[0], nil
	}
	return nil, nil
}

func (m *mockInviteRepository) ListForUser(_ context.Context, userID uuid.UUID, asOf time.Time, opts models.PageOptions) (*models.DataList[models.InvitePreview], error) {
	matching := m.find(repositories.UserInvitesFilter(userID, asOf))
	var items []models.InvitePreview
	for _, invite := range paginate(matching, opts) {
		project, role, ok := m.expand(invite)
		if !ok {
			continue
		}
		items = append(items, models.InvitePreview{
			ID:        invite.ID,
			Status:    invite.Status,
			ExpiresAt: invite.ExpiresAt,
			CreatedAt: invite.CreatedAt,
			Project:   project,
			Role:      role,
		})
	}
	return models.NewDataList(int64(len(matching)), opts.Limit, items), nil
}

var (
	_ repositories.ProjectRepository = (*mockProjectRepository)(nil)
	_ repositories.MemberRepository  = (*mockMemberRepository)(nil)
	_ repositories.RoleRepository    = (*mockRoleRepository)(nil)
	_ repositories.InviteRepository  = (*mockInviteRepository)(nil)
)

// mockTransactor runs fn directly and counts units of work.
type mockTransactor struct {
	calls int
	err   error
}

func (m *mockTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	return fn(ctx)
}

// mockMemberCache records cache traffic and keeps a version per pair.
type mockMemberCache struct {
	entries     map[string]*models.ProjectMember
	versions    map[string]int64
	gets        int
	hits        int
	refused     int
	invalidated []string
	getErr      error

	onInvalidate func()
}

func newMockMemberCache() *mockMemberCache {
	return &mockMemberCache{
		entries:  map[string]*models.ProjectMember{},
		versions: map[string]int64{},
	}
}

func cacheKey(projectID, userID uuid.UUID) string {
	return projectID.String() + ":" + userID.String()
}

func (m *mockMemberCache) Get(_ context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, bool, error) {
	m.gets++
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	pm, ok := m.entries[cacheKey(projectID, userID)]
	if ok {
		m.hits++
	}
	return pm, ok, nil
}

func (m *mockMemberCache) Version(_ context.Context, projectID, userID uuid.UUID) (int64, error) {
	return m.versions[cacheKey(projectID, userID)], nil
}

func (m *mockMemberCache) Set(_ context.Context, projectID, userID uuid.UUID, version int64, member *models.ProjectMember) (bool, error) {
	key := cacheKey(projectID, userID)
	if m.versions[key] != version {
		m.refused++
		return false, nil
	}
	m.entries[key] = member
	return true, nil
}

func (m *mockMemberCache) Invalidate(_ context.Context, projectID, userID uuid.UUID) error {
	key := cacheKey(projectID, userID)
	delete(m.entries, key)
	m.versions[key]++
	m.invalidated = append(m.invalidated, key)
	if m.onInvalidate != nil {
		m.onInvalidate()
	}
	return nil
}

var testPages = models.PageSizeConfig{Default: 20, Max: 100}

// testServices bundles every service over one mock store.
type testServices struct {
	store    *mockStore
	tx       *mockTransactor
	cache    *mockMemberCache
	projects ProjectService
	members  MemberService
	invites  InviteService
	roles    RoleService
}

func newTestServices() *testServices {
	return newTestServicesWith(&mockTransactor{})
}

// newTestServicesWith builds the services over inner, wrapped the way the
// production transactors are.
func newTestServicesWith(inner database.Transactor) *testServices {
	store := newMockStore()
	memberCache := newMockMemberCache()
	logger := zap.NewNop()
	tx := database.WithCommitHooks(inner)

	members := NewMemberService(store.projects, store.members, store.roles, tx, memberCache, testPages, logger)
	// No backoff between retries in tests.
	members.(*memberService).retryCfg.InitialDelay = 0

	ts := &testServices{
		store:    store,
		cache:    memberCache,
		projects: NewProjectService(store.projects, store.members, store.roles, tx, testPages, logger),
		members:  members,
		invites:  NewInviteService(store.invites, store.projects, store.members, store.roles, members, tx, 0, testPages, logger),
		roles:    NewRoleService(store.projects, store.roles, store.members, store.invites, memberCache, logger),
	}
	ts.tx, _ = inner.(*mockTransactor)
	return ts
}

// seedProject creates a project owned by a fresh user and returns it with
// its Member role.
func (ts *testServices) seedProject(name string) (*models.Project, *models.Role) {
	ctx := context.Background()
	p, err := ts.projects.CreateProject(ctx, uuid.New(), CreateProjectInput{Name: name})
	if err != nil {
		panic(err)
	}
	roles, _ := ts.store.roles.ListByProject(ctx, p.ID)
	for _, r := range roles {
		if r.Name == models.RoleNameMember {
			return p, r
		}
	}
	panic("member role not seeded")
}
