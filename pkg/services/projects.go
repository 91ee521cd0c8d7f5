package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/database"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/query"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories"
	"github.com/ekaya-inc/ekaya-members/pkg/telemetry"
)

// CreateProjectInput is the input for ProjectService.CreateProject.
type CreateProjectInput struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=2000"`
}

// ProjectService defines the interface for project operations.
type ProjectService interface {
	// CreateProject creates a project with the default Owner and Member
	// roles, and makes ownerID its first ACTIVE member with the Owner role.
	CreateProject(ctx context.Context, ownerID uuid.UUID, input CreateProjectInput) (*models.Project, error)

	// GetProject returns a project by its ID.
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)

	// ListForUser returns one page of the projects userID is a member of,
	// each with the user's membership and role.
	ListForUser(ctx context.Context, userID uuid.UUID, page models.PageOptions) (*models.DataList[models.ProjectPreview], error)

	// SyncMembers rebuilds the project's members index from its membership
	// records and returns the indexed user IDs.
	SyncMembers(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error)
}

type projectService struct {
	projectRepo repositories.ProjectRepository
	memberRepo  repositories.MemberRepository
	roleRepo    repositories.RoleRepository
	tx          database.Transactor
	pages       models.PageSizeConfig
	logger      *zap.Logger
}

// NewProjectService creates a new project service with dependencies.
func NewProjectService(
	projectRepo repositories.ProjectRepository,
	memberRepo repositories.MemberRepository,
	roleRepo repositories.RoleRepository,
	tx database.Transactor,
	pages models.PageSizeConfig,
	logger *zap.Logger,
) ProjectService {
	return &projectService{
		projectRepo: projectRepo,
		memberRepo:  memberRepo,
		roleRepo:    roleRepo,
		tx:          tx,
		pages:       pages,
		logger:      logger.Named("projects"),
	}
}

func (s *projectService) CreateProject(ctx context.Context, ownerID uuid.UUID, input CreateProjectInput) (project *models.Project, err error) {
	ctx, span := telemetry.Start(ctx, "ProjectService.CreateProject",
		attribute.String("user.id", ownerID.String()))
	defer func() { telemetry.End(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}

	project = &models.Project{
		Name:        input.Name,
		Description: input.Description,
		Members:     []uuid.UUID{},
	}

	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.projectRepo.Create(ctx, project); err != nil {
			return fmt.Errorf("failed to create project: %w", err)
		}

		owner := &models.Role{
			ProjectID:   project.ID,
			Name:        models.RoleNameOwner,
			Permissions: models.NewPermissionSet(models.AllPermissions...).Slice(),
		}
		member := &models.Role{
			ProjectID:   project.ID,
			Name:        models.RoleNameMember,
			Permissions: []models.Permission{models.PermissionProjectRead},
		}
		for _, role := range []*models.Role{owner, member} {
			if err := s.roleRepo.Create(ctx, role); err != nil {
				return fmt.Errorf("failed to create role %q: %w", role.Name, err)
			}
		}

		if err := s.memberRepo.Create(ctx, &models.Member{
			ProjectID: project.ID,
			UserID:    ownerID,
			Status:    models.MemberStatusActive,
			RoleID:    owner.ID,
		}); err != nil {
			return fmt.Errorf("failed to create owner membership: %w", err)
		}
		return s.projectRepo.AddMember(ctx, project.ID, ownerID)
	})
	if err != nil {
		return nil, err
	}

	project.Members = []uuid.UUID{ownerID}
	s.logger.Info("Project created",
		zap.String("project_id", project.ID.String()),
		zap.String("owner_id", ownerID.String()))
	return project, nil
}

func (s *projectService) GetProject(ctx context.Context, id uuid.UUID) (project *models.Project, err error) {
	ctx, span := telemetry.Start(ctx, "ProjectService.GetProject",
		attribute.String("project.id", id.String()))
	defer func() { telemetry.End(span, err) }()

	project, err = s.projectRepo.GetByID(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.ProjectNotExistsError.New()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return project, nil
}

func (s *projectService) ListForUser(ctx context.Context, userID uuid.UUID, page models.PageOptions) (list *models.DataList[models.ProjectPreview], err error) {
	ctx, span := telemetry.Start(ctx, "ProjectService.ListForUser",
		attribute.String("user.id", userID.String()))
	defer func() { telemetry.End(span, err) }()

	page = page.Normalize(s.pages)
	list, err = s.projectRepo.ListForUser(ctx, userID, page)
	if err != nil {
		return nil, err
	}

	// The total counts index entries. A short page means some entries had
	// no membership or role to join.
	expected := list.Total - page.Skip()
	if expected > int64(page.Limit) {
		expected = int64(page.Limit)
	}
	if expected > 0 && int64(len(list.Items)) < expected {
		s.logger.Warn("Members index has drifted from membership records",
			zap.String("user_id", userID.String()),
			zap.Int("page", page.Page),
			zap.Int64("expected", expected),
			zap.Int("returned", len(list.Items)))
	}
	return list, nil
}

func (s *projectService) SyncMembers(ctx context.Context, projectID uuid.UUID) (userIDs []uuid.UUID, err error) {
	ctx, span := telemetry.Start(ctx, "ProjectService.SyncMembers",
		attribute.String("project.id", projectID.String()))
	defer func() { telemetry.End(span, err) }()

	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		ids, err := s.memberRepo.ListUserIDs(ctx, projectID)
		if err != nil {
			return err
		}
		err = s.projectRepo.UpdateByID(ctx, projectID, query.Apply(query.Set("members", ids)), nil)
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.ProjectNotExistsError.New()
		}
		if err != nil {
			return fmt.Errorf("failed to rebuild members index: %w", err)
		}
		userIDs = ids
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Members index rebuilt",
		zap.String("project_id", projectID.String()),
		zap.Int("members", len(userIDs)))
	return userIDs, nil
}

// Ensure projectService implements ProjectService at compile time.
var _ ProjectService = (*projectService)(nil)
