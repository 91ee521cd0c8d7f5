package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/cache"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/query"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories"
	"github.com/ekaya-inc/ekaya-members/pkg/telemetry"
)

// CreateRoleInput is the input for RoleService.CreateRole.
type CreateRoleInput struct {
	Name        string              `json:"name" validate:"required,max=100"`
	Permissions []models.Permission `json:"permissions" validate:"required,min=1,dive,permission"`
}

// UpdateRolePermissionsInput is the input for RoleService.UpdateRolePermissions.
type UpdateRolePermissionsInput struct {
	Permissions []models.Permission `json:"permissions" validate:"required,min=1,dive,permission"`
}

// RoleService defines the interface for role operations.
type RoleService interface {
	CreateRole(ctx context.Context, projectID uuid.UUID, input CreateRoleInput) (*models.Role, error)
	GetRole(ctx context.Context, projectID, roleID uuid.UUID) (*models.Role, error)
	ListRoles(ctx context.Context, projectID uuid.UUID) ([]*models.Role, error)
	UpdateRolePermissions(ctx context.Context, projectID, roleID uuid.UUID, input UpdateRolePermissionsInput) (*models.Role, error)

	// DeleteRole removes a role that no membership and no pending invite
	// references. Fails with RoleInUseError otherwise.
	DeleteRole(ctx context.Context, projectID, roleID uuid.UUID) error
}

type roleService struct {
	projectRepo repositories.ProjectRepository
	roleRepo    repositories.RoleRepository
	memberRepo  repositories.MemberRepository
	inviteRepo  repositories.InviteRepository
	cache       cache.MemberCache
	logger      *zap.Logger
}

// NewRoleService creates a new role service with dependencies.
func NewRoleService(
	projectRepo repositories.ProjectRepository,
	roleRepo repositories.RoleRepository,
	memberRepo repositories.MemberRepository,
	inviteRepo repositories.InviteRepository,
	memberCache cache.MemberCache,
	logger *zap.Logger,
) RoleService {
	if memberCache == nil {
		memberCache = cache.NewNoopMemberCache()
	}
	return &roleService{
		projectRepo: projectRepo,
		roleRepo:    roleRepo,
		memberRepo:  memberRepo,
		inviteRepo:  inviteRepo,
		cache:       memberCache,
		logger:      logger.Named("roles"),
	}
}

func (s *roleService) CreateRole(ctx context.Context, projectID uuid.UUID, input CreateRoleInput) (role *models.Role, err error) {
	ctx, span := telemetry.Start(ctx, "RoleService.CreateRole",
		attribute.String("project.id", projectID.String()))
	defer func() { telemetry.End(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	if _, err := s.projectRepo.GetByID(ctx, projectID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ProjectNotExistsError.New()
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	role = &models.Role{
		ProjectID:   projectID,
		Name:        input.Name,
		Permissions: models.NewPermissionSet(input.Permissions...).Slice(),
	}
	if err := s.roleRepo.Create(ctx, role); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return nil, apperrors.RoleExistsError.New()
		}
		return nil, fmt.Errorf("failed to create role: %w", err)
	}

	s.logger.Info("Role created",
		zap.String("project_id", projectID.String()),
		zap.String("role_id", role.ID.String()),
		zap.String("name", role.Name))
	return role, nil
}

func (s *roleService) GetRole(ctx context.Context, projectID, roleID uuid.UUID) (role *models.Role, err error) {
	ctx, span := telemetry.Start(ctx, "RoleService.GetRole",
		attribute.String("project.id", projectID.String()),
		attribute.String("role.id", roleID.String()))
	defer func() { telemetry.End(span, err) }()

	return requireProjectRole(ctx, s.roleRepo, projectID, roleID)
}

func (s *roleService) ListRoles(ctx context.Context, projectID uuid.UUID) (roles []*models.Role, err error) {
	ctx, span := telemetry.Start(ctx, "RoleService.ListRoles",
		attribute.String("project.id", projectID.String()))
	defer func() { telemetry.End(span, err) }()

	return s.roleRepo.ListByProject(ctx, projectID)
}

func (s *roleService) UpdateRolePermissions(ctx context.Context, projectID, roleID uuid.UUID, input UpdateRolePermissionsInput) (role *models.Role, err error) {
	ctx, span := telemetry.Start(ctx, "RoleService.UpdateRolePermissions",
		attribute.String("project.id", projectID.String()),
		attribute.String("role.id", roleID.String()))
	defer func() { telemetry.End(span, err) }()

	if err := validateInput(input); err != nil {
		return nil, err
	}
	role, err = requireProjectRole(ctx, s.roleRepo, projectID, roleID)
	if err != nil {
		return nil, err
	}

	perms := models.NewPermissionSet(input.Permissions...)
	err = s.roleRepo.UpdateByID(ctx, role.ID, query.Apply(query.Set("permissions", perms.Strings())), nil)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.RoleNotExistsError.New()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update role permissions: %w", err)
	}
	role.Permissions = perms.Slice()

	// Cached memberships carry the old permissions.
	userIDs, err := s.memberRepo.ListUserIDs(ctx, projectID)
	if err != nil {
		s.logger.Warn("Failed to list members for cache invalidation", zap.Error(err))
		return role, nil
	}
	for _, userID := range userIDs {
		if err := s.cache.Invalidate(ctx, projectID, userID); err != nil {
			s.logger.Warn("Member cache invalidation failed", zap.Error(err))
		}
	}
	return role, nil
}

func (s *roleService) DeleteRole(ctx context.Context, projectID, roleID uuid.UUID) (err error) {
	ctx, span := telemetry.Start(ctx, "RoleService.DeleteRole",
		attribute.String("project.id", projectID.String()),
		attribute.String("role.id", roleID.String()))
	defer func() { telemetry.End(span, err) }()

	role, err := requireProjectRole(ctx, s.roleRepo, projectID, roleID)
	if err != nil {
		return err
	}

	members, err := s.memberRepo.Count(ctx, query.Where(query.Eq("role_id", role.ID)))
	if err != nil {
		return fmt.Errorf("failed to count role members: %w", err)
	}
	invites, err := s.inviteRepo.Count(ctx, query.Where(
		query.Eq("role_id", role.ID),
		query.Eq("status", string(models.InviteStatusNew)),
	))
	if err != nil {
		return fmt.Errorf("failed to count role invites: %w", err)
	}
	if members > 0 || invites > 0 {
		return apperrors.RoleInUseError.New()
	}

	if err := s.roleRepo.Delete(ctx, role.ID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.RoleNotExistsError.New()
		}
		return fmt.Errorf("failed to delete role: %w", err)
	}

	s.logger.Info("Role deleted",
		zap.String("project_id", projectID.String()),
		zap.String("role_id", roleID.String()))
	return nil
}

// Ensure roleService implements RoleService at compile time.
var _ RoleService = (*roleService)(nil)
