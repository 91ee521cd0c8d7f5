package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-members/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-members/pkg/cache"
	"github.com/ekaya-inc/ekaya-members/pkg/database"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/query"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories"
	"github.com/ekaya-inc/ekaya-members/pkg/retry"
	"github.com/ekaya-inc/ekaya-members/pkg/telemetry"
)

// MemberService defines the interface for membership operations.
type MemberService interface {
	// CreateMembership adds userID to projectID with roleID and returns the
	// new membership ID. Fails with MemberExistsError when the pair is
	// already a member and RoleNotExistsError when roleID is not a role of
	// the project.
	CreateMembership(ctx context.Context, projectID, userID, roleID uuid.UUID) (uuid.UUID, error)

	// BlockMember moves an ACTIVE membership to BLOCKED.
	BlockMember(ctx context.Context, projectID, memberID uuid.UUID) error

	// UnblockMember moves a BLOCKED membership back to ACTIVE.
	UnblockMember(ctx context.Context, projectID, memberID uuid.UUID) error

	// ChangeMemberRole assigns roleID to the membership. Status is kept.
	ChangeMemberRole(ctx context.Context, projectID, memberID, roleID uuid.UUID) error

	// RemoveMember deletes the membership and drops the user from the
	// project's members index.
	RemoveMember(ctx context.Context, projectID, memberID uuid.UUID) error

	// ListMembers returns one page of the project's members with their roles.
	ListMembers(ctx context.Context, projectID uuid.UUID, page models.PageOptions) (*models.DataList[models.MemberView], error)

	// FindProjectMember returns userID's membership in projectID with its
	// role permissions, or nil when the user is not a member.
	FindProjectMember(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, error)
}

type memberService struct {
	projectRepo repositories.ProjectRepository
	memberRepo  repositories.MemberRepository
	roleRepo    repositories.RoleRepository
	tx          database.Transactor
	cache       cache.MemberCache
	pages       models.PageSizeConfig
	retryCfg    *retry.Config
	logger      *zap.Logger
}

// NewMemberService creates a new membership service with dependencies.
func NewMemberService(
	projectRepo repositories.ProjectRepository,
	memberRepo repositories.MemberRepository,
	roleRepo repositories.RoleRepository,
	tx database.Transactor,
	memberCache cache.MemberCache,
	pages models.PageSizeConfig,
	logger *zap.Logger,
) MemberService {
	if memberCache == nil {
		memberCache = cache.NewNoopMemberCache()
	}
	logger = logger.Named("members")

	retryCfg := retry.DefaultConfig()
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("Retrying members index update",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	return &memberService{
		projectRepo: projectRepo,
		memberRepo:  memberRepo,
		roleRepo:    roleRepo,
		tx:          tx,
		cache:       memberCache,
		pages:       pages,
		retryCfg:    retryCfg,
		logger:      logger,
	}
}

func (s *memberService) CreateMembership(ctx context.Context, projectID, userID, roleID uuid.UUID) (memberID uuid.UUID, err error) {
	ctx, span := telemetry.Start(ctx, "MemberService.CreateMembership",
		attribute.String("project.id", projectID.String()),
		attribute.String("user.id", userID.String()))
	defer func() { telemetry.End(span, err) }()

	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := requireProjectRole(ctx, s.roleRepo, projectID, roleID); err != nil {
			return err
		}

		existing, err := s.memberRepo.Count(ctx, memberPairFilter(projectID, userID))
		if err != nil {
			return fmt.Errorf("failed to check membership: %w", err)
		}
		if existing > 0 {
			return apperrors.MemberExistsError.WithMessage(apperrors.MsgAlreadyMember)
		}

		member := &models.Member{
			ProjectID: projectID,
			UserID:    userID,
			Status:    models.MemberStatusActive,
			RoleID:    roleID,
		}
		if err := s.memberRepo.Create(ctx, member); err != nil {
			if errors.Is(err, apperrors.ErrConflict) {
				return apperrors.MemberExistsError.WithMessage(apperrors.MsgAlreadyMember)
			}
			return fmt.Errorf("failed to create membership: %w", err)
		}

		if err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
			return s.projectRepo.AddMember(ctx, projectID, userID)
		}); err != nil {
			return err
		}

		memberID = member.ID
		s.invalidateAfterCommit(ctx, projectID, userID)
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("Membership created",
		zap.String("project_id", projectID.String()),
		zap.String("user_id", userID.String()),
		zap.String("member_id", memberID.String()))
	return memberID, nil
}

func (s *memberService) BlockMember(ctx context.Context, projectID, memberID uuid.UUID) (err error) {
	ctx, span := telemetry.Start(ctx, "MemberService.BlockMember",
		attribute.String("project.id", projectID.String()),
		attribute.String("member.id", memberID.String()))
	defer func() { telemetry.End(span, err) }()

	return s.transition(ctx, projectID, memberID, models.MemberStatusBlocked, apperrors.BlockingNonParticipantError)
}

func (s *memberService) UnblockMember(ctx context.Context, projectID, memberID uuid.UUID) (err error) {
	ctx, span := telemetry.Start(ctx, "MemberService.UnblockMember",
		attribute.String("project.id", projectID.String()),
		attribute.String("member.id", memberID.String()))
	defer func() { telemetry.End(span, err) }()

	return s.transition(ctx, projectID, memberID, models.MemberStatusActive, apperrors.InvalidMemberStatusError)
}

// transition moves the membership to next when its current status allows
// it, and fails with refused otherwise. The update is guarded on the status
// that was read, so a concurrent change is refused too.
func (s *memberService) transition(ctx context.Context, projectID, memberID uuid.UUID, next models.MemberStatus, refused *apperrors.Error) error {
	member, err := s.getProjectMember(ctx, projectID, memberID)
	if err != nil {
		return err
	}
	if !member.Status.CanTransitionTo(next) {
		return refused.New()
	}

	err = s.memberRepo.UpdateByID(ctx, member.ID,
		query.Apply(query.Set("status", string(next))),
		query.Where(query.Eq("status", string(member.Status))))
	if errors.Is(err, apperrors.ErrNotFound) {
		return refused.New()
	}
	if err != nil {
		return fmt.Errorf("failed to update member status: %w", err)
	}

	s.invalidateAfterCommit(ctx, projectID, member.UserID)
	s.logger.Info("Member status changed",
		zap.String("project_id", projectID.String()),
		zap.String("member_id", memberID.String()),
		zap.String("from", string(member.Status)),
		zap.String("to", string(next)))
	return nil
}

func (s *memberService) ChangeMemberRole(ctx context.Context, projectID, memberID, roleID uuid.UUID) (err error) {
	ctx, span := telemetry.Start(ctx, "MemberService.ChangeMemberRole",
		attribute.String("project.id", projectID.String()),
		attribute.String("member.id", memberID.String()))
	defer func() { telemetry.End(span, err) }()

	member, err := s.getProjectMember(ctx, projectID, memberID)
	if err != nil {
		return err
	}
	if _, err := requireProjectRole(ctx, s.roleRepo, projectID, roleID); err != nil {
		return err
	}

	err = s.memberRepo.UpdateByID(ctx, member.ID, query.Apply(query.Set("role_id", roleID)), nil)
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.MemberNotExistsError.New()
	}
	if err != nil {
		return fmt.Errorf("failed to change member role: %w", err)
	}

	s.invalidateAfterCommit(ctx, projectID, member.UserID)
	return nil
}

func (s *memberService) RemoveMember(ctx context.Context, projectID, memberID uuid.UUID) (err error) {
	ctx, span := telemetry.Start(ctx, "MemberService.RemoveMember",
		attribute.String("project.id", projectID.String()),
		attribute.String("member.id", memberID.String()))
	defer func() { telemetry.End(span, err) }()

	var userID uuid.UUID
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		member, err := s.getProjectMember(ctx, projectID, memberID)
		if err != nil {
			return err
		}
		userID = member.UserID

		if err := s.memberRepo.Delete(ctx, member.ID); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return apperrors.MemberNotExistsError.New()
			}
			return fmt.Errorf("failed to delete membership: %w", err)
		}

		if err := retry.DoIfRetryable(ctx, s.retryCfg, func() error {
			return s.projectRepo.RemoveMember(ctx, projectID, userID)
		}); err != nil {
			return err
		}

		s.invalidateAfterCommit(ctx, projectID, userID)
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Member removed",
		zap.String("project_id", projectID.String()),
		zap.String("user_id", userID.String()))
	return nil
}

func (s *memberService) ListMembers(ctx context.Context, projectID uuid.UUID, page models.PageOptions) (list *models.DataList[models.MemberView], err error) {
	ctx, span := telemetry.Start(ctx, "MemberService.ListMembers",
		attribute.String("project.id", projectID.String()))
	defer func() { telemetry.End(span, err) }()

	return s.memberRepo.ListByProject(ctx, projectID, page.Normalize(s.pages))
}

func (s *memberService) FindProjectMember(ctx context.Context, projectID, userID uuid.UUID) (pm *models.ProjectMember, err error) {
	ctx, span := telemetry.Start(ctx, "MemberService.FindProjectMember",
		attribute.String("project.id", projectID.String()),
		attribute.String("user.id", userID.String()))
	defer func() { telemetry.End(span, err) }()

	cached, hit, err := s.cache.Get(ctx, projectID, userID)
	if err != nil {
		s.logger.Warn("Member cache read failed", zap.Error(err))
	} else if hit {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}

	// The version is taken before the read so a result that an invalidation
	// has overtaken is never stored.
	version, versionErr := s.cache.Version(ctx, projectID, userID)
	if versionErr != nil {
		s.logger.Warn("Member cache version read failed", zap.Error(versionErr))
	}

	pm, err = s.projectRepo.FindProjectMember(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}

	if versionErr == nil {
		stored, err := s.cache.Set(ctx, projectID, userID, version, pm)
		if err != nil {
			s.logger.Warn("Member cache write failed", zap.Error(err))
		} else if !stored {
			s.logger.Debug("Stale member lookup not cached",
				zap.String("project_id", projectID.String()),
				zap.String("user_id", userID.String()))
		}
	}
	return pm, nil
}

// getProjectMember loads memberID and checks it belongs to projectID.
func (s *memberService) getProjectMember(ctx context.Context, projectID, memberID uuid.UUID) (*models.Member, error) {
	member, err := s.memberRepo.GetByID(ctx, memberID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.MemberNotExistsError.New()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	if member.ProjectID != projectID {
		return nil, apperrors.MemberNotExistsError.New()
	}
	return member, nil
}

// invalidateAfterCommit drops the cached membership once the outermost
// unit of work in ctx has committed.
func (s *memberService) invalidateAfterCommit(ctx context.Context, projectID, userID uuid.UUID) {
	database.AfterCommit(ctx, func(ctx context.Context) {
		if err := s.cache.Invalidate(ctx, projectID, userID); err != nil {
			s.logger.Warn("Member cache invalidation failed",
				zap.String("project_id", projectID.String()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	})
}

// requireProjectRole loads roleID and checks it belongs to projectID.
func requireProjectRole(ctx context.Context, roles repositories.RoleRepository, projectID, roleID uuid.UUID) (*models.Role, error) {
	role, err := roles.GetByID(ctx, roleID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.RoleNotExistsError.New()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	if role.ProjectID != projectID {
		return nil, apperrors.RoleNotExistsError.New()
	}
	return role, nil
}

func memberPairFilter(projectID, userID uuid.UUID) query.Filter {
	return query.Where(
		query.Eq("project_id", projectID),
		query.Eq("user_id", userID),
	)
}

// Ensure memberService implements MemberService at compile time.
var _ MemberService = (*memberService)(nil)
