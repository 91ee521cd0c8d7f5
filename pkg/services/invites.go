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
	"github.com/ekaya-inc/ekaya-members/pkg/database"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/query"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories"
	"github.com/ekaya-inc/ekaya-members/pkg/telemetry"
)

// InviteService defines the interface for invitation operations.
type InviteService interface {
	// CreateInvite invites userID to projectID with roleID and returns the
	// invite ID. Fails with MemberExistsError when the user is already a
	// member or already holds a pending invite for the project.
	CreateInvite(ctx context.Context, userID, projectID, roleID uuid.UUID) (uuid.UUID, error)

	// ExpandInvite returns the invite with its project and role names, or
	// nil when it does not exist.
	ExpandInvite(ctx context.Context, inviteID uuid.UUID) (*models.InviteExpand, error)

	// AcceptInvite turns a pending invite into a membership and returns the
	// membership ID.
	AcceptInvite(ctx context.Context, inviteID uuid.UUID) (uuid.UUID, error)

	// DeclineInvite closes a pending invite without creating a membership.
	DeclineInvite(ctx context.Context, inviteID uuid.UUID) error

	// ListUserInvites returns one page of the pending invites of userID.
	// Invites past their expiry are left out.
	ListUserInvites(ctx context.Context, userID uuid.UUID, page models.PageOptions) (*models.DataList[models.InvitePreview], error)
}

type inviteService struct {
	inviteRepo  repositories.InviteRepository
	projectRepo repositories.ProjectRepository
	memberRepo  repositories.MemberRepository
	roleRepo    repositories.RoleRepository
	members     MemberService
	tx          database.Transactor
	ttl         time.Duration
	pages       models.PageSizeConfig
	now         func() time.Time
	logger      *zap.Logger
}

// NewInviteService creates a new invitation service with dependencies.
// A positive ttl gives new invites an expiry.
func NewInviteService(
	inviteRepo repositories.InviteRepository,
	projectRepo repositories.ProjectRepository,
	memberRepo repositories.MemberRepository,
	roleRepo repositories.RoleRepository,
	members MemberService,
	tx database.Transactor,
	ttl time.Duration,
	pages models.PageSizeConfig,
	logger *zap.Logger,
) InviteService {
	return &inviteService{
		inviteRepo:  inviteRepo,
		projectRepo: projectRepo,
		memberRepo:  memberRepo,
		roleRepo:    roleRepo,
		members:     members,
		tx:          tx,
		ttl:         ttl,
		pages:       pages,
		now:         time.Now,
		logger:      logger.Named("invites"),
	}
}

func (s *inviteService) CreateInvite(ctx context.Context, userID, projectID, roleID uuid.UUID) (inviteID uuid.UUID, err error) {
	ctx, span := telemetry.Start(ctx, "InviteService.CreateInvite",
		attribute.String("project.id", projectID.String()),
		attribute.String("user.id", userID.String()))
	defer func() { telemetry.End(span, err) }()

	if _, err := s.projectRepo.GetByID(ctx, projectID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return uuid.Nil, apperrors.ProjectNotExistsError.New()
		}
		return uuid.Nil, fmt.Errorf("failed to get project: %w", err)
	}
	if _, err := requireProjectRole(ctx, s.roleRepo, projectID, roleID); err != nil {
		return uuid.Nil, err
	}

	members, err := s.memberRepo.Count(ctx, memberPairFilter(projectID, userID))
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to check membership: %w", err)
	}
	if members > 0 {
		return uuid.Nil, apperrors.MemberExistsError.WithMessage(apperrors.MsgAlreadyMember)
	}

	pending, err := s.inviteRepo.FindPending(ctx, projectID, userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to check pending invites: %w", err)
	}
	if pending != nil {
		if !pending.IsExpired(s.now()) {
			return uuid.Nil, apperrors.MemberExistsError.WithMessage(apperrors.MsgAlreadyInvited)
		}
		// An expired invite no longer blocks a new one.
		if err := s.answer(ctx, pending.ID, models.InviteStatusExpired); err != nil && !errors.Is(err, apperrors.InviteNotPendingError) {
			return uuid.Nil, err
		}
		s.logger.Info("Invite expired", zap.String("invite_id", pending.ID.String()))
	}

	invite := &models.Invite{
		UserID:    userID,
		ProjectID: projectID,
		RoleID:    roleID,
		Status:    models.InviteStatusNew,
	}
	if s.ttl > 0 {
		expiresAt := s.now().UTC().Add(s.ttl).Truncate(time.Millisecond)
		invite.ExpiresAt = &expiresAt
	}

	if err := s.inviteRepo.Create(ctx, invite); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return uuid.Nil, apperrors.MemberExistsError.WithMessage(apperrors.MsgAlreadyInvited)
		}
		return uuid.Nil, fmt.Errorf("failed to create invite: %w", err)
	}

	s.logger.Info("Invite created",
		zap.String("invite_id", invite.ID.String()),
		zap.String("project_id", projectID.String()),
		zap.String("user_id", userID.String()))
	return invite.ID, nil
}

func (s *inviteService) ExpandInvite(ctx context.Context, inviteID uuid.UUID) (expand *models.InviteExpand, err error) {
	ctx, span := telemetry.Start(ctx, "InviteService.ExpandInvite",
		attribute.String("invite.id", inviteID.String()))
	defer func() { telemetry.End(span, err) }()

	return s.inviteRepo.Expand(ctx, inviteID)
}

func (s *inviteService) AcceptInvite(ctx context.Context, inviteID uuid.UUID) (memberID uuid.UUID, err error) {
	ctx, span := telemetry.Start(ctx, "InviteService.AcceptInvite",
		attribute.String("invite.id", inviteID.String()))
	defer func() { telemetry.End(span, err) }()

	invite, err := s.getPending(ctx, inviteID)
	if err != nil {
		return uuid.Nil, err
	}

	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		id, err := s.members.CreateMembership(ctx, invite.ProjectID, invite.UserID, invite.RoleID)
		if err != nil {
			return apperrors.FailedAcceptInviteError.Wrap(err)
		}
		if err := s.answer(ctx, invite.ID, models.InviteStatusAccepted); err != nil {
			return err
		}
		memberID = id
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}

	s.logger.Info("Invite accepted",
		zap.String("invite_id", inviteID.String()),
		zap.String("member_id", memberID.String()))
	return memberID, nil
}

func (s *inviteService) DeclineInvite(ctx context.Context, inviteID uuid.UUID) (err error) {
	ctx, span := telemetry.Start(ctx, "InviteService.DeclineInvite",
		attribute.String("invite.id", inviteID.String()))
	defer func() { telemetry.End(span, err) }()

	invite, err := s.getPending(ctx, inviteID)
	if err != nil {
		return err
	}
	return s.answer(ctx, invite.ID, models.InviteStatusDeclined)
}

func (s *inviteService) ListUserInvites(ctx context.Context, userID uuid.UUID, page models.PageOptions) (list *models.DataList[models.InvitePreview], err error) {
	ctx, span := telemetry.Start(ctx, "InviteService.ListUserInvites",
		attribute.String("user.id", userID.String()))
	defer func() { telemetry.End(span, err) }()

	return s.inviteRepo.ListForUser(ctx, userID, s.now().UTC(), page.Normalize(s.pages))
}

// getPending loads an invite that can still be answered. An invite found
// past its expiry is moved to EXPIRED before InviteExpiredError is returned.
func (s *inviteService) getPending(ctx context.Context, inviteID uuid.UUID) (*models.Invite, error) {
	invite, err := s.inviteRepo.GetByID(ctx, inviteID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.InviteNotExistsError.New()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invite: %w", err)
	}
	if invite.Status != models.InviteStatusNew {
		return nil, apperrors.InviteNotPendingError.New()
	}

	if invite.IsExpired(s.now()) {
		if err := s.answer(ctx, invite.ID, models.InviteStatusExpired); err != nil {
			return nil, err
		}
		s.logger.Info("Invite expired", zap.String("invite_id", invite.ID.String()))
		return nil, apperrors.InviteExpiredError.New()
	}
	return invite, nil
}

// answer moves a NEW invite to the terminal status next. The update is
// guarded on NEW, so only one answer ever wins.
func (s *inviteService) answer(ctx context.Context, inviteID uuid.UUID, next models.InviteStatus) error {
	if !models.InviteStatusNew.CanTransitionTo(next) {
		return fmt.Errorf("invalid invite transition to %s", next)
	}

	err := s.inviteRepo.UpdateByID(ctx, inviteID,
		query.Apply(query.Set("status", string(next))),
		query.Where(query.Eq("status", string(models.InviteStatusNew))))
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.InviteNotPendingError.New()
	}
	if err != nil {
		return fmt.Errorf("failed to update invite status: %w", err)
	}
	return nil
}

// Ensure inviteService implements InviteService at compile time.
var _ InviteService = (*inviteService)(nil)
