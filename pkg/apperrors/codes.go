package apperrors

// MemberExistsError messages.
const (
	MsgAlreadyMember  = "This user is already a member of the project"
	MsgAlreadyInvited = "This user has already been invited to the project"
)

// Generic errors.
var (
	ValidationError = define(KindInvalidData, "ValidationError", 3000,
		"The request data is invalid")
)

// Member errors.
var (
	MemberExistsError = define(KindEntityExists, "MemberExistsError", 3100,
		MsgAlreadyMember, MsgAlreadyInvited)

	MemberNotExistsError = define(KindEntityNotExists, "MemberNotExistsError", 3101,
		"This user is not a member of the project")

	FailedAcceptInviteError = define(KindInternal, "FailedAcceptInviteError", 3102,
		"Failed to accept the invitation")

	BlockingNonParticipantError = define(KindInvalidData, "BlockingNonParticipantError", 3103,
		"You can only block an active participant of the project")

	InvalidMemberStatusError = define(KindInvalidData, "InvalidMemberStatusError", 3104,
		"The participant's status does not allow this operation")
)

// Invite errors.
var (
	InviteNotExistsError = define(KindEntityNotExists, "InviteNotExistsError", 3110,
		"The invitation does not exist")

	InviteNotPendingError = define(KindInvalidData, "InviteNotPendingError", 3111,
		"The invitation has already been answered")

	InviteExpiredError = define(KindInvalidData, "InviteExpiredError", 3112,
		"The invitation has expired")
)

// Role errors.
var (
	RoleNotExistsError = define(KindEntityNotExists, "RoleNotExistsError", 3120,
		"The role does not exist in this project")

	RoleInUseError = define(KindInvalidData, "RoleInUseError", 3121,
		"The role is assigned to members or pending invitations")

	RoleExistsError = define(KindEntityExists, "RoleExistsError", 3122,
		"A role with this name already exists in the project")
)

// Project errors.
var (
	ProjectNotExistsError = define(KindEntityNotExists, "ProjectNotExistsError", 3130,
		"The project does not exist")
)
