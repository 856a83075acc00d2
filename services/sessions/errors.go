package sessions

import "evalsession/pkg/apperrors"

var (
	ErrSessionNotFound     = apperrors.New(apperrors.CodeSessionNotFound, "session not found")
	ErrSessionNotActive    = apperrors.New(apperrors.CodeSessionNotActive, "session is not active")
	ErrSessionActive       = apperrors.New(apperrors.CodeSessionActive, "active sessions cannot be deleted")
	ErrInvitesDisabled     = apperrors.New(apperrors.CodeInvitesDisabled, "invitations are disabled for this session")
	ErrUsageCapReached     = apperrors.New(apperrors.CodeUsageCapReached, "invitation link has reached its usage limit")
	ErrLinkExpired         = apperrors.New(apperrors.CodeLinkExpired, "invitation link has expired")
	ErrAnonymousNotAllowed = apperrors.New(apperrors.CodeAnonymousNotAllowed, "anonymous participation is not allowed")
	ErrApprovalPending     = apperrors.New(apperrors.CodeApprovalPending, "join request is awaiting approval")
	ErrRequestRejected     = apperrors.New(apperrors.CodeRequestRejected, "join request was rejected")
	ErrRequestNotFound     = apperrors.New(apperrors.CodeRequestNotFound, "participant request not found")
	ErrAlreadyReviewed     = apperrors.New(apperrors.CodeAlreadyReviewed, "participant request was already reviewed")
	ErrForbidden           = apperrors.New(apperrors.CodeForbidden, "only the session owner may perform this action")
	ErrInvalidTransition   = apperrors.New(apperrors.CodeInvalidTransition, "invalid session status transition")
)
