package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"evalsession/pkg/apperrors"
	"evalsession/services/sessions"
)

// Preview is the read-only view of an invitation returned by Validate.
type Preview struct {
	SessionID       string          `json:"session_id"`
	SessionTitle    string          `json:"session_title"`
	Status          sessions.Status `json:"status"`
	RequireApproval bool            `json:"require_approval"`
	AllowAnonymous  bool            `json:"allow_anonymous"`
	RemainingUses   *int            `json:"remaining_uses,omitempty"`
	LinkExpiresAt   *time.Time      `json:"link_expires_at,omitempty"`
	TokenExpiresAt  time.Time       `json:"token_expires_at"`
}

// Validate reports whether token would currently be admissible without
// writing to the ledger or mutating the session.
func (c *Controller) Validate(ctx context.Context, raw string) (Preview, error) {
	ctx, span := c.tracer.Start(ctx, "admission.Validate")
	defer span.End()

	claims, err := c.codec.Verify(raw)
	if err != nil {
		return Preview{}, err
	}
	session, err := c.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if apperrors.IsDomain(err) {
			return Preview{}, err
		}
		return Preview{}, apperrors.Wrap(apperrors.CodeSystem, "invitation could not be validated", fmt.Errorf("load session: %w", err))
	}
	if err := c.checkAdmissible(session); err != nil {
		return Preview{}, err
	}

	settings := session.InviteSettings()
	return Preview{
		SessionID:       session.ID,
		SessionTitle:    session.Title,
		Status:          session.Status,
		RequireApproval: settings.RequireApproval,
		AllowAnonymous:  settings.AllowAnonymous || session.AllowAnonymous,
		RemainingUses:   settings.RemainingUses(),
		LinkExpiresAt:   settings.ExpiresAt,
		TokenExpiresAt:  claims.ExpiresAt,
	}, nil
}

// Review approves or rejects a pending participant request on behalf of the
// session owner.
func (c *Controller) Review(ctx context.Context, sessionID, requestID, reviewerID string, action sessions.ReviewAction, comment string) (sessions.ParticipantRequest, error) {
	ctx, span := c.tracer.Start(ctx, "admission.Review", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("request.id", requestID),
		attribute.String("review.action", string(action)),
	))
	defer span.End()

	if _, ok := sessions.ParseReviewAction(string(action)); !ok {
		return sessions.ParticipantRequest{}, apperrors.New(apperrors.CodeInvalidInput, "action must be approve or reject")
	}
	session, err := c.ownedSession(ctx, sessionID, reviewerID)
	if err != nil {
		return sessions.ParticipantRequest{}, err
	}

	now := c.now().UTC()
	reviewed, err := c.store.ReviewRequest(ctx, sessionID, requestID, sessions.Review{
		Action:     action,
		ReviewerID: reviewerID,
		Comment:    strings.TrimSpace(comment),
		ReviewedAt: now,
	})
	if err != nil {
		return sessions.ParticipantRequest{}, fmt.Errorf("review participant request: %w", err)
	}

	reviewsTotal.WithLabelValues(string(action)).Inc()
	c.logger.Info().
		Str("session_id", sessionID).
		Str("request_id", requestID).
		Str("reviewer_id", reviewerID).
		Str("status", string(reviewed.Status)).
		Msg("participant request reviewed")
	c.publish(ctx, sessions.SubjectRequestReviewed, sessions.RequestReviewedEvent{
		SessionID:    sessionID,
		SessionTitle: session.Title,
		RequestID:    reviewed.ID,
		UserID:       reviewed.UserID,
		ReviewerID:   reviewerID,
		Status:       reviewed.Status,
		Comment:      reviewed.ReviewComment,
		At:           now,
	})
	return reviewed, nil
}

// ListRequests returns the session's participant requests, optionally
// filtered by status, to the session owner.
func (c *Controller) ListRequests(ctx context.Context, sessionID, actorID string, status sessions.RequestStatus) ([]sessions.ParticipantRequest, error) {
	if _, err := c.ownedSession(ctx, sessionID, actorID); err != nil {
		return nil, err
	}
	requests, err := c.store.ListRequests(ctx, sessionID, status)
	if err != nil {
		return nil, fmt.Errorf("list participant requests: %w", err)
	}
	return requests, nil
}

// UsageReport summarises the session's ledger for its owner.
type UsageReport struct {
	Stats  sessions.LedgerStats  `json:"stats"`
	Recent []sessions.UsageEntry `json:"recent"`
}

// UsageReport returns ledger statistics and the most recent entries.
func (c *Controller) UsageReport(ctx context.Context, sessionID, actorID string, limit int) (UsageReport, error) {
	if _, err := c.ownedSession(ctx, sessionID, actorID); err != nil {
		return UsageReport{}, err
	}
	if limit <= 0 {
		limit = DefaultReportLimit
	}
	stats, err := c.store.Stats(ctx, sessionID)
	if err != nil {
		return UsageReport{}, fmt.Errorf("ledger stats: %w", err)
	}
	recent, err := c.store.Entries(ctx, sessionID, limit)
	if err != nil {
		return UsageReport{}, fmt.Errorf("ledger entries: %w", err)
	}
	return UsageReport{Stats: stats, Recent: recent}, nil
}

func (c *Controller) ownedSession(ctx context.Context, id, actorID string) (sessions.Session, error) {
	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		return sessions.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !session.IsOwner(actorID) {
		return sessions.Session{}, sessions.ErrForbidden
	}
	return session, nil
}
