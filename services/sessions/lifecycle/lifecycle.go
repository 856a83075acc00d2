// Package lifecycle owns session creation, status transitions and invite-link
// issuance.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"evalsession/pkg/apperrors"
	"evalsession/services/sessions"
	"evalsession/services/sessions/token"
)

// DefaultInviteTTL is the token lifetime used when neither a link expiry nor
// an explicit ttl is supplied.
const DefaultInviteTTL = token.DefaultTTL

var transitions = map[sessions.Status][]sessions.Status{
	sessions.StatusDraft:     {sessions.StatusActive, sessions.StatusArchived},
	sessions.StatusActive:    {sessions.StatusCompleted, sessions.StatusArchived},
	sessions.StatusCompleted: {sessions.StatusArchived},
	sessions.StatusArchived:  nil,
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to sessions.Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Config wires a Service.
type Config struct {
	Store     sessions.SessionStore
	Codec     *token.Codec
	Publisher sessions.Publisher
	Logger    *zerolog.Logger
	Now       func() time.Time

	// RequireEvaluatorsToActivate rejects draft -> active while the
	// evaluator set is empty.
	RequireEvaluatorsToActivate bool
	// InviteTTL overrides DefaultInviteTTL.
	InviteTTL time.Duration
	// InviteBaseURL is joined with the token to build the shareable link.
	InviteBaseURL string
}

// Service implements the session lifecycle.
type Service struct {
	store     sessions.SessionStore
	codec     *token.Codec
	publisher sessions.Publisher
	logger    zerolog.Logger
	now       func() time.Time
	tracer    trace.Tracer

	requireEvaluators bool
	inviteTTL         time.Duration
	inviteBaseURL     string
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("lifecycle: token codec is required")
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = DefaultInviteTTL
	}
	return &Service{
		store:             cfg.Store,
		codec:             cfg.Codec,
		publisher:         cfg.Publisher,
		logger:            logger.With().Str("component", "lifecycle").Logger(),
		now:               cfg.Now,
		tracer:            otel.Tracer("evalsession/lifecycle"),
		requireEvaluators: cfg.RequireEvaluatorsToActivate,
		inviteTTL:         cfg.InviteTTL,
		inviteBaseURL:     strings.TrimRight(cfg.InviteBaseURL, "/"),
	}, nil
}

// CreateInput describes a new session.
type CreateInput struct {
	OwnerID        string
	Title          string
	StartTime      *time.Time
	EndTime        *time.Time
	AllowAnonymous bool
	Invite         *sessions.InviteSettings
}

// Create stores a new draft session owned by in.OwnerID.
func (s *Service) Create(ctx context.Context, in CreateInput) (sessions.Session, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Create")
	defer span.End()

	ownerID := strings.TrimSpace(in.OwnerID)
	title := strings.TrimSpace(in.Title)
	if ownerID == "" {
		return sessions.Session{}, apperrors.New(apperrors.CodeInvalidInput, "owner id is required")
	}
	if title == "" {
		return sessions.Session{}, apperrors.New(apperrors.CodeInvalidInput, "title is required")
	}
	if in.StartTime != nil && in.EndTime != nil && in.EndTime.Before(*in.StartTime) {
		return sessions.Session{}, apperrors.New(apperrors.CodeInvalidInput, "end time must not precede start time")
	}
	if in.Invite != nil {
		if err := validateMaxUses(in.Invite.MaxUses); err != nil {
			return sessions.Session{}, err
		}
	}

	invite := sessions.DefaultInviteSettings()
	if in.Invite != nil {
		invite = *in.Invite
		invite.CurrentUses = 0
	}

	created, err := s.store.CreateSession(ctx, sessions.Session{
		OwnerID:        ownerID,
		Title:          title,
		Status:         sessions.StatusDraft,
		StartTime:      in.StartTime,
		EndTime:        in.EndTime,
		AllowAnonymous: in.AllowAnonymous,
		Evaluators:     []string{},
		Invite:         &invite,
	})
	if err != nil {
		return sessions.Session{}, fmt.Errorf("create session: %w", err)
	}
	span.SetAttributes(attribute.String("session.id", created.ID))
	s.logger.Info().Str("session_id", created.ID).Str("owner_id", ownerID).Msg("session created")
	return created, nil
}

// Get loads a session.
func (s *Service) Get(ctx context.Context, id string) (sessions.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return sessions.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// Delete removes a session that is not currently active. Participant requests
// and ledger rows referencing it are kept.
func (s *Service) Delete(ctx context.Context, id, actorID string) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle.Delete", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	session, err := s.ownedSession(ctx, id, actorID)
	if err != nil {
		return err
	}
	if session.Status == sessions.StatusActive {
		return sessions.ErrSessionActive
	}
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.logger.Info().Str("session_id", id).Str("actor_id", actorID).Msg("session deleted")
	return nil
}

// ChangeStatus moves a session to status to on behalf of its owner.
func (s *Service) ChangeStatus(ctx context.Context, id, actorID string, to sessions.Status) (sessions.Session, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.ChangeStatus", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("session.to", string(to)),
	))
	defer span.End()

	session, err := s.ownedSession(ctx, id, actorID)
	if err != nil {
		return sessions.Session{}, err
	}
	from := session.Status
	if !CanTransition(from, to) {
		return sessions.Session{}, apperrors.New(apperrors.CodeInvalidTransition,
			fmt.Sprintf("cannot move session from %s to %s", from, to))
	}
	if to == sessions.StatusActive && s.requireEvaluators && len(session.Evaluators) == 0 {
		return sessions.Session{}, apperrors.New(apperrors.CodeInvalidTransition,
			"session needs at least one evaluator before it can be activated")
	}

	now := s.now().UTC()
	update := sessions.StatusUpdate{To: to}
	switch to {
	case sessions.StatusActive:
		if session.StartTime == nil || session.StartTime.Before(now) {
			update.StartTime = &now
		}
	case sessions.StatusCompleted:
		if session.EndTime == nil {
			update.EndTime = &now
		}
	}
	if to.Terminal() {
		update.DisableInvites = true
	}

	updated, err := s.store.UpdateStatus(ctx, id, from, update)
	if err != nil {
		return sessions.Session{}, fmt.Errorf("update session status: %w", err)
	}

	transitionsTotal.WithLabelValues(string(to)).Inc()
	s.logger.Info().Str("session_id", id).Str("from", string(from)).Str("to", string(to)).Msg("session status changed")
	s.publish(ctx, sessions.SubjectStatusChanged, sessions.StatusChangedEvent{
		SessionID: id,
		From:      from,
		To:        to,
		ActorID:   actorID,
		At:        now,
	})
	return updated, nil
}

// InviteRequest carries the settings applied when issuing an invite link.
// Nil fields keep the session's current value.
type InviteRequest struct {
	ExpiresAt       *time.Time
	MaxUses         *int
	AllowAnonymous  *bool
	RequireApproval *bool
	// ResetUses zeroes the usage counter.
	ResetUses bool
	// TTL bounds the token lifetime. A link expiry, requested or stored,
	// caps it further.
	TTL time.Duration
}

// Invite is a freshly issued invitation link.
type Invite struct {
	Token     string                  `json:"token"`
	URL       string                  `json:"url"`
	ExpiresAt time.Time               `json:"expires_at"`
	Settings  sessions.InviteSettings `json:"invite_settings"`
}

// IssueInvite enables invitations with the requested settings and signs a
// token for the session.
func (s *Service) IssueInvite(ctx context.Context, id, actorID string, req InviteRequest) (Invite, error) {
	ctx, span := s.tracer.Start(ctx, "lifecycle.IssueInvite", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	session, err := s.ownedSession(ctx, id, actorID)
	if err != nil {
		return Invite{}, err
	}
	if session.Status != sessions.StatusDraft && session.Status != sessions.StatusActive {
		return Invite{}, sessions.ErrSessionNotActive
	}
	if err := validateMaxUses(req.MaxUses); err != nil {
		return Invite{}, err
	}

	now := s.now().UTC()
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.inviteTTL
	}

	settings := session.InviteSettings()
	settings.IsEnabled = true
	if req.ExpiresAt != nil {
		expires := req.ExpiresAt.UTC()
		settings.ExpiresAt = &expires
	}
	// The token never outlives the link.
	if settings.ExpiresAt != nil {
		remaining := settings.ExpiresAt.Sub(now)
		if remaining <= 0 {
			return Invite{}, apperrors.New(apperrors.CodeInvalidInput, "invite expiry must be in the future")
		}
		if req.ExpiresAt != nil || remaining < ttl {
			ttl = remaining
		}
	}
	if req.MaxUses != nil {
		maxUses := *req.MaxUses
		settings.MaxUses = &maxUses
	}
	if req.AllowAnonymous != nil {
		settings.AllowAnonymous = *req.AllowAnonymous
	}
	if req.RequireApproval != nil {
		settings.RequireApproval = *req.RequireApproval
	}

	raw, claims, err := s.codec.Issue(session.ID, ttl)
	if err != nil {
		return Invite{}, fmt.Errorf("issue invite token: %w", err)
	}
	updated, err := s.store.SaveInviteSettings(ctx, session.ID, settings, req.ResetUses)
	if err != nil {
		return Invite{}, fmt.Errorf("save invite settings: %w", err)
	}

	s.logger.Info().
		Str("session_id", session.ID).
		Str("token", token.Fragment(raw)).
		Time("expires_at", claims.ExpiresAt).
		Msg("invite issued")
	return Invite{
		Token:     raw,
		URL:       s.inviteURL(raw),
		ExpiresAt: claims.ExpiresAt,
		Settings:  updated.InviteSettings(),
	}, nil
}

// DisableInvites stops the session from admitting anyone through its link.
// Issued tokens stay cryptographically valid but fail admission.
func (s *Service) DisableInvites(ctx context.Context, id, actorID string) (sessions.Session, error) {
	session, err := s.ownedSession(ctx, id, actorID)
	if err != nil {
		return sessions.Session{}, err
	}
	settings := session.InviteSettings()
	settings.IsEnabled = false
	updated, err := s.store.SaveInviteSettings(ctx, id, settings, false)
	if err != nil {
		return sessions.Session{}, fmt.Errorf("save invite settings: %w", err)
	}
	s.logger.Info().Str("session_id", id).Msg("invites disabled")
	return updated, nil
}

func (s *Service) ownedSession(ctx context.Context, id, actorID string) (sessions.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return sessions.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !session.IsOwner(actorID) {
		return sessions.Session{}, sessions.ErrForbidden
	}
	return session, nil
}

func (s *Service) inviteURL(raw string) string {
	if s.inviteBaseURL == "" {
		return ""
	}
	joined, err := url.JoinPath(s.inviteBaseURL, raw)
	if err != nil {
		return s.inviteBaseURL + "/" + raw
	}
	return joined
}

func (s *Service) publish(ctx context.Context, subject string, v any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, subject, v); err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

func validateMaxUses(maxUses *int) error {
	if maxUses != nil && *maxUses < 1 {
		return apperrors.New(apperrors.CodeInvalidInput, "max uses must be at least 1")
	}
	return nil
}
