// Package admission decides whether an invitation-token join attempt succeeds,
// is queued for owner approval, or is rejected, and records every attempt in
// the usage ledger.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"evalsession/pkg/apperrors"
	"evalsession/services/sessions"
	"evalsession/services/sessions/token"
)

// DefaultReportLimit bounds the recent entries included in a usage report.
const DefaultReportLimit = 50

// Outcome is the kind of successful admission.
type Outcome string

const (
	// OutcomeJoined is a first-time join that consumed one invite use.
	OutcomeJoined Outcome = "joined"
	// OutcomeAlreadyParticipant is an idempotent re-entry.
	OutcomeAlreadyParticipant Outcome = "already_participant"
	// OutcomeApprovalRequested means a pending participant request was created.
	OutcomeApprovalRequested Outcome = "approval_requested"
)

// Attempt is a single join attempt.
type Attempt struct {
	Token string
	// UserID identifies the requester; empty means anonymous.
	UserID        string
	Message       string
	ClientAddress string
	UserAgent     string
}

// Result describes a successful admission.
type Result struct {
	Outcome       Outcome `json:"outcome"`
	SessionID     string  `json:"session_id"`
	SessionTitle  string  `json:"session_title"`
	UserID        string  `json:"user_id,omitempty"`
	Anonymous     bool    `json:"anonymous"`
	RequestID     string  `json:"request_id,omitempty"`
	CurrentUses   int     `json:"current_uses"`
	RemainingUses *int    `json:"remaining_uses,omitempty"`
}

// Config wires a Controller.
type Config struct {
	Store     sessions.Store
	Codec     *token.Codec
	Publisher sessions.Publisher
	Logger    *zerolog.Logger
	Now       func() time.Time
}

// Controller runs admissions and participant-request reviews.
type Controller struct {
	store     sessions.Store
	codec     *token.Codec
	publisher sessions.Publisher
	logger    zerolog.Logger
	now       func() time.Time
	tracer    trace.Tracer
}

// New validates cfg and returns a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("admission: store is required")
	}
	if cfg.Codec == nil {
		return nil, errors.New("admission: token codec is required")
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		store:     cfg.Store,
		codec:     cfg.Codec,
		publisher: cfg.Publisher,
		logger:    logger.With().Str("component", "admission").Logger(),
		now:       cfg.Now,
		tracer:    otel.Tracer("evalsession/admission"),
	}, nil
}

// Admit evaluates a join attempt. Domain failures are written to the ledger
// and returned as *apperrors.Error values; storage faults are returned as
// SystemError and leave no ledger row.
func (c *Controller) Admit(ctx context.Context, attempt Attempt) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "admission.Admit")
	defer span.End()

	userID := strings.TrimSpace(attempt.UserID)
	entry := sessions.UsageEntry{
		TokenFragment: token.Fragment(attempt.Token),
		UserID:        userID,
		At:            c.now().UTC(),
		ClientAddress: attempt.ClientAddress,
		UserAgent:     attempt.UserAgent,
	}

	claims, err := c.codec.Verify(attempt.Token)
	if err != nil {
		entry.SessionID = claims.SessionID
		return c.reject(ctx, span, entry, err)
	}
	entry.SessionID = claims.SessionID
	span.SetAttributes(attribute.String("session.id", claims.SessionID))

	session, err := c.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			return c.reject(ctx, span, entry, sessions.ErrSessionNotFound)
		}
		return c.fault(span, entry, "load session", err)
	}

	if err := c.checkAdmissible(session); err != nil {
		return c.reject(ctx, span, entry, err)
	}
	settings := session.InviteSettings()
	if userID == "" && !settings.AllowAnonymous && !session.AllowAnonymous {
		return c.reject(ctx, span, entry, sessions.ErrAnonymousNotAllowed)
	}

	if session.HasEvaluator(userID) {
		return c.accept(ctx, span, entry, resultFor(session, userID, OutcomeAlreadyParticipant))
	}

	if userID != "" && settings.RequireApproval {
		return c.admitWithApproval(ctx, span, entry, session, attempt)
	}
	return c.join(ctx, span, entry, session, userID, false)
}

func (c *Controller) admitWithApproval(ctx context.Context, span trace.Span, entry sessions.UsageEntry, session sessions.Session, attempt Attempt) (Result, error) {
	userID := entry.UserID
	existing, err := c.store.FindRequest(ctx, session.ID, userID)
	switch {
	case errors.Is(err, sessions.ErrRequestNotFound):
		return c.createRequest(ctx, span, entry, session, attempt)
	case err != nil:
		return c.fault(span, entry, "find participant request", err)
	}

	switch existing.Status {
	case sessions.RequestApproved:
		return c.join(ctx, span, entry, session, userID, true)
	case sessions.RequestRejected:
		return c.reject(ctx, span, entry, sessions.ErrRequestRejected)
	default:
		return c.reject(ctx, span, entry, sessions.ErrApprovalPending)
	}
}

func (c *Controller) createRequest(ctx context.Context, span trace.Span, entry sessions.UsageEntry, session sessions.Session, attempt Attempt) (Result, error) {
	req, created, err := c.store.CreateRequest(ctx, sessions.ParticipantRequest{
		SessionID:     session.ID,
		UserID:        entry.UserID,
		Status:        sessions.RequestPending,
		RequestedAt:   entry.At,
		TokenFragment: entry.TokenFragment,
		Message:       strings.TrimSpace(attempt.Message),
	})
	if err != nil {
		return c.fault(span, entry, "create participant request", err)
	}
	if !created {
		// A concurrent attempt by the same user won the insert.
		switch req.Status {
		case sessions.RequestApproved:
			return c.join(ctx, span, entry, session, entry.UserID, true)
		case sessions.RequestRejected:
			return c.reject(ctx, span, entry, sessions.ErrRequestRejected)
		default:
			return c.reject(ctx, span, entry, sessions.ErrApprovalPending)
		}
	}

	c.publish(ctx, sessions.SubjectRequestCreated, sessions.RequestCreatedEvent{
		SessionID:    session.ID,
		SessionTitle: session.Title,
		OwnerID:      session.OwnerID,
		RequestID:    req.ID,
		UserID:       req.UserID,
		Message:      req.Message,
		At:           req.RequestedAt,
	})

	result := resultFor(session, entry.UserID, OutcomeApprovalRequested)
	result.RequestID = req.ID
	return c.accept(ctx, span, entry, result)
}

func (c *Controller) join(ctx context.Context, span trace.Span, entry sessions.UsageEntry, session sessions.Session, userID string, viaApproval bool) (Result, error) {
	joined, outcome, err := c.store.Join(ctx, session.ID, userID)
	if err != nil {
		if apperrors.IsDomain(err) {
			return c.reject(ctx, span, entry, err)
		}
		return c.fault(span, entry, "join session", err)
	}
	if outcome == sessions.JoinAlreadyPresent {
		return c.accept(ctx, span, entry, resultFor(joined, userID, OutcomeAlreadyParticipant))
	}

	result := resultFor(joined, userID, OutcomeJoined)
	c.publish(ctx, sessions.SubjectParticipantJoined, sessions.ParticipantJoinedEvent{
		SessionID:   joined.ID,
		UserID:      userID,
		Anonymous:   userID == "",
		ViaApproval: viaApproval,
		CurrentUses: result.CurrentUses,
		At:          entry.At,
	})
	return c.accept(ctx, span, entry, result)
}

// checkAdmissible applies the session-level admission rules in order.
func (c *Controller) checkAdmissible(session sessions.Session) error {
	settings := session.InviteSettings()
	switch {
	case !settings.IsEnabled:
		return sessions.ErrInvitesDisabled
	case session.Status != sessions.StatusActive:
		return sessions.ErrSessionNotActive
	case settings.CapReached():
		return sessions.ErrUsageCapReached
	case settings.LinkExpired(c.now().UTC()):
		return sessions.ErrLinkExpired
	}
	return nil
}

func (c *Controller) accept(ctx context.Context, span trace.Span, entry sessions.UsageEntry, result Result) (Result, error) {
	entry.Success = true
	entry.Metadata = map[string]any{"outcome": string(result.Outcome)}
	if result.RequestID != "" {
		entry.Metadata["request_id"] = result.RequestID
	}
	c.record(ctx, entry)

	admissionsTotal.WithLabelValues(string(result.Outcome)).Inc()
	span.SetAttributes(attribute.String("admission.outcome", string(result.Outcome)))
	c.logger.Debug().
		Str("session_id", entry.SessionID).
		Str("user_id", entry.UserID).
		Str("token", entry.TokenFragment).
		Str("outcome", string(result.Outcome)).
		Msg("admission accepted")
	return result, nil
}

func (c *Controller) reject(ctx context.Context, span trace.Span, entry sessions.UsageEntry, err error) (Result, error) {
	code := apperrors.CodeOf(err)
	entry.Success = false
	entry.Reason = string(code)
	c.record(ctx, entry)

	admissionsTotal.WithLabelValues(string(code)).Inc()
	span.SetAttributes(attribute.String("admission.outcome", string(code)))
	c.logger.Debug().
		Str("session_id", entry.SessionID).
		Str("user_id", entry.UserID).
		Str("token", entry.TokenFragment).
		Str("code", string(code)).
		Msg("admission rejected")
	return Result{}, err
}

func (c *Controller) fault(span trace.Span, entry sessions.UsageEntry, op string, err error) (Result, error) {
	admissionsTotal.WithLabelValues(string(apperrors.CodeSystem)).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	c.logger.Error().Err(err).
		Str("session_id", entry.SessionID).
		Str("token", entry.TokenFragment).
		Str("op", op).
		Msg("admission storage fault")
	return Result{}, apperrors.Wrap(apperrors.CodeSystem, "admission could not be completed", fmt.Errorf("%s: %w", op, err))
}

// record appends the attempt to the ledger. A failed append is logged and
// does not change the attempt's outcome.
func (c *Controller) record(ctx context.Context, entry sessions.UsageEntry) {
	if err := c.store.Append(ctx, entry); err != nil {
		c.logger.Error().Err(err).
			Str("session_id", entry.SessionID).
			Str("token", entry.TokenFragment).
			Msg("append usage ledger entry")
	}
}

func (c *Controller) publish(ctx context.Context, subject string, v any) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, subject, v); err != nil {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

func resultFor(session sessions.Session, userID string, outcome Outcome) Result {
	settings := session.InviteSettings()
	return Result{
		Outcome:       outcome,
		SessionID:     session.ID,
		SessionTitle:  session.Title,
		UserID:        userID,
		Anonymous:     userID == "",
		CurrentUses:   settings.CurrentUses,
		RemainingUses: settings.RemainingUses(),
	}
}
