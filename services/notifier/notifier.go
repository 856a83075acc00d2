package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"evalsession/pkg/render"
	"evalsession/services/sessions"
)

const (
	KindApprovalRequest = "approval_request"
	KindRequestReviewed = "request_reviewed"

	durableCreated  = "notifier-requests-created"
	durableReviewed = "notifier-requests-reviewed"
)

// Mail is an outbound message handed to the external mail transport. To
// holds a user id; address resolution belongs to the transport.
type Mail struct {
	Kind      string    `json:"kind"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Subscriber is the consuming half of the message bus. *bus.Bus satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

type Config struct {
	Publisher sessions.Publisher
	Renderer  *render.Engine
	// ReviewBaseURL points at the owner's review page; the session id is
	// appended to it.
	ReviewBaseURL string
	Logger        *zerolog.Logger
	Now           func() time.Time
}

// Notifier turns participant-request events into outbound mail.
type Notifier struct {
	publisher     sessions.Publisher
	renderer      *render.Engine
	reviewBaseURL string
	logger        zerolog.Logger
	now           func() time.Time
}

func New(cfg Config) (*Notifier, error) {
	if cfg.Publisher == nil {
		return nil, errors.New("notifier: publisher is required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("notifier: renderer is required")
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Notifier{
		publisher:     cfg.Publisher,
		renderer:      cfg.Renderer,
		reviewBaseURL: strings.TrimRight(cfg.ReviewBaseURL, "/"),
		logger:        logger.With().Str("component", "notifier").Logger(),
		now:           cfg.Now,
	}, nil
}

// Run subscribes to request events and blocks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, sub Subscriber) error {
	created, err := sub.Subscribe(ctx, sessions.SubjectRequestCreated, durableCreated, n.HandleRequestCreated)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sessions.SubjectRequestCreated, err)
	}
	defer created.Close()

	reviewed, err := sub.Subscribe(ctx, sessions.SubjectRequestReviewed, durableReviewed, n.HandleRequestReviewed)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", sessions.SubjectRequestReviewed, err)
	}
	defer reviewed.Close()

	n.logger.Info().Msg("notifier subscribed")
	<-ctx.Done()
	return nil
}

type approvalRequestView struct {
	sessions.RequestCreatedEvent
	ReviewURL string
}

// HandleRequestCreated mails the session owner about a new pending request.
// Undecodable payloads are dropped; a publish failure is returned so the
// message is redelivered.
func (n *Notifier) HandleRequestCreated(ctx context.Context, data []byte) error {
	var evt sessions.RequestCreatedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		n.drop(KindApprovalRequest, err)
		return nil
	}
	if evt.OwnerID == "" {
		n.drop(KindApprovalRequest, errors.New("event has no owner"))
		return nil
	}

	view := approvalRequestView{RequestCreatedEvent: evt, ReviewURL: n.reviewURL(evt.SessionID)}
	return n.send(ctx, KindApprovalRequest, evt.OwnerID, evt.SessionID, evt.RequestID, view)
}

// HandleRequestReviewed mails the requester with the owner's decision.
func (n *Notifier) HandleRequestReviewed(ctx context.Context, data []byte) error {
	var evt sessions.RequestReviewedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		n.drop(KindRequestReviewed, err)
		return nil
	}
	if evt.UserID == "" {
		n.drop(KindRequestReviewed, errors.New("event has no requester"))
		return nil
	}
	return n.send(ctx, KindRequestReviewed, evt.UserID, evt.SessionID, evt.RequestID, evt)
}

func (n *Notifier) send(ctx context.Context, kind, to, sessionID, requestID string, view any) error {
	subject, body, err := n.renderer.Message(kind, view)
	if err != nil {
		n.drop(kind, fmt.Errorf("render: %w", err))
		return nil
	}
	mail := Mail{
		Kind:      kind,
		To:        to,
		Subject:   subject,
		Body:      body,
		SessionID: sessionID,
		RequestID: requestID,
		QueuedAt:  n.now().UTC(),
	}
	if err := n.publisher.Publish(ctx, sessions.SubjectMailOutbound, mail); err != nil {
		notificationsTotal.WithLabelValues(kind, "retry").Inc()
		n.logger.Warn().Err(err).Str("kind", kind).Str("request_id", requestID).Msg("publish mail")
		return err
	}
	notificationsTotal.WithLabelValues(kind, "sent").Inc()
	n.logger.Debug().Str("kind", kind).Str("to", to).Str("request_id", requestID).Msg("mail queued")
	return nil
}

func (n *Notifier) drop(kind string, err error) {
	notificationsTotal.WithLabelValues(kind, "dropped").Inc()
	n.logger.Error().Err(err).Str("kind", kind).Msg("dropping event")
}

func (n *Notifier) reviewURL(sessionID string) string {
	if n.reviewBaseURL == "" {
		return ""
	}
	joined, err := url.JoinPath(n.reviewBaseURL, sessionID, "participant-requests")
	if err != nil {
		return n.reviewBaseURL
	}
	return joined
}
