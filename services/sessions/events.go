package sessions

import (
	"context"
	"time"
)

// Event subjects published on the message bus.
const (
	SubjectParticipantJoined = "evalsession.participants.joined"
	SubjectRequestCreated    = "evalsession.requests.created"
	SubjectRequestReviewed   = "evalsession.requests.reviewed"
	SubjectStatusChanged     = "evalsession.sessions.status_changed"
	SubjectMailOutbound      = "evalsession.mail.outbound"
)

// Publisher encodes and publishes an event. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

type ParticipantJoinedEvent struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id,omitempty"`
	Anonymous   bool      `json:"anonymous"`
	ViaApproval bool      `json:"via_approval"`
	CurrentUses int       `json:"current_uses"`
	At          time.Time `json:"at"`
}

type RequestCreatedEvent struct {
	SessionID    string    `json:"session_id"`
	SessionTitle string    `json:"session_title"`
	OwnerID      string    `json:"owner_id"`
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

type RequestReviewedEvent struct {
	SessionID    string        `json:"session_id"`
	SessionTitle string        `json:"session_title"`
	RequestID    string        `json:"request_id"`
	UserID       string        `json:"user_id"`
	ReviewerID   string        `json:"reviewer_id"`
	Status       RequestStatus `json:"status"`
	Comment      string        `json:"comment,omitempty"`
	At           time.Time     `json:"at"`
}

type StatusChangedEvent struct {
	SessionID string    `json:"session_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actor_id"`
	At        time.Time `json:"at"`
}
