package sessions

import (
	"context"
	"time"
)

// JoinOutcome describes what a guarded join did to the evaluator set.
type JoinOutcome int

const (
	// JoinAdded means a first-time join consumed one use.
	JoinAdded JoinOutcome = iota + 1
	// JoinAlreadyPresent means the user was already an evaluator; nothing changed.
	JoinAlreadyPresent
)

// StatusUpdate is applied together with a guarded status change.
type StatusUpdate struct {
	To             Status
	StartTime      *time.Time
	EndTime        *time.Time
	DisableInvites bool
}

// SessionStore persists sessions and their invite settings.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) (Session, error)
	// GetSession returns ErrSessionNotFound when id is unknown.
	GetSession(ctx context.Context, id string) (Session, error)
	// DeleteSession removes the session and its evaluator set. Participant
	// requests and ledger rows are retained.
	DeleteSession(ctx context.Context, id string) error
	// UpdateStatus applies update only while the stored status still equals
	// from; otherwise it returns ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, from Status, update StatusUpdate) (Session, error)
	// SaveInviteSettings stores every invite field except CurrentUses, which
	// only Join advances. resetUses zeroes the counter in the same write.
	SaveInviteSettings(ctx context.Context, id string, settings InviteSettings, resetUses bool) (Session, error)
	// Join admits userID and consumes one invite use as a single atomic step.
	// An empty userID records an anonymous join (use consumed, no evaluator
	// row). ErrUsageCapReached is returned when the cap would be exceeded.
	Join(ctx context.Context, id, userID string) (Session, JoinOutcome, error)
}

// RequestStore persists participant requests, unique per (session, user).
type RequestStore interface {
	// CreateRequest inserts req unless one already exists for the same
	// session and user, in which case the existing row is returned with
	// created=false.
	CreateRequest(ctx context.Context, req ParticipantRequest) (stored ParticipantRequest, created bool, err error)
	// FindRequest returns ErrRequestNotFound when the user has no request.
	FindRequest(ctx context.Context, sessionID, userID string) (ParticipantRequest, error)
	GetRequest(ctx context.Context, sessionID, requestID string) (ParticipantRequest, error)
	// ListRequests returns requests ordered by requested-at; an empty status
	// matches every request.
	ListRequests(ctx context.Context, sessionID string, status RequestStatus) ([]ParticipantRequest, error)
	// ReviewRequest resolves a pending request. Approval also adds the
	// requester to the session's evaluators without consuming a use. A
	// request that is no longer pending yields ErrAlreadyReviewed.
	ReviewRequest(ctx context.Context, sessionID, requestID string, review Review) (ParticipantRequest, error)
}

// Ledger is the append-only usage ledger.
type Ledger interface {
	Append(ctx context.Context, entry UsageEntry) error
	// Entries returns a session's entries newest first; limit <= 0 returns all.
	Entries(ctx context.Context, sessionID string, limit int) ([]UsageEntry, error)
	Stats(ctx context.Context, sessionID string) (LedgerStats, error)
}

// Store is the full durable store the workflow depends on.
type Store interface {
	SessionStore
	RequestStore
	Ledger
}
