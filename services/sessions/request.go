package sessions

import (
	"strings"
	"time"
)

// RequestStatus is the review state of a participant request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// ParseRequestStatus converts a label to a RequestStatus. An empty label
// yields the zero value and ok=true so callers can treat it as "any".
func ParseRequestStatus(label string) (RequestStatus, bool) {
	switch RequestStatus(strings.ToLower(strings.TrimSpace(label))) {
	case "":
		return "", true
	case RequestPending:
		return RequestPending, true
	case RequestApproved:
		return RequestApproved, true
	case RequestRejected:
		return RequestRejected, true
	default:
		return "", false
	}
}

// ParticipantRequest is a join request awaiting, or having received, owner review.
type ParticipantRequest struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	UserID        string        `json:"user_id"`
	Status        RequestStatus `json:"status"`
	RequestedAt   time.Time     `json:"requested_at"`
	ReviewerID    string        `json:"reviewer_id,omitempty"`
	ReviewedAt    *time.Time    `json:"reviewed_at,omitempty"`
	ReviewComment string        `json:"review_comment,omitempty"`
	TokenFragment string        `json:"token_fragment"`
	Message       string        `json:"message,omitempty"`
}

// ReviewAction is the decision a reviewer takes on a request.
type ReviewAction string

const (
	ActionApprove ReviewAction = "approve"
	ActionReject  ReviewAction = "reject"
)

// ParseReviewAction converts a label to a ReviewAction.
func ParseReviewAction(label string) (ReviewAction, bool) {
	switch ReviewAction(strings.ToLower(strings.TrimSpace(label))) {
	case ActionApprove:
		return ActionApprove, true
	case ActionReject:
		return ActionReject, true
	default:
		return "", false
	}
}

// Review is the reviewer decision applied to a pending request.
type Review struct {
	Action     ReviewAction
	ReviewerID string
	Comment    string
	ReviewedAt time.Time
}

// ResultingStatus maps the action onto the request status it produces.
func (r Review) ResultingStatus() RequestStatus {
	if r.Action == ActionApprove {
		return RequestApproved
	}
	return RequestRejected
}
