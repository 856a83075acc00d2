// Package sessions holds the evaluation-session domain model shared by the
// lifecycle, admission and storage packages.
package sessions

import (
	"strings"
	"time"
)

// Status is the lifecycle status of an evaluation session.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// ParseStatus converts a label to a Status.
func ParseStatus(label string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(label))) {
	case StatusDraft:
		return StatusDraft, true
	case StatusActive:
		return StatusActive, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusArchived:
		return StatusArchived, true
	default:
		return "", false
	}
}

// Terminal reports whether invitations must stay disabled once a session
// reaches this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusArchived
}

// InviteSettings configures how a session's invitation link admits evaluators.
type InviteSettings struct {
	IsEnabled       bool       `json:"is_enabled"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	MaxUses         *int       `json:"max_uses,omitempty"`
	CurrentUses     int        `json:"current_uses"`
	AllowAnonymous  bool       `json:"allow_anonymous"`
	RequireApproval bool       `json:"require_approval"`
}

// DefaultInviteSettings returns the settings applied when a session has none.
func DefaultInviteSettings() InviteSettings {
	return InviteSettings{IsEnabled: true}
}

// CapReached reports whether the link has admitted its maximum number of joins.
func (s InviteSettings) CapReached() bool {
	return s.MaxUses != nil && s.CurrentUses >= *s.MaxUses
}

// RemainingUses returns how many first-time joins are left, or nil when the
// link is uncapped.
func (s InviteSettings) RemainingUses() *int {
	if s.MaxUses == nil {
		return nil
	}
	remaining := *s.MaxUses - s.CurrentUses
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// LinkExpired reports whether the configured link expiry has passed at now.
func (s InviteSettings) LinkExpired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Session is an evaluation session and its invitation configuration.
type Session struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Title          string          `json:"title"`
	Status         Status          `json:"status"`
	StartTime      *time.Time      `json:"start_time,omitempty"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	AllowAnonymous bool            `json:"allow_anonymous"`
	Evaluators     []string        `json:"evaluators"`
	Invite         *InviteSettings `json:"invite_settings,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// InviteSettings returns the session's invite settings with defaults applied.
func (s Session) InviteSettings() InviteSettings {
	if s.Invite == nil {
		return DefaultInviteSettings()
	}
	return *s.Invite
}

// IsOwner reports whether userID is the session's designated owner.
func (s Session) IsOwner(userID string) bool {
	return userID != "" && s.OwnerID == userID
}

// HasEvaluator reports whether userID is already admitted.
func (s Session) HasEvaluator(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range s.Evaluators {
		if id == userID {
			return true
		}
	}
	return false
}
