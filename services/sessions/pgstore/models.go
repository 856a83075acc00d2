package pgstore

import (
	"time"

	"evalsession/services/sessions"
)

type sessionModel struct {
	ID                    string     `gorm:"type:text;primaryKey"`
	OwnerID               string     `gorm:"type:text;not null"`
	Title                 string     `gorm:"type:text;not null"`
	Status                string     `gorm:"type:text;not null"`
	StartTime             *time.Time `gorm:"type:timestamptz"`
	EndTime               *time.Time `gorm:"type:timestamptz"`
	AllowAnonymous        bool       `gorm:"type:boolean;not null"`
	InviteEnabled         bool       `gorm:"type:boolean;not null"`
	InviteExpiresAt       *time.Time `gorm:"type:timestamptz"`
	InviteMaxUses         *int       `gorm:"type:integer"`
	InviteCurrentUses     int        `gorm:"type:integer;not null"`
	InviteAllowAnonymous  bool       `gorm:"type:boolean;not null"`
	InviteRequireApproval bool       `gorm:"type:boolean;not null"`
	CreatedAt             time.Time  `gorm:"type:timestamptz;not null;autoCreateTime"`
	UpdatedAt             time.Time  `gorm:"type:timestamptz;not null;autoUpdateTime"`
}

func (sessionModel) TableName() string { return "sessions" }

func newSessionModel(s sessions.Session) sessionModel {
	settings := s.InviteSettings()
	return sessionModel{
		ID:                    s.ID,
		OwnerID:               s.OwnerID,
		Title:                 s.Title,
		Status:                string(s.Status),
		StartTime:             s.StartTime,
		EndTime:               s.EndTime,
		AllowAnonymous:        s.AllowAnonymous,
		InviteEnabled:         settings.IsEnabled,
		InviteExpiresAt:       settings.ExpiresAt,
		InviteMaxUses:         settings.MaxUses,
		InviteCurrentUses:     settings.CurrentUses,
		InviteAllowAnonymous:  settings.AllowAnonymous,
		InviteRequireApproval: settings.RequireApproval,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
	}
}

func (m sessionModel) toSession(evaluators []string) sessions.Session {
	if evaluators == nil {
		evaluators = []string{}
	}
	return sessions.Session{
		ID:             m.ID,
		OwnerID:        m.OwnerID,
		Title:          m.Title,
		Status:         sessions.Status(m.Status),
		StartTime:      utcPtr(m.StartTime),
		EndTime:        utcPtr(m.EndTime),
		AllowAnonymous: m.AllowAnonymous,
		Evaluators:     evaluators,
		Invite: &sessions.InviteSettings{
			IsEnabled:       m.InviteEnabled,
			ExpiresAt:       utcPtr(m.InviteExpiresAt),
			MaxUses:         m.InviteMaxUses,
			CurrentUses:     m.InviteCurrentUses,
			AllowAnonymous:  m.InviteAllowAnonymous,
			RequireApproval: m.InviteRequireApproval,
		},
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

// inviteColumns leaves invite_current_uses to the guarded increment in Join.
func inviteColumns(settings sessions.InviteSettings) map[string]any {
	return map[string]any{
		"invite_enabled":          settings.IsEnabled,
		"invite_expires_at":       settings.ExpiresAt,
		"invite_max_uses":         settings.MaxUses,
		"invite_allow_anonymous":  settings.AllowAnonymous,
		"invite_require_approval": settings.RequireApproval,
	}
}

type evaluatorModel struct {
	ID        int64     `gorm:"type:bigserial;primaryKey"`
	SessionID string    `gorm:"type:text;not null"`
	UserID    string    `gorm:"type:text;not null"`
	JoinedAt  time.Time `gorm:"type:timestamptz;not null"`
}

func (evaluatorModel) TableName() string { return "session_evaluators" }

type requestModel struct {
	ID            string     `gorm:"type:text;primaryKey"`
	SessionID     string     `gorm:"type:text;not null"`
	UserID        string     `gorm:"type:text;not null"`
	Status        string     `gorm:"type:text;not null"`
	RequestedAt   time.Time  `gorm:"type:timestamptz;not null"`
	ReviewerID    *string    `gorm:"type:text"`
	ReviewedAt    *time.Time `gorm:"type:timestamptz"`
	ReviewComment *string    `gorm:"type:text"`
	TokenFragment string     `gorm:"type:text;not null"`
	Message       *string    `gorm:"type:text"`
}

func (requestModel) TableName() string { return "participant_requests" }

func newRequestModel(r sessions.ParticipantRequest) requestModel {
	return requestModel{
		ID:            r.ID,
		SessionID:     r.SessionID,
		UserID:        r.UserID,
		Status:        string(r.Status),
		RequestedAt:   r.RequestedAt,
		ReviewerID:    nullable(r.ReviewerID),
		ReviewedAt:    r.ReviewedAt,
		ReviewComment: nullable(r.ReviewComment),
		TokenFragment: r.TokenFragment,
		Message:       nullable(r.Message),
	}
}

func (m requestModel) toRequest() sessions.ParticipantRequest {
	return sessions.ParticipantRequest{
		ID:            m.ID,
		SessionID:     m.SessionID,
		UserID:        m.UserID,
		Status:        sessions.RequestStatus(m.Status),
		RequestedAt:   m.RequestedAt.UTC(),
		ReviewerID:    deref(m.ReviewerID),
		ReviewedAt:    utcPtr(m.ReviewedAt),
		ReviewComment: deref(m.ReviewComment),
		TokenFragment: m.TokenFragment,
		Message:       deref(m.Message),
	}
}

// usageRow is scanned by scany from invite_usage.
type usageRow struct {
	ID            int64     `db:"id"`
	SessionID     string    `db:"session_id"`
	TokenFragment string    `db:"token_fragment"`
	UserID        string    `db:"user_id"`
	At            time.Time `db:"at"`
	Success       bool      `db:"success"`
	ClientAddress string    `db:"client_address"`
	UserAgent     string    `db:"user_agent"`
	Reason        string    `db:"reason"`
	Metadata      []byte    `db:"metadata"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
