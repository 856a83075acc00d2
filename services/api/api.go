package api

import (
	"context"
	"errors"
	"time"

	"evalsession/services/sessions/admission"
	"evalsession/services/sessions/lifecycle"
)

const (
	defaultJoinRateLimit = 30
	defaultUsageLimit    = admission.DefaultReportLimit
	maxUsageLimit        = 500
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// AllowedOrigins feeds the CORS handler; empty allows any origin.
	AllowedOrigins []string
	// JoinRateLimit caps join and validate calls per client IP per minute.
	JoinRateLimit int
	// Ready reports whether backing services are reachable.
	Ready func(ctx context.Context) error
}

// API wires the session services to HTTP handlers.
type API struct {
	lifecycle *lifecycle.Service
	admission *admission.Controller
	config    Config
}

// New initialises the API layer with defaults applied to cfg.
func New(lc *lifecycle.Service, adm *admission.Controller, cfg Config) (*API, error) {
	if lc == nil {
		return nil, errors.New("lifecycle service is required")
	}
	if adm == nil {
		return nil, errors.New("admission controller is required")
	}
	if cfg.JoinRateLimit <= 0 {
		cfg.JoinRateLimit = defaultJoinRateLimit
	}
	return &API{lifecycle: lc, admission: adm, config: cfg}, nil
}

type sessionRequest struct {
	Title          string           `json:"title"`
	StartTime      *time.Time       `json:"start_time"`
	EndTime        *time.Time       `json:"end_time"`
	AllowAnonymous bool             `json:"allow_anonymous"`
	Invite         *inviteLinkInput `json:"invite_settings"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type inviteLinkInput struct {
	ExpiresAt       *time.Time `json:"expires_at"`
	MaxUses         *int       `json:"max_uses"`
	AllowAnonymous  *bool      `json:"allow_anonymous"`
	RequireApproval *bool      `json:"require_approval"`
	ResetUses       bool       `json:"reset_uses"`
	TTL             string     `json:"ttl"`
}

type joinRequest struct {
	UserInfo *struct {
		Message string `json:"message"`
	} `json:"userInfo"`
}

type reviewRequest struct {
	Action  string `json:"action"`
	Comment string `json:"comment"`
}
