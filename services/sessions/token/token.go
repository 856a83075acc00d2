// Package token signs and verifies session invitation tokens.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"evalsession/pkg/apperrors"
)

const (
	// TypeSessionInvite is the type discriminator carried by every invitation token.
	TypeSessionInvite = "session-invite"
	// DefaultTTL applies when Issue is called without a positive ttl.
	DefaultTTL = 7 * 24 * time.Hour
	// MinSecretLength is the shortest signing secret NewCodec accepts.
	MinSecretLength = 32

	fragmentLength = 12
)

var (
	ErrExpired   = apperrors.New(apperrors.CodeExpired, "invitation token has expired")
	ErrMalformed = apperrors.New(apperrors.CodeMalformed, "invitation token is invalid")
	ErrWrongType = apperrors.New(apperrors.CodeWrongType, "token is not a session invitation")
)

// Config configures a Codec.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

// Claims are the verified contents of an invitation token.
type Claims struct {
	SessionID string    `json:"session_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type inviteClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
}

// Codec issues and verifies HMAC-signed invitation tokens.
type Codec struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewCodec validates cfg and returns a Codec bound to its secret.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, errors.New("invitation signing secret must be at least 32 bytes")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	audience := strings.TrimSpace(cfg.Audience)
	if issuer == "" || audience == "" {
		return nil, errors.New("invitation token issuer and audience are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &Codec{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		now:      cfg.Now,
	}, nil
}

// Issue signs a token for sessionID that expires after ttl (DefaultTTL when
// ttl is not positive).
func (c *Codec) Issue(sessionID string, ttl time.Duration) (string, Claims, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", Claims{}, apperrors.New(apperrors.CodeInvalidInput, "session id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// NumericDate has second precision.
	if ttl < time.Second {
		ttl = time.Second
	}

	now := c.now().UTC()
	issuedAt := now.Truncate(time.Second)
	// Round up so the token lives at least ttl.
	expiresAt := now.Add(ttl).Truncate(time.Second)
	if expiresAt.Before(now.Add(ttl)) {
		expiresAt = expiresAt.Add(time.Second)
	}

	claims := inviteClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Audience:  jwt.ClaimStrings{c.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		SessionID: sessionID,
		Type:      TypeSessionInvite,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", Claims{}, err
	}
	return signed, Claims{SessionID: sessionID, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Verify checks the token's signature, issuer, audience, type and expiry.
// It fails with ErrMalformed, ErrWrongType or ErrExpired. When the signature
// is valid the returned claims are populated even alongside ErrWrongType or
// ErrExpired, so callers can attribute the attempt to a session.
func (c *Codec) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrMalformed
	}

	var parsed inviteClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, apperrors.Wrap(apperrors.CodeMalformed, ErrMalformed.Message, err)
	}

	if parsed.Issuer != c.issuer || !audienceContains(parsed.Audience, c.audience) {
		return Claims{}, ErrMalformed
	}
	if parsed.ExpiresAt == nil || strings.TrimSpace(parsed.SessionID) == "" {
		return Claims{}, ErrMalformed
	}

	claims := Claims{
		SessionID: parsed.SessionID,
		ExpiresAt: parsed.ExpiresAt.Time.UTC(),
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}

	if parsed.Type != TypeSessionInvite {
		return claims, ErrWrongType
	}
	if !claims.ExpiresAt.After(c.now().UTC()) {
		return claims, ErrExpired
	}
	return claims, nil
}

// Fragment returns a truncated, non-secret form of raw suitable for audit rows.
func Fragment(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) <= fragmentLength {
		return "..."
	}
	return "..." + raw[len(raw)-fragmentLength:]
}

func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}
