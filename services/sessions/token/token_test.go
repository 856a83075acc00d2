package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestCodec(t *testing.T, now func() time.Time) *Codec {
	t.Helper()
	codec, err := NewCodec(Config{Secret: testSecret, Issuer: "evalsession", Audience: "evalsession-join", Now: now})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return codec
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	codec := newTestCodec(t, func() time.Time { return now })

	for _, ttl := range []time.Duration{time.Second, time.Hour, 0} {
		raw, issued, err := codec.Issue("session-1", ttl)
		if err != nil {
			t.Fatalf("issue(ttl=%s): %v", ttl, err)
		}
		claims, err := codec.Verify(raw)
		if err != nil {
			t.Fatalf("verify(ttl=%s): %v", ttl, err)
		}
		if claims.SessionID != "session-1" {
			t.Fatalf("expected session-1, got %q", claims.SessionID)
		}
		if !claims.ExpiresAt.Equal(issued.ExpiresAt) || !claims.IssuedAt.Equal(now) {
			t.Fatalf("claims mismatch: issued %+v verified %+v", issued, claims)
		}
	}
}

func TestIssueDefaultTTL(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	codec := newTestCodec(t, func() time.Time { return now })

	_, claims, err := codec.Issue("session-1", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if want := now.Add(DefaultTTL); !claims.ExpiresAt.Equal(want) {
		t.Fatalf("expected default expiry %s, got %s", want, claims.ExpiresAt)
	}
}

func TestVerifyExpired(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	current := now
	codec := newTestCodec(t, func() time.Time { return current })

	raw, _, err := codec.Issue("session-1", time.Second)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	current = now.Add(2 * time.Second)
	claims, err := codec.Verify(raw)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if claims.SessionID != "session-1" {
		t.Fatalf("expected expired claims to carry session id, got %q", claims.SessionID)
	}
}

func TestIssueNeverShortensLifetime(t *testing.T) {
	issued := time.Date(2026, 2, 1, 12, 0, 0, 999_000_000, time.UTC)
	current := issued
	codec := newTestCodec(t, func() time.Time { return current })

	raw, claims, err := codec.Issue("session-1", time.Second)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if want := time.Date(2026, 2, 1, 12, 0, 2, 0, time.UTC); !claims.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry rounded up to %s, got %s", want, claims.ExpiresAt)
	}

	current = issued.Add(time.Second - time.Millisecond)
	if _, err := codec.Verify(raw); err != nil {
		t.Fatalf("token should still be valid before its ttl elapses: %v", err)
	}
	current = issued.Add(2 * time.Second)
	if _, err := codec.Verify(raw); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyWrongType(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	codec := newTestCodec(t, func() time.Time { return now })

	claims := inviteClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "evalsession",
			Audience:  jwt.ClaimStrings{"evalsession-join"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		SessionID: "session-1",
		Type:      "password-reset",
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := codec.Verify(raw)
	if !errors.Is(err, ErrWrongType) {
		t.Fatalf("expected ErrWrongType, got %v", err)
	}
	if got.SessionID != "session-1" {
		t.Fatalf("expected session id on wrong-type claims, got %q", got.SessionID)
	}
}

func TestVerifyMalformed(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	codec := newTestCodec(t, func() time.Time { return now })

	valid, _, err := codec.Issue("session-1", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	otherCodec, err := NewCodec(Config{Secret: []byte("ffffffffffffffffffffffffffffffff"), Issuer: "evalsession", Audience: "evalsession-join", Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	foreign, _, err := otherCodec.Issue("session-1", time.Hour)
	if err != nil {
		t.Fatalf("issue foreign: %v", err)
	}

	wrongAudience, err := NewCodec(Config{Secret: testSecret, Issuer: "evalsession", Audience: "somewhere-else", Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	misdirected, _, err := wrongAudience.Issue("session-1", time.Hour)
	if err != nil {
		t.Fatalf("issue misdirected: %v", err)
	}

	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: "  "},
		{name: "garbage", raw: "not-a-token"},
		{name: "tampered signature", raw: tampered},
		{name: "wrong secret", raw: foreign},
		{name: "audience mismatch", raw: misdirected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.Verify(tt.raw); !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestNewCodecRejectsShortSecret(t *testing.T) {
	if _, err := NewCodec(Config{Secret: []byte("short"), Issuer: "i", Audience: "a"}); err == nil {
		t.Fatal("expected short secret to be rejected")
	}
	if _, err := NewCodec(Config{Secret: testSecret}); err == nil {
		t.Fatal("expected missing issuer/audience to be rejected")
	}
}

func TestFragment(t *testing.T) {
	raw := "header.payload.signature-tail-123456"
	got := Fragment(raw)
	if want := "..." + raw[len(raw)-12:]; got != want {
		t.Fatalf("unexpected fragment %q", got)
	}
	if strings.Contains(got, "header") {
		t.Fatal("fragment must not contain the full token")
	}
	if Fragment("short") != "..." {
		t.Fatal("expected short input to be fully redacted")
	}
}
