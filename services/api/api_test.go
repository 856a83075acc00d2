package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"evalsession/pkg/apperrors"
	"evalsession/services/sessions/admission"
	"evalsession/services/sessions/lifecycle"
	"evalsession/services/sessions/memstore"
	"evalsession/services/sessions/token"
)

type testServer struct {
	handler http.Handler
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	codec, err := token.NewCodec(token.Config{
		Secret:   []byte("0123456789abcdef0123456789abcdef"),
		Issuer:   "evalsession",
		Audience: "evalsession-join",
	})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	store := memstore.New()
	lc, err := lifecycle.New(lifecycle.Config{Store: store, Codec: codec, InviteBaseURL: "https://eval.example.com/join"})
	if err != nil {
		t.Fatalf("lifecycle: %v", err)
	}
	adm, err := admission.New(admission.Config{Store: store, Codec: codec})
	if err != nil {
		t.Fatalf("admission: %v", err)
	}
	a, err := New(lc, adm, cfg)
	if err != nil {
		t.Fatalf("api: %v", err)
	}
	handler, err := a.Routes()
	if err != nil {
		t.Fatalf("routes: %v", err)
	}
	return &testServer{handler: handler}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(userIDHeader, user)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, payload
}

func (s *testServer) activeSessionWithInvite(t *testing.T, invite map[string]any) (string, string) {
	t.Helper()
	rec, body := s.do(t, http.MethodPost, "/v1/sessions", "owner", map[string]any{"title": "Panel"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}
	id := body["id"].(string)

	if rec, _ := s.do(t, http.MethodPost, "/v1/sessions/"+id+"/status", "owner", map[string]any{"status": "active"}); rec.Code != http.StatusOK {
		t.Fatalf("activate: %d %s", rec.Code, rec.Body.String())
	}
	rec, body = s.do(t, http.MethodPost, "/v1/sessions/"+id+"/invite-link", "owner", invite)
	if rec.Code != http.StatusCreated {
		t.Fatalf("invite link: %d %s", rec.Code, rec.Body.String())
	}
	return id, body["token"].(string)
}

func TestJoinFlow(t *testing.T) {
	srv := newTestServer(t, Config{})
	id, raw := srv.activeSessionWithInvite(t, map[string]any{"max_uses": 1})

	rec, body := srv.do(t, http.MethodGet, "/v1/sessions/validate-invite/"+raw, "", nil)
	if rec.Code != http.StatusOK || body["valid"] != true {
		t.Fatalf("validate: %d %v", rec.Code, body)
	}

	rec, body = srv.do(t, http.MethodPost, "/v1/sessions/join/"+raw, "alice", nil)
	if rec.Code != http.StatusCreated || body["outcome"] != string(admission.OutcomeJoined) {
		t.Fatalf("join: %d %v", rec.Code, body)
	}
	rec, body = srv.do(t, http.MethodPost, "/v1/sessions/join/"+raw, "bob", nil)
	if rec.Code != http.StatusConflict || body["code"] != string(apperrors.CodeUsageCapReached) {
		t.Fatalf("capped join: %d %v", rec.Code, body)
	}

	rec, body = srv.do(t, http.MethodGet, "/v1/sessions/"+id+"/invite-usage", "owner", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("usage: %d %v", rec.Code, body)
	}
	stats := body["stats"].(map[string]any)
	if stats["total"].(float64) != 2 || stats["failures"].(float64) != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestApprovalFlow(t *testing.T) {
	srv := newTestServer(t, Config{})
	id, raw := srv.activeSessionWithInvite(t, map[string]any{"require_approval": true})

	rec, body := srv.do(t, http.MethodPost, "/v1/sessions/join/"+raw, "carol", map[string]any{"userInfo": map[string]any{"message": "hi"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("join: %d %v", rec.Code, body)
	}
	requestID := body["request_id"].(string)

	rec, body = srv.do(t, http.MethodPost, "/v1/sessions/join/"+raw, "carol", nil)
	if rec.Code != http.StatusConflict || body["code"] != string(apperrors.CodeApprovalPending) {
		t.Fatalf("pending join: %d %v", rec.Code, body)
	}

	rec, body = srv.do(t, http.MethodGet, "/v1/sessions/"+id+"/participant-requests?status=pending", "owner", nil)
	if rec.Code != http.StatusOK || len(body["requests"].([]any)) != 1 {
		t.Fatalf("list: %d %v", rec.Code, body)
	}

	path := "/v1/sessions/" + id + "/participant-requests/" + requestID
	if rec, body := srv.do(t, http.MethodPatch, path, "carol", map[string]any{"action": "approve"}); rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner review: %d %v", rec.Code, body)
	}
	rec, body = srv.do(t, http.MethodPatch, path, "owner", map[string]any{"action": "approve", "comment": "ok"})
	if rec.Code != http.StatusOK || body["status"] != "approved" {
		t.Fatalf("review: %d %v", rec.Code, body)
	}
	if rec, _ := srv.do(t, http.MethodPatch, path, "owner", map[string]any{"action": "reject"}); rec.Code != http.StatusConflict {
		t.Fatalf("second review: %d", rec.Code)
	}

	rec, body = srv.do(t, http.MethodPost, "/v1/sessions/join/"+raw, "carol", nil)
	if rec.Code != http.StatusOK || body["outcome"] != string(admission.OutcomeAlreadyParticipant) {
		t.Fatalf("post-approval join: %d %v", rec.Code, body)
	}
}

func TestJoinBodyNeverBlocksAdmission(t *testing.T) {
	srv := newTestServer(t, Config{})
	id, raw := srv.activeSessionWithInvite(t, nil)

	rec, body := srv.do(t, http.MethodPost, "/v1/sessions/join/"+raw, "dana", map[string]any{
		"userInfo": map[string]any{"name": "Dana", "email": "d@example.com", "message": "hello"},
	})
	if rec.Code != http.StatusCreated || body["outcome"] != string(admission.OutcomeJoined) {
		t.Fatalf("join with extra user info: %d %v", rec.Code, body)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/join/"+raw, bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(userIDHeader, "erin")
	garbled := httptest.NewRecorder()
	srv.handler.ServeHTTP(garbled, req)
	if garbled.Code != http.StatusCreated {
		t.Fatalf("join with unreadable body: %d %s", garbled.Code, garbled.Body.String())
	}

	rec, body = srv.do(t, http.MethodGet, "/v1/sessions/"+id+"/invite-usage", "owner", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("usage: %d %v", rec.Code, body)
	}
	stats := body["stats"].(map[string]any)
	if stats["total"].(float64) != 2 || stats["successes"].(float64) != 2 {
		t.Fatalf("expected one ledger row per attempt, got %v", stats)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, Config{})
	id, _ := srv.activeSessionWithInvite(t, nil)

	tests := []struct {
		name     string
		method   string
		path     string
		user     string
		body     any
		wantCode int
		wantErr  apperrors.Code
	}{
		{name: "malformed token", method: http.MethodPost, path: "/v1/sessions/join/not-a-token", user: "u", wantCode: http.StatusUnauthorized, wantErr: apperrors.CodeMalformed},
		{name: "unknown session", method: http.MethodGet, path: "/v1/sessions/missing", wantCode: http.StatusNotFound, wantErr: apperrors.CodeSessionNotFound},
		{name: "invalid transition", method: http.MethodPost, path: "/v1/sessions/" + id + "/status", user: "owner", body: map[string]any{"status": "draft"}, wantCode: http.StatusConflict, wantErr: apperrors.CodeInvalidTransition},
		{name: "non-owner transition", method: http.MethodPost, path: "/v1/sessions/" + id + "/status", user: "intruder", body: map[string]any{"status": "completed"}, wantCode: http.StatusForbidden, wantErr: apperrors.CodeForbidden},
		{name: "unknown status", method: http.MethodPost, path: "/v1/sessions/" + id + "/status", user: "owner", body: map[string]any{"status": "paused"}, wantCode: http.StatusBadRequest, wantErr: apperrors.CodeInvalidInput},
		{name: "delete active", method: http.MethodDelete, path: "/v1/sessions/" + id, user: "owner", wantCode: http.StatusConflict, wantErr: apperrors.CodeSessionActive},
		{name: "bad usage limit", method: http.MethodGet, path: "/v1/sessions/" + id + "/invite-usage?limit=0", user: "owner", wantCode: http.StatusBadRequest, wantErr: apperrors.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := srv.do(t, tt.method, tt.path, tt.user, tt.body)
			if rec.Code != tt.wantCode || body["code"] != string(tt.wantErr) {
				t.Fatalf("got %d %v, want %d %s", rec.Code, body, tt.wantCode, tt.wantErr)
			}
		})
	}
}

func TestRequiresUserHeader(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec, body := srv.do(t, http.MethodPost, "/v1/sessions", "", map[string]any{"title": "x"})
	if rec.Code != http.StatusUnauthorized || body["code"] != string(apperrors.CodeUnauthenticated) {
		t.Fatalf("expected 401 Unauthenticated, got %d %v", rec.Code, body)
	}
}

func TestReadiness(t *testing.T) {
	srv := newTestServer(t, Config{Ready: func(context.Context) error { return errors.New("db down") }})
	rec, _ := srv.do(t, http.MethodGet, "/readyz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	rec, _ = srv.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestJoinRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{JoinRateLimit: 2})
	codes := []int{}
	for i := 0; i < 3; i++ {
		rec, _ := srv.do(t, http.MethodGet, "/v1/sessions/validate-invite/garbage", "", nil)
		codes = append(codes, rec.Code)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("expected third call to be rate limited, got %v", codes)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[apperrors.Code]int{
		apperrors.CodeExpired:             http.StatusUnauthorized,
		apperrors.CodeWrongType:           http.StatusUnauthorized,
		apperrors.CodeUnauthenticated:     http.StatusUnauthorized,
		apperrors.CodeRequestNotFound:     http.StatusNotFound,
		apperrors.CodeLinkExpired:         http.StatusForbidden,
		apperrors.CodeAnonymousNotAllowed: http.StatusForbidden,
		apperrors.CodeAlreadyReviewed:     http.StatusConflict,
		apperrors.CodeSystem:              http.StatusInternalServerError,
	}
	for code, want := range tests {
		if got := statusFor(code); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", code, got, want)
		}
	}
}
