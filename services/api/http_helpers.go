package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"evalsession/pkg/apperrors"
)

const userIDHeader = "X-User-ID"

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// decodeLenientJSON decodes an optional body, ignoring unknown fields.
func decodeLenientJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError writes err as {"error", "code"}. Non-domain errors are logged
// and reported without their internal message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	code := apperrors.CodeOf(err)
	message := err.Error()

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	if code == apperrors.CodeSystem {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		message = "internal error"
	}
	respondJSON(w, statusFor(code), map[string]any{
		"error": message,
		"code":  string(code),
	})
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	respondError(w, r, apperrors.New(apperrors.CodeInvalidInput, message))
}

func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeExpired, apperrors.CodeMalformed, apperrors.CodeWrongType, apperrors.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperrors.CodeSessionNotFound, apperrors.CodeRequestNotFound:
		return http.StatusNotFound
	case apperrors.CodeForbidden,
		apperrors.CodeSessionNotActive,
		apperrors.CodeInvitesDisabled,
		apperrors.CodeLinkExpired,
		apperrors.CodeRequestRejected,
		apperrors.CodeAnonymousNotAllowed:
		return http.StatusForbidden
	case apperrors.CodeInvalidTransition,
		apperrors.CodeAlreadyReviewed,
		apperrors.CodeSessionActive,
		apperrors.CodeUsageCapReached,
		apperrors.CodeApprovalPending:
		return http.StatusConflict
	case apperrors.CodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func requesterID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(userIDHeader))
}

// requireUser returns the caller's id or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := requesterID(r)
	if userID == "" {
		respondError(w, r, apperrors.New(apperrors.CodeUnauthenticated, userIDHeader+" header is required"))
		return "", false
	}
	return userID, true
}

func clientAddress(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
