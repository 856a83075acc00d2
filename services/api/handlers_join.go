package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"evalsession/services/sessions"
	"evalsession/services/sessions/admission"
)

func (a *API) handleJoin(w http.ResponseWriter, r *http.Request) {
	// Every attempt reaches Admit so it is recorded; a bad body is ignored.
	var req joinRequest
	if err := decodeLenientJSON(r, &req); err != nil {
		log.Debug().Err(err).Msg("ignoring unreadable join body")
		req = joinRequest{}
	}

	attempt := admission.Attempt{
		Token:         chi.URLParam(r, "token"),
		UserID:        requesterID(r),
		ClientAddress: clientAddress(r),
		UserAgent:     r.UserAgent(),
	}
	if req.UserInfo != nil {
		attempt.Message = req.UserInfo.Message
	}

	result, err := a.admission.Admit(r.Context(), attempt)
	if err != nil {
		respondError(w, r, err)
		return
	}

	status := http.StatusOK
	switch result.Outcome {
	case admission.OutcomeJoined:
		status = http.StatusCreated
	case admission.OutcomeApprovalRequested:
		status = http.StatusAccepted
	}
	respondJSON(w, status, result)
}

func (a *API) handleValidateInvite(w http.ResponseWriter, r *http.Request) {
	preview, err := a.admission.Validate(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"session": preview,
	})
}

func (a *API) handleListRequests(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUser(w, r)
	if !ok {
		return
	}
	status, valid := sessions.ParseRequestStatus(r.URL.Query().Get("status"))
	if !valid {
		badRequest(w, r, "status must be one of pending, approved, rejected")
		return
	}

	requests, err := a.admission.ListRequests(r.Context(), chi.URLParam(r, "sessionID"), actorID, status)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (a *API) handleReviewRequest(w http.ResponseWriter, r *http.Request) {
	reviewerID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	action, valid := sessions.ParseReviewAction(req.Action)
	if !valid {
		badRequest(w, r, "action must be approve or reject")
		return
	}

	reviewed, err := a.admission.Review(r.Context(),
		chi.URLParam(r, "sessionID"),
		chi.URLParam(r, "requestID"),
		reviewerID,
		action,
		req.Comment,
	)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, reviewed)
}

func (a *API) handleInviteUsage(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit := defaultUsageLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxUsageLimit {
			badRequest(w, r, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	report, err := a.admission.UsageReport(r.Context(), chi.URLParam(r, "sessionID"), actorID, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
