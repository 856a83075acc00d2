package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"evalsession/services/sessions"
	"evalsession/services/sessions/lifecycle"
)

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	in := lifecycle.CreateInput{
		OwnerID:        ownerID,
		Title:          req.Title,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		AllowAnonymous: req.AllowAnonymous,
	}
	if req.Invite != nil {
		settings := sessions.DefaultInviteSettings()
		settings.ExpiresAt = req.Invite.ExpiresAt
		settings.MaxUses = req.Invite.MaxUses
		if req.Invite.AllowAnonymous != nil {
			settings.AllowAnonymous = *req.Invite.AllowAnonymous
		}
		if req.Invite.RequireApproval != nil {
			settings.RequireApproval = *req.Invite.RequireApproval
		}
		in.Invite = &settings
	}

	session, err := a.lifecycle.Create(r.Context(), in)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, session)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := a.lifecycle.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := a.lifecycle.Delete(r.Context(), chi.URLParam(r, "sessionID"), actorID); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	to, valid := sessions.ParseStatus(req.Status)
	if !valid {
		badRequest(w, r, "status must be one of draft, active, completed, archived")
		return
	}

	session, err := a.lifecycle.ChangeStatus(r.Context(), chi.URLParam(r, "sessionID"), actorID, to)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

func (a *API) handleIssueInvite(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req inviteLinkInput
	if err := decodeOptionalJSON(r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}

	var ttl time.Duration
	if raw := strings.TrimSpace(req.TTL); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			badRequest(w, r, "ttl must be a positive duration such as 72h")
			return
		}
		ttl = parsed
	}

	invite, err := a.lifecycle.IssueInvite(r.Context(), chi.URLParam(r, "sessionID"), actorID, lifecycle.InviteRequest{
		ExpiresAt:       req.ExpiresAt,
		MaxUses:         req.MaxUses,
		AllowAnonymous:  req.AllowAnonymous,
		RequireApproval: req.RequireApproval,
		ResetUses:       req.ResetUses,
		TTL:             ttl,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, invite)
}

func (a *API) handleDisableInvites(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireUser(w, r)
	if !ok {
		return
	}
	session, err := a.lifecycle.DisableInvites(r.Context(), chi.URLParam(r, "sessionID"), actorID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}
