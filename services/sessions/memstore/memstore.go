// Package memstore is an in-process implementation of sessions.Store. Every
// operation runs under a single mutex, which gives the guarded join and the
// (session, user) request uniqueness the same atomicity the Postgres store
// gets from its transactions and unique indexes.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"evalsession/services/sessions"
)

type requestKey struct {
	sessionID string
	userID    string
}

// Store keeps sessions, participant requests and the usage ledger in memory.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	sessions    map[string]sessions.Session
	requests    map[string]sessions.ParticipantRequest
	requestKeys map[requestKey]string
	ledger      []sessions.UsageEntry
	nextEntryID int64
}

var _ sessions.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		now:         time.Now,
		sessions:    make(map[string]sessions.Session),
		requests:    make(map[string]sessions.ParticipantRequest),
		requestKeys: make(map[requestKey]string),
	}
}

// WithClock overrides the clock used for default timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) CreateSession(_ context.Context, session sessions.Session) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.Evaluators == nil {
		session.Evaluators = []string{}
	}
	s.sessions[session.ID] = cloneSession(session)
	return cloneSession(session), nil
}

func (s *Store) GetSession(_ context.Context, id string) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	return cloneSession(session), nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return sessions.ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, from sessions.Status, update sessions.StatusUpdate) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	if session.Status != from {
		return sessions.Session{}, sessions.ErrInvalidTransition
	}

	session.Status = update.To
	if update.StartTime != nil {
		session.StartTime = timePtr(*update.StartTime)
	}
	if update.EndTime != nil {
		session.EndTime = timePtr(*update.EndTime)
	}
	if update.DisableInvites {
		settings := session.InviteSettings()
		settings.IsEnabled = false
		session.Invite = &settings
	}
	session.UpdatedAt = s.now().UTC()
	s.sessions[id] = session
	return cloneSession(session), nil
}

func (s *Store) SaveInviteSettings(_ context.Context, id string, settings sessions.InviteSettings, resetUses bool) (sessions.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	settings.CurrentUses = session.InviteSettings().CurrentUses
	if resetUses {
		settings.CurrentUses = 0
	}
	session.Invite = cloneSettings(&settings)
	session.UpdatedAt = s.now().UTC()
	s.sessions[id] = session
	return cloneSession(session), nil
}

func (s *Store) Join(_ context.Context, id, userID string) (sessions.Session, sessions.JoinOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return sessions.Session{}, 0, sessions.ErrSessionNotFound
	}
	if session.HasEvaluator(userID) {
		return cloneSession(session), sessions.JoinAlreadyPresent, nil
	}

	settings := session.InviteSettings()
	if settings.CapReached() {
		return sessions.Session{}, 0, sessions.ErrUsageCapReached
	}
	settings.CurrentUses++
	session.Invite = &settings
	if userID != "" {
		session.Evaluators = append(session.Evaluators, userID)
	}
	session.UpdatedAt = s.now().UTC()
	s.sessions[id] = session
	return cloneSession(session), sessions.JoinAdded, nil
}

func (s *Store) CreateRequest(_ context.Context, req sessions.ParticipantRequest) (sessions.ParticipantRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := requestKey{sessionID: req.SessionID, userID: req.UserID}
	if existingID, ok := s.requestKeys[key]; ok {
		return cloneRequest(s.requests[existingID]), false, nil
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now().UTC()
	}
	if req.Status == "" {
		req.Status = sessions.RequestPending
	}
	s.requests[req.ID] = cloneRequest(req)
	s.requestKeys[key] = req.ID
	return cloneRequest(req), true, nil
}

func (s *Store) FindRequest(_ context.Context, sessionID, userID string) (sessions.ParticipantRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.requestKeys[requestKey{sessionID: sessionID, userID: userID}]
	if !ok {
		return sessions.ParticipantRequest{}, sessions.ErrRequestNotFound
	}
	return cloneRequest(s.requests[id]), nil
}

func (s *Store) GetRequest(_ context.Context, sessionID, requestID string) (sessions.ParticipantRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || req.SessionID != sessionID {
		return sessions.ParticipantRequest{}, sessions.ErrRequestNotFound
	}
	return cloneRequest(req), nil
}

func (s *Store) ListRequests(_ context.Context, sessionID string, status sessions.RequestStatus) ([]sessions.ParticipantRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []sessions.ParticipantRequest{}
	for _, req := range s.requests {
		if req.SessionID != sessionID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out, nil
}

func (s *Store) ReviewRequest(_ context.Context, sessionID, requestID string, review sessions.Review) (sessions.ParticipantRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || req.SessionID != sessionID {
		return sessions.ParticipantRequest{}, sessions.ErrRequestNotFound
	}
	if req.Status != sessions.RequestPending {
		return sessions.ParticipantRequest{}, sessions.ErrAlreadyReviewed
	}

	reviewedAt := review.ReviewedAt
	if reviewedAt.IsZero() {
		reviewedAt = s.now().UTC()
	}
	req.Status = review.ResultingStatus()
	req.ReviewerID = review.ReviewerID
	req.ReviewComment = review.Comment
	req.ReviewedAt = &reviewedAt
	s.requests[requestID] = req

	if review.Action == sessions.ActionApprove {
		if session, ok := s.sessions[sessionID]; ok && !session.HasEvaluator(req.UserID) {
			session.Evaluators = append(session.Evaluators, req.UserID)
			session.UpdatedAt = reviewedAt
			s.sessions[sessionID] = session
		}
	}
	return cloneRequest(req), nil
}

func (s *Store) Append(_ context.Context, entry sessions.UsageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEntryID++
	entry.ID = s.nextEntryID
	if entry.At.IsZero() {
		entry.At = s.now().UTC()
	}
	entry.Metadata = cloneMetadata(entry.Metadata)
	s.ledger = append(s.ledger, entry)
	return nil
}

func (s *Store) Entries(_ context.Context, sessionID string, limit int) ([]sessions.UsageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []sessions.UsageEntry{}
	for i := len(s.ledger) - 1; i >= 0; i-- {
		entry := s.ledger[i]
		if entry.SessionID != sessionID {
			continue
		}
		entry.Metadata = cloneMetadata(entry.Metadata)
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context, sessionID string) (sessions.LedgerStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := sessions.LedgerStats{
		SessionID:        sessionID,
		FailuresByReason: map[string]int{},
	}
	clients := map[string]struct{}{}
	for _, entry := range s.ledger {
		if entry.SessionID != sessionID {
			continue
		}
		stats.Total++
		if entry.Success {
			stats.Successes++
		} else {
			stats.Failures++
			stats.FailuresByReason[entry.Reason]++
		}
		if entry.ClientAddress != "" {
			clients[entry.ClientAddress] = struct{}{}
		}
		if stats.LastAttemptAt == nil || entry.At.After(*stats.LastAttemptAt) {
			stats.LastAttemptAt = timePtr(entry.At)
		}
	}
	stats.DistinctClients = len(clients)
	return stats, nil
}

func cloneSession(in sessions.Session) sessions.Session {
	out := in
	out.Evaluators = append([]string{}, in.Evaluators...)
	if in.StartTime != nil {
		out.StartTime = timePtr(*in.StartTime)
	}
	if in.EndTime != nil {
		out.EndTime = timePtr(*in.EndTime)
	}
	out.Invite = cloneSettings(in.Invite)
	return out
}

func cloneSettings(in *sessions.InviteSettings) *sessions.InviteSettings {
	if in == nil {
		return nil
	}
	out := *in
	if in.ExpiresAt != nil {
		out.ExpiresAt = timePtr(*in.ExpiresAt)
	}
	if in.MaxUses != nil {
		maxUses := *in.MaxUses
		out.MaxUses = &maxUses
	}
	return &out
}

func cloneRequest(in sessions.ParticipantRequest) sessions.ParticipantRequest {
	out := in
	if in.ReviewedAt != nil {
		out.ReviewedAt = timePtr(*in.ReviewedAt)
	}
	return out
}

func cloneMetadata(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }
