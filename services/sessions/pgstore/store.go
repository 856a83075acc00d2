// Package pgstore implements sessions.Store on Postgres. Sessions, evaluators
// and participant requests go through GORM; the append-only usage ledger is
// written and aggregated with pgx and scany.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"evalsession/services/sessions"
)

// Store is the Postgres-backed sessions.Store.
type Store struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ sessions.Store = (*Store)(nil)

// New returns a Store using orm for session data and pool for the ledger.
func New(orm *gorm.DB, pool *pgxpool.Pool) (*Store, error) {
	if orm == nil {
		return nil, errors.New("pgstore: orm is required")
	}
	if pool == nil {
		return nil, errors.New("pgstore: pool is required")
	}
	return &Store{orm: orm, pool: pool, now: time.Now}, nil
}

func (s *Store) CreateSession(ctx context.Context, session sessions.Session) (sessions.Session, error) {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	model := newSessionModel(session)
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		for _, userID := range session.Evaluators {
			if err := insertEvaluator(tx, session.ID, userID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return sessions.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, session.ID)
}

func (s *Store) GetSession(ctx context.Context, id string) (sessions.Session, error) {
	return loadSession(s.orm.WithContext(ctx), id)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&evaluatorModel{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&sessionModel{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return sessions.ErrSessionNotFound
		}
		return nil
	})
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from sessions.Status, update sessions.StatusUpdate) (sessions.Session, error) {
	columns := map[string]any{
		"status":     string(update.To),
		"updated_at": s.now().UTC(),
	}
	if update.StartTime != nil {
		columns["start_time"] = *update.StartTime
	}
	if update.EndTime != nil {
		columns["end_time"] = *update.EndTime
	}
	if update.DisableInvites {
		columns["invite_enabled"] = false
	}

	var out sessions.Session
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&sessionModel{}).
			Where("id = ? AND status = ?", id, string(from)).
			Updates(columns)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if err := ensureSession(tx, id); err != nil {
				return err
			}
			return sessions.ErrInvalidTransition
		}
		var err error
		out, err = loadSession(tx, id)
		return err
	})
	if err != nil {
		return sessions.Session{}, err
	}
	return out, nil
}

func (s *Store) SaveInviteSettings(ctx context.Context, id string, settings sessions.InviteSettings, resetUses bool) (sessions.Session, error) {
	columns := inviteColumns(settings)
	if resetUses {
		columns["invite_current_uses"] = 0
	}
	columns["updated_at"] = s.now().UTC()

	result := s.orm.WithContext(ctx).Model(&sessionModel{}).Where("id = ?", id).Updates(columns)
	if result.Error != nil {
		return sessions.Session{}, fmt.Errorf("update invite settings: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	return s.GetSession(ctx, id)
}

// Join inserts the evaluator row and increments the usage counter in one
// transaction. The counter update only matches while the cap still has room,
// so concurrent joins near the cap serialise on the session row and the loser
// rolls back its evaluator insert.
func (s *Store) Join(ctx context.Context, id, userID string) (sessions.Session, sessions.JoinOutcome, error) {
	now := s.now().UTC()
	var (
		out     sessions.Session
		outcome sessions.JoinOutcome
	)
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureSession(tx, id); err != nil {
			return err
		}

		if userID != "" {
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&evaluatorModel{
				SessionID: id,
				UserID:    userID,
				JoinedAt:  now,
			})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				outcome = sessions.JoinAlreadyPresent
				var err error
				out, err = loadSession(tx, id)
				return err
			}
		}

		result := tx.Model(&sessionModel{}).
			Where("id = ? AND (invite_max_uses IS NULL OR invite_current_uses < invite_max_uses)", id).
			Updates(map[string]any{
				"invite_current_uses": gorm.Expr("invite_current_uses + 1"),
				"updated_at":          now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return sessions.ErrUsageCapReached
		}

		outcome = sessions.JoinAdded
		var err error
		out, err = loadSession(tx, id)
		return err
	})
	if err != nil {
		return sessions.Session{}, 0, err
	}
	return out, outcome, nil
}

func (s *Store) CreateRequest(ctx context.Context, req sessions.ParticipantRequest) (sessions.ParticipantRequest, bool, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.now().UTC()
	}
	if req.Status == "" {
		req.Status = sessions.RequestPending
	}

	model := newRequestModel(req)
	result := s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model)
	if result.Error != nil {
		return sessions.ParticipantRequest{}, false, fmt.Errorf("insert participant request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		existing, err := s.FindRequest(ctx, req.SessionID, req.UserID)
		if err != nil {
			return sessions.ParticipantRequest{}, false, err
		}
		return existing, false, nil
	}
	return model.toRequest(), true, nil
}

func (s *Store) FindRequest(ctx context.Context, sessionID, userID string) (sessions.ParticipantRequest, error) {
	var model requestModel
	err := s.orm.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sessions.ParticipantRequest{}, sessions.ErrRequestNotFound
		}
		return sessions.ParticipantRequest{}, fmt.Errorf("find participant request: %w", err)
	}
	return model.toRequest(), nil
}

func (s *Store) GetRequest(ctx context.Context, sessionID, requestID string) (sessions.ParticipantRequest, error) {
	return loadRequest(s.orm.WithContext(ctx), sessionID, requestID)
}

func (s *Store) ListRequests(ctx context.Context, sessionID string, status sessions.RequestStatus) ([]sessions.ParticipantRequest, error) {
	query := s.orm.WithContext(ctx).Where("session_id = ?", sessionID)
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	var models []requestModel
	if err := query.Order("requested_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list participant requests: %w", err)
	}
	out := make([]sessions.ParticipantRequest, 0, len(models))
	for _, m := range models {
		out = append(out, m.toRequest())
	}
	return out, nil
}

// ReviewRequest resolves a pending request. The status update is guarded on
// status = 'pending' so concurrent reviews cannot both succeed.
func (s *Store) ReviewRequest(ctx context.Context, sessionID, requestID string, review sessions.Review) (sessions.ParticipantRequest, error) {
	reviewedAt := review.ReviewedAt
	if reviewedAt.IsZero() {
		reviewedAt = s.now().UTC()
	}

	var out sessions.ParticipantRequest
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&requestModel{}).
			Where("id = ? AND session_id = ? AND status = ?", requestID, sessionID, string(sessions.RequestPending)).
			Updates(map[string]any{
				"status":         string(review.ResultingStatus()),
				"reviewer_id":    nullable(review.ReviewerID),
				"reviewed_at":    reviewedAt,
				"review_comment": nullable(review.Comment),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if _, err := loadRequest(tx, sessionID, requestID); err != nil {
				return err
			}
			return sessions.ErrAlreadyReviewed
		}

		req, err := loadRequest(tx, sessionID, requestID)
		if err != nil {
			return err
		}
		if review.Action == sessions.ActionApprove {
			err := ensureSession(tx, sessionID)
			switch {
			case errors.Is(err, sessions.ErrSessionNotFound):
			case err != nil:
				return err
			default:
				if err := insertEvaluator(tx, sessionID, req.UserID, reviewedAt); err != nil {
					return err
				}
			}
		}
		out = req
		return nil
	})
	if err != nil {
		return sessions.ParticipantRequest{}, err
	}
	return out, nil
}

func loadSession(tx *gorm.DB, id string) (sessions.Session, error) {
	var model sessionModel
	if err := tx.Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sessions.Session{}, sessions.ErrSessionNotFound
		}
		return sessions.Session{}, fmt.Errorf("load session: %w", err)
	}

	var evaluators []string
	if err := tx.Model(&evaluatorModel{}).
		Where("session_id = ?", id).
		Order("joined_at ASC, id ASC").
		Pluck("user_id", &evaluators).Error; err != nil {
		return sessions.Session{}, fmt.Errorf("load evaluators: %w", err)
	}
	return model.toSession(evaluators), nil
}

func loadRequest(tx *gorm.DB, sessionID, requestID string) (sessions.ParticipantRequest, error) {
	var model requestModel
	err := tx.Where("id = ? AND session_id = ?", requestID, sessionID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sessions.ParticipantRequest{}, sessions.ErrRequestNotFound
		}
		return sessions.ParticipantRequest{}, fmt.Errorf("load participant request: %w", err)
	}
	return model.toRequest(), nil
}

func ensureSession(tx *gorm.DB, id string) error {
	var count int64
	if err := tx.Model(&sessionModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if count == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func insertEvaluator(tx *gorm.DB, sessionID, userID string, at time.Time) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&evaluatorModel{
		SessionID: sessionID,
		UserID:    userID,
		JoinedAt:  at,
	}).Error
}
