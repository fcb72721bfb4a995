// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Session
// model: creating play-throughs, resolving the active one for a
// (user, story) pair, and the compare-and-set updates that keep progress
// monotonic.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/serkancanberk/plaible/internal/domain"
)

// Session status filters for listing.
const (
	StatusAll       = ""
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// CreateSession inserts s. A second active session for the same
// (user_id, story_id) violates ux_sessions_active and yields ErrDuplicate.
func CreateSession(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if err := db.WithContext(ctx).Omit(clause.Associations).Create(s).Error; err != nil {
		if IsDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetSession fetches a session by id or returns ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	var s domain.Session
	err := db.WithContext(ctx).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &s, err
}

// GetSessionForUpdate fetches a session and locks its row until the
// surrounding transaction ends. SQLite ignores the lock clause; its single
// writer already serializes transactions.
func GetSessionForUpdate(ctx context.Context, tx *gorm.DB, id string) (*domain.Session, error) {
	var s domain.Session
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &s, err
}

// FindActiveSession returns the non-completed session for (userID, storyID)
// or ErrNotFound.
func FindActiveSession(ctx context.Context, db *gorm.DB, userID, storyID string) (*domain.Session, error) {
	var s domain.Session
	err := db.WithContext(ctx).
		Where("user_id = ? AND story_id = ? AND progress_completed = ?", userID, storyID, false).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &s, err
}

// AdvanceProgress moves a session from chapter `from` to `to` only if it is
// still at `from` and not completed. It reports whether this call won.
func AdvanceProgress(ctx context.Context, db *gorm.DB, id string, from, to int) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ? AND progress_chapter = ? AND progress_completed = ?", id, from, false).
		Updates(map[string]any{
			"progress_chapter": to,
			"updated_at":       time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CompleteSession flips a session to completed, records the finale request
// and the optional rating. Only the first call wins; it reports whether this
// call performed the transition.
func CompleteSession(ctx context.Context, db *gorm.DB, id string, at time.Time, rating *domain.Rating) (bool, error) {
	upd := domain.Session{
		Progress:  domain.Progress{Completed: true},
		Finale:    domain.Finale{Requested: true, RequestedAt: &at},
		Rating:    rating,
		UpdatedAt: at,
	}
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ? AND progress_completed = ?", id, false).
		Select("progress_completed", "finale_requested", "finale_requested_at", "rating", "updated_at").
		Updates(&upd)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SaveMirror overwrites the mirror document of a session.
func SaveMirror(ctx context.Context, db *gorm.DB, id string, m domain.Mirror) error {
	res := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"mirror":     datatypes.NewJSONType(m),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSessions returns the number of sessions for a user, filtered by status.
func CountSessions(ctx context.Context, db *gorm.DB, userID, status string) (int64, error) {
	var n int64
	err := sessionsByStatus(db.WithContext(ctx).Model(&domain.Session{}), userID, status).Count(&n).Error
	return n, err
}

// ListSessionsPage returns a user's sessions newest first.
func ListSessionsPage(ctx context.Context, db *gorm.DB, userID, status string, offset, limit int) ([]domain.Session, error) {
	var out []domain.Session
	err := sessionsByStatus(db.WithContext(ctx), userID, status).
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

func sessionsByStatus(q *gorm.DB, userID, status string) *gorm.DB {
	q = q.Where("user_id = ?", userID)
	switch status {
	case StatusActive:
		q = q.Where("progress_completed = ?", false)
	case StatusCompleted:
		q = q.Where("progress_completed = ?", true)
	}
	return q
}
