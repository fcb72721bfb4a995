// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the Idempotency
// model used to implement safe-retry semantics for POST endpoints.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/serkancanberk/plaible/internal/domain"
)

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, userID, sessionID, key string, now time.Time) (*domain.Idempotency, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND key = ? AND expires_at > ?", userID, sessionID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateIdempotency stores the response produced for (userID, sessionID, key)
// and returns ErrDuplicate on unique violation.
func CreateIdempotency(ctx context.Context, db *gorm.DB, userID, sessionID, key string, status int, response []byte, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	rec := &domain.Idempotency{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Key:       key,
		Status:    status,
		Response:  datatypes.JSON(response),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if IsDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// ReserveIdempotency claims (userID, sessionID, key) for a request about to
// run. It returns ErrDuplicate when another request already holds the key,
// finished or not. The reservation stays pending until FinishIdempotency or
// ReleaseIdempotency.
func ReserveIdempotency(ctx context.Context, db *gorm.DB, userID, sessionID, key string, ttl time.Duration) (*domain.Idempotency, error) {
	return CreateIdempotency(ctx, db, userID, sessionID, key, domain.IdempotencyPending, []byte(`{}`), ttl)
}

// FinishIdempotency stores the response of a pending reservation. It returns
// ErrNotFound when no pending record exists for the key.
func FinishIdempotency(ctx context.Context, db *gorm.DB, userID, sessionID, key string, status int, response []byte) error {
	res := db.WithContext(ctx).
		Model(&domain.Idempotency{}).
		Where("user_id = ? AND session_id = ? AND key = ? AND status = ?", userID, sessionID, key, domain.IdempotencyPending).
		Updates(map[string]any{"status": status, "response": datatypes.JSON(response)})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseIdempotency drops a pending reservation so a retry can run again.
// Finished records are left untouched.
func ReleaseIdempotency(ctx context.Context, db *gorm.DB, userID, sessionID, key string) error {
	return db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND key = ? AND status = ?", userID, sessionID, key, domain.IdempotencyPending).
		Delete(&domain.Idempotency{}).Error
}

// PurgeExpiredIdempotency deletes records whose TTL has elapsed.
func PurgeExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}
