package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Idempotency represents a recorded result of a previously processed request,
// keyed by (user_id, session_id, key). It enables safe retries for POST
// operations by returning the originally produced response body without
// re-executing side effects.
type Idempotency struct {
	ID        string         `gorm:"type:char(36);primaryKey"`
	UserID    string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_user_session_key,priority:1"`
	SessionID string         `gorm:"type:char(36);not null;uniqueIndex:ux_user_session_key,priority:2"`
	Key       string         `gorm:"type:varchar(200);not null;uniqueIndex:ux_user_session_key,priority:3"`
	Status    int            `gorm:"not null"`
	Response  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time      `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

// IdempotencyPending is the Status of a key reserved by a request that has
// not produced its response yet.
const IdempotencyPending = 0

// Pending reports whether the original request is still running.
func (i Idempotency) Pending() bool { return i.Status == IdempotencyPending }
