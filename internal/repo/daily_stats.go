package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/serkancanberk/plaible/internal/domain"
)

// IncrementDailyStat adds n to the (day, typ) counter, creating it if needed.
func IncrementDailyStat(ctx context.Context, db *gorm.DB, day, typ string, n int64) error {
	row := &domain.DailyStat{Day: day, Type: typ, Count: n, UpdatedAt: time.Now().UTC()}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "day"}, {Name: "type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"count":      gorm.Expr("daily_stats.count + ?", n),
			"updated_at": row.UpdatedAt,
		}),
	}).Create(row).Error
}

// ListDailyStats returns counters for days in [from, to], both inclusive,
// formatted as YYYY-MM-DD.
func ListDailyStats(ctx context.Context, db *gorm.DB, from, to string) ([]domain.DailyStat, error) {
	var out []domain.DailyStat
	q := db.WithContext(ctx).Order("day ASC").Order("type ASC")
	if from != "" {
		q = q.Where("day >= ?", from)
	}
	if to != "" {
		q = q.Where("day <= ?", to)
	}
	err := q.Find(&out).Error
	return out, err
}
