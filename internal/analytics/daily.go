// Package analytics keeps daily aggregate counters derived from domain
// events. Counters are reduced in the database, not held in process memory.
package analytics

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/serkancanberk/plaible/internal/domain"
	"github.com/serkancanberk/plaible/internal/events"
	"github.com/serkancanberk/plaible/internal/repo"
)

// DayLayout is the key format of DailyStat.Day.
const DayLayout = "2006-01-02"

// DailyCounter is an events.Subscriber that increments the (day, type)
// counter for every event it receives.
type DailyCounter struct {
	DB *gorm.DB
}

// Handle implements events.Subscriber.
func (d *DailyCounter) Handle(ctx context.Context, e events.Event) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return repo.IncrementDailyStat(ctx, d.DB, at.UTC().Format(DayLayout), string(e.Type), 1)
}

// Range returns the counters for days in [from, to] (YYYY-MM-DD). Empty
// bounds default to the last seven days.
func (d *DailyCounter) Range(ctx context.Context, from, to string) ([]domain.DailyStat, error) {
	now := time.Now().UTC()
	if to == "" {
		to = now.Format(DayLayout)
	}
	if from == "" {
		from = now.AddDate(0, 0, -6).Format(DayLayout)
	}
	f, err := time.Parse(DayLayout, from)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	t, err := time.Parse(DayLayout, to)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	if t.Before(f) {
		return nil, fmt.Errorf("to %s is before from %s", to, from)
	}
	return repo.ListDailyStats(ctx, d.DB, from, to)
}

var _ events.Subscriber = (*DailyCounter)(nil)
