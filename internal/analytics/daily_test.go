package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/serkancanberk/plaible/internal/events"
	"github.com/serkancanberk/plaible/internal/repo"
)

func TestDailyCounter_ReducesEventsPerDayAndType(t *testing.T) {
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "a.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	dc := &DailyCounter{DB: db}
	day1 := time.Date(2025, 7, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)

	for _, e := range []events.Event{
		{Type: events.SessionStarted, UserID: "u1", At: day1},
		{Type: events.SessionStarted, UserID: "u2", At: day1},
		{Type: events.ChapterCharged, UserID: "u1", At: day1},
		{Type: events.SessionStarted, UserID: "u3", At: day2},
	} {
		if err := dc.Handle(context.Background(), e); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	rows, err := repo.ListDailyStats(context.Background(), db, "2025-07-01", "2025-07-02")
	if err != nil {
		t.Fatalf("ListDailyStats: %v", err)
	}
	got := map[string]int64{}
	for _, r := range rows {
		got[r.Day+"/"+r.Type] = r.Count
	}
	want := map[string]int64{
		"2025-07-01/session.started": 2,
		"2025-07-01/chapter.charged": 1,
		"2025-07-02/session.started": 1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s: want %d got %d (all=%v)", k, v, got[k], got)
		}
	}
}

func TestDailyCounter_Range(t *testing.T) {
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "r.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	dc := &DailyCounter{DB: db}
	ctx := context.Background()

	if err := dc.Handle(ctx, events.Event{Type: events.WalletToppedUp, At: time.Now()}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	rows, err := dc.Range(ctx, "", "")
	if err != nil || len(rows) != 1 || rows[0].Count != 1 {
		t.Fatalf("default range: rows=%+v err=%v", rows, err)
	}

	for _, bad := range [][2]string{{"yesterday", ""}, {"2025-07-02", "2025-07-01"}} {
		if _, err := dc.Range(ctx, bad[0], bad[1]); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}
