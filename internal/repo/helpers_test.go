package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/serkancanberk/plaible/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

// newMigratedDB opens a file-backed database through OpenSQLite so tests see
// the production pragmas, pool and partial indexes.
func newMigratedDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id string, balance int64) {
	t.Helper()
	if err := EnsureUser(context.Background(), db, id, balance); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func seedStory(t *testing.T, db *gorm.DB, slug string, cost int64) *domain.Story {
	t.Helper()
	s := &domain.Story{Slug: slug, Title: slug, Pricing: domain.Pricing{CreditsPerChapter: cost, EstimatedChapterCount: 10}}
	if err := UpsertStory(context.Background(), db, s); err != nil {
		t.Fatalf("seed story: %v", err)
	}
	return s
}

func seedSession(t *testing.T, db *gorm.DB, id, userID, storyID string) *domain.Session {
	t.Helper()
	s := &domain.Session{
		ID:          id,
		UserID:      userID,
		StoryID:     storyID,
		CharacterID: "hero",
		Progress:    domain.Progress{Chapter: 1, ChapterCountApprox: 10},
	}
	if err := CreateSession(context.Background(), db, s); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return s
}
