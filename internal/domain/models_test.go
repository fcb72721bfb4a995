package domain

import (
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// One connection so the FK pragma applies to every statement.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db.Exec("PRAGMA foreign_keys=ON;")
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(User{}).TableName():        "users",
		(Story{}).TableName():       "stories",
		(Session{}).TableName():     "sessions",
		(Turn{}).TableName():        "session_turns",
		(LedgerEntry{}).TableName(): "ledger_entries",
		(DailyStat{}).TableName():   "daily_stats",
		(Idempotency{}).TableName(): "idempotency",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestMigrations_Indexes_AndCascades(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&User{}, &Story{}, &Session{}, &Turn{}, &LedgerEntry{}, &DailyStat{}, &Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()

	for _, idx := range []struct {
		model any
		name  string
	}{
		{&Story{}, "ux_stories_slug"},
		{&Session{}, "idx_user_sessions"},
		{&Turn{}, "idx_session_turns"},
		{&LedgerEntry{}, "idx_ledger_user_created"},
		{&Idempotency{}, "ux_user_session_key"},
	} {
		if !m.HasIndex(idx.model, idx.name) {
			t.Fatalf("expected index %s on %T", idx.name, idx.model)
		}
	}

	story := Story{ID: "00000000-0000-0000-0000-000000000001", Slug: "s", Title: "S"}
	if err := db.Create(&story).Error; err != nil {
		t.Fatalf("create story: %v", err)
	}
	sess := Session{ID: "00000000-0000-0000-0000-0000000000a1", UserID: "u1", StoryID: story.ID, CharacterID: "c"}
	sess.Progress.Chapter = 1
	if err := db.Create(&sess).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := db.Create(&Turn{SessionID: sess.ID, Role: RoleUser, Content: "hi", Chapter: 1}).Error; err != nil {
		t.Fatalf("create turn: %v", err)
	}

	// Deleting the session cascades to its turns.
	if err := db.Delete(&Session{}, "id = ?", sess.ID).Error; err != nil {
		t.Fatalf("delete session: %v", err)
	}
	var n int64
	db.Model(&Turn{}).Where("session_id = ?", sess.ID).Count(&n)
	if n != 0 {
		t.Fatalf("turns after cascade = %d; want 0", n)
	}
}

func TestMirror_HasBeat_AndJSONColumn(t *testing.T) {
	m := Mirror{CriticalBeats: []string{"chapter-2"}}
	if !m.HasBeat("chapter-2") || m.HasBeat("chapter-3") {
		t.Fatalf("HasBeat mismatch: %+v", m.CriticalBeats)
	}

	db := newDomainDB(t)
	if err := db.AutoMigrate(&Story{}, &Session{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	story := Story{ID: "00000000-0000-0000-0000-000000000002", Slug: "m", Title: "M"}
	if err := db.Create(&story).Error; err != nil {
		t.Fatalf("create story: %v", err)
	}
	sess := Session{
		ID:          "00000000-0000-0000-0000-0000000000b1",
		UserID:      "u1",
		StoryID:     story.ID,
		CharacterID: "c",
		RoleIDs:     datatypes.JSONSlice[string]{"r1", "r2"},
		Mirror:      datatypes.NewJSONType(Mirror{Relationships: map[string]int{"ally": 2}, CriticalBeats: []string{"chapter-2"}}),
		Rating:      &Rating{Stars: 4, Text: "good"},
	}
	if err := db.Create(&sess).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}

	var got Session
	if err := db.First(&got, "id = ?", sess.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(got.RoleIDs) != 2 || got.RoleIDs[1] != "r2" {
		t.Fatalf("role ids = %v", got.RoleIDs)
	}
	if got.Mirror.Data().Relationships["ally"] != 2 || !got.Mirror.Data().HasBeat("chapter-2") {
		t.Fatalf("mirror = %+v", got.Mirror.Data())
	}
	if got.Rating == nil || got.Rating.Stars != 4 || got.Rating.Text != "good" {
		t.Fatalf("rating = %+v", got.Rating)
	}
}
