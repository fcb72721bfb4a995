// Package domain defines the persistence models for wallets, the story
// catalog, play sessions, and the credit ledger. These types are mapped with
// GORM and form the core data layer of the storyrunner backend.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Turn roles.
const (
	RoleUser        = "user"
	RoleStoryrunner = "storyrunner"
)

// Ledger entry kinds.
const (
	KindTopup  = "topup"
	KindDeduct = "deduct"
	KindRefund = "refund"
)

// User owns a credit wallet. WalletBalance is a cached projection of the
// user's ledger entries and is only mutated together with a ledger insert.
//
// Fields:
//   - ID: identifier issued by the identity provider.
//   - WalletBalance: non-negative credit balance (enforced by DB constraint).
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type User struct {
	ID            string    `json:"id"             gorm:"type:varchar(64);primaryKey"`
	WalletBalance int64     `json:"wallet_balance" gorm:"not null;default:0;check:wallet_balance >= 0"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Pricing carries the per-story credit cost.
type Pricing struct {
	CreditsPerChapter     int64 `json:"credits_per_chapter"      gorm:"not null;default:0;check:pricing_credits_per_chapter >= 0"`
	EstimatedChapterCount int   `json:"estimated_chapter_count"  gorm:"not null;default:0"`
}

// Story is a read-only catalog entry. Sessions reference it by ID and read
// its pricing at charge time.
type Story struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Slug      string    `json:"slug"       gorm:"type:varchar(100);not null;uniqueIndex:ux_stories_slug"`
	Title     string    `json:"title"      gorm:"type:varchar(255);not null"`
	Pricing   Pricing   `json:"pricing"    gorm:"embedded;embeddedPrefix:pricing_"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Story.
func (Story) TableName() string { return "stories" }

// Progress tracks where a session is. Chapter never decreases and Completed
// flips false→true exactly once.
type Progress struct {
	Chapter            int  `json:"chapter"              gorm:"not null;default:1"`
	ChapterCountApprox int  `json:"chapter_count_approx" gorm:"not null;default:0"`
	Completed          bool `json:"completed"            gorm:"not null;default:false"`
}

// Mirror is narrative side-state mutated by chapter advancement.
type Mirror struct {
	Relationships map[string]int `json:"relationships"`
	CriticalBeats []string       `json:"critical_beats"`
}

// HasBeat reports whether beat was already recorded.
func (m Mirror) HasBeat(beat string) bool {
	for _, b := range m.CriticalBeats {
		if b == beat {
			return true
		}
	}
	return false
}

// Finale records that the player asked for the story ending.
type Finale struct {
	Requested   bool       `json:"requested"    gorm:"not null;default:false"`
	RequestedAt *time.Time `json:"requested_at"`
}

// Rating is the optional feedback left when completing a session.
type Rating struct {
	Stars int    `json:"stars"`
	Text  string `json:"text,omitempty"`
}

// Session is one user's play-through of one story. At most one session with
// Progress.Completed=false exists per (UserID, StoryID); the partial unique
// index ux_sessions_active is created by repo.AutoMigrate.
//
// Sessions are never deleted; completed sessions remain as history.
type Session struct {
	ID          string                        `json:"id"           gorm:"type:char(36);primaryKey"`
	UserID      string                        `json:"user_id"      gorm:"type:varchar(64);not null;index:idx_user_sessions,priority:1"`
	StoryID     string                        `json:"story_id"     gorm:"type:char(36);not null;index"`
	CharacterID string                        `json:"character_id" gorm:"type:varchar(64);not null"`
	RoleIDs     datatypes.JSONSlice[string]   `json:"role_ids"`
	Progress    Progress                      `json:"progress"     gorm:"embedded;embeddedPrefix:progress_"`
	Mirror      datatypes.JSONType[Mirror]    `json:"mirror"`
	Finale      Finale                        `json:"finale"       gorm:"embedded;embeddedPrefix:finale_"`
	Rating      *Rating                       `json:"rating"       gorm:"serializer:json"`
	CreatedAt   time.Time                     `json:"created_at"   gorm:"index:idx_user_sessions,priority:2"`
	UpdatedAt   time.Time                     `json:"updated_at"`

	// Story is the catalog entry being played.
	Story Story `json:"-" gorm:"foreignKey:StoryID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string { return "sessions" }

// Turn is one append-only entry of a session log. The auto-increment ID
// preserves insertion order, which is significant.
type Turn struct {
	ID        uint64                      `json:"id"                gorm:"primaryKey;autoIncrement"`
	SessionID string                      `json:"session_id"        gorm:"type:char(36);not null;index:idx_session_turns"`
	Role      string                      `json:"role"              gorm:"type:varchar(16);not null;check:role IN ('user','storyrunner')"`
	Content   string                      `json:"content"           gorm:"type:text;not null"`
	Chosen    *string                     `json:"chosen,omitempty"  gorm:"type:varchar(255)"`
	Choices   datatypes.JSONSlice[string] `json:"choices,omitempty"`
	Chapter   int                         `json:"chapter"           gorm:"not null"`
	CreatedAt time.Time                   `json:"created_at"`

	// Session is the owning play-through.
	Session Session `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Turn.
func (Turn) TableName() string { return "session_turns" }

// LedgerEntry is an immutable record of one credit movement. The ledger is
// the source of truth; User.WalletBalance can be rebuilt from it.
//
// For Kind=deduct with a non-nil Chapter, (UserID, StoryID, Chapter, Kind) is
// unique (ux_ledger_deduct). That index is the serialization point of the
// chapter charge protocol.
type LedgerEntry struct {
	ID        string    `json:"id"                 gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"            gorm:"type:varchar(64);not null;index:idx_ledger_user_created,priority:1"`
	Kind      string    `json:"kind"               gorm:"type:varchar(16);not null;check:kind IN ('topup','deduct','refund')"`
	Amount    int64     `json:"amount"             gorm:"not null;check:amount > 0"`
	StoryID   *string   `json:"story_id,omitempty" gorm:"type:char(36)"`
	Chapter   *int      `json:"chapter,omitempty"`
	Note      string    `json:"note"               gorm:"type:varchar(255);not null;default:''"`
	CreatedAt time.Time `json:"created_at"         gorm:"index:idx_ledger_user_created,priority:2"`
}

// TableName returns the database table name for LedgerEntry.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// DailyStat is one (day, event type) aggregate maintained by the analytics
// subscriber.
type DailyStat struct {
	Day       string    `json:"day"        gorm:"type:char(10);primaryKey"`
	Type      string    `json:"type"       gorm:"type:varchar(64);primaryKey"`
	Count     int64     `json:"count"      gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for DailyStat.
func (DailyStat) TableName() string { return "daily_stats" }
