package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/serkancanberk/plaible/internal/domain"
	"github.com/serkancanberk/plaible/internal/events"
	"github.com/serkancanberk/plaible/internal/narrative"
	"github.com/serkancanberk/plaible/internal/repo"
)

// recordingPublisher captures published events synchronously.
type recordingPublisher struct {
	mu  sync.Mutex
	got []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, e)
	return true
}

// last returns the most recent event of type t.
func (p *recordingPublisher) last(t events.Type) (events.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.got) - 1; i >= 0; i-- {
		if p.got[i].Type == t {
			return p.got[i], true
		}
	}
	return events.Event{}, false
}

func (p *recordingPublisher) count(t events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.got {
		if e.Type == t {
			n++
		}
	}
	return n
}

// fakeNarrator returns a fixed reply or err. A non-nil gate holds every call
// until it is closed.
type fakeNarrator struct {
	err  error
	gate chan struct{}
}

func (f *fakeNarrator) GenerateTurn(_ context.Context, req narrative.Request) (narrative.Turn, error) {
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return narrative.Turn{}, f.err
	}
	return narrative.Turn{
		Content:     "the story goes on",
		Choices:     []string{"left", "right"},
		Beats:       []string{narrative.BeatForChapter(req.Chapter)},
		TrustDeltas: map[string]int{req.CharacterID: 1},
	}, nil
}

var errNarratorDown = errors.New("narrator down")

type engine struct {
	db       *gorm.DB
	sessions *SessionService
	ledger   *LedgerService
	events   *recordingPublisher
	story    *domain.Story
}

// newEngine opens a migrated file-backed database, seeds one story costing
// cost per chapter and user "u1" with balance.
func newEngine(t *testing.T, balance, cost int64) *engine {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	st := &domain.Story{Slug: "the-lantern", Title: "The Lantern", Pricing: domain.Pricing{CreditsPerChapter: cost, EstimatedChapterCount: 8}}
	if err := repo.UpsertStory(context.Background(), db, st); err != nil {
		t.Fatalf("seed story: %v", err)
	}
	pub := &recordingPublisher{}
	ledger := &LedgerService{DB: db, Events: pub}
	if balance > 0 {
		if _, _, err := ledger.TopUp(context.Background(), "u1", balance, "seed"); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	} else if err := repo.EnsureUser(context.Background(), db, "u1", 0); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	return &engine{
		db:       db,
		sessions: &SessionService{DB: db, Narrator: &fakeNarrator{}, Events: pub},
		ledger:   ledger,
		events:   pub,
		story:    st,
	}
}

func (e *engine) start(t *testing.T) *StartResult {
	t.Helper()
	res, err := e.sessions.StartOrResume(context.Background(), StartInput{
		UserID: "u1", StorySlug: e.story.Slug, CharacterID: "keeper",
	})
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	return res
}

func (e *engine) balance(t *testing.T) int64 {
	t.Helper()
	b, err := repo.GetBalance(context.Background(), e.db, "u1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b
}

func (e *engine) deductions(t *testing.T) int64 {
	t.Helper()
	n, err := repo.CountDeductions(context.Background(), e.db, "u1", e.story.ID)
	if err != nil {
		t.Fatalf("CountDeductions: %v", err)
	}
	return n
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
