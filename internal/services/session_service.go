// Package services – SessionService
//
// This file implements the session lifecycle: start-or-resume, chapter
// advancement and completion. Every operation is safe to call twice
// concurrently for the same logical request:
//
//   - One active session per (user, story) is enforced by the partial unique
//     index ux_sessions_active; a losing insert re-reads the winner.
//   - Chapter charges go through chargeChapter (see ledger_service.go).
//   - progress.chapter moves by compare-and-set on the expected prior value,
//     in the same transaction as the charge and the user turn. A lost race
//     rolls back everything and is reported as an idempotent replay.
//   - Overlapping advances of one session within this process share a single
//     execution (singleflight); the extra callers get a no-charge replay.
//
// Storyrunner turns are generated after the charge committed; generator
// failures are reported in the result and never undo the charge.
package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/serkancanberk/plaible/internal/domain"
	"github.com/serkancanberk/plaible/internal/events"
	"github.com/serkancanberk/plaible/internal/narrative"
	"github.com/serkancanberk/plaible/internal/repo"
)

// errLostRace signals that a concurrent call advanced the session first.
var errLostRace = errors.New("progress changed concurrently")

// advanceJoined runs once a caller is attached to the advance flight for key.
var advanceJoined = func(key string) {}

// DefaultLogTail is the number of turns returned with an advance.
const DefaultLogTail = 20

// SessionService coordinates sessions, the ledger and the narrative generator.
type SessionService struct {
	DB       *gorm.DB
	Narrator narrative.Generator
	Events   Publisher

	// LogTail caps the turns returned by Advance (default DefaultLogTail).
	LogTail int

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	// advances coalesces overlapping chapter advances of one session.
	advances singleflight.Group
}

func (s *SessionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *SessionService) logTail() int {
	if s.LogTail > 0 {
		return s.LogTail
	}
	return DefaultLogTail
}

// StartInput identifies the play-through to start or resume.
type StartInput struct {
	UserID      string
	StorySlug   string
	CharacterID string
	RoleIDs     []string
}

// StartResult is the session summary returned by StartOrResume.
type StartResult struct {
	Session *domain.Session
	Story   *domain.Story
	Balance int64
	// Resumed is true when an active session already existed.
	Resumed bool
	// Charged is true when chapter 1 was paid during this call.
	Charged bool
}

// StartOrResume returns the user's active session for the story, creating it
// at chapter 1 when none exists, and makes sure chapter 1 is paid.
//
// When the wallet cannot cover chapter 1 the session is kept and returned
// together with an *InsufficientFundsError; a later call resumes it.
func (s *SessionService) StartOrResume(ctx context.Context, in StartInput) (*StartResult, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "StartOrResume",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.String("story.slug", in.StorySlug),
		),
	)
	defer span.End()

	slug, err := validateSlug(in.StorySlug)
	if err != nil {
		return nil, err
	}
	charID, err := validateID("characterId", in.CharacterID)
	if err != nil {
		return nil, err
	}
	roles, err := normalizeRoleIDs(in.RoleIDs)
	if err != nil {
		return nil, err
	}

	story, err := repo.GetStoryBySlug(ctx, s.DB, slug)
	if err != nil {
		return nil, storeErr("session.start.story", err, ErrStoryNotFound)
	}
	if _, err := repo.GetUser(ctx, s.DB, in.UserID); err != nil {
		return nil, storeErr("session.start.user", err, ErrUserNotFound)
	}

	sess, created, err := s.findOrCreate(ctx, in.UserID, story, charID, roles)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", sess.ID), attribute.Bool("session.created", created))

	res := &StartResult{Session: sess, Story: story, Resumed: !created}
	lifecycle := events.New(events.SessionResumed, in.UserID)
	if created {
		lifecycle.Type = events.SessionStarted
	}
	lifecycle.SessionID, lifecycle.StoryID, lifecycle.Chapter = sess.ID, story.ID, sess.Progress.Chapter
	publish(ctx, s.Events, lifecycle)

	var charge ChargeResult
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		charge, err = chargeChapter(ctx, tx, in.UserID, story.ID, 1, story.Pricing.CreditsPerChapter)
		return err
	})
	if err != nil {
		err = storeErr("session.start.charge", err, nil)
		var insuf *InsufficientFundsError
		if errors.As(err, &insuf) {
			res.Balance = insuf.Balance
			s.insufficient(ctx, in.UserID, sess, 1, insuf)
			return res, err
		}
		return nil, err
	}

	res.Balance, res.Charged = charge.Balance, charge.Charged
	if charge.Charged {
		s.charged(ctx, in.UserID, sess, 1, charge)
	}
	return res, nil
}

func (s *SessionService) findOrCreate(ctx context.Context, userID string, story *domain.Story, characterID string, roles []string) (*domain.Session, bool, error) {
	existing, err := repo.FindActiveSession(ctx, s.DB, userID, story.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, storeErr("session.find", err, nil)
	}

	sess := &domain.Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		StoryID:     story.ID,
		CharacterID: characterID,
		RoleIDs:     datatypes.JSONSlice[string](roles),
		Progress: domain.Progress{
			Chapter:            1,
			ChapterCountApprox: story.Pricing.EstimatedChapterCount,
		},
		Mirror:    datatypes.NewJSONType(domain.Mirror{Relationships: map[string]int{}, CriticalBeats: []string{}}),
		CreatedAt: s.now(),
	}
	err = repo.CreateSession(ctx, s.DB, sess)
	if errors.Is(err, repo.ErrDuplicate) {
		// A concurrent start won; converge on its session.
		winner, ferr := repo.FindActiveSession(ctx, s.DB, userID, story.ID)
		if ferr != nil {
			return nil, false, storeErr("session.find", ferr, nil)
		}
		zerolog.Ctx(ctx).Debug().Str("session_id", winner.ID).Msg("session start raced, resuming winner")
		return winner, false, nil
	}
	if err != nil {
		return nil, false, storeErr("session.create", err, nil)
	}
	zerolog.Ctx(ctx).Info().Str("session_id", sess.ID).Str("story_id", story.ID).Msg("session started")
	return sess, true, nil
}

// AdvanceInput is one player turn.
type AdvanceInput struct {
	SessionID string
	UserID    string
	// Chosen is the option picked from the previous storyrunner turn.
	Chosen   *string
	FreeText string
	// AdvanceChapter unlocks and pays the next chapter.
	AdvanceChapter bool
	// FromChapter is the caller's view of the current chapter. When set, a
	// session already at FromChapter+1 turns the call into a replay.
	FromChapter *int
}

// AdvanceResult is the state after a turn.
type AdvanceResult struct {
	Session *domain.Session
	// Turns is the tail of the session log.
	Turns   []domain.Turn
	Choices []string
	// Balance is set only when a deduction happened during this call.
	Balance  *int64
	Charged  bool
	Replayed bool
	// NarrativeError is set when the storyrunner turn could not be produced.
	NarrativeError string
}

// Advance records a player turn and, when asked, unlocks the next chapter.
func (s *SessionService) Advance(ctx context.Context, in AdvanceInput) (*AdvanceResult, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Advance",
		trace.WithAttributes(
			attribute.String("session.id", in.SessionID),
			attribute.String("user.id", in.UserID),
			attribute.Bool("advance", in.AdvanceChapter),
		),
	)
	defer span.End()

	chosen, err := validateChosen(in.Chosen)
	if err != nil {
		return nil, err
	}
	free, err := validateFreeText(in.FreeText)
	if err != nil {
		return nil, err
	}
	if chosen == "" && free == "" && !in.AdvanceChapter {
		return nil, invalid("freeText", "required unless advancing")
	}
	if in.FromChapter != nil && *in.FromChapter < 1 {
		return nil, invalid("fromChapter", "must be >= 1")
	}
	if !in.AdvanceChapter {
		return s.advance(ctx, in, chosen, free)
	}

	// Advances of one session that overlap in time are one request sent
	// several times (double click, retry, second tab). The first runs; the
	// others wait for it and get its outcome as a replay with no charge.
	key := advanceKey(in)
	leader := false
	ch := s.advances.DoChan(key, func() (any, error) {
		leader = true
		return s.advance(context.WithoutCancel(ctx), in, chosen, free)
	})
	advanceJoined(key)
	r := <-ch
	if r.Err != nil {
		return nil, r.Err
	}
	res := r.Val.(*AdvanceResult)
	if leader {
		return res, nil
	}
	span.SetAttributes(attribute.Bool("coalesced", true))
	joined := *res
	joined.Balance, joined.Charged, joined.Replayed = nil, false, true
	return &joined, nil
}

// advanceKey groups advance calls by caller, session and expected chapter.
func advanceKey(in AdvanceInput) string {
	from := "-"
	if in.FromChapter != nil {
		from = strconv.Itoa(*in.FromChapter)
	}
	return in.UserID + "|" + in.SessionID + "|" + from
}

// advance runs one validated turn against the store.
func (s *SessionService) advance(ctx context.Context, in AdvanceInput, chosen, free string) (*AdvanceResult, error) {
	sess, err := s.owned(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Progress.Completed {
		return nil, ErrSessionCompleted
	}
	story, err := repo.GetStory(ctx, s.DB, sess.StoryID)
	if err != nil {
		return nil, storeErr("session.advance.story", err, ErrStoryNotFound)
	}

	cur := sess.Progress.Chapter
	if in.FromChapter != nil && *in.FromChapter != cur {
		if in.AdvanceChapter && cur == *in.FromChapter+1 {
			return s.replay(ctx, sess)
		}
		return nil, ErrChapterMismatch
	}
	target := cur
	if in.AdvanceChapter {
		target = cur + 1
	}
	cost := story.Pricing.CreditsPerChapter

	var charges []ChargeResult
	charging := cur
	var chosenPtr *string
	if chosen != "" {
		chosenPtr = &chosen
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		userTurn := &domain.Turn{
			SessionID: sess.ID,
			Role:      domain.RoleUser,
			Content:   turnContent(chosen, free),
			Chosen:    chosenPtr,
			Chapter:   cur,
			CreatedAt: s.now(),
		}
		if err := repo.AppendTurn(ctx, tx, userTurn); err != nil {
			return err
		}
		// Playing a chapter requires it to be paid; this is a no-op unless
		// chapter 1 was left unpaid at start.
		c, err := chargeChapter(ctx, tx, in.UserID, story.ID, cur, cost)
		if err != nil {
			return err
		}
		charges = append(charges, c)
		if !in.AdvanceChapter {
			return nil
		}
		charging = target
		c, err = chargeChapter(ctx, tx, in.UserID, story.ID, target, cost)
		if err != nil {
			return err
		}
		charges = append(charges, c)
		won, err := repo.AdvanceProgress(ctx, tx, sess.ID, cur, target)
		if err != nil {
			return err
		}
		if !won {
			return errLostRace
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		return s.afterLostRace(ctx, sess.ID, target)
	}
	if err != nil {
		err = storeErr("session.advance", err, nil)
		var insuf *InsufficientFundsError
		if errors.As(err, &insuf) {
			s.insufficient(ctx, in.UserID, sess, charging, insuf)
		}
		return nil, err
	}

	res := &AdvanceResult{}
	for i, c := range charges {
		if !c.Charged {
			continue
		}
		ch := cur
		if i == 1 {
			ch = target
		}
		s.charged(ctx, in.UserID, sess, ch, c)
		bal := c.Balance
		res.Balance = &bal
		res.Charged = true
	}

	reply, genErr := s.narrate(ctx, sess, story, target, chosen, free)
	if genErr != nil {
		res.NarrativeError = "storyrunner unavailable, the turn was recorded"
	} else {
		res.Choices = reply.Choices
	}

	if in.AdvanceChapter {
		beats := []string{narrative.BeatForChapter(target)}
		if genErr == nil && len(reply.Beats) > 0 {
			beats = reply.Beats
		}
		if err := s.recordMirror(ctx, sess.ID, beats, reply.TrustDeltas); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("session_id", sess.ID).Msg("mirror update failed")
		}
		e := events.New(events.ChapterAdvanced, in.UserID)
		e.SessionID, e.StoryID, e.Chapter = sess.ID, story.ID, target
		publish(ctx, s.Events, e)
		zerolog.Ctx(ctx).Info().Str("session_id", sess.ID).Int("chapter", target).Msg("chapter advanced")
	}

	if err := s.fill(ctx, res, sess.ID); err != nil {
		return nil, err
	}
	return res, nil
}

// narrate asks the generator for the storyrunner reply and appends it to the log.
func (s *SessionService) narrate(ctx context.Context, sess *domain.Session, story *domain.Story, chapter int, chosen, free string) (narrative.Turn, error) {
	if s.Narrator == nil {
		return narrative.Turn{}, nil
	}
	lg := zerolog.Ctx(ctx)
	reply, err := s.Narrator.GenerateTurn(ctx, narrative.Request{
		StoryTitle:  story.Title,
		CharacterID: sess.CharacterID,
		Chapter:     chapter,
		Chosen:      chosen,
		FreeText:    free,
	})
	if err != nil {
		lg.Warn().Err(err).Str("session_id", sess.ID).Int("chapter", chapter).Msg("narrative generation failed")
		return narrative.Turn{}, err
	}
	t := &domain.Turn{
		SessionID: sess.ID,
		Role:      domain.RoleStoryrunner,
		Content:   reply.Content,
		Choices:   datatypes.JSONSlice[string](reply.Choices),
		Chapter:   chapter,
		CreatedAt: s.now(),
	}
	if err := repo.AppendTurn(ctx, s.DB, t); err != nil {
		lg.Error().Err(err).Str("session_id", sess.ID).Msg("storing storyrunner turn failed")
		return narrative.Turn{}, err
	}
	return reply, nil
}

func (s *SessionService) recordMirror(ctx context.Context, sessionID string, beats []string, deltas map[string]int) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := repo.GetSessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		m := cur.Mirror.Data()
		if m.Relationships == nil {
			m.Relationships = map[string]int{}
		}
		for id, d := range deltas {
			m.Relationships[id] += d
		}
		for _, b := range beats {
			if !m.HasBeat(b) {
				m.CriticalBeats = append(m.CriticalBeats, b)
			}
		}
		return repo.SaveMirror(ctx, tx, sessionID, m)
	})
}

// afterLostRace resolves a failed compare-and-set: the winner already moved
// the session to (or past) target, so the call converges to a replay.
func (s *SessionService) afterLostRace(ctx context.Context, sessionID string, target int) (*AdvanceResult, error) {
	sess, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, storeErr("session.advance.reload", err, ErrSessionNotFound)
	}
	if sess.Progress.Chapter >= target {
		zerolog.Ctx(ctx).Debug().Str("session_id", sessionID).Int("chapter", sess.Progress.Chapter).Msg("advance raced, replaying")
		return s.replay(ctx, sess)
	}
	if sess.Progress.Completed {
		return nil, ErrSessionCompleted
	}
	return nil, ErrChapterMismatch
}

func (s *SessionService) replay(ctx context.Context, sess *domain.Session) (*AdvanceResult, error) {
	res := &AdvanceResult{Replayed: true}
	if err := s.fill(ctx, res, sess.ID); err != nil {
		return nil, err
	}
	return res, nil
}

// fill loads the committed session and the log tail into res.
func (s *SessionService) fill(ctx context.Context, res *AdvanceResult, sessionID string) error {
	sess, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		return storeErr("session.reload", err, ErrSessionNotFound)
	}
	turns, err := repo.ListTurnsTail(ctx, s.DB, sessionID, s.logTail())
	if err != nil {
		return storeErr("session.turns", err, nil)
	}
	res.Session, res.Turns = sess, turns
	if res.Choices == nil && len(turns) > 0 {
		last := turns[len(turns)-1]
		if last.Role == domain.RoleStoryrunner {
			res.Choices = last.Choices
		}
	}
	return nil
}

// CompleteInput finishes a session with an optional rating.
type CompleteInput struct {
	SessionID string
	UserID    string
	Stars     *int
	Text      *string
}

// CompleteResult is the session after completion.
type CompleteResult struct {
	Session *domain.Session
	// AlreadyCompleted is true when an earlier call finished the session.
	AlreadyCompleted bool
}

// Complete marks the session finished and requests the finale. Repeated calls
// return the stored state, including the first rating, unchanged.
func (s *SessionService) Complete(ctx context.Context, in CompleteInput) (*CompleteResult, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Complete",
		trace.WithAttributes(
			attribute.String("session.id", in.SessionID),
			attribute.String("user.id", in.UserID),
		),
	)
	defer span.End()

	sess, err := s.owned(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}
	// A repeat returns the stored state whatever rating it carries.
	if sess.Progress.Completed {
		return &CompleteResult{Session: sess, AlreadyCompleted: true}, nil
	}
	rating, err := validateRating(in.Stars, in.Text)
	if err != nil {
		return nil, err
	}

	var r *domain.Rating
	if rating != nil {
		r = &domain.Rating{Stars: rating.stars, Text: rating.text}
	}
	won, err := repo.CompleteSession(ctx, s.DB, sess.ID, s.now(), r)
	if err != nil {
		return nil, storeErr("session.complete", err, nil)
	}
	sess, err = repo.GetSession(ctx, s.DB, sess.ID)
	if err != nil {
		return nil, storeErr("session.complete.reload", err, ErrSessionNotFound)
	}
	if won {
		e := events.New(events.SessionCompleted, in.UserID)
		e.SessionID, e.StoryID, e.Chapter = sess.ID, sess.StoryID, sess.Progress.Chapter
		publish(ctx, s.Events, e)
		zerolog.Ctx(ctx).Info().Str("session_id", sess.ID).Msg("session completed")
	}
	return &CompleteResult{Session: sess, AlreadyCompleted: !won}, nil
}

// Get returns a session owned by userID.
func (s *SessionService) Get(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	return s.owned(ctx, userID, sessionID)
}

// List returns a page of the user's sessions, newest first, and the total.
// status is "", "all", "active" or "completed".
func (s *SessionService) List(ctx context.Context, userID, status string, page, pageSize int) ([]domain.Session, int64, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("status", status),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	switch status {
	case "", "all":
		status = repo.StatusAll
	case repo.StatusActive, repo.StatusCompleted:
	default:
		return nil, 0, invalid("status", "must be active, completed or all")
	}
	offset, limit := clampPage(page, pageSize)

	total, err := repo.CountSessions(ctx, s.DB, userID, status)
	if err != nil {
		return nil, 0, storeErr("session.count", err, nil)
	}
	if total == 0 {
		return []domain.Session{}, 0, nil
	}
	items, err := repo.ListSessionsPage(ctx, s.DB, userID, status, offset, limit)
	if err != nil {
		return nil, 0, storeErr("session.list", err, nil)
	}
	return items, total, nil
}

// ListTurns returns a page of the session log in insertion order.
func (s *SessionService) ListTurns(ctx context.Context, userID, sessionID string, page, pageSize int) ([]domain.Turn, int64, error) {
	tr := otel.Tracer("services/SessionService")
	ctx, span := tr.Start(ctx, "ListTurns",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if _, err := s.owned(ctx, userID, sessionID); err != nil {
		return nil, 0, err
	}
	offset, limit := clampPage(page, pageSize)
	total, err := repo.CountTurns(ctx, s.DB, sessionID)
	if err != nil {
		return nil, 0, storeErr("turns.count", err, nil)
	}
	if total == 0 {
		return []domain.Turn{}, 0, nil
	}
	items, err := repo.ListTurnsPage(ctx, s.DB, sessionID, offset, limit)
	if err != nil {
		return nil, 0, storeErr("turns.list", err, nil)
	}
	return items, total, nil
}

// owned loads a session and hides sessions of other users as not found.
func (s *SessionService) owned(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	sess, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, storeErr("session.get", err, ErrSessionNotFound)
	}
	if sess.UserID != userID {
		zerolog.Ctx(ctx).Debug().Str("session_id", sessionID).Msg("session owned by another user")
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (s *SessionService) charged(ctx context.Context, userID string, sess *domain.Session, chapter int, c ChargeResult) {
	e := events.New(events.ChapterCharged, userID)
	e.SessionID, e.StoryID, e.Chapter, e.Amount, e.Balance = sess.ID, sess.StoryID, chapter, c.Amount, c.Balance
	publish(ctx, s.Events, e)
}

func (s *SessionService) insufficient(ctx context.Context, userID string, sess *domain.Session, chapter int, insuf *InsufficientFundsError) {
	zerolog.Ctx(ctx).Info().
		Str("session_id", sess.ID).
		Int("chapter", chapter).
		Int64("needed", insuf.Needed).
		Int64("balance", insuf.Balance).
		Msg("insufficient funds")
	e := events.New(events.InsufficientFunds, userID)
	e.SessionID, e.StoryID, e.Chapter, e.Amount, e.Balance = sess.ID, sess.StoryID, chapter, insuf.Needed, insuf.Balance
	publish(ctx, s.Events, e)
}

func turnContent(chosen, free string) string {
	switch {
	case free != "":
		return free
	case chosen != "":
		return chosen
	default:
		return "(continue)"
	}
}
