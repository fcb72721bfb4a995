package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrNoPassage is returned when the script has nothing to say for a chapter.
var ErrNoPassage = errors.New("no passage for chapter")

// Request is the input of one storyrunner turn.
type Request struct {
	StoryTitle  string
	CharacterID string
	Chapter     int
	Chosen      string
	FreeText    string
}

// Turn is a generated storyrunner reply.
type Turn struct {
	Content     string
	Choices     []string
	Beats       []string
	TrustDeltas map[string]int
}

// Generator produces storyrunner turns. Implementations must be safe for
// concurrent use.
type Generator interface {
	GenerateTurn(ctx context.Context, req Request) (Turn, error)
}

// ScriptGenerator answers from a parsed Script: the best-matching passage of
// the chapter becomes the reply, the runners-up become the next choices.
type ScriptGenerator struct {
	Script *Script

	// Locale drives heading capitalization. Zero value means language.English.
	Locale language.Tag

	// MaxChoices caps offered choices (default 3).
	MaxChoices int

	// MaxChoiceRunes clips each choice (default 80).
	MaxChoiceRunes int
}

// GenerateTurn implements Generator.
func (g *ScriptGenerator) GenerateTurn(ctx context.Context, req Request) (Turn, error) {
	_, span := otel.Tracer("narrative/ScriptGenerator").Start(ctx, "GenerateTurn",
		trace.WithAttributes(attribute.Int("chapter", req.Chapter)),
	)
	defer span.End()

	passages := g.Script.Chapter(req.Chapter)
	if len(passages) == 0 {
		return Turn{}, fmt.Errorf("chapter %d: %w", req.Chapter, ErrNoPassage)
	}

	query := strings.TrimSpace(req.Chosen + " " + req.FreeText)
	ranked := make([]Passage, 0, len(passages))
	for _, m := range g.Script.TopK(req.Chapter, query, len(passages)) {
		ranked = append(ranked, m.Passage)
	}
	// Unmatched passages follow in script order.
	for _, p := range passages {
		if !containsPassage(ranked, p) {
			ranked = append(ranked, p)
		}
	}

	body := ranked[0].Text
	content := g.heading(req) + "\n\n" + body

	maxChoices := g.MaxChoices
	if maxChoices <= 0 {
		maxChoices = 3
	}
	choices := make([]string, 0, maxChoices)
	for _, p := range ranked[1:] {
		if len(choices) == maxChoices {
			break
		}
		if c := g.choiceFrom(p.Text); c != "" {
			choices = append(choices, c)
		}
	}

	out := Turn{
		Content: content,
		Choices: choices,
		Beats:   []string{BeatForChapter(req.Chapter)},
	}
	if req.CharacterID != "" && strings.TrimSpace(req.Chosen) != "" {
		out.TrustDeltas = map[string]int{req.CharacterID: 1}
	}
	return out, nil
}

// BeatForChapter names the critical beat recorded when a chapter unlocks.
func BeatForChapter(n int) string {
	return fmt.Sprintf("chapter-%d", n)
}

func (g *ScriptGenerator) heading(req Request) string {
	loc := g.Locale
	if loc == language.Und {
		loc = language.English
	}
	title := cases.Title(loc).String(strings.TrimSpace(req.StoryTitle))
	h := fmt.Sprintf("Chapter %d", req.Chapter)
	if title != "" {
		h += " · " + title
	}
	return h
}

// choiceFrom turns a passage into a short option: its first sentence, clipped.
func (g *ScriptGenerator) choiceFrom(text string) string {
	limit := g.MaxChoiceRunes
	if limit <= 0 {
		limit = 80
	}
	s := text
	if i := strings.IndexAny(s, ".!?"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > limit {
		r := []rune(s)
		s = strings.TrimSpace(string(r[:limit-1])) + "…"
	}
	return s
}

func containsPassage(ps []Passage, p Passage) bool {
	for _, q := range ps {
		if q.Text == p.Text {
			return true
		}
	}
	return false
}

var _ Generator = (*ScriptGenerator)(nil)
