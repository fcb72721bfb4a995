package narrative

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestScriptGenerator_PicksMatchingPassageAndChoices(t *testing.T) {
	s, _ := ParseScript(strings.NewReader(sampleScript))
	g := &ScriptGenerator{Script: s}

	turn, err := g.GenerateTurn(context.Background(), Request{
		StoryTitle:  "the lantern",
		CharacterID: "keeper",
		Chapter:     1,
		Chosen:      "open the journal",
	})
	if err != nil {
		t.Fatalf("GenerateTurn: %v", err)
	}
	if !strings.HasPrefix(turn.Content, "Chapter 1 · The Lantern\n\n") {
		t.Fatalf("unexpected heading: %q", turn.Content)
	}
	if !strings.Contains(turn.Content, "journal lies open") {
		t.Fatalf("expected journal passage, got %q", turn.Content)
	}
	if len(turn.Choices) != 1 || !strings.HasPrefix(turn.Choices[0], "You wake") {
		t.Fatalf("unexpected choices: %#v", turn.Choices)
	}
	if len(turn.Beats) != 1 || turn.Beats[0] != "chapter-1" {
		t.Fatalf("unexpected beats: %#v", turn.Beats)
	}
	if turn.TrustDeltas["keeper"] != 1 {
		t.Fatalf("expected trust delta for keeper, got %#v", turn.TrustDeltas)
	}
}

func TestScriptGenerator_NoQueryUsesScriptOrder(t *testing.T) {
	s, _ := ParseScript(strings.NewReader(sampleScript))
	g := &ScriptGenerator{Script: s, MaxChoices: 5, MaxChoiceRunes: 10}

	turn, err := g.GenerateTurn(context.Background(), Request{Chapter: 2})
	if err != nil {
		t.Fatalf("GenerateTurn: %v", err)
	}
	if !strings.Contains(turn.Content, "locked chest") {
		t.Fatalf("expected first chapter 2 passage, got %q", turn.Content)
	}
	if len(turn.Choices) != 1 || !strings.HasSuffix(turn.Choices[0], "…") {
		t.Fatalf("expected one clipped choice, got %#v", turn.Choices)
	}
	if turn.TrustDeltas != nil {
		t.Fatalf("no choice means no trust change, got %#v", turn.TrustDeltas)
	}
}

func TestScriptGenerator_EmptyScript(t *testing.T) {
	g := &ScriptGenerator{Script: nil}
	_, err := g.GenerateTurn(context.Background(), Request{Chapter: 1})
	if !errors.Is(err, ErrNoPassage) {
		t.Fatalf("expected ErrNoPassage, got %v", err)
	}
}
