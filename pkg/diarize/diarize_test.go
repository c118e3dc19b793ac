package diarize

import (
	"context"
	"testing"

	"github.com/z-wentao/longscribe/pkg/models"
)

func turnsOf(t *testing.T, text string, words []models.Word, maxSpeakers int) []models.SpeakerTurn {
	t.Helper()
	turns, err := NewHeuristic().Diarize(context.Background(), &models.MergedTranscript{JobID: "j", Text: text, Words: words}, maxSpeakers)
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	return turns
}

func assertTurns(t *testing.T, got []models.SpeakerTurn, want ...string) {
	t.Helper()
	if len(got) != len(want)/2 {
		t.Fatalf("got %d turns %+v, want %d", len(got), got, len(want)/2)
	}
	for i := range got {
		if got[i].Speaker != want[2*i] || got[i].Text != want[2*i+1] {
			t.Fatalf("turn %d = %q: %q, want %q: %q", i, got[i].Speaker, got[i].Text, want[2*i], want[2*i+1])
		}
	}
}

func TestHeuristicLineMarkers(t *testing.T) {
	turns := turnsOf(t, "Q: How are you?\nA: Fine thanks.\nstill me\nQ: Good.", nil, 2)
	assertTurns(t, turns,
		"Speaker 1", "How are you?",
		"Speaker 2", "Fine thanks. still me",
		"Speaker 1", "Good.",
	)

	named := turnsOf(t, "John Smith: hi there\n张三：你好\nspeaker 3: welcome", nil, 3)
	assertTurns(t, named,
		"John Smith", "hi there",
		"张三", "你好",
		"Speaker 3", "welcome",
	)
}

func TestHeuristicInlineMarkers(t *testing.T) {
	turns := turnsOf(t, "intro words Speaker 1: hello there Speaker 2: hi back", nil, 2)
	assertTurns(t, turns,
		"Speaker 1", "intro words hello there",
		"Speaker 2", "hi back",
	)
}

func TestHeuristicAlternation(t *testing.T) {
	words := []models.Word{
		{Text: "How", Start: 0, End: 0.3},
		{Text: "are", Start: 0.3, End: 0.5},
		{Text: "you?", Start: 0.5, End: 0.8},
		{Text: "Fine.", Start: 1.0, End: 1.4},
		{Text: "Great", Start: 1.5, End: 1.8},
		{Text: "news.", Start: 1.8, End: 2.0},
		{Text: "Later", Start: 5.0, End: 5.3},
		{Text: "then.", Start: 5.3, End: 5.6},
	}
	// 单个 "Note:" 标记不算说话人标记
	turns := turnsOf(t, "Note: How are you? Fine. Great news. Later then.", words, 2)
	assertTurns(t, turns,
		"Speaker 1", "How are you?",
		"Speaker 2", "Fine. Great news.",
		"Speaker 1", "Later then.",
	)
	if turns[1].Start != 1.0 || turns[1].End != 2.0 {
		t.Fatalf("turn timing = %+v", turns[1])
	}

	single := turnsOf(t, "How are you? Fine.", words[:4], 1)
	assertTurns(t, single, "Speaker 1", "How are you? Fine.")
}

func TestHeuristicAlignsExplicitTurns(t *testing.T) {
	words := []models.Word{
		{Text: "one", Start: 0, End: 1},
		{Text: "two", Start: 1, End: 2},
		{Text: "three", Start: 2, End: 3},
		{Text: "four", Start: 3, End: 4},
	}
	turns := turnsOf(t, "Q: one two\nA: three four", words, 2)
	if turns[0].Start != 0 || turns[0].End != 2 || turns[1].Start != 2 || turns[1].End != 4 {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestHeuristicEmptyTranscript(t *testing.T) {
	if _, err := NewHeuristic().Diarize(context.Background(), &models.MergedTranscript{Text: "  "}, 2); err == nil {
		t.Fatal("expected an error for an empty transcript")
	}
}

func TestApplyLabelsCues(t *testing.T) {
	tr := &models.MergedTranscript{
		Segments: []models.Cue{
			{Index: 0, Start: 0, End: 5, Text: "a"},
			{Index: 1, Start: 5, End: 10, Text: "b"},
		},
	}
	Apply(tr, []models.SpeakerTurn{
		{Speaker: "Speaker 1", Start: 0, End: 4},
		{Speaker: "Speaker 2", Start: 4, End: 10},
	})
	if !tr.Diarized || tr.Segments[0].Speaker != "Speaker 1" || tr.Segments[1].Speaker != "Speaker 2" {
		t.Fatalf("transcript = %+v", tr)
	}
}
