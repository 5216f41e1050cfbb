package prompts

import (
	"strings"
	"testing"
)

func baseContext() AssistantContext {
	return AssistantContext{
		Name:   "Huddle",
		Roster: []string{"Alice"},
		Transcript: []TranscriptLine{
			{Speaker: "Alice", Content: "Where should we eat?"},
			{Speaker: "Huddle", FromAssistant: true, Content: "Tacos are always\nan option."},
		},
	}
}

func TestAssistantSystemPrompt_ContainsKeyPhrases(t *testing.T) {
	got := AssistantSystemPrompt(baseContext())

	phrases := []string{
		"You are Huddle",
		"two steps",
		"[TAG: short sentence]",
		"User (Alice): Where should we eat?",
		"You: Tacos are always an option.",
	}
	for _, phrase := range phrases {
		if !strings.Contains(got, phrase) {
			t.Errorf("prompt missing %q", phrase)
		}
	}
}

func TestAssistantSystemPrompt_AddressingClause(t *testing.T) {
	solo := AssistantSystemPrompt(baseContext())
	if strings.Contains(solo, NoResponseToken) {
		t.Error("single-member roster must not mention the no-response token")
	}

	ac := baseContext()
	ac.Roster = []string{"Alice", "Bob"}
	group := AssistantSystemPrompt(ac)
	if !strings.Contains(group, NoResponseToken) {
		t.Error("multi-member roster must include the no-response token")
	}
	if !strings.Contains(group, "Alice, Bob") {
		t.Error("roster names should be listed")
	}
}

func TestAssistantSystemPrompt_SecondaryBlocks(t *testing.T) {
	without := AssistantSystemPrompt(baseContext())
	if strings.Contains(without, "other threads") || strings.Contains(without, "participant notes") {
		t.Error("empty background and profiles must not render their blocks")
	}

	ac := baseContext()
	ac.Background = []BackgroundLine{{Speaker: "Bob", Content: "flight lands at 6"}}
	ac.Profiles = []ProfileNote{{Name: "Alice", Context: "Vegetarian"}}
	with := AssistantSystemPrompt(ac)

	for _, phrase := range []string{"other threads (secondary)", "- Bob: flight lands at 6", "participant notes (secondary)", "- Alice: Vegetarian"} {
		if !strings.Contains(with, phrase) {
			t.Errorf("prompt missing %q", phrase)
		}
	}
	if strings.Index(with, "This thread so far") > strings.Index(with, "other threads") {
		t.Error("active thread should come before background")
	}
}

func TestAssistantSystemPrompt_Deterministic(t *testing.T) {
	ac := baseContext()
	ac.Roster = []string{"Alice", "Bob", "Carol"}
	ac.Profiles = []ProfileNote{{Name: "Bob", Context: "x"}, {Name: "Alice", Context: "y"}}
	first := AssistantSystemPrompt(ac)
	for range 5 {
		if got := AssistantSystemPrompt(ac); got != first {
			t.Fatal("output differs between identical calls")
		}
	}
}

func TestAssistantSystemPrompt_EmptyTranscript(t *testing.T) {
	got := AssistantSystemPrompt(AssistantContext{})
	if !strings.Contains(got, "You are Huddle") {
		t.Error("empty name should default to Huddle")
	}
	if !strings.Contains(got, "(no earlier messages)") {
		t.Error("empty transcript placeholder missing")
	}
}
