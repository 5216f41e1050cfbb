package assistant

import (
	"github.com/nugget/huddle/internal/identity"
	"github.com/nugget/huddle/internal/llm"
	"github.com/nugget/huddle/internal/prompts"
	"github.com/nugget/huddle/internal/store"
)

// Prompt is a composed completion request.
type Prompt struct {
	// System is the full system instruction.
	System string
	// Turns is the active thread in order followed by the new message.
	// Background messages never appear here.
	Turns []llm.Message
}

// Messages returns the provider message list: the system instruction
// followed by every turn.
func (p Prompt) Messages() []llm.Message {
	out := make([]llm.Message, 0, len(p.Turns)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: p.System})
	return append(out, p.Turns...)
}

// Compose renders c and the new message into a prompt. It is a pure
// function of its arguments.
func Compose(assistantName string, c *Context, message string) Prompt {
	ac := prompts.AssistantContext{
		Name:   assistantName,
		Roster: c.Roster,
	}

	turns := make([]llm.Message, 0, len(c.Thread)+1)
	for _, m := range c.Thread {
		fromAssistant := m.Role == store.RoleAssistant
		ac.Transcript = append(ac.Transcript, prompts.TranscriptLine{
			Speaker:       speaker(m, assistantName),
			FromAssistant: fromAssistant,
			Content:       m.Content,
		})
		if fromAssistant {
			turns = append(turns, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
			continue
		}
		turns = append(turns, llm.Message{
			Role:    llm.RoleUser,
			Content: speaker(m, assistantName) + ": " + m.Content,
		})
	}
	turns = append(turns, llm.Message{Role: llm.RoleUser, Content: message})

	for _, m := range c.Background {
		ac.Background = append(ac.Background, prompts.BackgroundLine{
			Speaker: speaker(m, assistantName),
			Content: m.Content,
		})
	}
	for _, p := range c.Participants {
		ac.Profiles = append(ac.Profiles, prompts.ProfileNote{Name: p.Name, Context: p.Background})
	}

	return Prompt{
		System: prompts.AssistantSystemPrompt(ac),
		Turns:  turns,
	}
}

func speaker(m store.Message, assistantName string) string {
	switch {
	case m.Role == store.RoleAssistant:
		if assistantName != "" {
			return assistantName
		}
		return "Assistant"
	case m.UserName != "":
		return m.UserName
	default:
		return identity.FallbackName(m.UserID)
	}
}
