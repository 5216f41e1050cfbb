package prompts

import (
	"strings"
)

// NoResponseToken is the reply the assistant gives, and nothing else,
// when a message was meant for another person in the thread. The stream
// driver watches for it at the start of every reply.
const NoResponseToken = "[NO_RESPONSE]"

// TranscriptLine is one message of the active thread.
type TranscriptLine struct {
	Speaker       string
	FromAssistant bool
	Content       string
}

// BackgroundLine is one message from a thread other than the active one.
type BackgroundLine struct {
	Speaker string
	Content string
}

// ProfileNote is a participant's self-written background context.
type ProfileNote struct {
	Name    string
	Context string
}

// AssistantContext is everything the assistant system prompt is built
// from. Slices are rendered in the order given.
type AssistantContext struct {
	Name       string
	Roster     []string
	Transcript []TranscriptLine
	Background []BackgroundLine
	Profiles   []ProfileNote
}

const assistantPersona = `You are %NAME%, the shared assistant in a group chat. You are one
participant among several people, not a private helper. You are warm,
direct and a little dry. You keep replies short unless someone asks for
depth, you never pretend to be human, and you say so plainly when you do
not know something.`

const assistantDeliberation = `Before every reply, think in two steps and do not show them:
1. Work out what the latest message is doing: asking you something,
   asking the group something, talking to one specific person, or just
   chatting.
2. Commit to exactly one stance and answer from it: answer, add
   something useful to the group, or stay silent. Do not hedge between
   stances.`

const assistantPreamble = `You may begin a reply with a one-line interpretation tag in exactly this
form, followed by a space and then your reply:
[TAG: short sentence]
TAG is a single uppercase word naming the intent you read (for example
QUESTION, PLAN, BANTER) and the sentence says what you took the message to
mean. Use it only when the intent was ambiguous. Never use square
brackets at the start of a reply for anything else.`

const assistantAddressing = `People in this thread: %ROSTER%.
If the latest message is clearly directed at one of these people rather
than at you or at the group, reply with exactly %TOKEN% and nothing else:
no tag, no punctuation, no explanation. If the message names you, asks the
group, or could reasonably be for you, reply normally.`

// AssistantSystemPrompt renders the system instruction for one reply.
// Output depends only on ac: identical input gives identical bytes.
func AssistantSystemPrompt(ac AssistantContext) string {
	name := ac.Name
	if name == "" {
		name = "Huddle"
	}

	var sb strings.Builder
	sb.WriteString(strings.ReplaceAll(assistantPersona, "%NAME%", name))
	sb.WriteString("\n\n## How to decide\n\n")
	sb.WriteString(assistantDeliberation)
	sb.WriteString("\n\n## Interpretation tag\n\n")
	sb.WriteString(assistantPreamble)

	if len(ac.Roster) > 1 {
		sb.WriteString("\n\n## Who is being addressed\n\n")
		r := strings.NewReplacer(
			"%ROSTER%", strings.Join(ac.Roster, ", "),
			"%TOKEN%", NoResponseToken,
		)
		sb.WriteString(r.Replace(assistantAddressing))
	}

	sb.WriteString("\n\n## This thread so far\n\n")
	if len(ac.Transcript) == 0 {
		sb.WriteString("(no earlier messages)")
	}
	for i, line := range ac.Transcript {
		if i > 0 {
			sb.WriteString("\n")
		}
		if line.FromAssistant {
			sb.WriteString("You: ")
		} else {
			sb.WriteString("User (")
			sb.WriteString(line.Speaker)
			sb.WriteString("): ")
		}
		sb.WriteString(oneLine(line.Content))
	}

	if len(ac.Background) > 0 {
		sb.WriteString("\n\n## Background: other threads (secondary)\n\n")
		sb.WriteString("Recent messages from other threads in this group, oldest first. Use them\n")
		sb.WriteString("only for situational awareness. The active thread above always takes priority;\n")
		sb.WriteString("do not answer these messages.\n")
		for _, line := range ac.Background {
			sb.WriteString("\n- ")
			sb.WriteString(line.Speaker)
			sb.WriteString(": ")
			sb.WriteString(oneLine(line.Content))
		}
	}

	if len(ac.Profiles) > 0 {
		sb.WriteString("\n\n## Background: participant notes (secondary)\n\n")
		sb.WriteString("Notes people wrote about themselves. Use them to personalize replies when\n")
		sb.WriteString("relevant. They never override what is said in the active thread.\n")
		for _, p := range ac.Profiles {
			sb.WriteString("\n- ")
			sb.WriteString(p.Name)
			sb.WriteString(": ")
			sb.WriteString(oneLine(p.Context))
		}
	}

	return sb.String()
}

// oneLine folds newlines so each transcript entry stays on one line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
