// Package transcript renders stored threads for people: per-user colors,
// Markdown and HTML exports, and splitting an assistant reply's leading
// interpretation tag from its body.
package transcript

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nugget/huddle/internal/identity"
	"github.com/nugget/huddle/internal/store"
)

// AssistantColor is the fixed color of assistant messages.
const AssistantColor = "#10b981"

var palette = [...]string{
	"#3b82f6", "#10b981", "#f59e0b", "#ef4444", "#8b5cf6",
	"#ec4899", "#06b6d4", "#f97316", "#84cc16", "#6366f1",
}

// UserColor returns the display color for userID. The hash walks UTF-16
// code units with 32-bit shift semantics so web clients computing the
// same color in the browser agree with the server.
func UserColor(userID string) string {
	if userID == store.AssistantID {
		return AssistantColor
	}
	var h int64
	for _, c := range utf16.Encode([]rune(userID)) {
		h = int64(c) + (int64(int32(h)<<5) - h)
	}
	if h < 0 {
		h = -h
	}
	return palette[h%int64(len(palette))]
}

// Interpretation is the bracketed preamble an assistant reply may open
// with, e.g. "[QUESTION: asking about dinner]".
type Interpretation struct {
	Tag     string `json:"tag"`
	Summary string `json:"summary"`
}

var interpretationRe = regexp.MustCompile(`^\s*\[([A-Z][A-Z_ -]*):\s*([^\]\n]*)\]\s*`)

// SplitInterpretation separates a leading interpretation tag from the
// reply body. ok is false when reply has no tag, in which case body is
// reply unchanged.
func SplitInterpretation(reply string) (in Interpretation, body string, ok bool) {
	m := interpretationRe.FindStringSubmatchIndex(reply)
	if m == nil {
		return Interpretation{}, reply, false
	}
	in = Interpretation{
		Tag:     strings.TrimSpace(reply[m[2]:m[3]]),
		Summary: strings.TrimSpace(reply[m[4]:m[5]]),
	}
	return in, reply[m[1]:], true
}

const stampFormat = "2006-01-02 15:04 MST"

// Markdown renders th and its messages as a Markdown document. Message
// bodies are already Markdown and are included verbatim.
func Markdown(th *store.Thread, msgs []store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title(th))
	if th != nil && !th.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "_Started %s_\n\n", th.CreatedAt.UTC().Format(stampFormat))
	}
	for _, m := range msgs {
		fmt.Fprintf(&b, "---\n\n**%s** · %s\n\n", author(m), stamp(m.CreatedAt))
		b.WriteString(strings.TrimRight(m.Content, "\n"))
		b.WriteString("\n\n")
	}
	return b.String()
}

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// HTML renders th and its messages as a standalone HTML document.
// Message bodies go through GFM Markdown; raw HTML inside a message is
// not passed through.
func HTML(th *store.Thread, msgs []store.Message) (string, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
<h1>%s</h1>
`, html.EscapeString(title(th)), html.EscapeString(title(th)))

	for _, m := range msgs {
		color := UserColor(m.UserID)
		fmt.Fprintf(&b, "<section class=\"message %s\">\n<p><strong style=\"color: %s\">%s</strong> <time datetime=\"%s\">%s</time></p>\n",
			html.EscapeString(m.Role), color, html.EscapeString(author(m)),
			m.CreatedAt.UTC().Format(time.RFC3339), html.EscapeString(stamp(m.CreatedAt)))
		if err := md.Convert([]byte(m.Content), &b); err != nil {
			return "", fmt.Errorf("render message %s: %w", m.ID, err)
		}
		b.WriteString("</section>\n")
	}
	b.WriteString("</body></html>\n")
	return b.String(), nil
}

func title(th *store.Thread) string {
	if th == nil || strings.TrimSpace(th.Title) == "" {
		return store.DefaultThreadTitle
	}
	return th.Title
}

func author(m store.Message) string {
	if m.UserName != "" {
		return m.UserName
	}
	if m.UserID == store.AssistantID {
		return "Assistant"
	}
	return identity.FallbackName(m.UserID)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(stampFormat)
}
