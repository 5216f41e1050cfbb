package realtime

import (
	"time"

	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/store"
	"github.com/nugget/huddle/internal/transcript"
)

// Frame types sent to subscribers.
const (
	FrameMessage  = "message"
	FrameRenamed  = "thread_renamed"
	FrameTyping   = "assistant_typing"
	FrameFinished = "assistant_finished"
)

// Frame is one realtime notification about a thread.
type Frame struct {
	Type     string         `json:"type"`
	ThreadID string         `json:"thread_id"`
	Message  *store.Message `json:"message,omitempty"`
	Color    string         `json:"color,omitempty"`
	Title    string         `json:"title,omitempty"`
	Outcome  string         `json:"outcome,omitempty"`
	At       time.Time      `json:"ts"`
}

// FrameFor converts a bus event into a frame. ok is false for events
// viewers do not care about.
func FrameFor(ev events.Event) (f Frame, ok bool) {
	f = Frame{ThreadID: ev.ThreadID(), At: ev.Timestamp}
	if f.ThreadID == "" {
		return Frame{}, false
	}
	switch ev.Kind {
	case events.KindMessageInserted:
		msg, _ := ev.Data["message"].(*store.Message)
		if msg == nil {
			return Frame{}, false
		}
		f.Type = FrameMessage
		f.Message = msg
		f.Color = transcript.UserColor(msg.UserID)
	case events.KindThreadRenamed:
		f.Type = FrameRenamed
		f.Title, _ = ev.Data["title"].(string)
	case events.KindResponseStarted:
		f.Type = FrameTyping
	case events.KindResponseFinished:
		f.Type = FrameFinished
		f.Outcome, _ = ev.Data["outcome"].(string)
	default:
		return Frame{}, false
	}
	return f, true
}
