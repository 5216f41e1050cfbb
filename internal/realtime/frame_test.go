package realtime

import (
	"testing"
	"time"

	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/store"
	"github.com/nugget/huddle/internal/transcript"
)

func TestFrameFor(t *testing.T) {
	msg := &store.Message{ID: "m1", ThreadID: "t1", UserID: "alice", Content: "hi", Role: store.RoleUser}
	tests := []struct {
		name   string
		ev     events.Event
		wantOK bool
		check  func(t *testing.T, f Frame)
	}{
		{
			name:   "message inserted",
			ev:     events.Event{Kind: events.KindMessageInserted, Data: map[string]any{"thread_id": "t1", "message": msg}},
			wantOK: true,
			check: func(t *testing.T, f Frame) {
				if f.Type != FrameMessage || f.Message != msg || f.Color != transcript.UserColor("alice") {
					t.Errorf("frame = %+v", f)
				}
			},
		},
		{
			name:   "renamed",
			ev:     events.Event{Kind: events.KindThreadRenamed, Data: map[string]any{"thread_id": "t1", "title": "Dinner"}},
			wantOK: true,
			check: func(t *testing.T, f Frame) {
				if f.Type != FrameRenamed || f.Title != "Dinner" {
					t.Errorf("frame = %+v", f)
				}
			},
		},
		{
			name:   "response started",
			ev:     events.Event{Kind: events.KindResponseStarted, Data: map[string]any{"thread_id": "t1"}},
			wantOK: true,
			check: func(t *testing.T, f Frame) {
				if f.Type != FrameTyping {
					t.Errorf("type = %s", f.Type)
				}
			},
		},
		{
			name:   "response finished",
			ev:     events.Event{Kind: events.KindResponseFinished, Data: map[string]any{"thread_id": "t1", "outcome": "suppressed"}},
			wantOK: true,
			check: func(t *testing.T, f Frame) {
				if f.Type != FrameFinished || f.Outcome != "suppressed" {
					t.Errorf("frame = %+v", f)
				}
			},
		},
		{name: "no thread", ev: events.Event{Kind: events.KindThreadRenamed, Data: map[string]any{"title": "x"}}},
		{name: "message missing", ev: events.Event{Kind: events.KindMessageInserted, Data: map[string]any{"thread_id": "t1"}}},
		{name: "unknown kind", ev: events.Event{Kind: "other", Data: map[string]any{"thread_id": "t1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ev.Timestamp = time.Unix(100, 0)
			f, ok := FrameFor(tt.ev)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if f.ThreadID != "t1" || !f.At.Equal(time.Unix(100, 0)) {
				t.Errorf("frame = %+v", f)
			}
			tt.check(t, f)
		})
	}
}

func TestThreadTopic(t *testing.T) {
	if got := ThreadTopic("huddle", Frame{Type: FrameMessage, ThreadID: "t1"}); got != "huddle/threads/t1/messages" {
		t.Errorf("message topic = %s", got)
	}
	if got := ThreadTopic("huddle", Frame{Type: FrameRenamed, ThreadID: "t1"}); got != "huddle/threads/t1/events" {
		t.Errorf("event topic = %s", got)
	}
}
