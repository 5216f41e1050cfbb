package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dial(t *testing.T, bus *events.Bus, threadID string) (*websocket.Conn, func()) {
	t.Helper()
	h := NewHandler(bus, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, threadID)
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, func() bool { return bus.SubscriberCount() == 1 })
	return conn, func() {
		conn.Close()
		srv.Close()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_ForwardsThreadFrames(t *testing.T) {
	bus := events.New()
	conn, cleanup := dial(t, bus, "t1")
	defer cleanup()

	bus.Publish(events.Event{Kind: events.KindThreadRenamed, Data: map[string]any{"thread_id": "other", "title": "skip"}})
	bus.Publish(events.Event{Kind: events.KindMessageInserted, Data: map[string]any{
		"thread_id": "t1",
		"message":   &store.Message{ID: "m1", ThreadID: "t1", UserID: "alice", Content: "hello", Role: store.RoleUser},
	}})
	bus.Publish(events.Event{Kind: events.KindThreadRenamed, Data: map[string]any{"thread_id": "t1", "title": "Hello"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second Frame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read: %v", err)
	}

	if first.Type != FrameMessage || first.Message == nil || first.Message.Content != "hello" || first.Color == "" {
		t.Errorf("first frame = %+v", first)
	}
	if second.Type != FrameRenamed || second.Title != "Hello" {
		t.Errorf("second frame = %+v, want rename of t1 only", second)
	}
}

func TestHandler_UnsubscribesOnClose(t *testing.T) {
	bus := events.New()
	conn, cleanup := dial(t, bus, "t1")
	defer cleanup()

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitFor(t, func() bool { return bus.SubscriberCount() == 0 })
}

func TestHandler_NilBus(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(nil, nil).Serve(rec, httptest.NewRequest(http.MethodGet, "/", nil), "t1")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
