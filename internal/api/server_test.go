package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/huddle/internal/assistant"
	"github.com/nugget/huddle/internal/config"
	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/identity"
	"github.com/nugget/huddle/internal/llm"
	"github.com/nugget/huddle/internal/metrics"
	"github.com/nugget/huddle/internal/realtime"
	"github.com/nugget/huddle/internal/store"
)

// fakeLLM streams a fixed reply.
type fakeLLM struct {
	chunks  []string
	openErr error
}

func (f *fakeLLM) ChatStream(context.Context, string, []llm.Message) (llm.Stream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &sliceStream{chunks: f.chunks}, nil
}

func (f *fakeLLM) Ping(context.Context) error { return nil }

type sliceStream struct {
	chunks []string
}

func (s *sliceStream) Recv() (llm.Chunk, error) {
	if len(s.chunks) == 0 {
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return llm.Chunk{Content: c}, nil
}

func (s *sliceStream) Close() error { return nil }

type testEnv struct {
	srv     *Server
	store   *store.Store
	bus     *events.Bus
	llm     *fakeLLM
	metrics *metrics.Metrics
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New()
	st, err := store.Open(filepath.Join(t.TempDir(), "huddle.db"), bus, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	fl := &fakeLLM{chunks: []string{"Hel", "lo!"}}
	m := metrics.New()
	resp := assistant.New(st, fl, assistant.Config{Name: "Huddle", Model: "test", Window: 30, PersistRetries: 1}, bus, m, logger)

	srv := NewServer("", 0, st, resp, logger)
	srv.SetMetrics(m)
	srv.SetRealtime(realtime.NewHandler(bus, logger))
	srv.SetRateLimit(config.RateLimitConfig{RPS: 100, Burst: 100})

	return &testEnv{srv: srv, store: st, bus: bus, llm: fl, metrics: m, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if user != "" {
		req.Header.Set(identity.HeaderUserID, user)
		req.Header.Set(identity.HeaderUserName, strings.ToUpper(user[:1])+user[1:])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) thread(t *testing.T) *store.Thread {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/threads", "alice", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create thread = %d: %s", rec.Code, rec.Body)
	}
	var th store.Thread
	decode(t, rec, &th)
	return &th
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

// sseData returns the data payloads of an SSE body in order.
func sseData(t *testing.T, body string) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			out = append(out, rest)
		}
	}
	return out
}

func TestIdentityRequired(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/v1/spaces", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	decode(t, rec, &body)
	if body.Error.Code != 401 || body.Error.Type != "authentication_error" {
		t.Errorf("error body = %+v", body)
	}

	if rec := e.do(t, http.MethodGet, "/v1/spaces", store.AssistantID, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("reserved id status = %d, want 401", rec.Code)
	}
}

func TestSignedIdentity(t *testing.T) {
	e := newTestEnv(t)
	e.srv.SetResolver(identity.NewResolver([]string{"k1"}, store.AssistantID))
	e.handler = e.srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/spaces", nil)
	req.Header.Set(identity.HeaderUserID, "alice")
	req.Header.Set(identity.HeaderSignature, identity.Sign("k1", "alice"))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("signed request = %d", rec.Code)
	}

	if rec := e.do(t, http.MethodGet, "/v1/spaces", "alice", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned request = %d, want 401", rec.Code)
	}
}

func TestChat_Streams(t *testing.T) {
	e := newTestEnv(t)
	th := e.thread(t)

	rec := e.do(t, http.MethodPost, "/v1/chat", "alice", map[string]string{
		"thread_id": th.ID, "message": "hi there",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %s", ct)
	}

	got := sseData(t, rec.Body.String())
	want := []string{`{"content":"Hel"}`, `{"content":"lo!"}`, "[DONE]"}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("events = %q, want %q", got, want)
	}

	msgs, err := e.store.ThreadMessages(context.Background(), th.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "Hello!" || msgs[0].UserID != store.AssistantID {
		t.Errorf("stored = %+v", msgs)
	}
}

func TestChat_NoResponse(t *testing.T) {
	e := newTestEnv(t)
	e.llm.chunks = []string{"[NO_RES", "PONSE]"}
	th := e.thread(t)

	rec := e.do(t, http.MethodPost, "/v1/chat", "alice", map[string]string{"thread_id": th.ID, "message": "bob, you there?"})
	got := sseData(t, rec.Body.String())
	if len(got) != 2 || got[0] != `{"no_response":true}` || got[1] != "[DONE]" {
		t.Errorf("events = %q", got)
	}
	msgs, _ := e.store.ThreadMessages(context.Background(), th.ID)
	if len(msgs) != 0 {
		t.Errorf("suppressed reply was stored: %+v", msgs)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     func(threadID string) any
		openErr  error
		wantCode int
	}{
		{name: "bad json", body: func(string) any { return "nope" }, wantCode: http.StatusBadRequest},
		{name: "missing message", body: func(id string) any { return map[string]string{"thread_id": id} }, wantCode: http.StatusBadRequest},
		{name: "missing thread id", body: func(string) any { return map[string]string{"message": "hi"} }, wantCode: http.StatusBadRequest},
		{name: "unknown thread", body: func(string) any { return map[string]string{"thread_id": "nope", "message": "hi"} }, wantCode: http.StatusNotFound},
		{name: "impersonation", body: func(id string) any {
			return map[string]string{"thread_id": id, "message": "hi", "user_id": "bob"}
		}, wantCode: http.StatusForbidden},
		{name: "provider not configured", body: func(id string) any {
			return map[string]string{"thread_id": id, "message": "hi"}
		}, openErr: llm.ErrProviderNotConfigured, wantCode: http.StatusServiceUnavailable},
		{name: "provider rejects", body: func(id string) any {
			return map[string]string{"thread_id": id, "message": "hi"}
		}, openErr: errors.New("401 from provider"), wantCode: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.llm.openErr = tt.openErr
			th := e.thread(t)
			rec := e.do(t, http.MethodPost, "/v1/chat", "alice", tt.body(th.ID))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %s, want JSON error", ct)
			}
		})
	}
}

func TestChat_RateLimited(t *testing.T) {
	e := newTestEnv(t)
	e.srv.SetRateLimit(config.RateLimitConfig{RPS: 0.001, Burst: 1})
	th := e.thread(t)

	body := map[string]string{"thread_id": th.ID, "message": "hi"}
	if rec := e.do(t, http.MethodPost, "/v1/chat", "alice", body); rec.Code != http.StatusOK {
		t.Fatalf("first = %d", rec.Code)
	}
	rec := e.do(t, http.MethodPost, "/v1/chat", "alice", body)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Errorf("second = %d, want 429 with Retry-After", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/v1/chat", "bob", body); rec.Code != http.StatusOK {
		t.Errorf("other user = %d, limits are per user", rec.Code)
	}
}

func TestMessages(t *testing.T) {
	e := newTestEnv(t)
	th := e.thread(t)
	path := "/v1/threads/" + th.ID

	long := strings.Repeat("x", 60)
	rec := e.do(t, http.MethodPost, path+"/messages", "alice", map[string]string{"content": long})
	if rec.Code != http.StatusCreated {
		t.Fatalf("post = %d: %s", rec.Code, rec.Body)
	}
	var created messageView
	decode(t, rec, &created)
	if created.UserName != "Alice" || created.Role != store.RoleUser || created.Color == "" {
		t.Errorf("created = %+v", created)
	}

	// First message names the thread; the second does not.
	e.do(t, http.MethodPost, path+"/messages", "bob", map[string]string{"content": "second"})
	var got store.Thread
	decode(t, e.do(t, http.MethodGet, path, "alice", nil), &got)
	if got.Title != strings.Repeat("x", 50)+"..." {
		t.Errorf("title = %q", got.Title)
	}

	var list struct {
		Messages []messageView `json:"messages"`
	}
	decode(t, e.do(t, http.MethodGet, path+"/messages", "carol", nil), &list)
	if len(list.Messages) != 2 || list.Messages[1].Content != "second" {
		t.Errorf("messages = %+v", list.Messages)
	}

	var unread struct {
		Unread int `json:"unread"`
	}
	decode(t, e.do(t, http.MethodGet, path+"/unread", "alice", nil), &unread)
	if unread.Unread != 1 {
		t.Errorf("alice unread = %d, want 1 (bob's message)", unread.Unread)
	}
	if rec := e.do(t, http.MethodPost, path+"/read", "alice", nil); rec.Code != http.StatusNoContent {
		t.Errorf("mark read = %d", rec.Code)
	}
	decode(t, e.do(t, http.MethodGet, path+"/unread", "alice", nil), &unread)
	if unread.Unread != 0 {
		t.Errorf("alice unread after read = %d", unread.Unread)
	}

	if rec := e.do(t, http.MethodPost, path+"/messages", "alice", map[string]string{"content": "  "}); rec.Code != http.StatusBadRequest {
		t.Errorf("blank content = %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/v1/threads/nope/messages", "alice", map[string]string{"content": "x"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown thread = %d", rec.Code)
	}
}

func TestThreadsAndSpaces(t *testing.T) {
	e := newTestEnv(t)

	th := e.thread(t)
	if th.Title != store.DefaultThreadTitle || th.SpaceID == "" {
		t.Errorf("thread = %+v, want placeholder title in the default space", th)
	}

	rec := e.do(t, http.MethodPost, "/v1/spaces", "alice", map[string]string{"name": "Family"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create space = %d", rec.Code)
	}
	var sp store.Space
	decode(t, rec, &sp)

	rec = e.do(t, http.MethodPost, "/v1/threads", "alice", map[string]string{"space_id": sp.ID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create in space = %d", rec.Code)
	}
	var list struct {
		Threads []store.Thread `json:"threads"`
	}
	decode(t, e.do(t, http.MethodGet, "/v1/spaces/"+sp.ID+"/threads", "alice", nil), &list)
	if len(list.Threads) != 1 || list.Threads[0].SpaceID != sp.ID {
		t.Errorf("space threads = %+v", list.Threads)
	}

	var spaces struct {
		Spaces []store.Space `json:"spaces"`
	}
	decode(t, e.do(t, http.MethodGet, "/v1/spaces", "alice", nil), &spaces)
	if len(spaces.Spaces) != 2 {
		t.Errorf("spaces = %+v", spaces.Spaces)
	}

	rec = e.do(t, http.MethodPatch, "/v1/threads/"+th.ID, "alice", map[string]string{"title": "Dinner"})
	var renamed store.Thread
	decode(t, rec, &renamed)
	if renamed.Title != "Dinner" {
		t.Errorf("renamed = %+v", renamed)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"blank space name", http.MethodPost, "/v1/spaces", map[string]string{"name": " "}, http.StatusBadRequest},
		{"unknown space", http.MethodPost, "/v1/threads", map[string]string{"space_id": "nope"}, http.StatusNotFound},
		{"blank title", http.MethodPatch, "/v1/threads/" + th.ID, map[string]string{"title": ""}, http.StatusBadRequest},
		{"rename unknown", http.MethodPatch, "/v1/threads/nope", map[string]string{"title": "x"}, http.StatusNotFound},
		{"get unknown", http.MethodGet, "/v1/threads/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.do(t, tt.method, tt.path, "alice", tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestExport(t *testing.T) {
	e := newTestEnv(t)
	th := e.thread(t)
	e.do(t, http.MethodPost, "/v1/threads/"+th.ID+"/messages", "alice", map[string]string{"content": "**bold** plan"})

	rec := e.do(t, http.MethodGet, "/v1/threads/"+th.ID+"/export", "alice", nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown") {
		t.Fatalf("md export = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "**bold** plan") {
		t.Errorf("md body = %s", rec.Body)
	}

	rec = e.do(t, http.MethodGet, "/v1/threads/"+th.ID+"/export?format=html", "alice", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<strong>bold</strong>") {
		t.Errorf("html export = %d: %s", rec.Code, rec.Body)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, ".html") {
		t.Errorf("content disposition = %s", cd)
	}

	if rec := e.do(t, http.MethodGet, "/v1/threads/"+th.ID+"/export?format=pdf", "alice", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad format = %d", rec.Code)
	}
}

func TestProfile(t *testing.T) {
	e := newTestEnv(t)

	var p store.Profile
	decode(t, e.do(t, http.MethodGet, "/v1/profile", "alice", nil), &p)
	if p.UserID != "alice" || p.BackgroundContext != "" {
		t.Errorf("empty profile = %+v", p)
	}

	rec := e.do(t, http.MethodPut, "/v1/profile", "alice", map[string]string{"background_context": "Vegetarian"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d", rec.Code)
	}
	decode(t, e.do(t, http.MethodGet, "/v1/profile", "alice", nil), &p)
	if p.BackgroundContext != "Vegetarian" {
		t.Errorf("profile = %+v", p)
	}

	decode(t, e.do(t, http.MethodGet, "/v1/profile", "bob", nil), &p)
	if p.BackgroundContext != "" {
		t.Errorf("bob sees %+v", p)
	}
}

func TestHealthVersionMetrics(t *testing.T) {
	e := newTestEnv(t)
	e.srv.SetProvider(e.llm)
	e.handler = e.srv.Handler()

	rec := e.do(t, http.MethodGet, "/health", "", nil)
	var health map[string]string
	decode(t, rec, &health)
	if rec.Code != http.StatusOK || health["status"] != "healthy" || health["provider"] != "ok" {
		t.Errorf("health = %d %v", rec.Code, health)
	}

	rec = e.do(t, http.MethodGet, "/v1/version", "", nil)
	var version map[string]string
	decode(t, rec, &version)
	if version["version"] == "" {
		t.Errorf("version = %v", version)
	}

	rec = e.do(t, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(rec.Body.String(), `huddle_http_requests_total{code="200",method="GET"}`) {
		t.Errorf("metrics missing request counter:\n%s", rec.Body)
	}
}

func TestSubscribe(t *testing.T) {
	e := newTestEnv(t)
	th := e.thread(t)

	ts := httptest.NewServer(e.handler)
	defer ts.Close()

	hdr := http.Header{}
	hdr.Set(identity.HeaderUserID, "bob")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/threads/" + th.ID + "/subscribe"
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.do(t, http.MethodPost, "/v1/threads/"+th.ID+"/messages", "alice", map[string]string{"content": "hello bob"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f realtime.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read: %v", err)
	}
	if f.Type != realtime.FrameMessage || f.Message == nil || f.Message.Content != "hello bob" {
		t.Errorf("frame = %+v", f)
	}

	if _, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/threads/nope/subscribe", hdr); err == nil {
		t.Error("subscribing to an unknown thread should fail")
	}
}
