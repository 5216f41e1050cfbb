package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/huddle/internal/config"
	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/store"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []*paho.Publish
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, pub *paho.Publish) (*paho.PublishResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.sent = append(p.sent, pub)
	return &paho.PublishResponse{}, nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func testBridge(t *testing.T, bus *events.Bus) (*Bridge, *fakePublisher) {
	t.Helper()
	b, err := NewBridge(config.MQTTConfig{TopicPrefix: "huddle", ClientID: "huddle"}, t.TempDir(), bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	fp := &fakePublisher{}
	b.pub = fp
	return b, fp
}

func TestBridge_Forward(t *testing.T) {
	b, fp := testBridge(t, nil)

	b.forward(context.Background(), events.Event{Kind: events.KindMessageInserted, Data: map[string]any{
		"thread_id": "t1",
		"message":   &store.Message{ID: "m1", ThreadID: "t1", UserID: "bob", Content: "hi", Role: store.RoleUser},
	}})
	b.forward(context.Background(), events.Event{Kind: "ignored", Data: map[string]any{"thread_id": "t1"}})

	if fp.count() != 1 {
		t.Fatalf("published %d, want 1", fp.count())
	}
	p := fp.sent[0]
	if p.Topic != "huddle/threads/t1/messages" || p.QoS != 1 || p.Retain {
		t.Errorf("publish = topic %s qos %d retain %v", p.Topic, p.QoS, p.Retain)
	}
	var f Frame
	if err := json.Unmarshal(p.Payload, &f); err != nil {
		t.Fatal(err)
	}
	if f.Message == nil || f.Message.Content != "hi" {
		t.Errorf("payload frame = %+v", f)
	}
}

func TestBridge_ForwardFailureIsLogged(t *testing.T) {
	b, fp := testBridge(t, nil)
	fp.err = errors.New("not connected")
	// Must not panic or block.
	b.forward(context.Background(), events.Event{Kind: events.KindThreadRenamed, Data: map[string]any{"thread_id": "t1", "title": "x"}})
}

func TestBridge_RunStopsOnCancel(t *testing.T) {
	bus := events.New()
	b, fp := testBridge(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.run(ctx)
		close(done)
	}()
	waitFor(t, func() bool { return bus.SubscriberCount() == 1 })

	bus.Publish(events.Event{Kind: events.KindThreadRenamed, Data: map[string]any{"thread_id": "t9", "title": "x"}})
	waitFor(t, func() bool { return fp.count() == 1 })

	cancel()
	<-done
	if bus.SubscriberCount() != 0 {
		t.Error("bridge should unsubscribe on exit")
	}
}

func TestBridge_ClientIDStable(t *testing.T) {
	dir := t.TempDir()
	cfg := config.MQTTConfig{TopicPrefix: "huddle", ClientID: "huddle"}
	a, err := NewBridge(cfg, dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBridge(cfg, dir, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.clientID != b.clientID || !strings.HasPrefix(a.clientID, "huddle-") {
		t.Errorf("client ids = %q, %q", a.clientID, b.clientID)
	}
	if a.availabilityTopic() != "huddle/"+a.clientID+"/availability" {
		t.Errorf("availability topic = %s", a.availabilityTopic())
	}
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil || strings.TrimSpace(string(data)) != first {
		t.Errorf("file = %q, %v", data, err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil || second != first {
		t.Errorf("second = %q, %v; want stable", second, err)
	}
}
