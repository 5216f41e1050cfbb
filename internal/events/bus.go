// Package events provides a publish/subscribe bus for realtime change
// notification. The store publishes every message insert and thread
// rename; the assistant publishes response lifecycle events. Subscribers
// (the WebSocket handler, the MQTT bridge) fan these out to viewers.
// The bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceStore identifies events from the message store.
	SourceStore = "store"
	// SourceAssistant identifies events from the assistant responder.
	SourceAssistant = "assistant"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageInserted signals a message row became durable.
	// Data: thread_id, message (store.Message).
	KindMessageInserted = "message_inserted"
	// KindThreadRenamed signals a thread title changed.
	// Data: thread_id, title.
	KindThreadRenamed = "thread_renamed"

	// KindResponseStarted signals the assistant opened a provider stream.
	// Data: thread_id, model, user_id.
	KindResponseStarted = "response_started"
	// KindResponseFinished signals the assistant reached a terminal state.
	// Data: thread_id, outcome, content_len, elapsed_ms.
	KindResponseFinished = "response_finished"
)

// Event is one change notification.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// ThreadID returns the thread_id carried in e.Data, or "" if absent.
func (e Event) ThreadID() string {
	id, _ := e.Data["thread_id"].(string)
	return id
}

// Bus broadcasts events to every subscriber without blocking the
// publisher. A subscriber whose buffer is full misses the event; the
// miss is counted in [Bus.Dropped].
type Bus struct {
	mu sync.RWMutex
	// subs is keyed by the receive side handed to the subscriber so
	// Unsubscribe can find the send side it has to close.
	subs    map[<-chan Event]chan Event
	dropped atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to all subscribers, stamping Timestamp when unset.
// A nil *Bus discards the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events. The
// caller must Unsubscribe when done; the channel is closed then.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes ch and closes it. Unknown or already removed
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
