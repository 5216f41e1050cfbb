package realtime

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/huddle/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 512
	subscriberBuf  = 64
)

// Handler streams frames for one thread over a WebSocket.
type Handler struct {
	bus        *events.Bus
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	logger     *slog.Logger
}

// NewHandler returns a Handler reading from bus.
func NewHandler(bus *events.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		pingPeriod: pingPeriod,
		logger:     logger,
	}
}

// Serve upgrades the request and forwards frames for threadID until the
// peer disconnects or a write fails. The caller has already checked the
// thread exists and the user may see it.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, threadID string) {
	if h.bus == nil {
		http.Error(w, "realtime unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Debug("websocket upgrade failed", "thread_id", threadID, "error", err)
		return
	}
	defer conn.Close()

	ch := h.bus.Subscribe(subscriberBuf)
	defer h.bus.Unsubscribe(ch)

	h.logger.Debug("websocket subscribed", "thread_id", threadID, "remote", r.RemoteAddr)

	// Viewers never send data; reading only services pongs and notices
	// the close.
	gone := make(chan struct{})
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			h.logger.Debug("websocket closed by peer", "thread_id", threadID)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ThreadID() != threadID {
				continue
			}
			f, ok := FrameFor(ev)
			if !ok {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				h.logger.Debug("websocket write failed", "thread_id", threadID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
