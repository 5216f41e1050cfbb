// Package api implements Huddle's HTTP API: the streaming assistant
// endpoint, thread and message CRUD, exports, profiles, and realtime
// subscriptions.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/huddle/internal/assistant"
	"github.com/nugget/huddle/internal/buildinfo"
	"github.com/nugget/huddle/internal/config"
	"github.com/nugget/huddle/internal/identity"
	"github.com/nugget/huddle/internal/llm"
	"github.com/nugget/huddle/internal/metrics"
	"github.com/nugget/huddle/internal/realtime"
	"github.com/nugget/huddle/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	store     *store.Store
	responder *assistant.Responder
	resolver  *identity.Resolver
	realtime  *realtime.Handler
	provider  llm.Client
	metrics   *metrics.Metrics
	limiter   *limiterPool
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a new API server. Callers usually also configure
// a resolver, metrics, realtime handler and rate limit before Start.
func NewServer(address string, port int, st *store.Store, responder *assistant.Responder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		store:     st,
		responder: responder,
		resolver:  identity.NewResolver(nil, store.AssistantID),
		limiter:   newLimiterPool(config.RateLimitConfig{}),
		logger:    logger,
	}
}

// SetResolver configures how callers are identified.
func (s *Server) SetResolver(r *identity.Resolver) {
	s.resolver = r
}

// SetMetrics enables request metrics and the /metrics endpoint.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetRealtime enables WebSocket thread subscriptions.
func (s *Server) SetRealtime(h *realtime.Handler) {
	s.realtime = h
}

// SetProvider lets /health report completion provider reachability.
func (s *Server) SetProvider(c llm.Client) {
	s.provider = c
}

// SetRateLimit configures the per-user assistant rate limit.
func (s *Server) SetRateLimit(cfg config.RateLimitConfig) {
	s.limiter = newLimiterPool(cfg)
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Assistant
	mux.HandleFunc("POST /v1/chat", s.authed(s.handleChat))

	// Spaces
	mux.HandleFunc("GET /v1/spaces", s.authed(s.handleSpaceList))
	mux.HandleFunc("POST /v1/spaces", s.authed(s.handleSpaceCreate))
	mux.HandleFunc("GET /v1/spaces/{id}/threads", s.authed(s.handleSpaceThreads))

	// Threads
	mux.HandleFunc("POST /v1/threads", s.authed(s.handleThreadCreate))
	mux.HandleFunc("GET /v1/threads/{id}", s.authed(s.handleThreadGet))
	mux.HandleFunc("PATCH /v1/threads/{id}", s.authed(s.handleThreadRename))
	mux.HandleFunc("GET /v1/threads/{id}/messages", s.authed(s.handleMessageList))
	mux.HandleFunc("POST /v1/threads/{id}/messages", s.authed(s.handleMessageCreate))
	mux.HandleFunc("POST /v1/threads/{id}/read", s.authed(s.handleMarkRead))
	mux.HandleFunc("GET /v1/threads/{id}/unread", s.authed(s.handleUnread))
	mux.HandleFunc("GET /v1/threads/{id}/export", s.authed(s.handleExport))
	mux.HandleFunc("GET /v1/threads/{id}/subscribe", s.authed(s.handleSubscribe))

	// Profile
	mux.HandleFunc("GET /v1/profile", s.authed(s.handleProfileGet))
	mux.HandleFunc("PUT /v1/profile", s.authed(s.handleProfilePut))

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: assistant streams and WebSockets are long
		// lived. The chat handler manages its own write deadlines.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush and write deadlines
// on the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack supports WebSocket upgrades through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.code == 0 {
		r.code = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		code := rec.code
		if code == 0 {
			code = http.StatusOK
		}
		s.metrics.HTTPRequest(r.Method, code)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", code,
			"duration", time.Since(start),
		)
	})
}

// authed resolves the caller and stores it in the request context.
// Requests without a valid identity are rejected with 401.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.resolver.Resolve(r)
		if err != nil {
			s.logger.Debug("identity rejected", "path", r.URL.Path, "error", err)
			s.errorResponse(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r.WithContext(identity.WithUser(r.Context(), u)))
	}
}

// currentUser returns the caller set by authed.
func currentUser(r *http.Request) identity.User {
	u, _ := identity.FromContext(r.Context())
	return u
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "authentication_error"
	case code == http.StatusNotFound:
		return "not_found_error"
	case code == http.StatusTooManyRequests:
		return "rate_limit_error"
	case code >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

// storeError maps a store failure to an HTTP error.
func (s *Server) storeError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("store operation failed", "what", what, "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "internal error")
}

// decodeJSON reads a JSON body into v. An empty body leaves v unchanged
// when allowEmpty is set.
func decodeJSON(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	return err
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "healthy", "store": "ok"}
	code := http.StatusOK

	if err := s.store.Ping(); err != nil {
		status["status"] = "unhealthy"
		status["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.provider != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.provider.Ping(ctx); err != nil {
			// The thread UI still works without the assistant.
			status["provider"] = err.Error()
			if code == http.StatusOK {
				status["status"] = "degraded"
			}
		} else {
			status["provider"] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, status, s.logger)
}
