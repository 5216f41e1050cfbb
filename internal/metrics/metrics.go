// Package metrics holds Huddle's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can take one optionally.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	responses       *prometheus.CounterVec
	chunks          prometheus.Counter
	firstContent    prometheus.Histogram
	persistFailures prometheus.Counter
	httpRequests    *prometheus.CounterVec
}

// New creates the collectors on a fresh registry together with the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "assistant",
			Name:      "responses_total",
			Help:      "Assistant replies by terminal outcome (completed, suppressed, failed, empty).",
		}, []string{"outcome"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "assistant",
			Name:      "stream_chunks_total",
			Help:      "Provider stream chunks received.",
		}),
		firstContent: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "huddle",
			Subsystem: "assistant",
			Name:      "first_content_seconds",
			Help:      "Time from request start to the first forwarded content delta.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "assistant",
			Name:      "persist_failures_total",
			Help:      "Completed replies that could not be stored after every retry.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
	}
	reg.MustRegister(
		m.responses,
		m.chunks,
		m.firstContent,
		m.persistFailures,
		m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// BusStats is the view of the event bus exported as realtime metrics.
type BusStats interface {
	SubscriberCount() int
	Dropped() uint64
}

// WatchBus exports the bus's subscriber count and dropped deliveries.
// Call it once per Metrics.
func (m *Metrics) WatchBus(b BusStats) {
	if m == nil || b == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "huddle",
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Active realtime subscribers (WebSocket viewers and the MQTT bridge).",
		}, func() float64 { return float64(b.SubscriberCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "realtime",
			Name:      "dropped_events_total",
			Help:      "Events a slow subscriber missed because its buffer was full.",
		}, func() float64 { return float64(b.Dropped()) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Response counts one assistant reply with the given outcome.
func (m *Metrics) Response(outcome string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(outcome).Inc()
}

// Chunk counts one provider chunk.
func (m *Metrics) Chunk() {
	if m == nil {
		return
	}
	m.chunks.Inc()
}

// FirstContent records latency to the first forwarded delta.
func (m *Metrics) FirstContent(d time.Duration) {
	if m == nil {
		return
	}
	m.firstContent.Observe(d.Seconds())
}

// PersistFailure counts a reply that was never stored.
func (m *Metrics) PersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(method string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
