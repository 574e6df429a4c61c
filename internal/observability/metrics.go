package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one server instance. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	requestsTotal     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	connectionsActive prometheus.Gauge
	messagesRouted    *prometheus.CounterVec
	sendsRejected     *prometheus.CounterVec
	deliveriesDropped *prometheus.CounterVec
	typingSignals     *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	persistDuration   prometheus.Histogram
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "support_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_http_errors_total",
				Help: "HTTP requests answered with a domain error",
			},
			[]string{"method", "path", "code"},
		),
		connectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "support_ws_connections_active",
				Help: "Number of open websocket connections",
			},
		),
		messagesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_messages_routed_total",
				Help: "Messages persisted and broadcast, by kind",
			},
			[]string{"kind"},
		),
		sendsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_sends_rejected_total",
				Help: "Rejected operations, by error code",
			},
			[]string{"op", "code"},
		),
		deliveriesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_deliveries_dropped_total",
				Help: "Frames not delivered to a connection",
			},
			[]string{"reason"},
		),
		typingSignals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_typing_signals_total",
				Help: "Typing start/stop signals received",
			},
			[]string{"signal"},
		),
		statusTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_status_transitions_total",
				Help: "Ticket status transitions applied",
			},
			[]string{"from", "to"},
		),
		persistDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "support_store_persist_duration_seconds",
				Help:    "Time spent persisting a message",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest records one HTTP request.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, path, code).Inc()
	m.requestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(method, path, code).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) MessageRouted(kind string, persist time.Duration) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(kind).Inc()
	m.persistDuration.Observe(persist.Seconds())
}

func (m *Metrics) Rejected(op, code string) {
	if m != nil {
		m.sendsRejected.WithLabelValues(op, code).Inc()
	}
}

func (m *Metrics) DeliveryDropped(reason string) {
	if m != nil {
		m.deliveriesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) TypingSignal(signal string) {
	if m != nil {
		m.typingSignals.WithLabelValues(signal).Inc()
	}
}

func (m *Metrics) StatusTransition(from, to string) {
	if m != nil {
		m.statusTransitions.WithLabelValues(from, to).Inc()
	}
}
