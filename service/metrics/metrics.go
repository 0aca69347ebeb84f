package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Horizon Metrics
	horizonCallsTotal    *prometheus.CounterVec
	horizonCallDuration  *prometheus.HistogramVec
	horizonRateLimitHits *prometheus.CounterVec

	// Payment Stream Metrics
	streamReconnectsTotal *prometheus.CounterVec
	streamState           *prometheus.GaugeVec
	paymentsDelivered     *prometheus.CounterVec
	paymentsDropped       *prometheus.CounterVec
	watchedAddresses      prometheus.Gauge

	// Friendbot Metrics
	friendbotRequestsTotal *prometheus.CounterVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		horizonCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "horizon_calls_total",
				Help: "Total number of Horizon API calls by resource and status",
			},
			[]string{"resource", "status", "endpoint"},
		),
		horizonCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "horizon_call_duration_seconds",
				Help:    "Duration of Horizon API calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"resource", "endpoint"},
		),
		horizonRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "horizon_rate_limit_hits_total",
				Help: "Total number of Horizon rate limit responses (429)",
			},
			[]string{"endpoint"},
		),

		streamReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_stream_reconnects_total",
				Help: "Total number of payment stream reconnect attempts",
			},
			[]string{"status"},
		),
		streamState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "payment_stream_state",
				Help: "Number of payment listeners in each stream state",
			},
			[]string{"state"},
		),
		paymentsDelivered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_delivered_total",
				Help: "Total number of payments delivered to listener callbacks",
			},
			[]string{"kind"},
		),
		paymentsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payments_dropped_total",
				Help: "Total number of stream payments not delivered",
			},
			[]string{"reason"},
		),
		watchedAddresses: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "watched_addresses",
				Help: "Number of addresses watched by the payment relay",
			},
		),

		friendbotRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "friendbot_requests_total",
				Help: "Total number of friendbot requests by action and status",
			},
			[]string{"action", "status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"address"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"address", "event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Horizon metric helpers

// RecordHorizonCall records a Horizon API call with duration.
func (m *Metrics) RecordHorizonCall(resource, status, endpoint string, duration float64) {
	m.horizonCallsTotal.WithLabelValues(resource, status, endpoint).Inc()
	m.horizonCallDuration.WithLabelValues(resource, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.horizonRateLimitHits.WithLabelValues(endpoint).Inc()
}

// Payment stream metric helpers

// RecordStreamReconnect records a reconnect attempt and whether it succeeded.
func (m *Metrics) RecordStreamReconnect(status string) {
	m.streamReconnectsTotal.WithLabelValues(status).Inc()
}

// RecordStreamStateChange moves one listener from the old state to the new state.
// An empty from state only increments the new state.
func (m *Metrics) RecordStreamStateChange(from, to string) {
	if from != "" {
		m.streamState.WithLabelValues(from).Dec()
	}
	m.streamState.WithLabelValues(to).Inc()
}

// RecordPaymentDelivered records a payment handed to a listener callback.
func (m *Metrics) RecordPaymentDelivered(kind string) {
	m.paymentsDelivered.WithLabelValues(kind).Inc()
}

// RecordPaymentDropped records a stream payment that was not delivered.
func (m *Metrics) RecordPaymentDropped(reason string) {
	m.paymentsDropped.WithLabelValues(reason).Inc()
}

// SetWatchedAddresses sets the number of addresses watched by the relay.
func (m *Metrics) SetWatchedAddresses(count int) {
	m.watchedAddresses.Set(float64(count))
}

// RecordFriendbotRequest records a friendbot create or fund request.
func (m *Metrics) RecordFriendbotRequest(action, status string) {
	m.friendbotRequestsTotal.WithLabelValues(action, status).Inc()
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(address string, delta float64) {
	m.sseActiveConnections.WithLabelValues(address).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(address, eventType string) {
	m.sseEventsSent.WithLabelValues(address, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
