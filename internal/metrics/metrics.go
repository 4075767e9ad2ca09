// Package metrics provides Prometheus metrics for the app file system.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appfs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "appfs_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Backend metrics
	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appfs_backend_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "op", "status"},
	)

	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "appfs_backend_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	// Event bus metrics
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appfs_events_published_total",
			Help: "Total node events published",
		},
		[]string{"topic"},
	)

	eventListenerFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "appfs_event_listener_failures_total",
			Help: "Listener invocations that returned an error or panicked",
		},
	)

	eventListenersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "appfs_event_listeners_active",
			Help: "Number of registered event listeners",
		},
	)

	// Connection metrics
	reconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appfs_reconnect_attempts_total",
			Help: "Reconnection attempts by result",
		},
		[]string{"result"},
	)

	connectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "appfs_connection_state",
			Help: "Current connection manager state (see connection.State)",
		},
		[]string{"endpoint"},
	)

	// Consistency check metrics
	checkIssuesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appfs_check_issues_total",
			Help: "Consistency check issues found",
		},
		[]string{"type", "repaired"},
	)
)

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordBackendOp records a backend operation outcome.
func RecordBackendOp(backend, op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	backendOperationsTotal.WithLabelValues(backend, op, status).Inc()
	backendOperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// RecordEventPublished records a published event.
func RecordEventPublished(topic string) {
	eventsPublishedTotal.WithLabelValues(topic).Inc()
}

// RecordListenerFailure records a listener that failed during delivery.
func RecordListenerFailure() {
	eventListenerFailuresTotal.Inc()
}

// AddActiveListeners adjusts the registered listener gauge.
func AddActiveListeners(delta int) {
	eventListenersActive.Add(float64(delta))
}

// RecordReconnectAttempt records a reconnection attempt.
func RecordReconnectAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	reconnectAttemptsTotal.WithLabelValues(result).Inc()
}

// SetConnectionState records a connection manager's state.
func SetConnectionState(endpoint string, state int) {
	connectionState.WithLabelValues(endpoint).Set(float64(state))
}

// RecordCheckIssue records an issue reported by a consistency check.
func RecordCheckIssue(issueType string, repaired bool) {
	checkIssuesTotal.WithLabelValues(issueType, strconv.FormatBool(repaired)).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and durations.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		RecordHTTPRequest(r.Method, rec.status, time.Since(start))
	})
}

// ObserveBackendOp starts timing a backend operation. Call the returned
// function with the operation's outcome.
func ObserveBackendOp(backend, op string) func(error) {
	start := time.Now()
	return func(err error) {
		RecordBackendOp(backend, op, start, err)
	}
}
