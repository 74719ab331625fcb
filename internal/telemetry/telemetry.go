// Package telemetry exposes Prometheus collectors for the discovery pipeline
// and the chi middleware that records API request metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fxradar/fxradar/internal/radar"
)

var (
	lookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radar_lookups_total",
			Help: "Total upstream address lookups, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	lookupDelaySeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "radar_lookup_delay_seconds",
			Help: "Current adaptive delay between lookup batches.",
		},
	)

	scansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radar_scans_total",
			Help: "Total direct server scans, labeled by result.",
		},
		[]string{"result"},
	)

	scanDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "radar_scan_duration_seconds",
			Help:    "Histogram of direct scan latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	tasksClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radar_tasks_claimed_total",
			Help: "Total tasks handed to workers, labeled by kind.",
		},
		[]string{"kind"},
	)

	resultsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "radar_results_submitted_total",
			Help: "Total submitted results, labeled by disposition.",
		},
		[]string{"disposition"},
	)

	snapshotFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "radar_snapshot_flushes_total",
			Help: "Total materialized snapshot writes.",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "radar_queue_depth",
			Help: "Pending queue depth, labeled by kind.",
		},
		[]string{"kind"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streaming responses keep working
// behind the middleware.
func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveLookup records one upstream lookup outcome.
func ObserveLookup(outcome radar.Outcome) {
	lookupsTotal.WithLabelValues(string(outcome)).Inc()
}

// SetLookupDelay publishes the current adaptive batch delay.
func SetLookupDelay(d time.Duration) {
	lookupDelaySeconds.Set(d.Seconds())
}

// ObserveScan records one direct scan and its latency.
func ObserveScan(online bool, duration time.Duration) {
	result := "offline"
	if online {
		result = "online"
	}
	scansTotal.WithLabelValues(result).Inc()
	scanDurationSeconds.Observe(duration.Seconds())
}

// ObserveClaims records tasks handed out to workers.
func ObserveClaims(kind radar.TaskKind, count int) {
	if count > 0 {
		tasksClaimedTotal.WithLabelValues(string(kind)).Add(float64(count))
	}
}

// ObserveSubmission records the disposition split of one submit call.
func ObserveSubmission(accepted, requeued, dropped int) {
	if accepted > 0 {
		resultsSubmittedTotal.WithLabelValues("accepted").Add(float64(accepted))
	}
	if requeued > 0 {
		resultsSubmittedTotal.WithLabelValues("requeued").Add(float64(requeued))
	}
	if dropped > 0 {
		resultsSubmittedTotal.WithLabelValues("dropped").Add(float64(dropped))
	}
}

// ObserveSnapshotFlush records a materialized snapshot write.
func ObserveSnapshotFlush() {
	snapshotFlushesTotal.Inc()
}

// SetQueueDepth publishes the pending depth gauge for one task kind.
func SetQueueDepth(kind radar.TaskKind, depth int64) {
	queueDepth.WithLabelValues(string(kind)).Set(float64(depth))
}
