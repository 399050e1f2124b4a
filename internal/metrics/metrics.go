package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_http_errors_total",
		Help: "Total number of HTTP requests resulting in server errors.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "familysync_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_sync_runs_total",
		Help: "Sync passes by category and outcome.",
	}, []string{"category", "outcome"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "familysync_sync_duration_seconds",
		Help:    "Duration of sync passes.",
		Buckets: prometheus.DefBuckets,
	}, []string{"category"})

	replayedEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_replayed_entries_total",
		Help: "Queued actions replayed against the server, by type and outcome.",
	}, []string{"type", "outcome"})

	pushDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familysync_push_deliveries_total",
		Help: "Web push deliveries by outcome.",
	}, []string{"outcome"})

	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "familysync_stream_clients",
		Help: "Connected sync stream clients.",
	})
)

// Middleware records request metrics per chi route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			// The pattern is only complete once routing has finished.
			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			statusCode := strconv.Itoa(status)
			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, statusCode).Observe(time.Since(start).Seconds())
			if status >= http.StatusInternalServerError {
				httpErrorsTotal.WithLabelValues(r.Method, route, statusCode).Inc()
			}
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveSync(category, outcome string, start time.Time) {
	syncRunsTotal.WithLabelValues(category, outcome).Inc()
	syncDuration.WithLabelValues(category).Observe(time.Since(start).Seconds())
}

func ObserveReplay(actionType, outcome string) {
	replayedEntriesTotal.WithLabelValues(actionType, outcome).Inc()
}

func ObservePushDelivery(outcome string) {
	pushDeliveriesTotal.WithLabelValues(outcome).Inc()
}

func StreamClientConnected() {
	streamClients.Inc()
}

func StreamClientDisconnected() {
	streamClients.Dec()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
