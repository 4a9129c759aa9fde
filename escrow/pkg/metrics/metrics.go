package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crowdfund_escrow_build_info",
			Help: "Build information of the crowdfund escrow daemon",
		},
		[]string{"version", "commit", "date"},
	)

	InvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdfund_escrow_invocations_total",
			Help: "Total number of contract invocations by function and outcome",
		},
		[]string{"function", "status"},
	)

	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crowdfund_escrow_invocation_duration_seconds",
			Help:    "Duration of contract invocations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"function"},
	)

	InvocationConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdfund_escrow_invocation_conflicts_total",
			Help: "Total number of invocations replayed after a storage serialization conflict",
		},
		[]string{"function"},
	)

	TransferredAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdfund_escrow_transferred_amount_total",
			Help: "Total asset units moved in or out of custody",
		},
		[]string{"direction", "reason"},
	)

	PledgeCollectionFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crowdfund_escrow_pledge_collection_failures_total",
			Help: "Total number of individual pledge pulls that failed and stayed outstanding",
		},
	)

	RewardMintsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdfund_escrow_reward_mints_total",
			Help: "Total number of reward collectible mint attempts",
		},
		[]string{"status"},
	)

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdfund_escrow_events_published_total",
			Help: "Total number of events written to external sinks",
		},
		[]string{"sink", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crowdfund_escrow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crowdfund_escrow_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crowdfund_escrow_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordInvocation records the outcome of one contract invocation.
func RecordInvocation(function, status string, duration time.Duration) {
	InvocationsTotal.WithLabelValues(function, status).Inc()
	InvocationDuration.WithLabelValues(function).Observe(duration.Seconds())
}
