package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"code"},
	)
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_http_request_duration_seconds",
		Help:    "Request latency seconds",
		Buckets: prometheus.DefBuckets,
	})
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "router_http_in_flight",
		Help: "In-flight HTTP requests",
	})
	RequestErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_request_errors_total",
			Help: "Total errors by type",
		}, []string{"type"},
	)

	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_decisions_total",
			Help: "Routing decisions by outcome",
		}, []string{"decision"},
	)
	EligibleTargets = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "router_eligible_targets",
		Help:    "Targets passing criteria and cap checks per decision",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})
	StorageErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_storage_errors_total",
			Help: "Storage collaborator failures by operation",
		}, []string{"op"},
	)
	CounterExpiryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_counter_expiry_failures_total",
		Help: "Accepts recorded whose counter expiry could not be set",
	})
	CapRollbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_cap_rollbacks_total",
		Help: "Strict-mode reservations rolled back because the cap was reached",
	})
	MalformedTargets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_malformed_targets_total",
		Help: "Stored target records skipped because they failed to parse",
	})
	TargetCacheLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_target_cache_loads_total",
			Help: "Target listings served by the cache",
		}, []string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal, Latency, InFlight, RequestErrors,
		Decisions, EligibleTargets, StorageErrors, CounterExpiryFailures,
		CapRollbacks, MalformedTargets, TargetCacheLoads,
	)
}

func MetricsHandler() http.Handler { return promhttp.Handler() }

type rec struct {
	http.ResponseWriter
	code int
}

func (r *rec) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func Measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		InFlight.Inc()
		defer InFlight.Dec()

		rr := &rec{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rr, r)

		Latency.Observe(time.Since(start).Seconds())
		RequestsTotal.WithLabelValues(strconv.Itoa(rr.code)).Inc()
		if rr.code >= http.StatusInternalServerError {
			RequestErrors.WithLabelValues("server").Inc()
		} else if rr.code >= http.StatusBadRequest {
			RequestErrors.WithLabelValues("client").Inc()
		}
	})
}
