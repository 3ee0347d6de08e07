package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine metrics.
var (
	permissionChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbac_permission_checks_total",
			Help: "Permission checks by result.",
		},
		[]string{"result"},
	)

	cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbac_cache_events_total",
			Help: "Effective-permission cache hits, misses, invalidations and rejected puts.",
		},
		[]string{"event"},
	)

	mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rbac_mutations_total",
			Help: "Role and assignment mutations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	lastAdminRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rbac_last_admin_rejections_total",
		Help: "Revocations or deletions rejected to keep an organization administrator.",
	})

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rbac_ready",
		Help: "1 when the store answered the last readiness check.",
	})
)

// Ops HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			permissionChecks, cacheEvents, mutations, lastAdminRejections, ready,
			httpInFlight, httpRequestsTotal, httpRequestDuration,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePermissionCheck counts a permission decision.
func ObservePermissionCheck(allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	permissionChecks.WithLabelValues(result).Inc()
}

// Cache event labels.
const (
	CacheHit        = "hit"
	CacheMiss       = "miss"
	CacheInvalidate = "invalidate"
	CacheStalePut   = "stale_put"
)

// ObserveCacheEvent counts a cache event (see Cache* constants).
func ObserveCacheEvent(event string) {
	cacheEvents.WithLabelValues(event).Inc()
}

// ObserveMutation counts a mutation outcome; a nil err is "ok".
func ObserveMutation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	mutations.WithLabelValues(op, outcome).Inc()
}

// ObserveLastAdminRejection counts a rejected revocation.
func ObserveLastAdminRejection() {
	lastAdminRejections.Inc()
}

// SetReady records the result of the last readiness check.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Instrument wraps an ops handler with request counters and latency histograms.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath bounds label cardinality: only known ops paths are kept verbatim.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	switch p {
	case "", "/":
		return "/"
	case "/healthz", "/readyz", "/metrics":
		return p
	default:
		return "other"
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
