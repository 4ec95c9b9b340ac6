package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Métricas HTTP comunes
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
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Métricas del sincronizador
var (
	profileResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_resolutions_total",
			Help: "Profile resolutions by outcome (ok, unauthorized, error, stale).",
		},
		[]string{"outcome"},
	)

	realtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Membership change events handled by the synchronizer.",
		},
		[]string{"kind"},
	)

	subscriptionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sync_subscription_state",
		Help: "Push subscription state (0 unsubscribed, 1 subscribing, 2 subscribed, 3 error).",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		profileResolutions, realtimeEvents, subscriptionState,
	)
}

// ObserveResolution records one profile resolution outcome.
func ObserveResolution(outcome string) {
	profileResolutions.WithLabelValues(outcome).Inc()
}

// ObserveRealtimeEvent records one handled membership change event.
func ObserveRealtimeEvent(kind string) {
	realtimeEvents.WithLabelValues(kind).Inc()
}

// SetSubscriptionState exposes the subscription state machine position.
func SetSubscriptionState(state int) {
	subscriptionState.Set(float64(state))
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses row identifiers so metric labels stay low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/organizations/<id>/join -> /v1/organizations/:id/join
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "organizations" && parts[3] != "" {
		switch len(parts) {
		case 4:
			if parts[3] == "refresh" {
				return path
			}
			return "/v1/organizations/:id"
		case 5:
			return "/v1/organizations/:id/" + parts[4]
		}
	}
	return path
}

// statusWriter — local copy so the wrapper can observe the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
