package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every handler.
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

// Coordination-engine metrics.
var (
	donationsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rescue_donations_active",
		Help: "Donations currently AVAILABLE and unexpired.",
	})

	donationsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rescue_donations_swept_total",
		Help: "Donations cancelled by the expiry sweep.",
	})

	hubSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rescue_hub_sessions",
		Help: "Live event stream sessions.",
	})

	hubEventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rescue_hub_events_published_total",
		Help: "Events fanned out by the hub (one per publish, not per session).",
	})

	hubEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rescue_hub_events_dropped_total",
		Help: "Events dropped because a session queue was full.",
	})

	hubSessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rescue_hub_sessions_closed_total",
			Help: "Sessions closed, by reason.",
		},
		[]string{"reason"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		donationsActive, donationsSwept,
		hubSessions, hubEventsPublished, hubEventsDropped, hubSessionsClosed,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func SetDonationsActive(n int)        { donationsActive.Set(float64(n)) }
func AddDonationsSwept(n int)         { donationsSwept.Add(float64(n)) }
func SetHubSessions(n int)            { hubSessions.Set(float64(n)) }
func IncEventsPublished()             { hubEventsPublished.Inc() }
func IncEventsDropped()               { hubEventsDropped.Inc() }
func IncSessionsClosed(reason string) { hubSessionsClosed.WithLabelValues(reason).Inc() }

// CanonicalPath collapses resource identifiers so metric labels stay
// low-cardinality: /v1/donations/01H... -> /v1/donations/:id.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(p, "/")
	// /v1/donations/{id} and /v1/donations/{id}/status
	if len(parts) >= 4 && parts[1] == "v1" && parts[2] == "donations" && parts[3] != "" && parts[3] != "nearby" {
		parts[3] = ":id"
		if len(parts) > 5 {
			return p
		}
		return strings.Join(parts, "/")
	}
	// /v1/stream/{session}/heartbeat
	if len(parts) == 5 && parts[1] == "v1" && parts[2] == "stream" && parts[4] == "heartbeat" {
		parts[3] = ":id"
		return strings.Join(parts, "/")
	}
	return p
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
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

// statusWriter captures the response code for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the instrumented wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
