package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready.",
	})
)

// Метрики ядра: шина событий, смена пароля, отзыв токенов.
var (
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Events accepted by the bus, by severity.",
		},
		[]string{"severity"},
	)

	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_dropped_total",
		Help: "Events rejected because the bus buffer was full.",
	})

	eventSinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_sink_failures_total",
			Help: "Sink deliveries that returned an error or panicked.",
		},
		[]string{"sink"},
	)

	passwordChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "password_changes_total",
			Help: "Password change attempts by flow and outcome.",
		},
		[]string{"flow", "outcome"},
	)

	tokensRevoked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokens_revoked_total",
		Help: "Session tokens revoked by the cleanup engine.",
	})
)

// Регистрация метрик в default-регистре.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
		eventsPublished, eventsDropped, eventSinkFailures,
		passwordChanges, tokensRevoked,
	)
}

// SetReady toggles the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// EventPublished counts an event accepted by the bus.
func EventPublished(severity string) { eventsPublished.WithLabelValues(severity).Inc() }

// EventDropped counts an event discarded on a full buffer.
func EventDropped() { eventsDropped.Inc() }

// EventSinkFailure counts a failed sink delivery.
func EventSinkFailure(sink string) { eventSinkFailures.WithLabelValues(sink).Inc() }

// PasswordChange counts a terminal password change outcome.
func PasswordChange(flow, outcome string) { passwordChanges.WithLabelValues(flow, outcome).Inc() }

// TokensRevoked counts revoked session tokens.
func TokensRevoked(n int) { tokensRevoked.Add(float64(n)) }

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CanonicalPath collapses id-bearing paths so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /admin/settings/reload and friends pass through unchanged; only
	// /v1/users/<id> style paths are collapsed.
	if len(parts) == 4 && parts[1] == "v1" && parts[2] == "users" && parts[3] != "" {
		return "/v1/users/:id"
	}
	if len(parts) == 5 && parts[1] == "v1" && parts[2] == "users" && parts[3] != "" && parts[4] == "tokens" {
		return "/v1/users/:id/tokens"
	}
	return path
}

// Обёртка для измерения RPS/latency/в полёте.
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

// statusWriter — локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush пробрасывается дальше, иначе SSE-поток застрянет в буфере.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
