package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vk74/admincore/internal/account"
	"github.com/vk74/admincore/internal/events"
	"github.com/vk74/admincore/internal/obs"
	"github.com/vk74/admincore/internal/settings"
	"github.com/vk74/admincore/internal/token"
)

const serviceName = "admincore"

// ReadyProbe — простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP surface: health, readiness, metrics, the settings reload
// hook, the live audit stream, and — when wired via options — login and the
// password change/reset endpoints.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	cache      *settings.Cache
	stream     *events.StreamSink
	accounts   *account.Service
	sessions   *token.Issuer
	db         *sql.DB
	bus        events.Publisher
}

// Option wires optional subsystems into the API.
type Option func(*API)

// WithAccounts enables the password change/reset endpoints.
func WithAccounts(svc *account.Service) Option {
	return func(a *API) { a.accounts = svc }
}

// WithSessions enables the login endpoint. db backs the credential lookup
// and refresh token persistence.
func WithSessions(issuer *token.Issuer, db *sql.DB) Option {
	return func(a *API) {
		a.sessions = issuer
		a.db = db
	}
}

// WithPublisher lets API handlers emit events (settings reloads).
func WithPublisher(bus events.Publisher) Option {
	return func(a *API) { a.bus = bus }
}

func New(rp ReadyProbe, version string, cache *settings.Cache, stream *events.StreamSink, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		cache:      cache,
		stream:     stream,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// out-of-band settings refresh, triggered после админских изменений
	a.mux.HandleFunc("/admin/settings/reload", a.ReloadSettings)

	// live audit tail (SSE)
	a.mux.HandleFunc("/admin/audit/stream", a.AuditStream)

	// account endpoints регистрируются только при полной проводке
	if a.sessions != nil && a.db != nil {
		a.mux.HandleFunc("/v1/auth/login", a.Login)
	}
	if a.accounts != nil {
		a.mux.HandleFunc("/v1/account/password", a.ChangePassword)
		a.mux.HandleFunc("/v1/admin/users/password/reset", a.ResetPassword)
	}

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler возвращает http.Handler для сервера (обёрнут метриками).
func (a *API) Handler() http.Handler {
	return obs.Instrument(Logging(MaxBodyBytes(a.mux, 1<<20)))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// ReloadSettings refreshes the settings cache from storage. POST only.
func (a *API) ReloadSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if a.cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "settings cache disabled"})
		return
	}
	if err := a.cache.Reload(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "reload failed"})
		return
	}
	if a.bus != nil {
		a.bus.Publish(r.Context(), events.New("settings.cache.reloaded", serviceName,
			events.TypeSystem, events.SeverityInfo, "settings cache reloaded",
			map[string]string{"settings": strconv.Itoa(a.cache.Len())}))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "reloaded",
		"settings": a.cache.Len(),
	})
}

// AuditStream handles Server-Sent Events for the live audit tail.
func (a *API) AuditStream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
