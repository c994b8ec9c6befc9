package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/lifecycle"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/refresh"
	"github.com/kjstillabower/weather-cache-service/internal/service"
	"github.com/kjstillabower/weather-cache-service/internal/traffic"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

const (
	serviceName  = "weather-cache-service"
	maxBodyBytes = 1 << 20

	refreshWriteGrace = 30 * time.Second
)

// HealthConfig holds thresholds and dependency probes for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// StorePing checks the record store. Required.
	StorePing func(ctx context.Context) error
	// LockPing, when set, checks the distributed lock backend (memcached).
	LockPing func() error
	Version  string
}

// Deps are the collaborators of Handler.
type Deps struct {
	Service *service.WeatherService
	Client  client.WeatherClient
	// Scheduler is nil when the background refresh is disabled.
	Scheduler *refresh.Scheduler
	State     *lifecycle.State
	Traffic   *traffic.Tracker
	Health    HealthConfig
	Logger    *zap.Logger

	LocationMinLength int
	LocationMaxLength int
	// RefreshTimeout bounds POST /admin/refresh; the response write deadline
	// is pushed past it. Zero leaves both unbounded.
	RefreshTimeout time.Duration
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	service   *service.WeatherService
	client    client.WeatherClient
	scheduler *refresh.Scheduler
	state     *lifecycle.State
	traffic   *traffic.Tracker
	health    HealthConfig
	logger    *zap.Logger
	minLen    int
	maxLen    int

	refreshTimeout time.Duration

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(d Deps) *Handler {
	if d.State == nil {
		d.State = lifecycle.New()
	}
	if d.Traffic == nil {
		d.Traffic = traffic.NewTracker()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Health.Version == "" {
		d.Health.Version = "dev"
	}
	return &Handler{
		service:   d.Service,
		client:    d.Client,
		scheduler: d.Scheduler,
		state:     d.State,
		traffic:   d.Traffic,
		health:    d.Health,
		logger:    d.Logger,
		minLen:    d.LocationMinLength,
		maxLen:    d.LocationMaxLength,

		refreshTimeout: d.RefreshTimeout,
	}
}

// GetWeather handles GET /api/weather?city_name=&lat=&lon= and POST /api/weather.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	var (
		q   models.LocationQuery
		err error
	)
	if r.Method == http.MethodPost {
		err = decodeBody(w, r, &q)
	} else {
		q, err = parseWeatherQuery(r)
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	q, err = validation.ValidateQuery(q, h.minLen, h.maxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := h.service.GetWeather(r.Context(), q)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.traffic.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// ListCities handles GET /api/cities.
func (h *Handler) ListCities(w http.ResponseWriter, r *http.Request) {
	cities, err := h.service.ListLocations(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cities)
}

// AddCity handles POST /admin/cities with body {"city_name": "..."}.
func (h *Handler) AddCity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CityName string `json:"city_name"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	name, err := validation.ValidateLocation(body.CityName, h.minLen, h.maxLen)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	info, err := h.service.AddLocation(r.Context(), name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// DeleteCity handles DELETE /admin/cities/{city_name}. The name is the exact stored key.
func (h *Handler) DeleteCity(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(mux.Vars(r)["city_name"])
	if key == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", validation.ErrLocationEmpty.Error())
		return
	}
	if err := h.service.DeleteLocation(r.Context(), key); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostRefresh handles POST /admin/refresh: one synchronous forecast refresh of every location.
// The refresh can outlast the server WriteTimeout, so the write deadline is
// moved past refreshTimeout first.
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refreshTimeout > 0 {
		deadline := time.Now().Add(h.refreshTimeout + refreshWriteGrace)
		if err := http.NewResponseController(w).SetWriteDeadline(deadline); err != nil {
			observability.LoggerFromContext(ctx).Debug("refresh write deadline not extended", zap.Error(err))
		}
		if h.scheduler == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.refreshTimeout)
			defer cancel()
		}
	}

	var (
		summary service.RefreshSummary
		err     error
	)
	if h.scheduler != nil {
		summary, err = h.scheduler.RunOnce(ctx)
	} else {
		summary, err = h.service.RefreshAll(ctx)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	observability.LoggerFromContext(ctx).Info("manual refresh complete",
		zap.Int("total", summary.Total), zap.Int("failed", summary.Failed))
	writeJSON(w, http.StatusOK, summary)
}

// GetInfo handles GET /.
func (h *Handler) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": serviceName,
		"version": h.health.Version,
		"endpoints": []string{
			"GET /api/weather",
			"POST /api/weather",
			"GET /api/cities",
			"GET /api/health",
			"POST /admin/cities",
			"DELETE /admin/cities/{city_name}",
			"POST /admin/refresh",
			"GET /metrics",
		},
	})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /api/health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	resp := map[string]interface{}{
		"status":    result.status,
		"service":   serviceName,
		"version":   h.health.Version,
		"checks":    result.checks,
		"uptime":    h.state.Uptime().Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.scheduler != nil {
		bg := map[string]interface{}{"next_run": h.scheduler.NextRun().Format(time.RFC3339)}
		if last, ok := h.scheduler.Last(); ok {
			bg["last_run"] = last.At.Format(time.RFC3339)
			bg["last_summary"] = last.Summary
		}
		resp["background_refresh"] = bg
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order: shutting-down >
// API key invalid > store unreachable > lock backend unreachable > error-rate
// breach > healthy. The reason reported is the first failing condition.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := map[string]string{}
	if h.state.ShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}

	result := healthResult{"healthy", http.StatusOK, "", checks}
	degrade := func(reason string) {
		if result.status == "healthy" {
			result = healthResult{"degraded", http.StatusServiceUnavailable, reason, checks}
		}
	}

	checks["weatherApi"] = "healthy"
	if err := h.client.ValidateAPIKey(ctx); err != nil {
		checks["weatherApi"] = "unhealthy"
		degrade("api_key_invalid")
	}

	if h.health.StorePing != nil {
		checks["store"] = "healthy"
		if err := h.health.StorePing(ctx); err != nil {
			checks["store"] = "unhealthy"
			degrade("store_unreachable")
		}
	}
	if h.health.LockPing != nil {
		checks["lock"] = "healthy"
		if err := h.health.LockPing(); err != nil {
			checks["lock"] = "unhealthy"
			degrade("lock_unreachable")
		}
	}

	if h.health.DegradedWindow > 0 && h.health.DegradedErrorPct > 0 {
		errs, total := h.traffic.ErrorRate(h.health.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(h.health.DegradedErrorPct) {
			degrade("error_rate_breach")
		}
	}
	return result
}

// parseWeatherQuery reads city_name, lat and lon from the URL query string.
func parseWeatherQuery(r *http.Request) (models.LocationQuery, error) {
	values := r.URL.Query()
	q := models.LocationQuery{CityName: values.Get("city_name")}
	for _, p := range []struct {
		name string
		dst  **float64
	}{{"lat", &q.Lat}, {"lon", &q.Lon}} {
		raw := strings.TrimSpace(values.Get(p.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return models.LocationQuery{}, fmt.Errorf("%s must be a number", p.name)
		}
		*p.dst = &v
	}
	return q, nil
}

// decodeBody decodes a JSON request body into v. An empty body leaves v zero.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid JSON body")
	}
	return nil
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps a service error to its response. Server-side failures
// count toward the degraded error rate; client mistakes do not.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		h.traffic.RecordError()
		observability.LoggerFromContext(r.Context()).Warn("request failed",
			zap.String("code", code),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err))
	} else {
		observability.LoggerFromContext(r.Context()).Debug("request rejected", zap.String("code", code), zap.Error(err))
	}
	writeError(w, r, status, code, message)
}
