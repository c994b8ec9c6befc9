package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// RouterConfig holds the per-route middleware settings.
type RouterConfig struct {
	RequestTimeout  time.Duration
	Limiter         *rate.Limiter // nil disables inbound rate limiting
	CORSAllowOrigin string
	InFlight        *InFlightTracker
}

// NewRouter registers all routes on a mux router. Routes are flat so a method
// mismatch on any path yields 405. /api/health and /metrics skip the rate limit
// and request timeout applied to the other /api routes.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	router := mux.NewRouter()
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	if cfg.InFlight != nil {
		router.Use(cfg.InFlight.Middleware)
	}
	router.Use(CorrelationIDMiddleware(h.logger))
	router.Use(MetricsMiddleware)

	limitRate := RateLimitMiddleware(cfg.Limiter, h.traffic)
	withTimeout := TimeoutMiddleware(cfg.RequestTimeout)
	api := func(f http.HandlerFunc) http.Handler {
		return limitRate(withTimeout(f))
	}

	router.HandleFunc("/", h.GetInfo).Methods(http.MethodGet)
	router.HandleFunc("/api/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	router.Handle("/api/weather", api(h.GetWeather)).Methods(http.MethodGet, http.MethodPost)
	router.Handle("/api/cities", api(h.ListCities)).Methods(http.MethodGet)

	router.HandleFunc("/admin/cities", h.AddCity).Methods(http.MethodPost)
	router.HandleFunc("/admin/cities/{city_name}", h.DeleteCity).Methods(http.MethodDelete)
	router.HandleFunc("/admin/refresh", h.PostRefresh).Methods(http.MethodPost)

	return CORSMiddleware(cfg.CORSAllowOrigin)(router)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" is not supported on "+r.URL.Path)
}
