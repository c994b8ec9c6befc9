package observability

import (
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeather API calls per endpoint (geocode, reverse_geocode, current, forecast, air_pollution).
	WeatherAPICallsTotal *prometheus.CounterVec

	// OpenWeather latency per endpoint. Watch for: p95 > 2s (upstream degradation).
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts per endpoint. Watch for: high retries = unstable upstream.
	WeatherAPIRetriesTotal *prometheus.CounterVec

	// Upstream errors by category (see client.CategorizeError).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Freshness decisions per data kind (current, forecast) and result (fresh, stale, new).
	// Hit rate for current weather = fresh / (fresh + stale + new).
	FreshnessChecksTotal *prometheus.CounterVec

	// Forecast rotate-and-rebuild outcomes by trigger (request, background).
	ForecastRefreshesTotal *prometheus.CounterVec

	// Background refresh runs and their duration. Watch for: duration approaching one hour.
	BackgroundRefreshDuration  prometheus.Histogram
	BackgroundRefreshLocations *prometheus.GaugeVec

	// Time spent waiting for the per-location write lock. Watch for: contention between
	// request-driven and background refreshes of the same location.
	LockWaitSeconds prometheus.Histogram

	// Concurrent refreshes queued on the same location (allow-listed label).
	LockContentionTotal *prometheus.CounterVec

	// Store operation latency by op and result.
	StoreOperationDuration *prometheus.HistogramVec

	// Number of tracked locations in the store.
	TrackedLocationsGauge prometheus.Gauge

	// Circuit breaker transitions and current state (0 closed, 1 open, 2 half-open).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Total weather lookups and per-location counts (allow-list; others go to "other").
	WeatherQueriesTotal           prometheus.Counter
	WeatherQueriesByLocationTotal *prometheus.CounterVec

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// trackedLocations is built from config; used to resolve location for metrics.
	trackedLocationsMu sync.RWMutex
	trackedLocations   map[string]struct{}
)

func init() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of OpenWeather API calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "OpenWeather API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total number of retry attempts for weather API calls",
		},
		[]string{"endpoint"},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Weather API errors by category",
		},
		[]string{"category"},
	)
	FreshnessChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshnessChecksTotal",
			Help: "Freshness decisions by data kind and result",
		},
		[]string{"kind", "result"},
	)
	ForecastRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastRefreshesTotal",
			Help: "Forecast rotate-and-rebuild outcomes by trigger",
		},
		[]string{"trigger", "outcome"},
	)
	BackgroundRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "backgroundRefreshDurationSeconds",
			Help:    "Duration of a full background forecast refresh run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
	BackgroundRefreshLocations = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "backgroundRefreshLocations",
			Help: "Locations processed by the last background refresh run by outcome",
		},
		[]string{"outcome"},
	)
	LockWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "locationLockWaitSeconds",
			Help:    "Time spent waiting for the per-location write lock",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 2.5, 5, 10},
		},
	)
	LockContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locationLockContentionTotal",
			Help: "Refreshes that queued behind another refresh of the same location",
		},
		[]string{"location"},
	)
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storeOperationDurationSeconds",
			Help:    "Store operation latency by operation and result",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "result"},
	)
	TrackedLocationsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackedLocations",
			Help: "Number of locations held in the store",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"component"},
	)
	WeatherQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups",
		},
	)
	WeatherQueriesByLocationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByLocationTotal",
			Help: "Weather queries by location (allow-list; others use location=other)",
		},
		[]string{"location"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal, WeatherAPIErrorsTotal,
		FreshnessChecksTotal, ForecastRefreshesTotal,
		BackgroundRefreshDuration, BackgroundRefreshLocations,
		LockWaitSeconds, LockContentionTotal,
		StoreOperationDuration, TrackedLocationsGauge,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		WeatherQueriesTotal, WeatherQueriesByLocationTotal,
		RateLimitDeniedTotal,
	)
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, state int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// SetTrackedLocations sets the allow-list for location metrics. Non-tracked locations map to "other".
func SetTrackedLocations(locations []string) {
	trackedLocationsMu.Lock()
	defer trackedLocationsMu.Unlock()
	trackedLocations = make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		trackedLocations[normalizeLocationForMetrics(loc)] = struct{}{}
	}
}

// MetricLocationLabel returns the label value for location: itself when allow-listed, "other" otherwise.
func MetricLocationLabel(location string) string {
	loc := normalizeLocationForMetrics(location)
	trackedLocationsMu.RLock()
	_, ok := trackedLocations[loc] // nil map read is safe in Go
	trackedLocationsMu.RUnlock()
	if ok {
		return loc
	}
	return "other"
}

// RecordWeatherQuery records a weather query for the given location.
func RecordWeatherQuery(location string) {
	WeatherQueriesTotal.Inc()
	WeatherQueriesByLocationTotal.WithLabelValues(MetricLocationLabel(location)).Inc()
}

func normalizeLocationForMetrics(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
