package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/forecast"
	"github.com/kjstillabower/weather-cache-service/internal/store"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

// classifyError maps service errors to HTTP status, error code and a client-safe message.
// Order matters: a not-found wrapped in a storage error is still a not-found.
func classifyError(err error) (status int, code, message string) {
	switch {
	case validation.IsValidationError(err):
		return http.StatusBadRequest, "INVALID_REQUEST", err.Error()
	case errors.Is(err, client.ErrLocationNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "LOCATION_NOT_FOUND", "Location not found"
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, "ALREADY_EXISTS", "Location is already tracked"
	case errors.Is(err, client.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "Upstream rate limit exceeded"
	case errors.Is(err, forecast.ErrDataFormat), errors.Is(err, client.ErrMalformedResponse):
		return http.StatusBadGateway, "DATA_FORMAT", "Upstream returned malformed weather data"
	case errors.Is(err, store.ErrStorage):
		return http.StatusInternalServerError, "STORAGE_ERROR", "Unable to access stored weather data"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Timed out fetching weather data"
	default:
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data"
	}
}
