package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-cache-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// WeatherClient is the upstream weather provider contract used by the service layer.
type WeatherClient interface {
	Geocode(ctx context.Context, name string) (models.GeoLocation, error)
	ReverseGeocode(ctx context.Context, lat, lon float64) (models.GeoLocation, error)
	FetchCurrent(ctx context.Context, lat, lon float64) (models.CurrentWeather, error)
	FetchForecast(ctx context.Context, lat, lon float64) (json.RawMessage, error)
	FetchAirQuality(ctx context.Context, lat, lon float64) (models.AirQuality, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrLocationNotFound  = errors.New("location not found")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrRateLimited       = errors.New("rate limited")
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// Endpoint labels used for metrics and error messages.
const (
	endpointGeocode        = "geocode"
	endpointReverseGeocode = "reverse_geocode"
	endpointCurrent        = "current"
	endpointForecast       = "forecast"
	endpointAirPollution   = "air_pollution"
)

const (
	DefaultBaseURL = "https://api.openweathermap.org/data/2.5"
	DefaultGeoURL  = "https://api.openweathermap.org/geo/1.0"
)

// Options configures an OpenWeatherClient.
type Options struct {
	APIKey         string
	BaseURL        string
	GeoURL         string
	Timeout        time.Duration // per attempt
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// RequestsPerSecond throttles outgoing calls across all endpoints; 0 disables.
	RequestsPerSecond float64
	Burst             int
}

// OpenWeatherClient talks to the OpenWeather data and geocoding APIs.
type OpenWeatherClient struct {
	apiKey         string
	baseURL        string
	geoURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	limiter        *rate.Limiter
	breaker        *circuitbreaker.CircuitBreaker
}

// NewOpenWeatherClient validates opts and returns a client. The API key is required.
func NewOpenWeatherClient(opts Options) (*OpenWeatherClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(opts.APIKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.GeoURL == "" {
		opts.GeoURL = DefaultGeoURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}

	c := &OpenWeatherClient{
		apiKey:         opts.APIKey,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		geoURL:         strings.TrimRight(opts.GeoURL, "/"),
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c, nil
}

// SetCircuitBreaker installs a breaker around every upstream attempt.
func (c *OpenWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

type geoResult struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
}

// Geocode resolves a free-form city name ("London" or "London, GB") to its canonical name and coordinates.
func (c *OpenWeatherClient) Geocode(ctx context.Context, name string) (models.GeoLocation, error) {
	params := url.Values{}
	params.Set("q", name)
	params.Set("limit", "1")
	return c.geocode(ctx, endpointGeocode, c.geoURL+"/direct", params)
}

// ReverseGeocode resolves coordinates to the nearest named place.
func (c *OpenWeatherClient) ReverseGeocode(ctx context.Context, lat, lon float64) (models.GeoLocation, error) {
	params := coordParams(lat, lon)
	params.Set("limit", "1")
	return c.geocode(ctx, endpointReverseGeocode, c.geoURL+"/reverse", params)
}

func (c *OpenWeatherClient) geocode(ctx context.Context, endpoint, rawURL string, params url.Values) (models.GeoLocation, error) {
	body, err := c.get(ctx, endpoint, rawURL, params)
	if err != nil {
		return models.GeoLocation{}, err
	}
	var results []geoResult
	if err := json.Unmarshal(body, &results); err != nil {
		return models.GeoLocation{}, fmt.Errorf("%s: %w: parse response: %v", endpoint, ErrMalformedResponse, err)
	}
	if len(results) == 0 {
		return models.GeoLocation{}, fmt.Errorf("%s: %w", endpoint, ErrLocationNotFound)
	}
	r := results[0]
	return models.GeoLocation{
		Name:      CanonicalName(r.Name, r.Country),
		Latitude:  r.Lat,
		Longitude: r.Lon,
	}, nil
}

// CanonicalName builds the "City, CC" location key.
func CanonicalName(city, country string) string {
	if country == "" {
		return city
	}
	return city + ", " + country
}

type currentResponse struct {
	Main *struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
		Pressure  int     `json:"pressure"`
	} `json:"main"`
	Weather []struct {
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Wind *struct {
		Speed float64 `json:"speed"`
		Deg   int     `json:"deg"`
	} `json:"wind"`
}

// FetchCurrent returns current conditions in metric units.
func (c *OpenWeatherClient) FetchCurrent(ctx context.Context, lat, lon float64) (models.CurrentWeather, error) {
	params := coordParams(lat, lon)
	params.Set("units", "metric")
	body, err := c.get(ctx, endpointCurrent, c.baseURL+"/weather", params)
	if err != nil {
		return models.CurrentWeather{}, err
	}

	var resp currentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.CurrentWeather{}, fmt.Errorf("%s: %w: parse response: %v", endpointCurrent, ErrMalformedResponse, err)
	}
	if resp.Main == nil || resp.Wind == nil || len(resp.Weather) == 0 {
		return models.CurrentWeather{}, fmt.Errorf("%s: %w: missing main, wind or weather", endpointCurrent, ErrMalformedResponse)
	}
	return models.CurrentWeather{
		Temp:        resp.Main.Temp,
		FeelsLike:   resp.Main.FeelsLike,
		Humidity:    resp.Main.Humidity,
		Pressure:    resp.Main.Pressure,
		Description: resp.Weather[0].Description,
		Icon:        resp.Weather[0].Icon,
		WindSpeed:   resp.Wind.Speed,
		WindDeg:     resp.Wind.Deg,
	}, nil
}

// FetchForecast returns the raw 5-day/3-hour forecast payload. The body is
// stored verbatim; field extraction happens in the forecast package.
func (c *OpenWeatherClient) FetchForecast(ctx context.Context, lat, lon float64) (json.RawMessage, error) {
	params := coordParams(lat, lon)
	params.Set("units", "metric")
	body, err := c.get(ctx, endpointForecast, c.baseURL+"/forecast", params)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%s: %w: invalid JSON", endpointForecast, ErrMalformedResponse)
	}
	return json.RawMessage(body), nil
}

type airPollutionResponse struct {
	List []struct {
		Main struct {
			AQI int `json:"aqi"`
		} `json:"main"`
		Components map[string]float64 `json:"components"`
	} `json:"list"`
}

// FetchAirQuality returns the current air-pollution index and main components.
// Missing components default to zero.
func (c *OpenWeatherClient) FetchAirQuality(ctx context.Context, lat, lon float64) (models.AirQuality, error) {
	body, err := c.get(ctx, endpointAirPollution, c.baseURL+"/air_pollution", coordParams(lat, lon))
	if err != nil {
		return models.AirQuality{}, err
	}
	var resp airPollutionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.AirQuality{}, fmt.Errorf("%s: %w: parse response: %v", endpointAirPollution, ErrMalformedResponse, err)
	}
	if len(resp.List) == 0 {
		return models.AirQuality{}, fmt.Errorf("%s: %w: empty list", endpointAirPollution, ErrMalformedResponse)
	}
	item := resp.List[0]
	return models.AirQuality{
		AQI:  item.Main.AQI,
		PM25: item.Components["pm2_5"],
		PM10: item.Components["pm10"],
		CO:   item.Components["co"],
		NO2:  item.Components["no2"],
		O3:   item.Components["o3"],
	}, nil
}

// ValidateAPIKey performs a cheap geocoding call and reports ErrInvalidAPIKey on 401.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	params := url.Values{}
	params.Set("q", "London")
	params.Set("limit", "1")
	req, err := c.buildRequest(ctx, c.geoURL+"/direct", params)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// get performs a GET with retries, backoff and the optional breaker, returning the body of a 2xx response.
func (c *OpenWeatherClient) get(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.WithLabelValues(endpoint).Inc()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%s: %w", endpoint, ctx.Err())
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		body, err := c.attempt(ctx, endpoint, rawURL, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !c.isRetryable(ctx, err) {
			break
		}
	}
	observability.WeatherAPIErrorsTotal.WithLabelValues(string(CategorizeError(lastErr))).Inc()
	if c.retryAttempts > 1 && c.isRetryable(ctx, lastErr) {
		return nil, fmt.Errorf("%s: exhausted retries: %w", endpoint, lastErr)
	}
	return nil, fmt.Errorf("%s: %w", endpoint, lastErr)
}

// attempt runs a single call, through the breaker when one is installed.
// Client-side outcomes (404, 401) do not count as breaker failures.
func (c *OpenWeatherClient) attempt(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("upstream throttle: %w", err)
		}
	}
	if c.breaker == nil {
		return c.callAPI(ctx, endpoint, rawURL, params)
	}

	var (
		body    []byte
		callErr error
	)
	err := c.breaker.Call(func() error {
		body, callErr = c.callAPI(ctx, endpoint, rawURL, params)
		if callErr != nil && countsAsBreakerFailure(callErr) {
			return callErr
		}
		return nil
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}
	return body, callErr
}

func countsAsBreakerFailure(err error) bool {
	return !errors.Is(err, ErrLocationNotFound) && !errors.Is(err, ErrInvalidAPIKey)
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, rawURL, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(duration)

	if err := c.handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}

// isRetryable reports whether another attempt may succeed. Nothing is retried
// once the caller's own context is done.
func (c *OpenWeatherClient) isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return !errors.Is(err, circuitbreaker.ErrOpen)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "http request failed")
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, rawURL string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("appid", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenWeatherClient) handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: HTTP 401", ErrInvalidAPIKey)
	case http.StatusNotFound:
		return fmt.Errorf("%w: HTTP 404", ErrLocationNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP 429", ErrRateLimited)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

func coordParams(lat, lon float64) url.Values {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	return params
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
