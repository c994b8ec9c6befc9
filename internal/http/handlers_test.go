package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/lifecycle"
	"github.com/kjstillabower/weather-cache-service/internal/lock"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/service"
	"github.com/kjstillabower/weather-cache-service/internal/store"
	"github.com/kjstillabower/weather-cache-service/internal/traffic"
)

var london = models.GeoLocation{Name: "London, GB", Latitude: 51.5073, Longitude: -0.1276}

const validForecast = `{"list":[
	{"dt":1762164000,"main":{"temp":9.5,"feels_like":7.1,"humidity":81},"weather":[{"description":"overcast clouds","icon":"04d"}],"wind":{"speed":3.2},"pop":0.2},
	{"dt":1762174800,"main":{"temp":11.0,"feels_like":9.4,"humidity":74},"weather":[{"description":"light rain","icon":"10d"}],"wind":{"speed":4.1}}
]}`

type mockWeatherClient struct {
	mu          sync.Mutex
	geo         map[string]models.GeoLocation
	payload     json.RawMessage
	err         error         // returned by every fetch
	validateErr error         // returned by ValidateAPIKey
	block       chan struct{} // if set, FetchCurrent blocks until ctx is done
	fetches     int
}

func newMockClient() *mockWeatherClient {
	return &mockWeatherClient{
		geo:     map[string]models.GeoLocation{"London": london, "london": london},
		payload: json.RawMessage(validForecast),
	}
}

func (m *mockWeatherClient) Geocode(_ context.Context, name string) (models.GeoLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if loc, ok := m.geo[name]; ok {
		return loc, nil
	}
	return models.GeoLocation{}, client.ErrLocationNotFound
}

func (m *mockWeatherClient) ReverseGeocode(context.Context, float64, float64) (models.GeoLocation, error) {
	return london, nil
}

func (m *mockWeatherClient) FetchCurrent(ctx context.Context, _, _ float64) (models.CurrentWeather, error) {
	if m.block != nil {
		select {
		case <-ctx.Done():
			return models.CurrentWeather{}, ctx.Err()
		case <-m.block:
		}
	}
	m.mu.Lock()
	m.fetches++
	m.mu.Unlock()
	return models.CurrentWeather{Temp: 10.4, Description: "overcast clouds", Icon: "04d"}, m.err
}

func (m *mockWeatherClient) FetchForecast(context.Context, float64, float64) (json.RawMessage, error) {
	return m.payload, m.err
}

func (m *mockWeatherClient) FetchAirQuality(context.Context, float64, float64) (models.AirQuality, error) {
	return models.AirQuality{AQI: 2, PM25: 4.4}, m.err
}

func (m *mockWeatherClient) ValidateAPIKey(context.Context) error {
	return m.validateErr
}

// failingStore fails every operation with a storage error.
type failingStore struct{ store.Store }

func (failingStore) Get(context.Context, string) (*models.CacheRecord, error) {
	return nil, fmt.Errorf("get: %w: connection refused", store.ErrStorage)
}

func (failingStore) List(context.Context) ([]*models.CacheRecord, error) {
	return nil, fmt.Errorf("list: %w: connection refused", store.ErrStorage)
}

func (failingStore) Ping(context.Context) error {
	return fmt.Errorf("ping: %w", store.ErrStorage)
}

type testEnv struct {
	handler *Handler
	router  http.Handler
	client  *mockWeatherClient
	store   store.Store
	state   *lifecycle.State
	traffic *traffic.Tracker
}

type envOption func(*Deps, *RouterConfig)

func withStore(s store.Store) envOption {
	return func(d *Deps, _ *RouterConfig) {
		d.Service = service.NewWeatherService(d.Client, s, lock.NewLocal(), zap.NewNop(), service.Options{})
		d.Health.StorePing = s.Ping
	}
}

// withBatching swaps in a service over a fresh store that refreshes in the given batches.
func withBatching(size int, pause time.Duration) envOption {
	return func(d *Deps, _ *RouterConfig) {
		st := store.NewMemoryStore()
		d.Service = service.NewWeatherService(d.Client, st, lock.NewLocal(), zap.NewNop(),
			service.Options{BatchSize: size, BatchPause: pause})
		d.Health.StorePing = st.Ping
	}
}

func withRefreshTimeout(timeout time.Duration) envOption {
	return func(d *Deps, _ *RouterConfig) { d.RefreshTimeout = timeout }
}

func withLogger(l *zap.Logger) envOption {
	return func(d *Deps, _ *RouterConfig) { d.Logger = l }
}

func withLimiter(l *rate.Limiter) envOption {
	return func(_ *Deps, rc *RouterConfig) { rc.Limiter = l }
}

func withTimeout(timeout time.Duration) envOption {
	return func(_ *Deps, rc *RouterConfig) { rc.RequestTimeout = timeout }
}

func newTestEnv(t testing.TB, c *mockWeatherClient, opts ...envOption) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	env := &testEnv{client: c, store: st, state: lifecycle.New(), traffic: traffic.NewTracker()}
	deps := Deps{
		Service: service.NewWeatherService(c, st, lock.NewLocal(), zap.NewNop(), service.Options{}),
		Client:  c,
		State:   env.state,
		Traffic: env.traffic,
		Health: HealthConfig{
			DegradedWindow:   time.Minute,
			DegradedErrorPct: 50,
			StorePing:        st.Ping,
		},
		LocationMinLength: 1,
		LocationMaxLength: 100,
	}
	rc := RouterConfig{RequestTimeout: 2 * time.Second, CORSAllowOrigin: "*"}
	for _, opt := range opts {
		opt(&deps, &rc)
	}
	env.handler = NewHandler(deps)
	env.router = NewRouter(env.handler, rc)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (raw %q)", err, w.Body.String())
	}
	return body
}

// TestHandler_GetWeather_ByName verifies a first request for a city name
// geocodes, fetches everything and returns all data categories.
func TestHandler_GetWeather_ByName(t *testing.T) {
	env := newTestEnv(t, newMockClient())

	w := env.do(t, http.MethodGet, "/api/weather?city_name=London", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var resp models.WeatherResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CityName != "London, GB" {
		t.Errorf("city_name = %q, want London, GB", resp.CityName)
	}
	if resp.Current == nil || resp.AQI == nil || len(resp.Hourly) != 2 || len(resp.Daily) == 0 {
		t.Errorf("response incomplete: %+v", resp)
	}
	if resp.CurrentWeatherUpdatedAt == nil || resp.UpdatedAt.IsZero() {
		t.Error("timestamps missing")
	}
	if resp.UpdatedAt.Minute() != 0 || resp.UpdatedAt.Second() != 0 {
		t.Errorf("updated_at = %v, want hour aligned", resp.UpdatedAt)
	}
}

func TestHandler_GetWeather_PostBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"by name", `{"city_name":"London"}`},
		{"by coordinates", `{"lat":51.5,"lon":-0.12}`},
		{"name wins over coordinates", `{"city_name":"London","lat":1,"lon":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, newMockClient())
			w := env.do(t, http.MethodPost, "/api/weather", tt.body)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
			}
			var resp models.WeatherResponse
			_ = json.NewDecoder(w.Body).Decode(&resp)
			if resp.CityName != "London, GB" {
				t.Errorf("city_name = %q", resp.CityName)
			}
		})
	}
}

func TestHandler_GetWeather_SecondRequestServedFromStore(t *testing.T) {
	c := newMockClient()
	env := newTestEnv(t, c)
	for i := 0; i < 3; i++ {
		if w := env.do(t, http.MethodGet, "/api/weather?city_name=London", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	if c.fetches != 1 {
		t.Errorf("FetchCurrent calls = %d, want 1", c.fetches)
	}
}

func TestHandler_GetWeather_InvalidRequests(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		path        string
		body        string
		wantMessage string
	}{
		{"no location", http.MethodGet, "/api/weather", "", "provide either city_name or both lat and lon"},
		{"lat without lon", http.MethodGet, "/api/weather?lat=51.5", "", "lon is required when lat is provided"},
		{"lon without lat", http.MethodPost, "/api/weather", `{"lon":2}`, "lat is required when lon is provided"},
		{"lat not a number", http.MethodGet, "/api/weather?lat=abc&lon=1", "", "lat must be a number"},
		{"lat out of range", http.MethodGet, "/api/weather?lat=91&lon=0", "", "lat must be between -90 and 90"},
		{"lon out of range", http.MethodPost, "/api/weather", `{"lat":0,"lon":-181}`, "lon must be between -180 and 180"},
		{"invalid characters", http.MethodGet, "/api/weather?city_name=Lon%3Cdon", "", "location contains invalid characters"},
		{"too long", http.MethodGet, "/api/weather?city_name=" + strings.Repeat("a", 101), "", "location too long"},
		{"malformed json", http.MethodPost, "/api/weather", `{"city_name":`, "invalid JSON body"},
		{"empty body", http.MethodPost, "/api/weather", "", "provide either city_name or both lat and lon"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, newMockClient())
			w := env.do(t, tt.method, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %s)", w.Code, w.Body.String())
			}
			body := decodeError(t, w)
			if body.Error.Code != "INVALID_REQUEST" {
				t.Errorf("code = %q, want INVALID_REQUEST", body.Error.Code)
			}
			if body.Error.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", body.Error.Message, tt.wantMessage)
			}
		})
	}
}

func TestHandler_GetWeather_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(c *mockWeatherClient)
		city       string
		wantStatus int
		wantCode   string
	}{
		{"unknown city", nil, "Atlantis", http.StatusNotFound, "LOCATION_NOT_FOUND"},
		{"upstream failure", func(c *mockWeatherClient) { c.err = client.ErrUpstreamFailure }, "London", http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"upstream rate limited", func(c *mockWeatherClient) { c.err = client.ErrRateLimited }, "London", http.StatusTooManyRequests, "RATE_LIMITED"},
		{"invalid key", func(c *mockWeatherClient) { c.err = client.ErrInvalidAPIKey }, "London", http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"malformed forecast", func(c *mockWeatherClient) { c.payload = json.RawMessage(`{"list":[{"dt":1}]}`) }, "London", http.StatusBadGateway, "DATA_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newMockClient()
			if tt.setup != nil {
				tt.setup(c)
			}
			env := newTestEnv(t, c)
			req := httptest.NewRequest(http.MethodGet, "/api/weather?city_name="+tt.city, nil)
			req.Header.Set("X-Correlation-ID", "corr-123")
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			body := decodeError(t, w)
			if body.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.wantCode)
			}
			if body.Error.RequestID != "corr-123" {
				t.Errorf("requestId = %q, want corr-123", body.Error.RequestID)
			}
			if list, _ := env.store.List(context.Background()); len(list) != 0 {
				t.Errorf("store has %d records after failure, want 0", len(list))
			}
		})
	}
}

func TestHandler_GetWeather_Timeout(t *testing.T) {
	c := newMockClient()
	c.block = make(chan struct{})
	defer close(c.block)
	env := newTestEnv(t, c, withTimeout(30*time.Millisecond))

	w := env.do(t, http.MethodGet, "/api/weather?city_name=London", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if body := decodeError(t, w); body.Error.Message != "Timed out fetching weather data" {
		t.Errorf("message = %q", body.Error.Message)
	}
}

func TestHandler_GetWeather_StorageError(t *testing.T) {
	env := newTestEnv(t, newMockClient(), withStore(failingStore{store.NewMemoryStore()}))

	w := env.do(t, http.MethodGet, "/api/weather?city_name=London", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if body := decodeError(t, w); body.Error.Code != "STORAGE_ERROR" {
		t.Errorf("code = %q, want STORAGE_ERROR", body.Error.Code)
	}
}

func TestHandler_ListCities(t *testing.T) {
	env := newTestEnv(t, newMockClient())
	env.do(t, http.MethodGet, "/api/weather?city_name=London", "")

	w := env.do(t, http.MethodGet, "/api/cities", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var list []models.LocationInfo
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].CityName != "London, GB" || list[0].ForecastStatus != "fresh" || list[0].CurrentStatus != "fresh" {
		t.Errorf("list = %+v", list)
	}
}

func TestHandler_ListCities_Empty(t *testing.T) {
	env := newTestEnv(t, newMockClient())
	w := env.do(t, http.MethodGet, "/api/cities", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("status = %d body = %q, want 200 []", w.Code, w.Body.String())
	}
}

func TestHandler_AdminCities(t *testing.T) {
	env := newTestEnv(t, newMockClient())

	w := env.do(t, http.MethodPost, "/admin/cities", `{"city_name":"London"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add status = %d, want 201 (body %s)", w.Code, w.Body.String())
	}
	var info models.LocationInfo
	_ = json.NewDecoder(w.Body).Decode(&info)
	if info.CityName != "London, GB" || info.ForecastStatus != "never" {
		t.Errorf("add response = %+v", info)
	}

	w = env.do(t, http.MethodPost, "/admin/cities", `{"city_name":"london"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate add status = %d, want 409", w.Code)
	}
	if body := decodeError(t, w); body.Error.Code != "ALREADY_EXISTS" {
		t.Errorf("code = %q, want ALREADY_EXISTS", body.Error.Code)
	}

	if w := env.do(t, http.MethodPost, "/admin/cities", `{"city_name":"Atlantis"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown add status = %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/admin/cities", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty add status = %d, want 400", w.Code)
	}

	if w := env.do(t, http.MethodDelete, "/admin/cities/London,%20GB", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204 (body %s)", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodDelete, "/admin/cities/London,%20GB", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestHandler_PostRefresh(t *testing.T) {
	env := newTestEnv(t, newMockClient())
	env.do(t, http.MethodPost, "/admin/cities", `{"city_name":"London"}`)

	w := env.do(t, http.MethodPost, "/admin/refresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var summary service.RefreshSummary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Total != 1 || summary.Succeeded != 1 {
		t.Errorf("summary = %+v, want 1 total 1 succeeded", summary)
	}

	list, _ := env.store.List(context.Background())
	if len(list) != 1 || list[0].ForecastSlots[0].Empty() {
		t.Error("refresh did not fill the forecast slot")
	}
}

// TestHandler_PostRefresh_OutlastsWriteTimeout runs a refresh that takes longer
// than the server WriteTimeout and still expects the summary to arrive.
func TestHandler_PostRefresh_OutlastsWriteTimeout(t *testing.T) {
	c := newMockClient()
	c.geo["Paris"] = models.GeoLocation{Name: "Paris, FR", Latitude: 48.8566, Longitude: 2.3522}
	c.geo["Oslo"] = models.GeoLocation{Name: "Oslo, NO", Latitude: 59.9139, Longitude: 10.7522}
	env := newTestEnv(t, c, withBatching(1, 100*time.Millisecond), withRefreshTimeout(5*time.Second))
	for _, city := range []string{"London", "Paris", "Oslo"} {
		if w := env.do(t, http.MethodPost, "/admin/cities", `{"city_name":"`+city+`"}`); w.Code != http.StatusCreated {
			t.Fatalf("add %s status = %d (body %s)", city, w.Code, w.Body.String())
		}
	}

	srv := httptest.NewUnstartedServer(env.router)
	srv.Config.WriteTimeout = 50 * time.Millisecond
	srv.Start()
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/admin/refresh", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /admin/refresh error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var summary service.RefreshSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.Total != 3 || summary.Succeeded != 3 {
		t.Errorf("summary = %+v, want 3 total 3 succeeded", summary)
	}
	if summary.Duration < srv.Config.WriteTimeout {
		t.Errorf("refresh took %v, want longer than the %v write timeout", summary.Duration, srv.Config.WriteTimeout)
	}
}

func TestHandler_PostRefresh_ListFails(t *testing.T) {
	env := newTestEnv(t, newMockClient(), withStore(failingStore{store.NewMemoryStore()}))
	if w := env.do(t, http.MethodPost, "/admin/refresh", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestHandler_GetInfo(t *testing.T) {
	env := newTestEnv(t, newMockClient())
	w := env.do(t, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["service"] != serviceName {
		t.Errorf("service = %v", body["service"])
	}
}

func healthBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return body
}

func TestHandler_GetHealth(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(e *testEnv)
		opts       []envOption
		wantStatus int
		wantState  string
	}{
		{name: "healthy", wantStatus: http.StatusOK, wantState: "healthy"},
		{
			name:       "invalid api key",
			setup:      func(e *testEnv) { e.client.validateErr = client.ErrInvalidAPIKey },
			wantStatus: http.StatusServiceUnavailable, wantState: "degraded",
		},
		{
			name:       "store unreachable",
			opts:       []envOption{withStore(failingStore{store.NewMemoryStore()})},
			wantStatus: http.StatusServiceUnavailable, wantState: "degraded",
		},
		{
			name:       "shutting down",
			setup:      func(e *testEnv) { e.state.BeginShutdown() },
			wantStatus: http.StatusServiceUnavailable, wantState: "shutting-down",
		},
		{
			name: "error rate breach",
			setup: func(e *testEnv) {
				e.traffic.RecordSuccess()
				e.traffic.RecordError()
			},
			wantStatus: http.StatusServiceUnavailable, wantState: "degraded",
		},
		{
			name: "error rate below threshold",
			setup: func(e *testEnv) {
				e.traffic.RecordSuccess()
				e.traffic.RecordSuccess()
				e.traffic.RecordError()
			},
			wantStatus: http.StatusOK, wantState: "healthy",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, newMockClient(), tt.opts...)
			if tt.setup != nil {
				tt.setup(env)
			}
			w := env.do(t, http.MethodGet, "/api/health", "")
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := healthBody(t, w)
			if body["status"] != tt.wantState {
				t.Errorf("health status = %v, want %s", body["status"], tt.wantState)
			}
			if _, ok := body["timestamp"]; !ok {
				t.Error("timestamp missing")
			}
		})
	}
}

func TestHandler_GetHealth_StoreCheckReported(t *testing.T) {
	env := newTestEnv(t, newMockClient(), withStore(failingStore{store.NewMemoryStore()}))
	body := healthBody(t, env.do(t, http.MethodGet, "/api/health", ""))
	checks, _ := body["checks"].(map[string]interface{})
	if checks["store"] != "unhealthy" || checks["weatherApi"] != "healthy" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	env := newTestEnv(t, newMockClient(), withLogger(zap.New(core)))

	env.do(t, http.MethodGet, "/api/health", "")
	env.client.validateErr = errors.New("401")
	env.do(t, http.MethodGet, "/api/health", "")

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("transition logs = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "api_key_invalid" {
		t.Errorf("transition fields = %v", fields)
	}
}

func TestHandler_ErrorsFeedDegradedRate(t *testing.T) {
	c := newMockClient()
	c.err = client.ErrUpstreamFailure
	env := newTestEnv(t, c)

	env.do(t, http.MethodGet, "/api/weather?city_name=London", "")
	env.do(t, http.MethodGet, "/api/weather?city_name=Atlantis", "")
	errs, total := env.traffic.ErrorRate(time.Minute)
	if errs != 1 || total != 1 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 1): 404s are not server errors", errs, total)
	}
}

func TestRouter_RateLimitSkipsHealth(t *testing.T) {
	env := newTestEnv(t, newMockClient(), withLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)))

	if w := env.do(t, http.MethodGet, "/api/cities", ""); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}
	w := env.do(t, http.MethodGet, "/api/cities", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if body := decodeError(t, w); body.Error.Code != "RATE_LIMITED" {
		t.Errorf("code = %q", body.Error.Code)
	}
	if env.traffic.DenialCount(time.Minute) != 1 {
		t.Error("denial not recorded")
	}
	if w := env.do(t, http.MethodGet, "/api/health", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200 despite exhausted limiter", w.Code)
	}
}

func TestRouter_CORS(t *testing.T) {
	env := newTestEnv(t, newMockClient())

	w := env.do(t, http.MethodOptions, "/api/weather", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	w = env.do(t, http.MethodGet, "/api/cities", "")
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing on GET")
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, newMockClient())
	tests := []struct{ method, path string }{
		{http.MethodDelete, "/api/weather"},
		{http.MethodPost, "/api/cities"},
		{http.MethodGet, "/admin/refresh"},
		{http.MethodGet, "/admin/cities/Paris"},
	}
	for _, tt := range tests {
		w := env.do(t, tt.method, tt.path, "")
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", tt.method, tt.path, w.Code)
			continue
		}
		if body := decodeError(t, w); body.Error.Code != "METHOD_NOT_ALLOWED" {
			t.Errorf("%s %s code = %q, want METHOD_NOT_ALLOWED", tt.method, tt.path, body.Error.Code)
		}
	}
	if w := env.do(t, http.MethodGet, "/api/nowhere", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", w.Code)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("x: %w", store.ErrNotFound), http.StatusNotFound, "LOCATION_NOT_FOUND"},
		{fmt.Errorf("x: %w", store.ErrAlreadyExists), http.StatusConflict, "ALREADY_EXISTS"},
		{fmt.Errorf("x: %w", client.ErrMalformedResponse), http.StatusBadGateway, "DATA_FORMAT"},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{errors.New("anything else"), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
	}
	for _, tt := range tests {
		status, code, _ := classifyError(tt.err)
		if status != tt.wantStatus || code != tt.wantCode {
			t.Errorf("classifyError(%v) = %d %s, want %d %s", tt.err, status, code, tt.wantStatus, tt.wantCode)
		}
	}
}
