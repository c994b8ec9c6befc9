//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/lock"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/service"
	"github.com/kjstillabower/weather-cache-service/internal/store"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	StoreBackend  string // "memory", "sqlite" or "postgres"
	PostgresURL   string
	LockBackend   string // "local" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	cfg := IntegrationTestConfig{
		APIKey:        apiKey,
		StoreBackend:  os.Getenv("INTEGRATION_STORE_BACKEND"),
		PostgresURL:   os.Getenv("DATABASE_URL"),
		LockBackend:   os.Getenv("INTEGRATION_LOCK_BACKEND"),
		MemcachedAddr: os.Getenv("MEMCACHED_ADDRS"),
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = store.BackendMemory
	}
	if cfg.MemcachedAddr == "" {
		cfg.MemcachedAddr = "localhost:11211"
	}
	return cfg
}

// SetupIntegrationClient creates an OpenWeather client against the real API.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClient(client.Options{
		APIKey:         cfg.APIKey,
		Timeout:        10 * time.Second,
		RetryAttempts:  2,
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// SetupIntegrationStore opens the configured store backend. Postgres falls back
// to memory when DATABASE_URL is unset or unreachable.
func SetupIntegrationStore(t *testing.T, cfg IntegrationTestConfig) store.Store {
	t.Helper()
	sc := store.Config{Backend: cfg.StoreBackend, PostgresURL: cfg.PostgresURL, MaxConns: 4}
	switch cfg.StoreBackend {
	case store.BackendSQLite:
		sc.SQLitePath = filepath.Join(t.TempDir(), "weather.db")
	case store.BackendPostgres:
		if cfg.PostgresURL == "" {
			t.Logf("DATABASE_URL not set, using memory store")
			sc.Backend = store.BackendMemory
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := store.New(ctx, sc)
	if err != nil {
		t.Logf("store backend %s unavailable (%v), using memory store", sc.Backend, err)
		s = store.NewMemoryStore()
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// SetupIntegrationLocker returns a memcached locker when requested and reachable,
// otherwise the in-process locker.
func SetupIntegrationLocker(t *testing.T, cfg IntegrationTestConfig) lock.Locker {
	t.Helper()
	if cfg.LockBackend != "memcached" {
		return lock.NewLocal()
	}
	m := lock.NewMemcached(lock.MemcachedConfig{Addrs: cfg.MemcachedAddr, Timeout: 500 * time.Millisecond})
	if err := m.Ping(); err != nil {
		t.Logf("Memcached not available (%v), using local locker", err)
		_ = m.Close()
		return lock.NewLocal()
	}
	t.Cleanup(func() { _ = m.Close() })
	t.Logf("Using Memcached locker at %s", cfg.MemcachedAddr)
	return m
}

// SetupIntegrationService wires a WeatherService against the real API with the
// configured store and locker. It returns the store so tests can inspect records.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.WeatherService, *client.OpenWeatherClient, store.Store) {
	t.Helper()
	logger, err := observability.NewLogger("weather-cache-service-test")
	if err != nil {
		logger = zap.NewNop()
	}
	c := SetupIntegrationClient(t, cfg)
	s := SetupIntegrationStore(t, cfg)
	svc := service.NewWeatherService(c, s, SetupIntegrationLocker(t, cfg), logger,
		service.Options{BatchSize: 2, BatchPause: 500 * time.Millisecond})
	return svc, c, s
}
