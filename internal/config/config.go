package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML, .env and environment.
type Config struct {
	ServerPort string

	WeatherAPIKey     string
	WeatherAPIBaseURL string
	WeatherAPIGeoURL  string
	WeatherAPITimeout time.Duration

	RequestTimeout    time.Duration
	LocationMinLength int
	LocationMaxLength int
	CORSAllowOrigin   string

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int
	UpstreamRPS    float64
	UpstreamBurst  int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	StoreBackend     string // "memory", "postgres" or "sqlite"
	PostgresURL      string
	PostgresMaxConns int
	SQLitePath       string

	LockBackend           string // "local" or "memcached"
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	LockLeaseTTL          time.Duration

	RefreshEnabled    bool
	RefreshSpec       string
	RefreshBatchSize  int
	RefreshBatchPause time.Duration
	RefreshTimeout    time.Duration
	// SeedLocations are added (if absent) at startup so the refresher tracks them.
	SeedLocations []string

	ShutdownTimeout time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int

	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		BaseURL string `yaml:"base_url"`
		GeoURL  string `yaml:"geo_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout           string `yaml:"timeout"`
		LocationMinLength int    `yaml:"location_min_length"`
		LocationMaxLength int    `yaml:"location_max_length"`
		CORSAllowOrigin   string `yaml:"cors_allow_origin"`
	} `yaml:"request"`

	Reliability struct {
		RetryMaxAttempts int     `yaml:"retry_max_attempts"`
		RetryBaseDelay   string  `yaml:"retry_base_delay"`
		RetryMaxDelay    string  `yaml:"retry_max_delay"`
		RateLimitRPS     int     `yaml:"rate_limit_rps"`
		RateLimitBurst   int     `yaml:"rate_limit_burst"`
		UpstreamRPS      float64 `yaml:"upstream_rps"`
		UpstreamBurst    int     `yaml:"upstream_burst"`
		CircuitBreaker   struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Store struct {
		Backend  string `yaml:"backend"`
		Postgres struct {
			URL      string `yaml:"url"`
			MaxConns int    `yaml:"max_conns"`
		} `yaml:"postgres"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
	} `yaml:"store"`

	Lock struct {
		Backend   string `yaml:"backend"`
		LeaseTTL  string `yaml:"lease_ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"lock"`

	Refresh struct {
		Enabled       *bool    `yaml:"enabled"`
		Spec          string   `yaml:"spec"`
		BatchSize     int      `yaml:"batch_size"`
		BatchPause    string   `yaml:"batch_pause"`
		Timeout       string   `yaml:"timeout"`
		SeedLocations []string `yaml:"seed_locations"`
	} `yaml:"refresh"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	PostgresURL   string `yaml:"postgres_url"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), an optional
// .env file and config/secrets.yaml. Environment variables win over both files.
// Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env, .env or config/secrets.yaml weather_api_key)")
	}
	cfg.WeatherAPIBaseURL = firstNonEmpty(fc.WeatherAPI.BaseURL, "https://api.openweathermap.org/data/2.5")
	cfg.WeatherAPIGeoURL = firstNonEmpty(fc.WeatherAPI.GeoURL, "https://api.openweathermap.org/geo/1.0")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 20*time.Second)
	cfg.LocationMinLength = fc.Request.LocationMinLength
	if cfg.LocationMinLength <= 0 {
		cfg.LocationMinLength = 1
	}
	cfg.LocationMaxLength = fc.Request.LocationMaxLength
	if cfg.LocationMaxLength <= 0 {
		cfg.LocationMaxLength = 100
	}
	cfg.CORSAllowOrigin = firstNonEmpty(fc.Request.CORSAllowOrigin, "*")

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.UpstreamRPS = fc.Reliability.UpstreamRPS
	cfg.UpstreamBurst = fc.Reliability.UpstreamBurst
	if cfg.UpstreamBurst <= 0 {
		cfg.UpstreamBurst = 5
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitBreakerFailureThreshold = cb.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = cb.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.StoreBackend = strings.ToLower(firstNonEmpty(os.Getenv("STORE_BACKEND"), fc.Store.Backend, "memory"))
	cfg.PostgresURL = firstNonEmpty(os.Getenv("DATABASE_URL"), sec.PostgresURL, fc.Store.Postgres.URL)
	cfg.PostgresMaxConns = fc.Store.Postgres.MaxConns
	if cfg.PostgresMaxConns <= 0 {
		cfg.PostgresMaxConns = 10
	}
	cfg.SQLitePath = firstNonEmpty(os.Getenv("SQLITE_PATH"), fc.Store.SQLite.Path, "data/weather.db")

	cfg.LockBackend = strings.ToLower(firstNonEmpty(os.Getenv("LOCK_BACKEND"), fc.Lock.Backend, "local"))
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Lock.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Lock.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Lock.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.LockLeaseTTL = parseDuration(fc.Lock.LeaseTTL, 30*time.Second)

	cfg.RefreshEnabled = true
	if fc.Refresh.Enabled != nil {
		cfg.RefreshEnabled = *fc.Refresh.Enabled
	}
	cfg.RefreshSpec = firstNonEmpty(fc.Refresh.Spec, "0 * * * *")
	cfg.RefreshBatchSize = fc.Refresh.BatchSize
	if cfg.RefreshBatchSize <= 0 {
		cfg.RefreshBatchSize = 5
	}
	cfg.RefreshBatchPause = parseDurationOrZero(fc.Refresh.BatchPause, 2*time.Second)
	cfg.RefreshTimeout = parseDuration(fc.Refresh.Timeout, 30*time.Minute)
	cfg.SeedLocations = fc.Refresh.SeedLocations

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values. RequestTimeout
// is raised above WeatherAPITimeout when needed.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("WEATHER_API_TIMEOUT must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.RefreshBatchPause < 0 {
		return fmt.Errorf("refresh.batch_pause must not be negative")
	}
	if cfg.LocationMinLength > cfg.LocationMaxLength {
		return fmt.Errorf("request.location_min_length %d exceeds location_max_length %d", cfg.LocationMinLength, cfg.LocationMaxLength)
	}
	switch cfg.StoreBackend {
	case "memory", "sqlite":
	case "postgres":
		if cfg.PostgresURL == "" {
			return fmt.Errorf("store.backend postgres requires DATABASE_URL or store.postgres.url")
		}
	default:
		return fmt.Errorf("store.backend must be memory, postgres or sqlite, got %q", cfg.StoreBackend)
	}
	switch cfg.LockBackend {
	case "local", "memcached":
	default:
		return fmt.Errorf("lock.backend must be local or memcached, got %q", cfg.LockBackend)
	}
	if cfg.LockBackend == "memcached" && cfg.LockLeaseTTL <= cfg.RequestTimeout {
		return fmt.Errorf("lock.lease_ttl %s must exceed request.timeout %s", cfg.LockLeaseTTL, cfg.RequestTimeout)
	}
	return nil
}
