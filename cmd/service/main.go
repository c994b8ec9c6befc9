package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-cache-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/config"
	httphandler "github.com/kjstillabower/weather-cache-service/internal/http"
	"github.com/kjstillabower/weather-cache-service/internal/lifecycle"
	"github.com/kjstillabower/weather-cache-service/internal/lock"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/refresh"
	"github.com/kjstillabower/weather-cache-service/internal/service"
	"github.com/kjstillabower/weather-cache-service/internal/store"
	"github.com/kjstillabower/weather-cache-service/internal/traffic"
)

var version = "dev"

func main() {
	logger, err := observability.NewLogger("weather-cache-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	state := lifecycle.New()

	weatherClient, err := client.NewOpenWeatherClient(client.Options{
		APIKey:            cfg.WeatherAPIKey,
		BaseURL:           cfg.WeatherAPIBaseURL,
		GeoURL:            cfg.WeatherAPIGeoURL,
		Timeout:           cfg.WeatherAPITimeout,
		RetryAttempts:     cfg.RetryAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		RequestsPerSecond: cfg.UpstreamRPS,
		Burst:             cfg.UpstreamBurst,
	})
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("weather_api", from.String(), to.String(), int(to))
				logger.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		weatherClient.SetCircuitBreaker(cb)
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := weatherClient.ValidateAPIKey(startupCtx); err != nil {
		logger.Warn("weather API key check failed; health will report degraded", zap.Error(err))
	}

	st, err := store.New(startupCtx, store.Config{
		Backend:     cfg.StoreBackend,
		PostgresURL: cfg.PostgresURL,
		MaxConns:    cfg.PostgresMaxConns,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		startupCancel()
		logger.Fatal("store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	logger.Info("store backend ready", zap.String("backend", cfg.StoreBackend))

	locker, lockPing, mcLocker := newLocker(cfg, logger)

	weatherService := service.NewWeatherService(weatherClient, st, locker, logger, service.Options{
		BatchSize:   cfg.RefreshBatchSize,
		BatchPause:  cfg.RefreshBatchPause,
		MaxLockHold: maxLockHold(cfg),
	})

	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}
	if len(cfg.SeedLocations) > 0 {
		if err := refresh.Seed(startupCtx, weatherService, cfg.SeedLocations, logger); err != nil {
			logger.Warn("location seeding incomplete", zap.Error(err))
		}
	}
	startupCancel()

	var scheduler *refresh.Scheduler
	if cfg.RefreshEnabled {
		scheduler = refresh.New(weatherService, refresh.Config{Spec: cfg.RefreshSpec, Timeout: cfg.RefreshTimeout}, logger)
		if err := scheduler.Start(); err != nil {
			logger.Fatal("refresh scheduler", zap.String("spec", cfg.RefreshSpec), zap.Error(err))
		}
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	handler := httphandler.NewHandler(httphandler.Deps{
		Service:   weatherService,
		Client:    weatherClient,
		Scheduler: scheduler,
		State:     state,
		Traffic:   traffic.NewTracker(),
		Health: httphandler.HealthConfig{
			DegradedWindow:   cfg.DegradedWindow,
			DegradedErrorPct: cfg.DegradedErrorPct,
			StorePing:        st.Ping,
			LockPing:         lockPing,
			Version:          version,
		},
		Logger:            logger,
		LocationMinLength: cfg.LocationMinLength,
		LocationMaxLength: cfg.LocationMaxLength,
		RefreshTimeout:    cfg.RefreshTimeout,
	})
	inFlight := &httphandler.InFlightTracker{}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout:  cfg.RequestTimeout,
		Limiter:         limiter,
		CORSAllowOrigin: cfg.CORSAllowOrigin,
		InFlight:        inFlight,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	state.BeginShutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight.Count()))
	if err := inFlight.WaitForZero(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", inFlight.Count()))
	}

	if scheduler != nil {
		scheduler.Stop()
	}
	if err := st.Close(); err != nil {
		logger.Error("store close", zap.Error(err))
	}
	if mcLocker != nil {
		if err := mcLocker.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}

// newLocker builds the per-location locker. The memcached locker is also
// returned so main can close it and health can ping it.
func newLocker(cfg *config.Config, logger *zap.Logger) (lock.Locker, func() error, *lock.Memcached) {
	if cfg.LockBackend != "memcached" {
		logger.Info("lock backend: local")
		return lock.NewLocal(), nil, nil
	}
	mc := lock.NewMemcached(lock.MemcachedConfig{
		Addrs:        cfg.MemcachedAddrs,
		Timeout:      cfg.MemcachedTimeout,
		MaxIdleConns: cfg.MemcachedMaxIdleConns,
		LeaseTTL:     cfg.LockLeaseTTL,
	})
	if err := mc.Ping(); err != nil {
		logger.Warn("memcached unreachable at startup", zap.String("addrs", cfg.MemcachedAddrs), zap.Error(err))
	}
	logger.Info("lock backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	return mc, mc.Ping, mc
}

// maxLockHold keeps a background refresh inside the memcached lease with some
// headroom. The local locker has no expiry.
func maxLockHold(cfg *config.Config) time.Duration {
	if cfg.LockBackend != "memcached" {
		return 0
	}
	return cfg.LockLeaseTTL * 4 / 5
}
