package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/forecast"
	"github.com/kjstillabower/weather-cache-service/internal/freshness"
	"github.com/kjstillabower/weather-cache-service/internal/lock"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/store"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

// Refresh triggers, used as metric labels.
const (
	triggerRequest    = "request"
	triggerBackground = "background"
	triggerNew        = "new"
)

// Options tunes the background refresh fan-out.
type Options struct {
	BatchSize  int
	BatchPause time.Duration
	// MaxLockHold bounds one location's background refresh so it finishes
	// before a distributed lease can expire. Zero means no bound.
	MaxLockHold time.Duration
}

// WeatherService keeps cache records fresh against the upstream provider.
// Current weather and forecast follow independent freshness rules; all writes
// to one location are serialized through the locker.
type WeatherService struct {
	client     client.WeatherClient
	store      store.Store
	locker     lock.Locker
	logger     *zap.Logger
	now        func() time.Time
	batchSize   int
	batchPause  time.Duration
	maxLockHold time.Duration
}

// NewWeatherService wires the service. logger is used by background runs,
// requests log through the logger carried in their context.
func NewWeatherService(c client.WeatherClient, s store.Store, l lock.Locker, logger *zap.Logger, opts Options) *WeatherService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.BatchPause < 0 {
		opts.BatchPause = 0
	}
	if opts.MaxLockHold < 0 {
		opts.MaxLockHold = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WeatherService{
		client:     c,
		store:      s,
		locker:     l,
		logger:     logger,
		now:        time.Now,
		batchSize:   opts.BatchSize,
		batchPause:  opts.BatchPause,
		maxLockHold: opts.MaxLockHold,
	}
}

// GetWeather resolves q to a location, refreshes whatever is stale and returns the assembled view.
func (s *WeatherService) GetWeather(ctx context.Context, q models.LocationQuery) (models.WeatherResponse, error) {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx)

	loc, err := s.resolve(ctx, q)
	if err != nil {
		return models.WeatherResponse{}, err
	}
	key := loc.Name
	observability.RecordWeatherQuery(key)

	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return models.WeatherResponse{}, fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	rec, err := s.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec, err = s.createLocation(ctx, loc)
		if errors.Is(err, store.ErrAlreadyExists) {
			logger.Info("location created concurrently, using stored record", zap.String("location", key))
			rec, err = s.store.Get(ctx, key)
			if err != nil {
				return models.WeatherResponse{}, fmt.Errorf("load %s: %w", key, err)
			}
			rec, err = s.refreshStale(ctx, rec)
		}
	case err != nil:
		return models.WeatherResponse{}, fmt.Errorf("load %s: %w", key, err)
	default:
		rec, err = s.refreshStale(ctx, rec)
	}
	if err != nil {
		return models.WeatherResponse{}, err
	}

	logger.Debug("weather served", zap.String("location", key), zap.Duration("duration", time.Since(start)))
	return s.assemble(rec), nil
}

// resolve maps a query to a canonical location. Names are looked up in the
// store first so a hit costs no geocoding call; coordinates always reverse-geocode.
func (s *WeatherService) resolve(ctx context.Context, q models.LocationQuery) (models.GeoLocation, error) {
	if q.ByName() {
		rec, err := s.store.Get(ctx, q.CityName)
		if err == nil {
			return models.GeoLocation{Name: rec.LocationKey, Latitude: rec.Latitude, Longitude: rec.Longitude}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return models.GeoLocation{}, fmt.Errorf("lookup %s: %w", q.CityName, err)
		}
		loc, err := s.client.Geocode(ctx, q.CityName)
		if err != nil {
			return models.GeoLocation{}, fmt.Errorf("geocode %q: %w", q.CityName, err)
		}
		return loc, nil
	}

	if q.Lat == nil || q.Lon == nil {
		return models.GeoLocation{}, validation.ErrMissingLocation
	}
	loc, err := s.client.ReverseGeocode(ctx, *q.Lat, *q.Lon)
	if err != nil {
		return models.GeoLocation{}, fmt.Errorf("reverse geocode (%v, %v): %w", *q.Lat, *q.Lon, err)
	}
	return loc, nil
}

// createLocation fetches everything for a new location and creates its record.
// Nothing is written unless all three fetches and the view build succeed.
func (s *WeatherService) createLocation(ctx context.Context, loc models.GeoLocation) (*models.CacheRecord, error) {
	logger := observability.LoggerFromContext(ctx)
	observability.FreshnessChecksTotal.WithLabelValues("current", "new").Inc()
	observability.FreshnessChecksTotal.WithLabelValues("forecast", "new").Inc()

	var (
		current models.CurrentWeather
		payload json.RawMessage
		aqi     models.AirQuality
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		current, err = s.client.FetchCurrent(gctx, loc.Latitude, loc.Longitude)
		return err
	})
	g.Go(func() (err error) {
		payload, err = s.client.FetchForecast(gctx, loc.Latitude, loc.Longitude)
		return err
	})
	g.Go(func() (err error) {
		aqi, err = s.client.FetchAirQuality(gctx, loc.Latitude, loc.Longitude)
		return err
	})
	if err := g.Wait(); err != nil {
		observability.ForecastRefreshesTotal.WithLabelValues(triggerNew, "upstream_error").Inc()
		return nil, fmt.Errorf("fetch new location %s: %w", loc.Name, err)
	}

	now := s.now().UTC()
	hour := freshness.FloorToHour(now)
	rec := models.NewCacheRecord(loc, now)
	rec.CurrentWeather = &current
	rec.CurrentWeatherFetchedAt = &now
	rec.AirQuality = &aqi
	rec.RotateForecast(payload, hour)
	rec.UpdatedAt = &hour

	hourly, daily, err := forecast.Build(rec.SlotPayloads())
	if err != nil {
		observability.ForecastRefreshesTotal.WithLabelValues(triggerNew, "data_format").Inc()
		return nil, fmt.Errorf("build views for %s: %w", loc.Name, err)
	}
	rec.Hourly, rec.Daily = hourly, daily

	if err := s.store.Create(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, err
		}
		observability.ForecastRefreshesTotal.WithLabelValues(triggerNew, "store_error").Inc()
		return nil, fmt.Errorf("create %s: %w", loc.Name, err)
	}
	observability.ForecastRefreshesTotal.WithLabelValues(triggerNew, "success").Inc()
	logger.Info("created location", zap.String("location", loc.Name))
	return rec, nil
}

// refreshStale runs the current and forecast checks independently. A current
// refresh is persisted before the forecast is looked at. Caller holds the lock.
func (s *WeatherService) refreshStale(ctx context.Context, rec *models.CacheRecord) (*models.CacheRecord, error) {
	logger := observability.LoggerFromContext(ctx)
	now := s.now().UTC()

	if freshness.CurrentIsStale(rec.CurrentWeatherFetchedAt, now) {
		observability.FreshnessChecksTotal.WithLabelValues("current", "stale").Inc()
		logger.Debug("current weather stale", zap.String("location", rec.LocationKey))

		current, err := s.client.FetchCurrent(ctx, rec.Latitude, rec.Longitude)
		if err != nil {
			return nil, fmt.Errorf("fetch current for %s: %w", rec.LocationKey, err)
		}
		upd := rec.Clone()
		upd.CurrentWeather = &current
		upd.CurrentWeatherFetchedAt = &now
		if err := s.store.Update(ctx, upd); err != nil {
			return nil, fmt.Errorf("save current for %s: %w", rec.LocationKey, err)
		}
		rec = upd
	} else {
		observability.FreshnessChecksTotal.WithLabelValues("current", "fresh").Inc()
	}

	if freshness.ForecastIsStale(rec.LastForecastAt(), now) {
		observability.FreshnessChecksTotal.WithLabelValues("forecast", "stale").Inc()
		logger.Debug("forecast stale", zap.String("location", rec.LocationKey))
		return s.rotateForecast(ctx, rec, now, triggerRequest)
	}
	observability.FreshnessChecksTotal.WithLabelValues("forecast", "fresh").Inc()
	return rec, nil
}

// rotateForecast fetches forecast and air quality, rotates the slots, rebuilds
// both views and persists them in one update. On any error nothing is written.
func (s *WeatherService) rotateForecast(ctx context.Context, rec *models.CacheRecord, now time.Time, trigger string) (*models.CacheRecord, error) {
	var (
		payload json.RawMessage
		aqi     models.AirQuality
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		payload, err = s.client.FetchForecast(gctx, rec.Latitude, rec.Longitude)
		return err
	})
	g.Go(func() (err error) {
		aqi, err = s.client.FetchAirQuality(gctx, rec.Latitude, rec.Longitude)
		return err
	})
	if err := g.Wait(); err != nil {
		observability.ForecastRefreshesTotal.WithLabelValues(trigger, "upstream_error").Inc()
		return nil, fmt.Errorf("fetch forecast for %s: %w", rec.LocationKey, err)
	}

	hour := freshness.FloorToHour(now)
	upd := rec.Clone()
	upd.RotateForecast(payload, hour)
	hourly, daily, err := forecast.Build(upd.SlotPayloads())
	if err != nil {
		observability.ForecastRefreshesTotal.WithLabelValues(trigger, "data_format").Inc()
		return nil, fmt.Errorf("build views for %s: %w", rec.LocationKey, err)
	}
	upd.Hourly, upd.Daily = hourly, daily
	upd.AirQuality = &aqi
	upd.UpdatedAt = &hour

	if err := s.store.Update(ctx, upd); err != nil {
		observability.ForecastRefreshesTotal.WithLabelValues(trigger, "store_error").Inc()
		return nil, fmt.Errorf("save forecast for %s: %w", rec.LocationKey, err)
	}
	observability.ForecastRefreshesTotal.WithLabelValues(trigger, "success").Inc()
	return upd, nil
}

func (s *WeatherService) assemble(rec *models.CacheRecord) models.WeatherResponse {
	updated := freshness.FloorToHour(s.now())
	if rec.UpdatedAt != nil {
		updated = *rec.UpdatedAt
	}
	return models.WeatherResponse{
		CityName:                rec.LocationKey,
		Latitude:                rec.Latitude,
		Longitude:               rec.Longitude,
		Current:                 rec.CurrentWeather,
		Hourly:                  nonNil(rec.Hourly),
		Daily:                   nonNil(rec.Daily),
		AQI:                     rec.AirQuality,
		CurrentWeatherUpdatedAt: rec.CurrentWeatherFetchedAt,
		UpdatedAt:               updated,
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// RefreshForecast rotates one location's forecast regardless of freshness.
// Current weather is left alone. A missing record yields store.ErrNotFound.
func (s *WeatherService) RefreshForecast(ctx context.Context, key string) error {
	if s.maxLockHold > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.maxLockHold)
		defer cancel()
	}
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	rec, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	_, err = s.rotateForecast(ctx, rec, s.now().UTC(), triggerBackground)
	return err
}

// ListLocations returns every tracked location with its freshness status.
func (s *WeatherService) ListLocations(ctx context.Context) ([]models.LocationInfo, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	now := s.now()
	out := make([]models.LocationInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, models.LocationInfo{
			CityName:       rec.LocationKey,
			Latitude:       rec.Latitude,
			Longitude:      rec.Longitude,
			LastUpdated:    rec.LastModified(),
			ForecastStatus: freshness.ForecastStatus(rec.LastForecastAt(), now),
			ForecastSlots:  rec.FilledSlots(),
			CurrentStatus:  freshness.CurrentStatus(rec.CurrentWeatherFetchedAt, now),
		})
	}
	return out, nil
}

// AddLocation geocodes name and tracks it with empty weather fields; the first
// request or background run fills them. store.ErrAlreadyExists if already tracked.
func (s *WeatherService) AddLocation(ctx context.Context, name string) (models.LocationInfo, error) {
	loc, err := s.client.Geocode(ctx, name)
	if err != nil {
		return models.LocationInfo{}, fmt.Errorf("geocode %q: %w", name, err)
	}

	rec := models.NewCacheRecord(loc, s.now())
	if err := s.store.Create(ctx, rec); err != nil {
		return models.LocationInfo{}, fmt.Errorf("add %s: %w", loc.Name, err)
	}
	observability.LoggerFromContext(ctx).Info("location added", zap.String("location", loc.Name))
	return models.LocationInfo{
		CityName:       rec.LocationKey,
		Latitude:       rec.Latitude,
		Longitude:      rec.Longitude,
		LastUpdated:    rec.CreatedAt,
		ForecastStatus: freshness.StatusNever,
		CurrentStatus:  freshness.StatusNever,
	}, nil
}

// DeleteLocation stops tracking key. store.ErrNotFound if absent.
func (s *WeatherService) DeleteLocation(ctx context.Context, key string) error {
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	observability.LoggerFromContext(ctx).Info("location deleted", zap.String("location", key))
	return nil
}
