// Package store persists cache records keyed by canonical location name.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

var (
	// ErrNotFound indicates no record exists for the key.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by Create when the key is taken. The existing record is untouched.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrStorage wraps backend driver failures.
	ErrStorage = errors.New("storage failure")
)

// Store defines persistence operations for cache records.
// Returned records are owned by the caller.
type Store interface {
	Get(ctx context.Context, key string) (*models.CacheRecord, error)
	Create(ctx context.Context, rec *models.CacheRecord) error
	// Update overwrites every mutable field of an existing record.
	Update(ctx context.Context, rec *models.CacheRecord) error
	// List returns all records ordered by key.
	List(ctx context.Context) ([]*models.CacheRecord, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by New.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Backend     string
	PostgresURL string
	MaxConns    int
	SQLitePath  string
}

// New opens the configured backend and wraps it with operation metrics.
func New(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "", BackendMemory:
		s = NewMemoryStore()
	case BackendPostgres:
		s, err = NewPostgresStore(ctx, cfg.PostgresURL, cfg.MaxConns)
	case BackendSQLite:
		s, err = NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(s), nil
}

// storageErr wraps a driver error so callers can match ErrStorage.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func validateRecord(rec *models.CacheRecord) error {
	if rec == nil || rec.LocationKey == "" {
		return fmt.Errorf("record key is required")
	}
	return nil
}

// row is the column-level form of a record shared by the SQL backends.
type row struct {
	key       string
	lat, lon  float64
	current   []byte
	currentAt *time.Time
	slotData  [models.ForecastSlotCount][]byte
	slotAt    [models.ForecastSlotCount]*time.Time
	hourly    []byte
	daily     []byte
	aqi       []byte
	createdAt time.Time
	updatedAt *time.Time
}

func toRow(rec *models.CacheRecord) (row, error) {
	r := row{
		key:       rec.LocationKey,
		lat:       rec.Latitude,
		lon:       rec.Longitude,
		currentAt: rec.CurrentWeatherFetchedAt,
		createdAt: rec.CreatedAt,
		updatedAt: rec.UpdatedAt,
	}
	var err error
	if r.current, err = marshalNullable(rec.CurrentWeather, rec.CurrentWeather == nil); err != nil {
		return row{}, fmt.Errorf("marshal current weather: %w", err)
	}
	if r.aqi, err = marshalNullable(rec.AirQuality, rec.AirQuality == nil); err != nil {
		return row{}, fmt.Errorf("marshal air quality: %w", err)
	}
	if r.hourly, err = json.Marshal(nonNil(rec.Hourly)); err != nil {
		return row{}, fmt.Errorf("marshal hourly: %w", err)
	}
	if r.daily, err = json.Marshal(nonNil(rec.Daily)); err != nil {
		return row{}, fmt.Errorf("marshal daily: %w", err)
	}
	for i, s := range rec.ForecastSlots {
		if s.Empty() {
			continue
		}
		r.slotData[i] = s.Data
		r.slotAt[i] = s.FetchedAt
	}
	return r, nil
}

func (r row) record() (*models.CacheRecord, error) {
	rec := &models.CacheRecord{
		LocationKey:             r.key,
		Latitude:                r.lat,
		Longitude:               r.lon,
		CurrentWeatherFetchedAt: utcPtr(r.currentAt),
		CreatedAt:               r.createdAt.UTC(),
		UpdatedAt:               utcPtr(r.updatedAt),
	}
	if len(r.current) > 0 && string(r.current) != "null" {
		rec.CurrentWeather = &models.CurrentWeather{}
		if err := json.Unmarshal(r.current, rec.CurrentWeather); err != nil {
			return nil, fmt.Errorf("decode current weather: %w", err)
		}
	}
	if len(r.aqi) > 0 && string(r.aqi) != "null" {
		rec.AirQuality = &models.AirQuality{}
		if err := json.Unmarshal(r.aqi, rec.AirQuality); err != nil {
			return nil, fmt.Errorf("decode air quality: %w", err)
		}
	}
	if len(r.hourly) > 0 {
		if err := json.Unmarshal(r.hourly, &rec.Hourly); err != nil {
			return nil, fmt.Errorf("decode hourly: %w", err)
		}
	}
	if len(r.daily) > 0 {
		if err := json.Unmarshal(r.daily, &rec.Daily); err != nil {
			return nil, fmt.Errorf("decode daily: %w", err)
		}
	}
	for i := range rec.ForecastSlots {
		if len(r.slotData[i]) == 0 {
			continue
		}
		rec.ForecastSlots[i] = models.ForecastSlot{
			Data:      json.RawMessage(r.slotData[i]),
			FetchedAt: utcPtr(r.slotAt[i]),
		}
	}
	return rec, nil
}

func marshalNullable(v any, isNil bool) ([]byte, error) {
	if isNil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// instrumented records StoreOperationDuration around every call.
type instrumented struct {
	next Store
}

// Instrument wraps s with operation latency metrics.
func Instrument(s Store) Store {
	return &instrumented{next: s}
}

func observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case errors.Is(err, ErrAlreadyExists):
		result = "exists"
	case err != nil:
		result = "error"
	}
	observability.StoreOperationDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

func (s *instrumented) Get(ctx context.Context, key string) (rec *models.CacheRecord, err error) {
	defer func(start time.Time) { observe("get", start, err) }(time.Now())
	return s.next.Get(ctx, key)
}

func (s *instrumented) Create(ctx context.Context, rec *models.CacheRecord) (err error) {
	defer func(start time.Time) { observe("create", start, err) }(time.Now())
	return s.next.Create(ctx, rec)
}

func (s *instrumented) Update(ctx context.Context, rec *models.CacheRecord) (err error) {
	defer func(start time.Time) { observe("update", start, err) }(time.Now())
	return s.next.Update(ctx, rec)
}

func (s *instrumented) List(ctx context.Context) (recs []*models.CacheRecord, err error) {
	defer func(start time.Time) { observe("list", start, err) }(time.Now())
	recs, err = s.next.List(ctx)
	if err == nil {
		observability.TrackedLocationsGauge.Set(float64(len(recs)))
	}
	return recs, err
}

func (s *instrumented) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { observe("delete", start, err) }(time.Now())
	return s.next.Delete(ctx, key)
}

func (s *instrumented) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}

func (s *instrumented) Close() error {
	return s.next.Close()
}
