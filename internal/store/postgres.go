package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

const recordColumns = `city_name, latitude, longitude,
	current_weather, current_weather_updated_at,
	fetch_1_data, fetch_1_time, fetch_2_data, fetch_2_time, fetch_3_data, fetch_3_time,
	hourly_forecast, daily_forecast, aqi_data, created_at, updated_at`

// PostgresStore stores records in PostgreSQL, one row per location.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to url and creates the weather_cache table if needed.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	if url == "" {
		return nil, fmt.Errorf("PostgreSQL URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	} else {
		poolCfg.MaxConns = 10
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	s, err := newPostgresStoreFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS weather_cache (
			city_name TEXT PRIMARY KEY,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			current_weather JSONB,
			current_weather_updated_at TIMESTAMPTZ,
			fetch_1_data JSONB,
			fetch_1_time TIMESTAMPTZ,
			fetch_2_data JSONB,
			fetch_2_time TIMESTAMPTZ,
			fetch_3_data JSONB,
			fetch_3_time TIMESTAMPTZ,
			hourly_forecast JSONB NOT NULL DEFAULT '[]',
			daily_forecast JSONB NOT NULL DEFAULT '[]',
			aqi_data JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create weather_cache table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func scanPostgres(sc pgx.Row) (*models.CacheRecord, error) {
	var r row
	err := sc.Scan(
		&r.key, &r.lat, &r.lon,
		&r.current, &r.currentAt,
		&r.slotData[0], &r.slotAt[0], &r.slotData[1], &r.slotAt[1], &r.slotData[2], &r.slotAt[2],
		&r.hourly, &r.daily, &r.aqi, &r.createdAt, &r.updatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r.record()
}

// Get returns the record for key.
func (s *PostgresStore) Get(ctx context.Context, key string) (*models.CacheRecord, error) {
	rec, err := scanPostgres(s.pool.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM weather_cache WHERE city_name = $1", key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("query record", err)
	}
	return rec, nil
}

// Create inserts a new record; ErrAlreadyExists when the key is taken.
func (s *PostgresStore) Create(ctx context.Context, rec *models.CacheRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	r, err := toRow(rec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO weather_cache (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (city_name) DO NOTHING
	`, r.key, r.lat, r.lon,
		r.current, r.currentAt,
		r.slotData[0], r.slotAt[0], r.slotData[1], r.slotAt[1], r.slotData[2], r.slotAt[2],
		r.hourly, r.daily, r.aqi, r.createdAt, r.updatedAt)
	if err != nil {
		return storageErr("insert record", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Update overwrites the mutable columns of an existing record.
func (s *PostgresStore) Update(ctx context.Context, rec *models.CacheRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	r, err := toRow(rec)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE weather_cache SET
			current_weather = $2, current_weather_updated_at = $3,
			fetch_1_data = $4, fetch_1_time = $5,
			fetch_2_data = $6, fetch_2_time = $7,
			fetch_3_data = $8, fetch_3_time = $9,
			hourly_forecast = $10, daily_forecast = $11, aqi_data = $12,
			updated_at = $13
		WHERE city_name = $1
	`, r.key,
		r.current, r.currentAt,
		r.slotData[0], r.slotAt[0], r.slotData[1], r.slotAt[1], r.slotData[2], r.slotAt[2],
		r.hourly, r.daily, r.aqi, r.updatedAt)
	if err != nil {
		return storageErr("update record", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all records ordered by key.
func (s *PostgresStore) List(ctx context.Context) ([]*models.CacheRecord, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+recordColumns+" FROM weather_cache ORDER BY city_name")
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var out []*models.CacheRecord
	for rows.Next() {
		rec, err := scanPostgres(rows)
		if err != nil {
			return nil, storageErr("scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate records", err)
	}
	return out, nil
}

// Delete removes the record for key.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM weather_cache WHERE city_name = $1", key)
	if err != nil {
		return storageErr("delete record", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
