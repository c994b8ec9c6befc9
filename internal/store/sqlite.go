package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// SQLiteStore stores records in a local SQLite file.
// Timestamps are stored as Unix nanoseconds so current-weather times keep full precision.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path in WAL mode.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ".cache/weather.db"
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite only allows one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS weather_cache (
			city_name TEXT PRIMARY KEY,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			current_weather TEXT,
			current_weather_updated_at INTEGER,
			fetch_1_data TEXT,
			fetch_1_time INTEGER,
			fetch_2_data TEXT,
			fetch_2_time INTEGER,
			fetch_3_data TEXT,
			fetch_3_time INTEGER,
			hourly_forecast TEXT NOT NULL DEFAULT '[]',
			daily_forecast TEXT NOT NULL DEFAULT '[]',
			aqi_data TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create weather_cache table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(sc sqlScanner) (*models.CacheRecord, error) {
	var (
		r                  row
		current, hourly    sql.NullString
		daily, aqi         sql.NullString
		slotData           [models.ForecastSlotCount]sql.NullString
		slotAt             [models.ForecastSlotCount]sql.NullInt64
		currentAt, updated sql.NullInt64
		created            int64
	)
	err := sc.Scan(
		&r.key, &r.lat, &r.lon,
		&current, &currentAt,
		&slotData[0], &slotAt[0], &slotData[1], &slotAt[1], &slotData[2], &slotAt[2],
		&hourly, &daily, &aqi, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	r.current = nullBytes(current)
	r.currentAt = fromNanos(currentAt)
	for i := range slotData {
		r.slotData[i] = nullBytes(slotData[i])
		r.slotAt[i] = fromNanos(slotAt[i])
	}
	r.hourly = nullBytes(hourly)
	r.daily = nullBytes(daily)
	r.aqi = nullBytes(aqi)
	r.createdAt = time.Unix(0, created).UTC()
	r.updatedAt = fromNanos(updated)
	return r.record()
}

func nullBytes(s sql.NullString) []byte {
	if !s.Valid {
		return nil
	}
	return []byte(s.String)
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func toNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

// Get returns the record for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*models.CacheRecord, error) {
	rec, err := scanSQLite(s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM weather_cache WHERE city_name = ?", key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("query record", err)
	}
	return rec, nil
}

// Create inserts a new record; ErrAlreadyExists when the key is taken.
func (s *SQLiteStore) Create(ctx context.Context, rec *models.CacheRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	r, err := toRow(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO weather_cache (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (city_name) DO NOTHING
	`, r.key, r.lat, r.lon,
		nullString(r.current), toNanos(r.currentAt),
		nullString(r.slotData[0]), toNanos(r.slotAt[0]),
		nullString(r.slotData[1]), toNanos(r.slotAt[1]),
		nullString(r.slotData[2]), toNanos(r.slotAt[2]),
		string(r.hourly), string(r.daily), nullString(r.aqi),
		r.createdAt.UnixNano(), toNanos(r.updatedAt))
	if err != nil {
		return storageErr("insert record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("insert record", err)
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// Update overwrites the mutable columns of an existing record.
func (s *SQLiteStore) Update(ctx context.Context, rec *models.CacheRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	r, err := toRow(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE weather_cache SET
			current_weather = ?, current_weather_updated_at = ?,
			fetch_1_data = ?, fetch_1_time = ?,
			fetch_2_data = ?, fetch_2_time = ?,
			fetch_3_data = ?, fetch_3_time = ?,
			hourly_forecast = ?, daily_forecast = ?, aqi_data = ?,
			updated_at = ?
		WHERE city_name = ?
	`, nullString(r.current), toNanos(r.currentAt),
		nullString(r.slotData[0]), toNanos(r.slotAt[0]),
		nullString(r.slotData[1]), toNanos(r.slotAt[1]),
		nullString(r.slotData[2]), toNanos(r.slotAt[2]),
		string(r.hourly), string(r.daily), nullString(r.aqi),
		toNanos(r.updatedAt), r.key)
	if err != nil {
		return storageErr("update record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update record", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns all records ordered by key.
func (s *SQLiteStore) List(ctx context.Context) ([]*models.CacheRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+" FROM weather_cache ORDER BY city_name")
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var out []*models.CacheRecord
	for rows.Next() {
		rec, err := scanSQLite(rows)
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
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM weather_cache WHERE city_name = ?", key)
	if err != nil {
		return storageErr("delete record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete record", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
