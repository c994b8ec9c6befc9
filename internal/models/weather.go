package models

import (
	"encoding/json"
	"time"
)

// CurrentWeather is the current-conditions snapshot stored per location.
type CurrentWeather struct {
	Temp        float64 `json:"temp"`
	FeelsLike   float64 `json:"feels_like"`
	Humidity    int     `json:"humidity"`
	Pressure    int     `json:"pressure"`
	Description string  `json:"description"`
	Icon        string  `json:"icon"`
	WindSpeed   float64 `json:"wind_speed"`
	WindDeg     int     `json:"wind_deg"`
}

// HourlyForecast is one entry of the reconstructed hourly view.
type HourlyForecast struct {
	Dt          int64   `json:"dt"`
	Time        string  `json:"time"`
	Temp        float64 `json:"temp"`
	FeelsLike   float64 `json:"feels_like"`
	Humidity    int     `json:"humidity"`
	Description string  `json:"description"`
	Icon        string  `json:"icon"`
	WindSpeed   float64 `json:"wind_speed"`
	Pop         float64 `json:"pop"`
}

// DailyForecast is one UTC calendar day of the daily view.
type DailyForecast struct {
	Dt          int64   `json:"dt"`
	Date        string  `json:"date"`
	TempMin     float64 `json:"temp_min"`
	TempMax     float64 `json:"temp_max"`
	Description string  `json:"description"`
	Icon        string  `json:"icon"`
	Humidity    int     `json:"humidity"`
	WindSpeed   float64 `json:"wind_speed"`
}

// AirQuality is the air-pollution snapshot refreshed alongside the forecast.
type AirQuality struct {
	AQI  int     `json:"aqi"`
	PM25 float64 `json:"pm2_5"`
	PM10 float64 `json:"pm10"`
	CO   float64 `json:"co"`
	NO2  float64 `json:"no2"`
	O3   float64 `json:"o3"`
}

// GeoLocation is a geocoding result: coordinates plus the canonical "City, CC" name.
type GeoLocation struct {
	Name      string  `json:"city_name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ForecastSlot holds one raw 3-hour-step forecast payload and the hour it was fetched in.
type ForecastSlot struct {
	Data      json.RawMessage `json:"data,omitempty"`
	FetchedAt *time.Time      `json:"fetched_at,omitempty"`
}

// Empty reports whether the slot has never been filled.
func (s ForecastSlot) Empty() bool {
	return len(s.Data) == 0
}

// ForecastSlotCount is the number of rotated forecast fetches retained per location.
const ForecastSlotCount = 3

// CacheRecord is the persisted state for one location key.
// ForecastSlots[0] is the newest fetch.
type CacheRecord struct {
	LocationKey             string                          `json:"city_name"`
	Latitude                float64                         `json:"latitude"`
	Longitude               float64                         `json:"longitude"`
	CurrentWeather          *CurrentWeather                 `json:"current_weather,omitempty"`
	CurrentWeatherFetchedAt *time.Time                      `json:"current_weather_updated_at,omitempty"`
	ForecastSlots           [ForecastSlotCount]ForecastSlot `json:"forecast_slots"`
	Hourly                  []HourlyForecast                `json:"hourly_forecast"`
	Daily                   []DailyForecast                 `json:"daily_forecast"`
	AirQuality              *AirQuality                     `json:"aqi_data,omitempty"`
	CreatedAt               time.Time                       `json:"created_at"`
	UpdatedAt               *time.Time                      `json:"updated_at,omitempty"`
}

// NewCacheRecord returns an empty record for a freshly resolved location.
func NewCacheRecord(loc GeoLocation, now time.Time) *CacheRecord {
	return &CacheRecord{
		LocationKey: loc.Name,
		Latitude:    loc.Latitude,
		Longitude:   loc.Longitude,
		CreatedAt:   now.UTC(),
	}
}

// Clone returns a deep copy so callers can mutate without touching a shared record.
func (r *CacheRecord) Clone() *CacheRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.CurrentWeather != nil {
		cw := *r.CurrentWeather
		out.CurrentWeather = &cw
	}
	out.CurrentWeatherFetchedAt = cloneTime(r.CurrentWeatherFetchedAt)
	out.UpdatedAt = cloneTime(r.UpdatedAt)
	if r.AirQuality != nil {
		aq := *r.AirQuality
		out.AirQuality = &aq
	}
	for i, s := range r.ForecastSlots {
		out.ForecastSlots[i] = ForecastSlot{
			Data:      append(json.RawMessage(nil), s.Data...),
			FetchedAt: cloneTime(s.FetchedAt),
		}
	}
	out.Hourly = append([]HourlyForecast(nil), r.Hourly...)
	out.Daily = append([]DailyForecast(nil), r.Daily...)
	return &out
}

// SlotPayloads returns the raw payloads newest first, nil for empty slots.
func (r *CacheRecord) SlotPayloads() [ForecastSlotCount]json.RawMessage {
	var out [ForecastSlotCount]json.RawMessage
	for i, s := range r.ForecastSlots {
		if !s.Empty() {
			out[i] = s.Data
		}
	}
	return out
}

// RotateForecast shifts the slots down by one, discarding the oldest,
// and stores payload as the newest fetch at the given hour.
func (r *CacheRecord) RotateForecast(payload json.RawMessage, hour time.Time) {
	for i := ForecastSlotCount - 1; i > 0; i-- {
		r.ForecastSlots[i] = r.ForecastSlots[i-1]
	}
	h := hour
	r.ForecastSlots[0] = ForecastSlot{Data: payload, FetchedAt: &h}
}

// FilledSlots returns the number of non-empty forecast slots.
func (r *CacheRecord) FilledSlots() int {
	n := 0
	for _, s := range r.ForecastSlots {
		if !s.Empty() {
			n++
		}
	}
	return n
}

// LastForecastAt returns the hour of the newest forecast fetch, nil if none.
func (r *CacheRecord) LastForecastAt() *time.Time {
	return r.ForecastSlots[0].FetchedAt
}

// LastModified is UpdatedAt when a forecast refresh happened, CreatedAt otherwise.
func (r *CacheRecord) LastModified() time.Time {
	if r.UpdatedAt != nil {
		return *r.UpdatedAt
	}
	return r.CreatedAt
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// WeatherResponse is the assembled result returned for a weather request.
type WeatherResponse struct {
	CityName                string           `json:"city_name"`
	Latitude                float64          `json:"latitude"`
	Longitude               float64          `json:"longitude"`
	Current                 *CurrentWeather  `json:"current"`
	Hourly                  []HourlyForecast `json:"hourly"`
	Daily                   []DailyForecast  `json:"daily"`
	AQI                     *AirQuality      `json:"aqi"`
	CurrentWeatherUpdatedAt *time.Time       `json:"current_weather_updated_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// LocationInfo summarizes a tracked location for listings.
type LocationInfo struct {
	CityName       string    `json:"city_name"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	LastUpdated    time.Time `json:"last_updated"`
	ForecastStatus string    `json:"forecast_status"`
	ForecastSlots  int       `json:"forecast_slots"` // filled rotation slots, 0 to 3
	CurrentStatus  string    `json:"current_status"`
}

// LocationQuery identifies a location by name or by coordinates.
// A non-empty CityName takes precedence over coordinates.
type LocationQuery struct {
	CityName string   `json:"city_name,omitempty"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
}

// ByName reports whether the query resolves through a name lookup.
func (q LocationQuery) ByName() bool {
	return q.CityName != ""
}
