package models

import (
	"encoding/json"
	"testing"
	"time"
)

// TestRotateForecast verifies that successive rotations keep the three most
// recent payloads newest-first and discard the oldest.
func TestRotateForecast(t *testing.T) {
	rec := NewCacheRecord(GeoLocation{Name: "Paris, FR", Latitude: 48.85, Longitude: 2.35}, time.Now())
	base := time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)

	payloads := []string{`"A"`, `"B"`, `"C"`}
	for i, p := range payloads {
		rec.RotateForecast(json.RawMessage(p), base.Add(time.Duration(i)*time.Hour))
	}

	want := []string{`"C"`, `"B"`, `"A"`}
	for i, w := range want {
		if got := string(rec.ForecastSlots[i].Data); got != w {
			t.Errorf("slot %d = %s, want %s", i+1, got, w)
		}
	}

	rec.RotateForecast(json.RawMessage(`"D"`), base.Add(3*time.Hour))
	want = []string{`"D"`, `"C"`, `"B"`}
	for i, w := range want {
		if got := string(rec.ForecastSlots[i].Data); got != w {
			t.Errorf("after 4th rotation slot %d = %s, want %s", i+1, got, w)
		}
	}
	if !rec.ForecastSlots[0].FetchedAt.Equal(base.Add(3 * time.Hour)) {
		t.Errorf("slot 1 time = %v, want %v", rec.ForecastSlots[0].FetchedAt, base.Add(3*time.Hour))
	}
	if !rec.ForecastSlots[2].FetchedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("slot 3 time = %v, want %v", rec.ForecastSlots[2].FetchedAt, base.Add(time.Hour))
	}
}

// TestCacheRecord_Clone verifies that mutating a clone leaves the original intact.
func TestCacheRecord_Clone(t *testing.T) {
	now := time.Now().UTC()
	rec := NewCacheRecord(GeoLocation{Name: "London, GB"}, now)
	rec.CurrentWeather = &CurrentWeather{Temp: 10}
	rec.CurrentWeatherFetchedAt = &now
	rec.RotateForecast(json.RawMessage(`{"list":[]}`), now.Truncate(time.Hour))
	rec.Hourly = []HourlyForecast{{Dt: 1}}

	c := rec.Clone()
	c.CurrentWeather.Temp = 99
	c.ForecastSlots[0].Data[0] = '['
	c.Hourly[0].Dt = 2
	later := now.Add(time.Hour)
	*c.CurrentWeatherFetchedAt = later

	if rec.CurrentWeather.Temp != 10 {
		t.Errorf("original CurrentWeather mutated: %v", rec.CurrentWeather.Temp)
	}
	if string(rec.ForecastSlots[0].Data) != `{"list":[]}` {
		t.Errorf("original slot mutated: %s", rec.ForecastSlots[0].Data)
	}
	if rec.Hourly[0].Dt != 1 {
		t.Errorf("original hourly mutated")
	}
	if !rec.CurrentWeatherFetchedAt.Equal(now) {
		t.Errorf("original fetched-at mutated")
	}
}

func TestCacheRecord_LastModified(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := NewCacheRecord(GeoLocation{Name: "Oslo, NO"}, created)
	if got := rec.LastModified(); !got.Equal(created) {
		t.Errorf("LastModified() = %v, want created %v", got, created)
	}
	updated := created.Add(5 * time.Hour)
	rec.UpdatedAt = &updated
	if got := rec.LastModified(); !got.Equal(updated) {
		t.Errorf("LastModified() = %v, want updated %v", got, updated)
	}
}

func TestCacheRecord_FilledSlots(t *testing.T) {
	rec := NewCacheRecord(GeoLocation{Name: "Oslo, NO"}, time.Now())
	hour := time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)
	for want := 0; want <= 4; want++ {
		capped := want
		if capped > ForecastSlotCount {
			capped = ForecastSlotCount
		}
		if got := rec.FilledSlots(); got != capped {
			t.Errorf("after %d rotations FilledSlots() = %d, want %d", want, got, capped)
		}
		rec.RotateForecast(json.RawMessage(`{"list":[]}`), hour.Add(time.Duration(want)*time.Hour))
	}
}
