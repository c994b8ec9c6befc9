// Package forecast reconstructs hourly and daily views from raw 3-hour-step
// forecast payloads as returned by the OpenWeather /forecast endpoint.
//
// Payloads are kept verbatim in storage; only the fields used here are read,
// via gjson, so unknown provider fields never cause a decode failure.
package forecast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// ErrDataFormat is returned when a payload is not valid JSON or an entry lacks a required field.
var ErrDataFormat = errors.New("forecast data format")

// entry is the subset of one 3-hour step used by both views.
type entry struct {
	dt          int64
	temp        float64
	feelsLike   float64
	humidity    int
	description string
	icon        string
	windSpeed   float64
	pop         float64
}

var requiredPaths = []string{
	"dt",
	"main.temp",
	"main.feels_like",
	"main.humidity",
	"weather.0.description",
	"weather.0.icon",
	"wind.speed",
}

// parseEntries returns the entries of payload in provider order.
// A payload without a "list" array yields no entries.
func parseEntries(payload json.RawMessage) ([]entry, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrDataFormat)
	}
	list := gjson.GetBytes(payload, "list")
	if !list.Exists() {
		return nil, nil
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: list is not an array", ErrDataFormat)
	}

	var (
		out      []entry
		parseErr error
	)
	idx := 0
	list.ForEach(func(_, item gjson.Result) bool {
		for _, p := range requiredPaths {
			if !item.Get(p).Exists() {
				parseErr = fmt.Errorf("%w: list[%d] missing %s", ErrDataFormat, idx, p)
				return false
			}
		}
		out = append(out, entry{
			dt:          item.Get("dt").Int(),
			temp:        item.Get("main.temp").Float(),
			feelsLike:   item.Get("main.feels_like").Float(),
			humidity:    int(item.Get("main.humidity").Int()),
			description: item.Get("weather.0.description").String(),
			icon:        item.Get("weather.0.icon").String(),
			windSpeed:   item.Get("wind.speed").Float(),
			pop:         item.Get("pop").Float(), // 0 when absent
		})
		idx++
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return out, nil
}

// BuildHourly merges the entries of all non-empty slots keyed by timestamp.
// Slots must be passed newest first: the first slot to contain a timestamp wins.
// The result is sorted ascending by timestamp and keeps the provider's 3-hour gaps.
func BuildHourly(slots ...json.RawMessage) ([]models.HourlyForecast, error) {
	byDt := make(map[int64]models.HourlyForecast)
	for i, slot := range slots {
		if len(slot) == 0 {
			continue
		}
		entries, err := parseEntries(slot)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i+1, err)
		}
		for _, e := range entries {
			if _, seen := byDt[e.dt]; seen {
				continue
			}
			byDt[e.dt] = models.HourlyForecast{
				Dt:          e.dt,
				Time:        time.Unix(e.dt, 0).UTC().Format(time.RFC3339),
				Temp:        e.temp,
				FeelsLike:   e.feelsLike,
				Humidity:    e.humidity,
				Description: e.description,
				Icon:        e.icon,
				WindSpeed:   e.windSpeed,
				Pop:         e.pop,
			}
		}
	}

	out := make([]models.HourlyForecast, 0, len(byDt))
	for _, h := range byDt {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dt < out[j].Dt })
	return out, nil
}

// BuildDaily groups one payload's entries by UTC calendar date.
// Temperatures are the running min/max of the day; description, icon, humidity
// and wind speed come from the first entry seen for that date.
func BuildDaily(payload json.RawMessage) ([]models.DailyForecast, error) {
	if len(payload) == 0 {
		return []models.DailyForecast{}, nil
	}
	entries, err := parseEntries(payload)
	if err != nil {
		return nil, err
	}

	byDate := make(map[string]*models.DailyForecast)
	for _, e := range entries {
		date := time.Unix(e.dt, 0).UTC().Format(time.DateOnly)
		d, ok := byDate[date]
		if !ok {
			byDate[date] = &models.DailyForecast{
				Dt:          e.dt,
				Date:        date,
				TempMin:     e.temp,
				TempMax:     e.temp,
				Description: e.description,
				Icon:        e.icon,
				Humidity:    e.humidity,
				WindSpeed:   e.windSpeed,
			}
			continue
		}
		d.TempMin = min(d.TempMin, e.temp)
		d.TempMax = max(d.TempMax, e.temp)
	}

	out := make([]models.DailyForecast, 0, len(byDate))
	for _, d := range byDate {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dt < out[j].Dt })
	return out, nil
}

// Build derives both views from the rotated slots (newest first).
// The daily view uses only slots[0]. Either both views are returned or an error.
func Build(slots [models.ForecastSlotCount]json.RawMessage) ([]models.HourlyForecast, []models.DailyForecast, error) {
	hourly, err := BuildHourly(slots[:]...)
	if err != nil {
		return nil, nil, fmt.Errorf("build hourly: %w", err)
	}
	daily, err := BuildDaily(slots[0])
	if err != nil {
		return nil, nil, fmt.Errorf("build daily: %w", err)
	}
	return hourly, daily, nil
}
