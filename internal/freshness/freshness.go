// Package freshness decides when cached weather data must be refetched.
//
// Current weather expires by elapsed duration. Forecasts expire at the top of
// every UTC hour regardless of how long ago they were fetched, which is why
// forecast slot times are stored hour-floored and current-weather times are not.
package freshness

import "time"

// CurrentWeatherTTL is how long a current-weather snapshot is served before refetch.
const CurrentWeatherTTL = 15 * time.Minute

// FloorToHour truncates t to the start of its UTC hour.
func FloorToHour(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
}

// CurrentIsStale reports whether current weather fetched at fetchedAt must be refetched at now.
// Exactly CurrentWeatherTTL old counts as stale.
func CurrentIsStale(fetchedAt *time.Time, now time.Time) bool {
	if fetchedAt == nil {
		return true
	}
	return now.Sub(*fetchedAt) >= CurrentWeatherTTL
}

// ForecastIsStale reports whether the newest forecast slot, fetched in hour slot1,
// is older than the hour containing now.
func ForecastIsStale(slot1 *time.Time, now time.Time) bool {
	if slot1 == nil {
		return true
	}
	return slot1.Before(FloorToHour(now))
}

// Status labels used in location listings.
const (
	StatusFresh = "fresh"
	StatusStale = "stale"
	StatusNever = "never"
)

// CurrentStatus returns a listing label for the current-weather timestamp.
func CurrentStatus(fetchedAt *time.Time, now time.Time) string {
	switch {
	case fetchedAt == nil:
		return StatusNever
	case CurrentIsStale(fetchedAt, now):
		return StatusStale
	default:
		return StatusFresh
	}
}

// ForecastStatus returns a listing label for the newest forecast slot time.
func ForecastStatus(slot1 *time.Time, now time.Time) string {
	switch {
	case slot1 == nil:
		return StatusNever
	case ForecastIsStale(slot1, now):
		return StatusStale
	default:
		return StatusFresh
	}
}
