package validation

import (
	"errors"
	"math"
	"strings"
	"unicode"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooShort is returned when location length is below the minimum.
var ErrLocationTooShort = errors.New("location too short")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ErrMissingLocation is returned when neither a name nor a full coordinate pair is given.
var ErrMissingLocation = errors.New("provide either city_name or both lat and lon")

// ErrLatWithoutLon is returned when lat is given without lon.
var ErrLatWithoutLon = errors.New("lon is required when lat is provided")

// ErrLonWithoutLat is returned when lon is given without lat.
var ErrLonWithoutLat = errors.New("lat is required when lon is provided")

// ErrLatitudeRange is returned for latitudes outside [-90, 90].
var ErrLatitudeRange = errors.New("lat must be between -90 and 90")

// ErrLongitudeRange is returned for longitudes outside [-180, 180].
var ErrLongitudeRange = errors.New("lon must be between -180 and 180")

// ValidateLocation trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to allowed characters: letters (Unicode), digits, space, comma,
// hyphen, period and apostrophe.
// Returns the trimmed string or an error suitable for 400 INVALID_REQUEST responses.
// Case is preserved: stored keys are matched exactly.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

// ValidateQuery checks a weather request. A coordinate given alone is rejected
// even when a name is present; otherwise the name wins and coordinates are dropped.
func ValidateQuery(q models.LocationQuery, minLen, maxLen int) (models.LocationQuery, error) {
	switch {
	case q.Lat != nil && q.Lon == nil:
		return models.LocationQuery{}, ErrLatWithoutLon
	case q.Lat == nil && q.Lon != nil:
		return models.LocationQuery{}, ErrLonWithoutLat
	}

	if strings.TrimSpace(q.CityName) != "" {
		name, err := ValidateLocation(q.CityName, minLen, maxLen)
		if err != nil {
			return models.LocationQuery{}, err
		}
		return models.LocationQuery{CityName: name}, nil
	}

	if q.Lat == nil {
		return models.LocationQuery{}, ErrMissingLocation
	}
	if err := ValidateCoordinates(*q.Lat, *q.Lon); err != nil {
		return models.LocationQuery{}, err
	}
	lat, lon := *q.Lat, *q.Lon
	return models.LocationQuery{Lat: &lat, Lon: &lon}, nil
}

// ValidateCoordinates enforces WGS84 ranges and rejects NaN/Inf.
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return ErrLatitudeRange
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return ErrLongitudeRange
	}
	return nil
}

// IsValidationError reports whether err is one of this package's input errors.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrLocationEmpty, ErrLocationTooShort, ErrLocationTooLong, ErrLocationInvalidChars,
		ErrMissingLocation, ErrLatWithoutLon, ErrLonWithoutLat, ErrLatitudeRange, ErrLongitudeRange,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// isAllowedLocationRune returns true for letters (Unicode), digits, space, comma, hyphen, period, apostrophe.
func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
