//go:build integration
// +build integration

package client

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/forecast"
)

func isValidAPIKeyFormat(key string) error {
	if len(key) != 32 {
		return fmt.Errorf("API key length is %d, expected 32", len(key))
	}

	hexPattern := regexp.MustCompile(`^[0-9a-fA-F]+$`)
	if !hexPattern.MatchString(key) {
		return fmt.Errorf("API key contains non-hexadecimal characters")
	}

	return nil
}

func integrationClient(t *testing.T) *OpenWeatherClient {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	if err := isValidAPIKeyFormat(apiKey); err != nil {
		t.Fatalf("API key format validation failed: %v", err)
	}
	c, err := NewOpenWeatherClient(Options{APIKey: apiKey, Timeout: 10 * time.Second, RetryAttempts: 2})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

func TestOpenWeatherClient_ValidateAPIKey_Integration(t *testing.T) {
	c := integrationClient(t)
	if err := c.ValidateAPIKey(context.Background()); err != nil {
		t.Errorf("ValidateAPIKey() error = %v, want nil (API key may not be activated yet)", err)
	}
}

func TestOpenWeatherClient_FullFetch_Integration(t *testing.T) {
	c := integrationClient(t)
	ctx := context.Background()

	loc, err := c.Geocode(ctx, "London")
	if err != nil {
		t.Fatalf("Geocode() error = %v", err)
	}
	if loc.Name == "" {
		t.Fatal("Geocode() returned empty name")
	}

	if _, err := c.FetchCurrent(ctx, loc.Latitude, loc.Longitude); err != nil {
		t.Errorf("FetchCurrent() error = %v", err)
	}
	if _, err := c.FetchAirQuality(ctx, loc.Latitude, loc.Longitude); err != nil {
		t.Errorf("FetchAirQuality() error = %v", err)
	}

	payload, err := c.FetchForecast(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		t.Fatalf("FetchForecast() error = %v", err)
	}
	hourly, err := forecast.BuildHourly(payload)
	if err != nil {
		t.Fatalf("BuildHourly() error = %v", err)
	}
	if len(hourly) == 0 {
		t.Error("live forecast produced no hourly entries")
	}
}
