package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/store"
)

// RefreshSummary reports the outcome of one RefreshAll run.
type RefreshSummary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration_ns"`
}

// RefreshAll rotates the forecast of every tracked location. Locations are
// processed in concurrent batches of batchSize with batchPause between
// batches. One location failing never stops the others; only a failed
// listing is returned as an error.
func (s *WeatherService) RefreshAll(ctx context.Context) (RefreshSummary, error) {
	start := time.Now()
	recs, err := s.store.List(ctx)
	if err != nil {
		return RefreshSummary{}, fmt.Errorf("list locations: %w", err)
	}

	keys := make([]string, len(recs))
	for i, rec := range recs {
		keys[i] = rec.LocationKey
	}
	s.logger.Info("background forecast refresh started", zap.Int("locations", len(keys)))

	var succeeded, failed, skipped atomic.Int64
	for i := 0; i < len(keys); i += s.batchSize {
		if i > 0 && s.batchPause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.batchPause):
			}
		}
		if ctx.Err() != nil {
			s.logger.Warn("background refresh interrupted", zap.Int("remaining", len(keys)-i), zap.Error(ctx.Err()))
			failed.Add(int64(len(keys) - i))
			break
		}

		end := min(i+s.batchSize, len(keys))
		var g errgroup.Group
		for _, key := range keys[i:end] {
			key := key
			g.Go(func() error {
				err := s.RefreshForecast(ctx, key)
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, store.ErrNotFound):
					// deleted since the listing
					skipped.Add(1)
					s.logger.Warn("location vanished before refresh", zap.String("location", key))
				default:
					failed.Add(1)
					s.logger.Error("forecast refresh failed", zap.String("location", key), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	summary := RefreshSummary{
		Total:     len(keys),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
		Duration:  time.Since(start),
	}
	observability.BackgroundRefreshDuration.Observe(summary.Duration.Seconds())
	observability.BackgroundRefreshLocations.WithLabelValues("succeeded").Set(float64(summary.Succeeded))
	observability.BackgroundRefreshLocations.WithLabelValues("failed").Set(float64(summary.Failed))
	observability.BackgroundRefreshLocations.WithLabelValues("skipped").Set(float64(summary.Skipped))
	s.logger.Info("background forecast refresh complete",
		zap.Int("total", summary.Total),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}
