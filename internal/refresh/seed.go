package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/store"
)

// Adder is implemented by the service layer to start tracking a location.
type Adder interface {
	AddLocation(ctx context.Context, name string) (models.LocationInfo, error)
}

// Seed adds each name concurrently so the refresher picks it up. Names that are
// already tracked count as seeded. Returns the aggregated errors, if any.
func Seed(ctx context.Context, a Adder, names []string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	logger.Info("seeding locations", zap.Int("locations", len(names)))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		errs  []error
		added int
	)
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := a.AddLocation(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, store.ErrAlreadyExists):
			case err != nil:
				errs = append(errs, fmt.Errorf("seed %s: %w", name, err))
			default:
				added++
				logger.Debug("seeded location", zap.String("location", info.CityName))
			}
		}()
	}
	wg.Wait()

	logger.Info("seeding complete",
		zap.Int("locations", len(names)),
		zap.Int("added", added),
		zap.Int("errors", len(errs)),
		zap.Duration("duration", time.Since(start)))
	return errors.Join(errs...)
}
