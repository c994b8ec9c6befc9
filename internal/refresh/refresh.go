// Package refresh triggers the background forecast refresh on a cron schedule.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/service"
)

// DefaultSpec runs at minute 0 of every hour.
const DefaultSpec = "0 * * * *"

// Refresher is implemented by the service layer.
type Refresher interface {
	RefreshAll(ctx context.Context) (service.RefreshSummary, error)
}

// Config controls the schedule and the per-run deadline.
type Config struct {
	Spec    string
	Timeout time.Duration
}

// Scheduler runs Refresher.RefreshAll on Spec. Runs never overlap: a tick
// that fires while a run is in progress is skipped.
type Scheduler struct {
	cron      *gocron.Scheduler
	refresher Refresher
	logger    *zap.Logger
	spec      string
	timeout   time.Duration

	mu   sync.Mutex
	last Run
}

// Run is the outcome of one completed refresh run.
type Run struct {
	Summary service.RefreshSummary
	At      time.Time
	Err     error
}

// New builds a Scheduler. It does not start until Start is called.
func New(r Refresher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		cron:      s,
		refresher: r,
		logger:    logger,
		spec:      cfg.Spec,
		timeout:   cfg.Timeout,
	}
}

// Start registers the job and starts the scheduler in the background.
func (s *Scheduler) Start() error {
	if _, err := s.cron.Cron(s.spec).Do(s.tick); err != nil {
		return fmt.Errorf("schedule refresh %q: %w", s.spec, err)
	}
	s.cron.StartAsync()
	s.logger.Info("background refresh scheduled",
		zap.String("spec", s.spec), zap.Duration("timeout", s.timeout), zap.Time("next_run", s.NextRun()))
	return nil
}

// Stop halts future runs. A run in progress finishes under its own deadline.
func (s *Scheduler) Stop() {
	if s.cron.IsRunning() {
		s.cron.Stop()
		s.logger.Info("background refresh stopped")
	}
}

// NextRun returns the next scheduled time, zero before Start.
func (s *Scheduler) NextRun() time.Time {
	_, next := s.cron.NextRun()
	return next
}

func (s *Scheduler) tick() {
	if _, err := s.RunOnce(context.Background()); err != nil {
		s.logger.Error("background refresh run failed", zap.Error(err))
	}
}

// RunOnce performs one refresh run bounded by the configured timeout.
func (s *Scheduler) RunOnce(ctx context.Context) (service.RefreshSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	summary, err := s.refresher.RefreshAll(ctx)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("background refresh hit its deadline",
			zap.Duration("timeout", s.timeout), zap.Int("failed", summary.Failed))
	}

	s.mu.Lock()
	s.last = Run{Summary: summary, At: time.Now().UTC(), Err: err}
	s.mu.Unlock()
	return summary, err
}

// Last reports the most recent run; ok is false if none has completed.
func (s *Scheduler) Last() (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, !s.last.At.IsZero()
}
