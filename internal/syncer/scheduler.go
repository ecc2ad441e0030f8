package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

const (
	defaultInterval      = 30 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = 500 * time.Millisecond
)

var errMissingRunner = errors.New("syncer: coordinator is required")

// Runner runs a single sync round.
type Runner interface {
	Run(ctx context.Context) (RoundResult, error)
}

// SchedulerConfig describes when rounds run and how unreachable rounds are retried.
type SchedulerConfig struct {
	Coordinator   Runner
	Interval      time.Duration
	RetryAttempts uint
	RetryDelay    time.Duration
	Logger        *zap.Logger
	// OnRound, when set, observes the outcome of every scheduled round.
	OnRound func(RoundResult, error)
}

// Scheduler runs rounds at a fixed interval and on demand.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	attempts uint
	delay    time.Duration
	logger   *zap.Logger
	onRound  func(RoundResult, error)
	trigger  chan struct{}
}

// NewScheduler builds a scheduler; zero values fall back to defaults.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Coordinator == nil {
		return nil, errMissingRunner
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = defaultRetryAttempts
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   cfg.Coordinator,
		interval: interval,
		attempts: attempts,
		delay:    delay,
		logger:   logger,
		onRound:  cfg.OnRound,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// Trigger requests a round as soon as possible. Requests made while one is pending coalesce.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes an initial round and then one per tick or trigger until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.round(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.round(ctx)
		case <-s.trigger:
			s.round(ctx)
		}
	}
}

func (s *Scheduler) round(ctx context.Context) {
	result, err := retry.DoWithData(
		func() (RoundResult, error) { return s.runner.Run(ctx) },
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, notes.ErrUnreachable)
		}),
		retry.OnRetry(func(attempt uint, err error) {
			s.logger.Debug("sync round retry", zap.Uint("attempt", attempt), zap.Error(err))
		}),
	)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, notes.ErrUnreachable):
		s.logger.Info("authority unreachable, staying offline", zap.Error(err))
	default:
		s.logger.Error("sync round failed", zap.Error(err))
	}
	if s.onRound != nil {
		s.onRound(result, err)
	}
}
