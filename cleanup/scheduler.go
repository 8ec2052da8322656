package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/sessionflow/errors"
	"github.com/c360/sessionflow/message"
)

// Job is the work a Scheduler runs on each tick
type Job func(ctx context.Context, now time.Time) error

// TriggerJob publishes a ScheduledTaskTrigger for taskName to topic
func TriggerJob(sink message.Sink, topic, taskName string) Job {
	return func(ctx context.Context, now time.Time) error {
		return sink.Publish(ctx, message.Record{
			Topic:     topic,
			Key:       taskName,
			Value:     &ScheduledTaskTrigger{TaskName: taskName, TriggerTime: now.UTC()},
			Timestamp: now.UTC(),
		})
	}
}

// Scheduler runs a job on a fixed period. A tick that arrives while the
// previous run is still going is skipped, never run concurrently.
type Scheduler struct {
	name     string
	interval time.Duration
	job      Job
	logger   *slog.Logger
	metrics  *Metrics

	busy atomic.Bool
	wg   sync.WaitGroup
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedulerMetrics sets the metrics the scheduler reports to
func WithSchedulerMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// NewScheduler creates a scheduler running job every interval
func NewScheduler(name string, interval time.Duration, job Job, opts ...SchedulerOption) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: interval must be positive", errors.ErrInvalidConfig),
			"Scheduler", "New", "validate config")
	}
	if job == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: job is required", errors.ErrMissingConfig),
			"Scheduler", "New", "validate config")
	}

	s := &Scheduler{
		name:     name,
		interval: interval,
		job:      job,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler", "task", name)
	return s, nil
}

// Run ticks until ctx is cancelled and waits for the last run to finish
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.wg.Wait()

	s.logger.Info("Scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// Tick starts a run unless one is in progress. It reports whether a run was
// started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) bool {
	if !s.busy.CompareAndSwap(false, true) {
		s.metrics.recordTrigger("skipped")
		s.logger.Debug("Previous run still in progress, skipping tick")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.busy.Store(false)

		if err := s.job(ctx, now); err != nil {
			s.metrics.recordTrigger("failed")
			s.logger.Warn("Scheduled run failed", "error", err)
			return
		}
		s.metrics.recordTrigger("fired")
	}()
	return true
}

// Wait blocks until the current run, if any, has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
