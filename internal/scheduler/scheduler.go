// Package scheduler runs named jobs on cron schedules with bounded retry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/bgm-collector/internal/metrics"
	"github.com/JakeFAU/bgm-collector/internal/telemetry"
)

// Status is the state of one job execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusRetrying  Status = "retrying"
	StatusFailed    Status = "failed"
)

// ErrJobPanicked wraps a panic recovered from a job body.
var ErrJobPanicked = errors.New("job panicked")

// Job is a unit of scheduled work. Cron uses six fields, seconds first.
type Job interface {
	Name() string
	Cron() string
	Retry() int
	RunNow() bool
	Run(ctx context.Context) error
}

// Scheduler owns the cron loop. Overlapping ticks of one job are skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  *zap.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a Scheduler. A positive timeout bounds every attempt.
func New(logger *zap.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{l: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]cron.EntryID{},
	}
}

// Register adds job to the schedule and, when the job asks for it, starts one
// run immediately in the background.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[job.Name()]; dup {
		return fmt.Errorf("job %q already registered", job.Name())
	}
	id, err := s.cron.AddFunc(job.Cron(), func() {
		_, _ = s.RunWithRetry(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("schedule %q (%s): %w", job.Name(), job.Cron(), err)
	}
	s.entries[job.Name()] = id
	s.logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", job.Cron()),
		zap.Int("retry", job.Retry()),
		zap.Bool("run_now", job.RunNow()),
	)

	if job.RunNow() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_, _ = s.RunWithRetry(s.ctx, job)
		}()
	}
	return nil
}

// Next reports when the named job fires next. The zero time means the job is
// unknown or the scheduler is not running.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start begins firing cron ticks.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop halts the cron loop and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// RunWithRetry runs job until one attempt succeeds or its retry budget is
// spent. It returns the terminal status and the last error.
func (s *Scheduler) RunWithRetry(ctx context.Context, job Job) (Status, error) {
	attempts := job.Retry()
	if attempts < 1 {
		attempts = 1
	}
	logger := s.logger.With(zap.String("job", job.Name()))
	logger.Debug("job pending", zap.Int("attempts", attempts))

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		logger.Info("job running", zap.Int("attempt", attempt))
		start := time.Now()
		lastErr = s.attempt(ctx, job)
		if lastErr == nil {
			metrics.ObserveJobAttempt(job.Name(), string(StatusSucceeded))
			logger.Info("job succeeded", zap.Int("attempt", attempt), zap.Duration("took", time.Since(start)))
			return StatusSucceeded, nil
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		metrics.ObserveJobAttempt(job.Name(), string(StatusRetrying))
		logger.Warn("job retrying", zap.Int("attempt", attempt), zap.Error(lastErr))
	}
	metrics.ObserveJobAttempt(job.Name(), string(StatusFailed))
	logger.Error("job failed", zap.Int("attempts", attempts), zap.Error(lastErr))
	return StatusFailed, lastErr
}

func (s *Scheduler) attempt(ctx context.Context, job Job) (err error) {
	ctx, span := telemetry.Start(ctx, "scheduler.attempt", attribute.String("job", job.Name()))
	defer func() { telemetry.End(span, err) }()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return job.Run(ctx)
}

type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
