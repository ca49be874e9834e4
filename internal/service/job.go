package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"settlement-core/internal/metrics"
	"settlement-core/internal/scheduler"
	"settlement-core/internal/storage"
)

// ErrTooManyFailures is returned by Run when a job keeps failing.
var ErrTooManyFailures = errors.New("job failed too many consecutive ticks")

// Ticker drives a tick function; satisfied by scheduler.Scheduler and scheduler.Daily.
type Ticker interface {
	Run(ctx context.Context, tick scheduler.TickFunc) error
}

// TickFunc is one unit of component work.
type TickFunc func(ctx context.Context) error

// JobOptions describe one long-running component.
type JobOptions struct {
	Name        string
	Ticker      Ticker
	Tick        TickFunc
	Locker      storage.AdvisoryLocker
	LockKey     int64
	MaxFailures int
	Metrics     *metrics.Metrics
}

// Job runs a component tick under an optional advisory lock so that two
// replicas never run the same transaction-sending tick concurrently.
type Job struct {
	opts     JobOptions
	logger   zerolog.Logger
	failures int
}

// NewJob constructs a job.
func NewJob(opts JobOptions, logger zerolog.Logger) *Job {
	return &Job{
		opts:   opts,
		logger: logger.With().Str("component", "job").Str("job", opts.Name).Logger(),
	}
}

// Name returns the job name.
func (j *Job) Name() string {
	return j.opts.Name
}

// Run blocks until ctx is cancelled. It returns nil on shutdown and an error
// once MaxFailures consecutive ticks have failed.
func (j *Job) Run(ctx context.Context) error {
	if j.opts.Ticker == nil || j.opts.Tick == nil {
		return fmt.Errorf("job %s not configured", j.opts.Name)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	err := j.opts.Ticker.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		tickErr := j.ProcessBucket(ctx, bucket)
		if tickErr != nil && j.exhausted() {
			cancel(fmt.Errorf("%w: %s: %w", ErrTooManyFailures, j.opts.Name, tickErr))
		}
		return tickErr
	})

	if cause := context.Cause(ctx); errors.Is(cause, ErrTooManyFailures) {
		return cause
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// ProcessBucket runs one tick if the advisory lock is available.
func (j *Job) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := j.acquireLock(ctx)
	if err != nil {
		j.failures++
		return err
	}
	if !proceed {
		j.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	started := time.Now()
	err = j.opts.Tick(ctx)
	j.opts.Metrics.ObserveTick(j.opts.Name, time.Since(started).Seconds(), err)
	if err != nil {
		j.failures++
		return err
	}
	j.failures = 0
	return nil
}

func (j *Job) exhausted() bool {
	return j.opts.MaxFailures > 0 && j.failures >= j.opts.MaxFailures
}

func (j *Job) acquireLock(ctx context.Context) (func(), bool, error) {
	if j.opts.LockKey == 0 || j.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := j.opts.Locker.TryAdvisoryLock(ctx, j.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
