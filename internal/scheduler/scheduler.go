// Package scheduler fires periodic background jobs on cron schedules.
package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one unit of scheduled work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
	// Quiet reports errors that are expected outcomes (a run that was not
	// due, a paused pool) and only deserve a debug line.
	Quiet func(err error) bool
	// Timeout bounds one execution. Zero means no bound.
	Timeout time.Duration
}

// Scheduler manages background jobs.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// New creates a scheduler whose schedules accept a leading seconds field.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// AddJob registers job under schedule. Schedule examples:
//
//	"0 */5 * * * *" every 5 minutes
//	"@hourly"       every hour
//	"@every 30s"    every 30 seconds
func (s *Scheduler) AddJob(schedule string, job Job) error {
	if job.Run == nil {
		return errors.Errorf("scheduler: job %q has no Run func", job.Name)
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.execute(job) }); err != nil {
		return errors.Wrapf(err, "schedule job %q", job.Name)
	}
	s.logger.Info("job registered", zap.String("job", job.Name), zap.String("schedule", schedule))
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.logger.Info("running job immediately", zap.String("job", job.Name))
	return s.execute(job)
}

func (s *Scheduler) execute(job Job) error {
	ctx := s.ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := job.Run(ctx)
	switch {
	case err == nil:
		s.logger.Debug("job completed", zap.String("job", job.Name), zap.Duration("took", time.Since(start)))
	case job.Quiet != nil && job.Quiet(err):
		s.logger.Debug("job skipped", zap.String("job", job.Name), zap.Error(err))
	default:
		s.logger.Error("job failed", zap.String("job", job.Name), zap.Error(err))
	}
	return err
}

// Start starts the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop stops firing new runs and waits for in-flight jobs to return. Jobs
// are cancelled only if ctx expires first.
func (s *Scheduler) Stop(ctx context.Context) error {
	defer s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out, cancelling in-flight jobs")
		return errors.Wrap(ctx.Err(), "scheduler stop")
	}
}
