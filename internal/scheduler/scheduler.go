// Package scheduler runs periodic maintenance jobs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vanshika/refnet/backend/internal/config"
	"github.com/vanshika/refnet/backend/internal/service"
)

const (
	JobCleanup   = "cache_cleanup"
	JobRecompute = "recompute"
)

// Jobs is the work the scheduler triggers.
type Jobs interface {
	CleanupCache() int
	RecomputeAll(ctx context.Context) (service.RecomputeSummary, error)
}

// Recorder observes job runs.
type Recorder interface {
	RecordJob(job string, duration time.Duration, success bool)
}

// Scheduler owns a cron runner and the context passed to long jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     Jobs
	recorder Recorder
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	entries  map[string]cron.EntryID
}

// New registers the cleanup and recompute jobs. recorder may be nil.
func New(cfg config.SchedulerConfig, jobs Jobs, recorder Recorder, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		jobs:     jobs,
		recorder: recorder,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]cron.EntryID),
	}
	cl := cronLogger{logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	for name, spec := range map[string]string{
		JobCleanup:   cfg.CleanupSpec,
		JobRecompute: cfg.RecomputeSpec,
	} {
		if spec == "" {
			continue
		}
		job := s.jobFor(name)
		id, err := s.cron.AddFunc(spec, job)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		s.entries[name] = id
	}
	return s, nil
}

func (s *Scheduler) jobFor(name string) func() {
	switch name {
	case JobCleanup:
		return func() { s.RunCleanup() }
	default:
		return func() { _ = s.RunRecompute(s.ctx) }
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.entries))
}

// Stop cancels running jobs and waits for them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Next reports when the named job runs next; zero if unknown or not started.
func (s *Scheduler) Next(job string) time.Time {
	id, ok := s.entries[job]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// RunCleanup removes expired cache entries.
func (s *Scheduler) RunCleanup() int {
	start := time.Now()
	n := s.jobs.CleanupCache()
	s.record(JobCleanup, time.Since(start), true)
	return n
}

// RunRecompute refreshes statistics and roles for every user.
func (s *Scheduler) RunRecompute(ctx context.Context) error {
	start := time.Now()
	s.logger.Info("recompute started")
	summary, err := s.jobs.RecomputeAll(ctx)
	ok := err == nil && summary.StatsFailed == 0 && summary.RoleFailures == 0
	s.record(JobRecompute, time.Since(start), ok)
	if err != nil {
		s.logger.Error("recompute aborted", "error", err)
		return err
	}
	if !ok {
		s.logger.Warn("recompute finished with failures",
			"statsFailed", summary.StatsFailed, "roleFailures", summary.RoleFailures)
	}
	return nil
}

func (s *Scheduler) record(job string, d time.Duration, ok bool) {
	if s.recorder != nil {
		s.recorder.RecordJob(job, d, ok)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
