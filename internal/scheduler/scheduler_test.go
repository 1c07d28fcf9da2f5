package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanshika/refnet/backend/internal/config"
	"github.com/vanshika/refnet/backend/internal/logging"
	"github.com/vanshika/refnet/backend/internal/service"
)

type stubJobs struct {
	summary    service.RecomputeSummary
	err        error
	cleaned    int
	recomputes int
	panicOn    bool
}

func (s *stubJobs) CleanupCache() int {
	if s.panicOn {
		panic("boom")
	}
	s.cleaned++
	return 3
}

func (s *stubJobs) RecomputeAll(context.Context) (service.RecomputeSummary, error) {
	s.recomputes++
	return s.summary, s.err
}

type runRecorder struct {
	mu   sync.Mutex
	runs map[string][]bool
}

func (r *runRecorder) RecordJob(job string, _ time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[string][]bool{}
	}
	r.runs[job] = append(r.runs[job], ok)
}

var cfg = config.SchedulerConfig{Enabled: true, RecomputeSpec: "@daily", CleanupSpec: "@every 5m"}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New(config.SchedulerConfig{CleanupSpec: "every now and then"}, &stubJobs{}, nil, logging.Discard())
	assert.Error(t, err)
}

func TestJobsRecordOutcome(t *testing.T) {
	jobs := &stubJobs{summary: service.RecomputeSummary{Users: 4, StatsFailed: 1}}
	rec := &runRecorder{}
	s, err := New(cfg, jobs, rec, logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, 3, s.RunCleanup())
	require.NoError(t, s.RunRecompute(context.Background()))

	jobs.summary = service.RecomputeSummary{Users: 4}
	require.NoError(t, s.RunRecompute(context.Background()))

	jobs.err = errors.New("store down")
	assert.Error(t, s.RunRecompute(context.Background()))

	assert.Equal(t, []bool{true}, rec.runs[JobCleanup])
	assert.Equal(t, []bool{false, true, false}, rec.runs[JobRecompute])
}

func TestStartSchedulesJobs(t *testing.T) {
	s, err := New(cfg, &stubJobs{}, nil, logging.Discard())
	require.NoError(t, err)
	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	}()

	next := s.Next(JobCleanup)
	assert.False(t, next.IsZero())
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), next, 5*time.Second)
	assert.True(t, s.Next("unknown").IsZero())
}

func TestPanickingJobIsRecovered(t *testing.T) {
	s, err := New(cfg, &stubJobs{panicOn: true}, nil, logging.Discard())
	require.NoError(t, err)

	entry := s.cron.Entry(s.entries[JobCleanup])
	assert.NotPanics(t, entry.WrappedJob.Run)
}
