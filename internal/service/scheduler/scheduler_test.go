package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateFusion/internal/domain/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type staticHealth struct{ snapshot models.HealthSnapshot }

func (h staticHealth) Snapshot() models.HealthSnapshot { return h.snapshot }

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func failing(context.Context) error { return errors.New("upstream down") }

func succeeding(context.Context) error { return nil }

func TestRegisterSetsFirstRunOneIntervalAhead(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	require.NoError(t, s.Register("refresh_dollar", succeeding, 15*time.Minute))

	task, ok := s.Task("refresh_dollar")
	require.True(t, ok)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, clock.Now().Add(15*time.Minute), task.NextRun)
	assert.Nil(t, task.LastRun)
	assert.True(t, task.Enabled)
	assert.Zero(t, task.ErrorCount)
}

func TestRegisterDuplicateName(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("health_check", succeeding, 5*time.Minute))

	err := s.Register("health_check", succeeding, time.Minute)

	var dup *models.DuplicateTaskError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "health_check", dup.Name)
}

func TestRegisterRejectsInvalidArguments(t *testing.T) {
	s := New()
	assert.Error(t, s.Register("nil_work", nil, time.Minute))
	assert.Error(t, s.Register("zero_interval", succeeding, 0))
}

func TestRegisterDisabled(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	require.NoError(t, s.Register("system_metrics", succeeding, time.Minute, WithEnabled(false)))

	assert.Zero(t, s.RunCycle(clock.Now().Add(time.Hour)))
}

func TestUnregister(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("cleanup_old_data", succeeding, time.Hour))

	assert.True(t, s.Unregister("cleanup_old_data"))
	assert.False(t, s.Unregister("cleanup_old_data"))
	assert.Empty(t, s.TaskNames())
}

func TestEnableDisableUnknownTask(t *testing.T) {
	s := New()
	assert.False(t, s.Enable("missing"))
	assert.False(t, s.Disable("missing"))
}

func TestRunCycleSkipsTasksNotYetDue(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	require.NoError(t, s.Register("refresh_dollar", succeeding, 15*time.Minute))

	assert.Zero(t, s.RunCycle(clock.Now().Add(14*time.Minute)))
	assert.Equal(t, 1, s.RunCycle(clock.Now().Add(15*time.Minute)))
	waitIdle(t, s)
}

func TestSuccessfulRunReschedulesOneIntervalAfterCompletion(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	require.NoError(t, s.Register("refresh_dollar", succeeding, 15*time.Minute))

	due := clock.Now().Add(15 * time.Minute)
	clock.Set(due)
	require.Equal(t, 1, s.RunCycle(due))
	waitIdle(t, s)

	task, _ := s.Task("refresh_dollar")
	assert.Equal(t, models.TaskCompleted, task.Status)
	require.NotNil(t, task.LastRun)
	assert.Equal(t, due, *task.LastRun)
	assert.Equal(t, due.Add(15*time.Minute), task.NextRun)
}

func TestBackoffThenDisable(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	require.NoError(t, s.Register("refresh_dollar", failing, 15*time.Minute))

	// first failure: 15m * 2^1
	first := clock.Now().Add(15 * time.Minute)
	clock.Set(first)
	require.Equal(t, 1, s.RunCycle(first))
	waitIdle(t, s)

	task, _ := s.Task("refresh_dollar")
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, 1, task.ErrorCount)
	assert.Equal(t, first.Add(30*time.Minute), task.NextRun)

	// second failure: 15m * 2^2 = 60m, at the cap
	second := task.NextRun
	clock.Set(second)
	require.Equal(t, 1, s.RunCycle(second))
	waitIdle(t, s)

	task, _ = s.Task("refresh_dollar")
	assert.Equal(t, 2, task.ErrorCount)
	assert.Equal(t, second.Add(60*time.Minute), task.NextRun)
	assert.True(t, task.Enabled)

	// third failure disables without scheduling another run
	third := task.NextRun
	clock.Set(third)
	require.Equal(t, 1, s.RunCycle(third))
	waitIdle(t, s)

	task, _ = s.Task("refresh_dollar")
	assert.Equal(t, 3, task.ErrorCount)
	assert.False(t, task.Enabled)
	assert.Equal(t, third, task.NextRun)
	assert.Contains(t, task.LastError, "upstream down")

	assert.Zero(t, s.RunCycle(third.Add(24*time.Hour)))
}

func TestEnableKeepsErrorCount(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithMaxErrors(1))
	require.NoError(t, s.Register("refresh_dollar", failing, time.Minute))

	at := clock.Now().Add(time.Minute)
	s.RunCycle(at)
	waitIdle(t, s)

	task, _ := s.Task("refresh_dollar")
	require.False(t, task.Enabled)

	require.True(t, s.Enable("refresh_dollar"))
	task, _ = s.Task("refresh_dollar")
	assert.True(t, task.Enabled)
	assert.Equal(t, 1, task.ErrorCount)

	// the stale nextRun makes it due immediately and one more failure disables again
	assert.Equal(t, 1, s.RunCycle(at))
	waitIdle(t, s)
	task, _ = s.Task("refresh_dollar")
	assert.False(t, task.Enabled)
	assert.Equal(t, 2, task.ErrorCount)
}

func TestSuccessResetsErrorCount(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	var calls atomic.Int32
	work := func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("first call fails")
		}
		return nil
	}
	require.NoError(t, s.Register("refresh_dollar", work, time.Minute))

	s.RunCycle(clock.Now().Add(time.Minute))
	waitIdle(t, s)
	task, _ := s.Task("refresh_dollar")
	require.Equal(t, 1, task.ErrorCount)

	s.RunCycle(task.NextRun)
	waitIdle(t, s)
	task, _ = s.Task("refresh_dollar")
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Zero(t, task.ErrorCount)
}

func TestPanicCountsAsFailure(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))
	require.NoError(t, s.Register("explodes", func(context.Context) error { panic("boom") }, time.Minute))
	require.NoError(t, s.Register("healthy", succeeding, time.Minute))

	assert.Equal(t, 2, s.RunCycle(clock.Now().Add(time.Minute)))
	waitIdle(t, s)

	exploded, _ := s.Task("explodes")
	assert.Equal(t, models.TaskFailed, exploded.Status)
	assert.Equal(t, 1, exploded.ErrorCount)
	assert.Contains(t, exploded.LastError, "boom")

	healthy, _ := s.Task("healthy")
	assert.Equal(t, models.TaskCompleted, healthy.Status)
}

func TestRunningTaskIsNotDispatchedTwice(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	release := make(chan struct{})
	var runs atomic.Int32
	work := func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}
	require.NoError(t, s.Register("slow", work, time.Minute))

	at := clock.Now().Add(time.Minute)
	assert.Equal(t, 1, s.RunCycle(at))
	assert.Zero(t, s.RunCycle(at.Add(time.Hour)))

	task, _ := s.Task("slow")
	assert.Equal(t, models.TaskRunning, task.Status)

	close(release)
	waitIdle(t, s)
	assert.Equal(t, int32(1), runs.Load())
}

func TestStopMarksRunningTasksCancelled(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithPollInterval(time.Hour))
	require.NoError(t, s.Start(context.Background()))

	release := make(chan struct{})
	require.NoError(t, s.Register("slow", func(context.Context) error {
		<-release
		return nil
	}, time.Minute))

	require.Equal(t, 1, s.RunCycle(clock.Now().Add(time.Minute)))
	s.Stop()

	assert.False(t, s.IsRunning())
	task, _ := s.Task("slow")
	assert.Equal(t, models.TaskCancelled, task.Status)

	// the run is not interrupted and still records its outcome
	close(release)
	waitIdle(t, s)
	task, _ = s.Task("slow")
	assert.Equal(t, models.TaskCompleted, task.Status)
}

// peakTracker records the highest number of overlapping runs of one piece of work.
type peakTracker struct {
	active atomic.Int32
	peak   atomic.Int32
	runs   atomic.Int32
}

func (p *peakTracker) blockUntil(release <-chan struct{}) WorkFunc {
	return func(context.Context) error {
		p.runs.Add(1)
		n := p.active.Add(1)
		for {
			old := p.peak.Load()
			if n <= old || p.peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		p.active.Add(-1)
		return nil
	}
}

func TestRestartDoesNotOverlapCancelledRun(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now), WithPollInterval(time.Hour))

	release := make(chan struct{})
	var tracker peakTracker
	require.NoError(t, s.Register("slow", tracker.blockUntil(release), time.Minute))

	require.NoError(t, s.Start(context.Background()))
	due := clock.Now().Add(time.Minute)
	require.Equal(t, 1, s.RunCycle(due))

	s.Stop()
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Zero(t, s.RunCycle(due.Add(time.Hour)))

	close(release)
	waitIdle(t, s)
	assert.Equal(t, int32(1), tracker.peak.Load())
	assert.Equal(t, int32(1), tracker.runs.Load())

	// once the old run has returned the task is dispatched again
	task, _ := s.Task("slow")
	assert.Equal(t, 1, s.RunCycle(task.NextRun))
	waitIdle(t, s)
}

func TestReregisteredTaskWaitsForPreviousRun(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	release := make(chan struct{})
	var tracker peakTracker
	work := tracker.blockUntil(release)
	require.NoError(t, s.Register("slow", work, time.Minute))

	due := clock.Now().Add(time.Minute)
	require.Equal(t, 1, s.RunCycle(due))
	require.True(t, s.Unregister("slow"))
	require.NoError(t, s.Register("slow", work, time.Minute))

	assert.Zero(t, s.RunCycle(due.Add(time.Hour)))

	close(release)
	waitIdle(t, s)
	assert.Equal(t, int32(1), tracker.peak.Load())
	assert.Equal(t, 1, s.RunCycle(due.Add(time.Hour)))
	waitIdle(t, s)
	assert.Equal(t, int32(2), tracker.runs.Load())
}

func TestUnregisteredTaskOutcomeIsDiscarded(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	release := make(chan struct{})
	require.NoError(t, s.Register("slow", func(context.Context) error {
		<-release
		return errors.New("late failure")
	}, time.Minute))

	s.RunCycle(clock.Now().Add(time.Minute))
	require.True(t, s.Unregister("slow"))
	require.NoError(t, s.Register("slow", succeeding, time.Minute))

	close(release)
	waitIdle(t, s)

	task, _ := s.Task("slow")
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Zero(t, task.ErrorCount)
}

func TestStartRunsDueTasksUntilStopped(t *testing.T) {
	s := New(WithPollInterval(10 * time.Millisecond))

	ran := make(chan struct{}, 1)
	require.NoError(t, s.Register("tick", func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}, time.Millisecond))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), models.ErrSchedulerRunning)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.IsRunning())
}

func TestStartStopsWhenContextIsCancelled(t *testing.T) {
	s := New(WithPollInterval(10 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownAbortsWorkAfterDeadline(t *testing.T) {
	clock := newFakeClock()
	s := New(WithClock(clock.Now))

	aborted := make(chan struct{})
	require.NoError(t, s.Register("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		close(aborted)
		return ctx.Err()
	}, time.Minute))
	s.RunCycle(clock.Now().Add(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("work context was not cancelled")
	}
}

func TestGetStatus(t *testing.T) {
	clock := newFakeClock()
	health := models.HealthSnapshot{
		Status:        models.HealthDegraded,
		PerDependency: map[string]bool{"clickhouse": true, "bluelytics": false},
		WarningCount:  1,
	}
	s := New(WithClock(clock.Now), WithHealth(staticHealth{snapshot: health}))
	require.NoError(t, s.Register("refresh_dollar", succeeding, 15*time.Minute))
	require.NoError(t, s.Register("health_check", succeeding, 5*time.Minute, WithEnabled(false)))

	clock.Set(clock.Now().Add(90 * time.Second))
	status := s.GetStatus()

	assert.False(t, status.Running)
	assert.InDelta(t, 90.0, status.UptimeSeconds, 0.001)
	assert.Equal(t, health, status.Health)
	require.Len(t, status.Tasks, 2)
	assert.True(t, status.Tasks["refresh_dollar"].Enabled)
	assert.False(t, status.Tasks["health_check"].Enabled)
	assert.Equal(t, []string{"health_check", "refresh_dollar"}, s.TaskNames())
}

func TestGetStatusWithoutHealthReporter(t *testing.T) {
	status := New().GetStatus()
	assert.Equal(t, models.HealthHealthy, status.Health.Status)
	assert.NotNil(t, status.Health.PerDependency)
	assert.Empty(t, status.Tasks)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name     string
		interval time.Duration
		errors   int
		want     time.Duration
	}{
		{"no errors", 15 * time.Minute, 0, 15 * time.Minute},
		{"one error doubles", 15 * time.Minute, 1, 30 * time.Minute},
		{"two errors hit the cap", 15 * time.Minute, 2, 60 * time.Minute},
		{"capped", 15 * time.Minute, 5, 60 * time.Minute},
		{"short interval", 5 * time.Minute, 2, 20 * time.Minute},
		{"interval above cap", 90 * time.Minute, 1, 60 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.interval, tt.errors, DefaultMaxBackoff))
		})
	}
}
