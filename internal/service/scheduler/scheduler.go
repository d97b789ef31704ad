package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"RateFusion/internal/domain/models"
	"RateFusion/internal/domain/repository"
	"RateFusion/pkg/logger"
	"RateFusion/pkg/metrics"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultMaxErrors    = 3
	DefaultMaxBackoff   = 60 * time.Minute
)

// WorkFunc is one unit of periodic work. A returned error or a panic counts as a failed run.
type WorkFunc func(ctx context.Context) error

type scheduledTask struct {
	name       string
	work       WorkFunc
	interval   time.Duration
	nextRun    time.Time
	lastRun    *time.Time
	status     models.TaskStatus
	errorCount int
	maxErrors  int
	enabled    bool
	lastError  string
}

func (t *scheduledTask) snapshot() models.TaskSnapshot {
	s := models.TaskSnapshot{
		Status:     t.status,
		Interval:   t.interval,
		NextRun:    t.nextRun,
		ErrorCount: t.errorCount,
		Enabled:    t.enabled,
		LastError:  t.lastError,
	}
	if t.lastRun != nil {
		lr := *t.lastRun
		s.LastRun = &lr
	}
	return s
}

// Scheduler owns a registry of named tasks and runs the due ones on a fixed poll period.
// Failed runs back off exponentially and a task is disabled after MaxErrors consecutive
// failures until someone enables it again.
type Scheduler struct {
	mu        sync.Mutex
	tasks     map[string]*scheduledTask
	busy      map[string]bool // names with a run in flight, kept across Unregister and Stop
	running   bool
	stopCh    chan struct{}
	loopDone  chan struct{}
	startedAt time.Time

	inflight sync.WaitGroup
	workCtx  context.Context
	abort    context.CancelFunc

	pollInterval time.Duration
	maxErrors    int
	maxBackoff   time.Duration
	now          func() time.Time
	health       repository.HealthReporter
	metrics      repository.Metrics
	logger       *logger.Logger
}

type Option func(*Scheduler)

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithMaxErrors(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxErrors = n
		}
	}
}

func WithMaxBackoff(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxBackoff = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithHealth(h repository.HealthReporter) Option {
	return func(s *Scheduler) { s.health = h }
}

func WithMetrics(m repository.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:        make(map[string]*scheduledTask),
		busy:         make(map[string]bool),
		pollInterval: DefaultPollInterval,
		maxErrors:    DefaultMaxErrors,
		maxBackoff:   DefaultMaxBackoff,
		now:          time.Now,
		metrics:      metrics.Nop{},
		logger:       logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.workCtx, s.abort = context.WithCancel(context.Background())
	s.startedAt = s.now()
	return s
}

type TaskOption func(*scheduledTask)

// WithEnabled sets the initial enabled flag. Tasks are enabled by default.
func WithEnabled(enabled bool) TaskOption {
	return func(t *scheduledTask) { t.enabled = enabled }
}

// Register adds a task whose first run is due one interval from now.
func (s *Scheduler) Register(name string, work WorkFunc, interval time.Duration, opts ...TaskOption) error {
	if work == nil {
		return fmt.Errorf("register %q: nil work", name)
	}
	if interval <= 0 {
		return fmt.Errorf("register %q: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return &models.DuplicateTaskError{Name: name}
	}

	t := &scheduledTask{
		name:      name,
		work:      work,
		interval:  interval,
		nextRun:   s.now().Add(interval),
		status:    models.TaskPending,
		maxErrors: s.maxErrors,
		enabled:   true,
	}
	for _, opt := range opts {
		opt(t)
	}
	s.tasks[name] = t

	s.logger.Info("Registered task",
		logger.String("task", name),
		logger.Duration("interval_ms", interval),
		logger.Bool("enabled", t.enabled),
	)
	return nil
}

// Unregister removes a task. An in-flight run finishes but its outcome is discarded.
func (s *Scheduler) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[name]; !ok {
		return false
	}
	delete(s.tasks, name)
	s.logger.Info("Unregistered task", logger.String("task", name))
	return true
}

// Enable turns a task back on. The error count is left as is.
func (s *Scheduler) Enable(name string) bool {
	return s.setEnabled(name, true)
}

func (s *Scheduler) Disable(name string) bool {
	return s.setEnabled(name, false)
}

func (s *Scheduler) setEnabled(name string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	t.enabled = enabled
	s.logger.Info("Task toggled", logger.String("task", name), logger.Bool("enabled", enabled))
	return true
}

// RunCycle dispatches every enabled, idle task that is due at now and returns how many
// were dispatched. Dispatched runs execute in their own goroutines. A name whose previous
// run has not returned is skipped, even if that run was cancelled or unregistered.
func (s *Scheduler) RunCycle(now time.Time) int {
	s.mu.Lock()
	due := make([]*scheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if !t.enabled || s.busy[t.name] || now.Before(t.nextRun) {
			continue
		}
		// marked under the lock so the next cycle cannot pick it up again
		s.busy[t.name] = true
		t.status = models.TaskRunning
		lastRun := now
		t.lastRun = &lastRun
		due = append(due, t)
	}
	s.inflight.Add(len(due))
	s.mu.Unlock()

	for _, t := range due {
		go s.execute(t)
	}
	return len(due)
}

func (s *Scheduler) execute(t *scheduledTask) {
	defer s.inflight.Done()

	s.logger.Debug("Executing task", logger.String("task", t.name))
	begin := time.Now()
	err := invoke(s.workCtx, t.work)
	elapsed := time.Since(begin)
	finished := s.now()

	s.mu.Lock()
	delete(s.busy, t.name)
	if current, ok := s.tasks[t.name]; !ok || current != t {
		s.mu.Unlock()
		s.logger.Debug("Discarding outcome of unregistered task", logger.String("task", t.name))
		return
	}

	var (
		disabled bool
		delay    time.Duration
		failures int
	)
	if err == nil {
		t.status = models.TaskCompleted
		t.errorCount = 0
		t.lastError = ""
		t.nextRun = finished.Add(t.interval)
	} else {
		t.status = models.TaskFailed
		t.errorCount++
		t.lastError = err.Error()
		failures = t.errorCount
		if t.errorCount >= t.maxErrors {
			t.enabled = false
			disabled = true
		} else {
			delay = Backoff(t.interval, t.errorCount, s.maxBackoff)
			t.nextRun = finished.Add(delay)
		}
	}
	status := t.status
	s.mu.Unlock()

	s.metrics.RecordTaskRun(t.name, string(status), elapsed.Seconds())

	switch {
	case err == nil:
		s.logger.Debug("Task completed", logger.String("task", t.name), logger.Duration("duration_ms", elapsed))
	case disabled:
		s.metrics.RecordTaskDisabled(t.name)
		s.logger.Error("Task disabled after repeated failures",
			logger.String("task", t.name),
			logger.Int("errors", failures),
			logger.Error(err),
		)
	default:
		s.logger.Error("Task failed",
			logger.String("task", t.name),
			logger.Int("errors", failures),
			logger.Duration("retry_in_ms", delay),
			logger.Error(err),
		)
	}
}

func invoke(ctx context.Context, work WorkFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &models.PanicError{Value: r}
		}
	}()
	return work(ctx)
}

// Backoff returns interval * 2^errorCount capped at limit.
func Backoff(interval time.Duration, errorCount int, limit time.Duration) time.Duration {
	d := interval
	for i := 0; i < errorCount && d < limit; i++ {
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Start runs the poll loop in the background until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("Scheduler already running")
		return models.ErrSchedulerRunning
	}
	s.running = true
	s.startedAt = s.now()
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	stopCh, loopDone := s.stopCh, s.loopDone
	s.mu.Unlock()

	s.logger.Info("Scheduler started",
		logger.Duration("poll_interval_ms", s.pollInterval),
		logger.Int("tasks", s.taskCount()),
	)

	go s.loop(ctx, stopCh, loopDone)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer s.logger.Info("Scheduler stopped")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		if s.IsRunning() {
			s.RunCycle(s.now())
		}

		select {
		case <-ticker.C:
		case <-stopCh:
			return
		case <-ctx.Done():
			s.Stop()
			return
		}
	}
}

// Stop halts dispatching and marks in-flight tasks as cancelled. Running work is not
// interrupted; its outcome is still recorded when it returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)

	for _, t := range s.tasks {
		if t.status == models.TaskRunning {
			t.status = models.TaskCancelled
		}
	}
}

// Shutdown stops the loop and waits for in-flight runs. When ctx expires first, the
// context handed to running work is cancelled and ctx.Err() is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	loopDone := s.loopDone
	s.mu.Unlock()

	s.Stop()
	if loopDone != nil {
		select {
		case <-loopDone:
		case <-ctx.Done():
		}
	}

	if err := s.Wait(ctx); err != nil {
		s.abort()
		return err
	}
	return nil
}

// Wait blocks until every dispatched run has returned or ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// TaskNames returns the registered task names in lexical order.
func (s *Scheduler) TaskNames() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.Unlock()

	sort.Strings(names)
	return names
}

// Task returns a snapshot of one task.
func (s *Scheduler) Task(name string) (models.TaskSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[name]
	if !ok {
		return models.TaskSnapshot{}, false
	}
	return t.snapshot(), true
}

// GetStatus returns a consistent copy of every task plus the latest health snapshot.
func (s *Scheduler) GetStatus() models.SchedulerStatus {
	health := models.HealthSnapshot{Status: models.HealthHealthy, PerDependency: map[string]bool{}}
	if s.health != nil {
		health = s.health.Snapshot()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make(map[string]models.TaskSnapshot, len(s.tasks))
	for name, t := range s.tasks {
		tasks[name] = t.snapshot()
	}

	return models.SchedulerStatus{
		Running:       s.running,
		UptimeSeconds: s.now().Sub(s.startedAt).Seconds(),
		Health:        health,
		Tasks:         tasks,
	}
}
