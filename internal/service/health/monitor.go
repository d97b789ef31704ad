package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"RateFusion/internal/domain/models"
	"RateFusion/internal/domain/repository"
	"RateFusion/pkg/logger"
	"RateFusion/pkg/metrics"
)

// ProbeFunc reports whether one dependency is reachable.
type ProbeFunc func(ctx context.Context) bool

// FromError adapts an error-returning check into a probe.
func FromError(check func(ctx context.Context) error) ProbeFunc {
	return func(ctx context.Context) bool {
		return check(ctx) == nil
	}
}

type probe struct {
	name string
	fn   ProbeFunc
}

// Monitor runs registered probes and keeps the latest HealthSnapshot.
type Monitor struct {
	mu       sync.RWMutex
	probes   []probe
	snapshot models.HealthSnapshot

	startedAt    time.Time
	probeTimeout time.Duration
	now          func() time.Time
	recorder     repository.HealthRecorder
	metrics      repository.Metrics
	logger       *logger.Logger
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithProbeTimeout bounds each probe call.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithRecorder persists every evaluated snapshot, best effort.
func WithRecorder(r repository.HealthRecorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

func WithMetrics(r repository.Metrics) Option {
	return func(m *Monitor) { m.metrics = r }
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		probeTimeout: 5 * time.Second,
		now:          time.Now,
		metrics:      metrics.Nop{},
		logger:       logger.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.startedAt = m.now()
	m.snapshot = models.HealthSnapshot{
		Status:        models.HealthHealthy,
		PerDependency: map[string]bool{},
		LastCheckAt:   m.startedAt,
	}
	return m
}

// Register adds a dependency probe. A later registration under the same name replaces it.
func (m *Monitor) Register(name string, fn ProbeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.probes {
		if m.probes[i].name == name {
			m.probes[i].fn = fn
			return
		}
	}
	m.probes = append(m.probes, probe{name: name, fn: fn})
}

// Check runs every probe concurrently and folds the results into the snapshot.
// It only fails when ctx is done; unhealthy dependencies are reported, not returned.
func (m *Monitor) Check(ctx context.Context) error {
	m.mu.RLock()
	probes := append([]probe(nil), m.probes...)
	m.mu.RUnlock()

	results := make([]bool, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			results[i] = m.run(ctx, p)
		}(i, p)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	deps := make(map[string]bool, len(probes))
	failed := make([]string, 0)
	for i, p := range probes {
		deps[p.name] = results[i]
		if !results[i] {
			failed = append(failed, p.name)
		}
	}
	sort.Strings(failed)
	status := Aggregate(len(failed), len(probes))
	now := m.now()

	m.mu.Lock()
	m.snapshot.Status = status
	m.snapshot.PerDependency = deps
	m.snapshot.LastCheckAt = now
	m.snapshot.UptimeSeconds = now.Sub(m.startedAt).Seconds()
	switch status {
	case models.HealthUnhealthy:
		m.snapshot.ErrorCount++
	case models.HealthDegraded:
		m.snapshot.WarningCount++
	}
	snap := m.snapshot.Clone()
	m.mu.Unlock()

	m.metrics.RecordHealth(status)

	fields := []logger.Field{
		logger.String("status", string(status)),
		logger.Int("dependencies", len(probes)),
		logger.Strings("failing", failed),
	}
	switch status {
	case models.HealthHealthy:
		m.logger.Debug("Health check", fields...)
	case models.HealthDegraded:
		m.logger.Warn("Health check degraded", fields...)
	default:
		m.logger.Error("Health check unhealthy", fields...)
	}

	if m.recorder != nil {
		if err := m.recorder.SaveHealth(ctx, snap); err != nil {
			m.logger.Warn("Failed to save health check", logger.Error(err))
		}
	}
	return nil
}

func (m *Monitor) run(ctx context.Context, p probe) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Health probe panicked", logger.String("dependency", p.name), logger.Any("panic", r))
			ok = false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	return p.fn(ctx)
}

// Snapshot returns a copy of the latest snapshot with uptime measured now.
func (m *Monitor) Snapshot() models.HealthSnapshot {
	m.mu.RLock()
	snap := m.snapshot.Clone()
	m.mu.RUnlock()

	snap.UptimeSeconds = m.now().Sub(m.startedAt).Seconds()
	return snap
}

// Aggregate grades a check: healthy with no failures, degraded while at most half the
// dependencies fail, unhealthy beyond that.
func Aggregate(failed, total int) models.HealthStatus {
	if failed == 0 || total == 0 {
		return models.HealthHealthy
	}
	if failed*2 <= total {
		return models.HealthDegraded
	}
	return models.HealthUnhealthy
}
