package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"RateFusion/internal/domain/models"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	taskRuns      *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksDisabled *prometheus.CounterVec
	sourceFetches *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	consensus     *prometheus.GaugeVec
	spreadPercent *prometheus.GaugeVec
	sourceCount   *prometheus.GaugeVec
	reliability   *prometheus.GaugeVec
	health        *prometheus.GaugeVec
	systemUsage   *prometheus.GaugeVec
	errorsTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
}

// New creates a recorder registered with the default Prometheus registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		taskRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratefusion_task_runs_total",
				Help: "Scheduled task executions by outcome",
			},
			[]string{"task", "status"},
		),
		taskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratefusion_task_duration_seconds",
				Help:    "Scheduled task execution time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		tasksDisabled: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratefusion_tasks_disabled_total",
				Help: "Tasks disabled after reaching the error limit",
			},
			[]string{"task"},
		),
		sourceFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratefusion_source_fetches_total",
				Help: "Source fetches by outcome",
			},
			[]string{"source", "result"},
		),
		fetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratefusion_source_fetch_duration_seconds",
				Help:    "Source fetch latency",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"source"},
		),
		consensus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratefusion_consensus_average",
				Help: "Latest consensus average sell price",
			},
			[]string{"indicator"},
		),
		spreadPercent: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratefusion_consensus_spread_percent",
				Help: "Latest spread between sources as a percentage of the average",
			},
			[]string{"indicator"},
		),
		sourceCount: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratefusion_consensus_sources",
				Help: "Sources that contributed to the latest consensus",
			},
			[]string{"indicator"},
		),
		reliability: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratefusion_feed_reliability_score",
				Help: "Fraction of sources that answered in the latest cycle",
			},
			[]string{"feed"},
		),
		health: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratefusion_health_status",
				Help: "1 for the current health status, 0 otherwise",
			},
			[]string{"status"},
		),
		systemUsage: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratefusion_system_usage_percent",
				Help: "Host resource usage",
			},
			[]string{"resource"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratefusion_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratefusion_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

func (r *Recorder) RecordTaskRun(task, status string, seconds float64) {
	r.taskRuns.WithLabelValues(task, status).Inc()
	r.taskDuration.WithLabelValues(task).Observe(seconds)
}

func (r *Recorder) RecordTaskDisabled(task string) {
	r.tasksDisabled.WithLabelValues(task).Inc()
}

func (r *Recorder) RecordSourceFetch(source string, ok bool, seconds float64) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.sourceFetches.WithLabelValues(source, result).Inc()
	r.fetchDuration.WithLabelValues(source).Observe(seconds)
}

func (r *Recorder) RecordConsensus(result *models.ConsensusResult) {
	r.consensus.WithLabelValues(result.IndicatorKey).Set(result.Average)
	r.spreadPercent.WithLabelValues(result.IndicatorKey).Set(result.SpreadPercent)
	r.sourceCount.WithLabelValues(result.IndicatorKey).Set(float64(result.SourceCount))
}

func (r *Recorder) RecordReliability(feed string, score float64) {
	r.reliability.WithLabelValues(feed).Set(score)
}

func (r *Recorder) RecordHealth(status models.HealthStatus) {
	for _, s := range []models.HealthStatus{models.HealthHealthy, models.HealthDegraded, models.HealthUnhealthy} {
		v := 0.0
		if s == status {
			v = 1
		}
		r.health.WithLabelValues(string(s)).Set(v)
	}
}

func (r *Recorder) RecordSystemUsage(resource string, percent float64) {
	r.systemUsage.WithLabelValues(resource).Set(percent)
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) RecordTaskRun(string, string, float64)   {}
func (Nop) RecordTaskDisabled(string)               {}
func (Nop) RecordSourceFetch(string, bool, float64) {}
func (Nop) RecordConsensus(*models.ConsensusResult) {}
func (Nop) RecordReliability(string, float64)       {}
func (Nop) RecordHealth(models.HealthStatus)        {}
func (Nop) RecordSystemUsage(string, float64)       {}
func (Nop) RecordError(string)                      {}
func (Nop) RecordLatency(string, float64)           {}
