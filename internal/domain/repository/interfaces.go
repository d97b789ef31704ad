package repository

import (
	"context"
	"time"

	"RateFusion/internal/domain/models"
)

// SourceAdapter fetches one raw payload from one external source.
// Implementations bound every call with a timeout and never retry.
type SourceAdapter interface {
	ID() string
	Fetch(ctx context.Context) (*models.RawPayload, error)
	Ping(ctx context.Context) error
}

// Normalizer maps a raw payload onto zero or more rate records.
type Normalizer interface {
	ID() string
	Parse(payload *models.RawPayload) ([]models.RateRecord, error)
}

// ResultSink persists consensus results. Writes are best effort.
type ResultSink interface {
	Save(ctx context.Context, result *models.ConsensusResult) error
	Health(ctx context.Context) error
	Close() error
}

// LatestStore keeps the last known good result per indicator.
type LatestStore interface {
	Put(ctx context.Context, result *models.ConsensusResult) error
	Get(ctx context.Context, indicatorKey string) (*models.ConsensusResult, error)
}

// ResultReader loads the newest persisted result of an indicator.
type ResultReader interface {
	Latest(ctx context.Context, indicatorKey string) (*models.ConsensusResult, error)
}

// HealthRecorder stores health snapshots.
type HealthRecorder interface {
	SaveHealth(ctx context.Context, snapshot models.HealthSnapshot) error
}

// Pruner deletes rows older than a cutoff and reports how many went away.
type Pruner interface {
	Name() string
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// HealthReporter exposes the latest health snapshot.
type HealthReporter interface {
	Snapshot() models.HealthSnapshot
}

type Metrics interface {
	RecordTaskRun(task, status string, seconds float64)
	RecordTaskDisabled(task string)
	RecordSourceFetch(source string, ok bool, seconds float64)
	RecordConsensus(result *models.ConsensusResult)
	RecordReliability(feed string, score float64)
	RecordHealth(status models.HealthStatus)
	RecordSystemUsage(resource string, percent float64)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}
