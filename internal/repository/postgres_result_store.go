package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"RateFusion/internal/domain/models"
	"RateFusion/pkg/logger"
)

// pgDB is the part of *pgxpool.Pool the store needs.
type pgDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PGSchema creates the result and health tables. At most one row per indicator is active.
var PGSchema = []string{
	`CREATE TABLE IF NOT EXISTS exchange_rates (
    id             UUID PRIMARY KEY,
    indicator_key  TEXT NOT NULL,
    average        DOUBLE PRECISION NOT NULL,
    median         DOUBLE PRECISION NOT NULL,
    min_value      DOUBLE PRECISION NOT NULL,
    max_value      DOUBLE PRECISION NOT NULL,
    spread         DOUBLE PRECISION NOT NULL,
    spread_percent DOUBLE PRECISION NOT NULL,
    buy_average    DOUBLE PRECISION,
    source_count   INTEGER NOT NULL,
    reliability    TEXT NOT NULL,
    sources        TEXT[] NOT NULL,
    source_details JSONB NOT NULL,
    outliers       JSONB NOT NULL DEFAULT '[]',
    is_active      BOOLEAN NOT NULL DEFAULT TRUE,
    computed_at    TIMESTAMPTZ NOT NULL
)`,
	`ALTER TABLE exchange_rates ADD COLUMN IF NOT EXISTS outliers JSONB NOT NULL DEFAULT '[]'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS exchange_rates_one_active
    ON exchange_rates (indicator_key) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS exchange_rates_computed_at ON exchange_rates (computed_at)`,
	`CREATE TABLE IF NOT EXISTS health_checks (
    id            UUID PRIMARY KEY,
    status        TEXT NOT NULL,
    services      JSONB NOT NULL,
    error_count   INTEGER NOT NULL,
    warning_count INTEGER NOT NULL,
    checked_at    TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS health_checks_checked_at ON health_checks (checked_at)`,
}

// PGResultStore keeps consensus results and health rows in PostgreSQL.
type PGResultStore struct {
	db    pgDB
	l     *logger.Logger
	newID func() uuid.UUID
}

func NewPGResultStore(db pgDB, l *logger.Logger) *PGResultStore {
	return &PGResultStore{db: db, l: l, newID: uuid.New}
}

// Init creates the tables.
func (s *PGResultStore) Init(ctx context.Context) error {
	for _, stmt := range PGSchema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Save deactivates the indicator's current row and inserts r as the active one.
func (s *PGResultStore) Save(ctx context.Context, r *models.ConsensusResult) (err error) {
	details, err := json.Marshal(r.SourceDetails)
	if err != nil {
		return fmt.Errorf("marshal source details: %w", err)
	}
	outliers, err := marshalOutliers(r.Outliers)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx,
		`UPDATE exchange_rates SET is_active = FALSE WHERE indicator_key = $1 AND is_active`,
		r.IndicatorKey,
	); err != nil {
		return fmt.Errorf("deactivate %s: %w", r.IndicatorKey, err)
	}

	if _, err = tx.Exec(ctx, `
        INSERT INTO exchange_rates (id, indicator_key, average, median, min_value, max_value, spread,
            spread_percent, buy_average, source_count, reliability, sources, source_details, outliers, is_active, computed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, TRUE, $15)`,
		s.newID(), r.IndicatorKey, r.Average, r.Median, r.Min, r.Max, r.Spread,
		r.SpreadPercent, r.BuyAverage, r.SourceCount, string(r.Reliability), r.SourceIDs(), details,
		outliers, r.ComputedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert %s: %w", r.IndicatorKey, err)
	}

	if err = tx.Commit(ctx); err != nil {
		s.l.Error("postgres save result commit error",
			logger.String("indicator", r.IndicatorKey),
			logger.Error(err),
		)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PGResultStore) Latest(ctx context.Context, indicatorKey string) (*models.ConsensusResult, error) {
	var (
		r           models.ConsensusResult
		reliability string
		details     []byte
		outliers    []byte
	)
	err := s.db.QueryRow(ctx, `
        SELECT indicator_key, average, median, min_value, max_value, spread, spread_percent,
               buy_average, source_count, reliability, source_details, outliers, computed_at
        FROM exchange_rates
        WHERE indicator_key = $1 AND is_active`,
		indicatorKey,
	).Scan(&r.IndicatorKey, &r.Average, &r.Median, &r.Min, &r.Max, &r.Spread, &r.SpreadPercent,
		&r.BuyAverage, &r.SourceCount, &reliability, &details, &outliers, &r.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrIndicatorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest result: %w", err)
	}

	r.Reliability = models.Reliability(reliability)
	if err := json.Unmarshal(details, &r.SourceDetails); err != nil {
		return nil, fmt.Errorf("decode source details: %w", err)
	}
	if r.Outliers, err = unmarshalOutliers(outliers); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PGResultStore) SaveHealth(ctx context.Context, h models.HealthSnapshot) error {
	services, err := json.Marshal(h.PerDependency)
	if err != nil {
		return fmt.Errorf("marshal services: %w", err)
	}
	if _, err := s.db.Exec(ctx, `
        INSERT INTO health_checks (id, status, services, error_count, warning_count, checked_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		s.newID(), string(h.Status), services, h.ErrorCount, h.WarningCount, h.LastCheckAt.UTC(),
	); err != nil {
		return fmt.Errorf("save health: %w", err)
	}
	return nil
}

func (s *PGResultStore) Name() string { return "postgres" }

// Prune removes inactive results and health rows older than before.
// The active row of each indicator is never removed.
func (s *PGResultStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	rates, err := s.db.Exec(ctx,
		`DELETE FROM exchange_rates WHERE computed_at < $1 AND NOT is_active`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune exchange_rates: %w", err)
	}
	checks, err := s.db.Exec(ctx,
		`DELETE FROM health_checks WHERE checked_at < $1`, before.UTC())
	if err != nil {
		return rates.RowsAffected(), fmt.Errorf("prune health_checks: %w", err)
	}
	return rates.RowsAffected() + checks.RowsAffected(), nil
}

func (s *PGResultStore) Health(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close is a no-op; the pool is closed by its owner.
func (s *PGResultStore) Close() error {
	return nil
}
