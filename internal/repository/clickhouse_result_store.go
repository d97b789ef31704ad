package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"RateFusion/internal/domain/models"
	"RateFusion/pkg/logger"
)

const healthTable = "service_health"

// CHResultStore keeps consensus results and health snapshots in ClickHouse.
type CHResultStore struct {
	db    *sql.DB
	table string
	l     *logger.Logger
}

func NewCHResultStore(db *sql.DB, table string, l *logger.Logger) *CHResultStore {
	if table == "" {
		table = "consensus_results"
	}
	return &CHResultStore{db: db, table: table, l: l}
}

// Schema returns the idempotent DDL for the store's tables.
func (s *CHResultStore) Schema(retention time.Duration) []string {
	days := int(retention.Hours() / 24)
	if days <= 0 {
		days = 90
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    computed_at    DateTime64(3, 'UTC'),
    indicator_key  LowCardinality(String),
    average        Float64,
    median         Float64,
    min            Float64,
    max            Float64,
    spread         Float64,
    spread_percent Float64,
    buy_average    Nullable(Float64),
    source_count   UInt16,
    reliability    LowCardinality(String),
    sources        Array(String),
    outliers       Array(String),
    source_details String,
    outlier_details String DEFAULT '[]'
) ENGINE = MergeTree
ORDER BY (indicator_key, computed_at)
TTL toDateTime(computed_at) + INTERVAL %d DAY`, s.table, days),
		fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS outlier_details String DEFAULT '[]'`, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    checked_at    DateTime64(3, 'UTC'),
    status        LowCardinality(String),
    services      String,
    error_count   UInt32,
    warning_count UInt32
) ENGINE = MergeTree
ORDER BY checked_at
TTL toDateTime(checked_at) + INTERVAL %d DAY`, healthTable, days),
	}
}

// Init creates the tables.
func (s *CHResultStore) Init(ctx context.Context, retention time.Duration) error {
	for _, stmt := range s.Schema(retention) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *CHResultStore) Save(ctx context.Context, r *models.ConsensusResult) error {
	details, err := json.Marshal(r.SourceDetails)
	if err != nil {
		return fmt.Errorf("marshal source details: %w", err)
	}

	outlierDetails, err := marshalOutliers(r.Outliers)
	if err != nil {
		return err
	}

	outliers := make([]string, 0, len(r.Outliers))
	for _, o := range r.Outliers {
		outliers = append(outliers, o.SourceID)
	}

	q := fmt.Sprintf(`INSERT INTO %s (computed_at, indicator_key, average, median, min, max, spread, spread_percent, buy_average, source_count, reliability, sources, outliers, source_details, outlier_details) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err = s.db.ExecContext(ctx, q,
		r.ComputedAt.UTC(),
		r.IndicatorKey,
		r.Average,
		r.Median,
		r.Min,
		r.Max,
		r.Spread,
		r.SpreadPercent,
		r.BuyAverage,
		uint16(r.SourceCount),
		string(r.Reliability),
		r.SourceIDs(),
		outliers,
		string(details),
		string(outlierDetails),
	)
	if err != nil {
		s.l.Error("clickhouse save result error",
			logger.String("table", s.table),
			logger.String("indicator", r.IndicatorKey),
			logger.Error(err),
		)
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *CHResultStore) Latest(ctx context.Context, indicatorKey string) (*models.ConsensusResult, error) {
	q := fmt.Sprintf(`
        SELECT computed_at, indicator_key, average, median, min, max, spread, spread_percent,
               buy_average, source_count, reliability, source_details, outlier_details
        FROM %s
        WHERE indicator_key = ?
        ORDER BY computed_at DESC
        LIMIT 1`, s.table)

	var (
		r           models.ConsensusResult
		buyAvg      sql.NullFloat64
		sourceCount uint16
		reliability string
		details     string
		outliers    string
	)
	err := s.db.QueryRowContext(ctx, q, indicatorKey).Scan(
		&r.ComputedAt, &r.IndicatorKey, &r.Average, &r.Median, &r.Min, &r.Max,
		&r.Spread, &r.SpreadPercent, &buyAvg, &sourceCount, &reliability, &details, &outliers,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrIndicatorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest result: %w", err)
	}

	if buyAvg.Valid {
		r.BuyAverage = models.Float(buyAvg.Float64)
	}
	r.SourceCount = int(sourceCount)
	r.Reliability = models.Reliability(reliability)
	if err := json.Unmarshal([]byte(details), &r.SourceDetails); err != nil {
		return nil, fmt.Errorf("decode source details: %w", err)
	}
	if r.Outliers, err = unmarshalOutliers([]byte(outliers)); err != nil {
		return nil, err
	}
	return &r, nil
}

func marshalOutliers(outliers []models.RateRecord) ([]byte, error) {
	if outliers == nil {
		outliers = []models.RateRecord{}
	}
	b, err := json.Marshal(outliers)
	if err != nil {
		return nil, fmt.Errorf("marshal outliers: %w", err)
	}
	return b, nil
}

// unmarshalOutliers decodes a stored outlier list; rows written before the column existed
// decode to an empty list.
func unmarshalOutliers(b []byte) ([]models.RateRecord, error) {
	outliers := []models.RateRecord{}
	if len(b) == 0 {
		return outliers, nil
	}
	if err := json.Unmarshal(b, &outliers); err != nil {
		return nil, fmt.Errorf("decode outliers: %w", err)
	}
	if outliers == nil {
		outliers = []models.RateRecord{}
	}
	return outliers, nil
}

func (s *CHResultStore) SaveHealth(ctx context.Context, h models.HealthSnapshot) error {
	services, err := json.Marshal(h.PerDependency)
	if err != nil {
		return fmt.Errorf("marshal services: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (checked_at, status, services, error_count, warning_count) VALUES (?, ?, ?, ?, ?)`, healthTable)
	if _, err := s.db.ExecContext(ctx, q,
		h.LastCheckAt.UTC(),
		string(h.Status),
		string(services),
		uint32(h.ErrorCount),
		uint32(h.WarningCount),
	); err != nil {
		return fmt.Errorf("save health: %w", err)
	}
	return nil
}

func (s *CHResultStore) Name() string { return "clickhouse" }

// Prune deletes results and health rows older than before. ClickHouse deletes are
// asynchronous mutations, so the count is taken first.
func (s *CHResultStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, t := range []struct{ table, column string }{
		{s.table, "computed_at"},
		{healthTable, "checked_at"},
	} {
		var n uint64
		countQ := fmt.Sprintf("SELECT count() FROM %s WHERE %s < ?", t.table, t.column)
		if err := s.db.QueryRowContext(ctx, countQ, before.UTC()).Scan(&n); err != nil {
			return total, fmt.Errorf("count %s: %w", t.table, err)
		}
		if n == 0 {
			continue
		}
		deleteQ := fmt.Sprintf("ALTER TABLE %s DELETE WHERE %s < ?", t.table, t.column)
		if _, err := s.db.ExecContext(ctx, deleteQ, before.UTC()); err != nil {
			return total, fmt.Errorf("prune %s: %w", t.table, err)
		}
		total += int64(n)
	}
	return total, nil
}

func (s *CHResultStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the pool belongs to pkg/clickhouse.Client.
func (s *CHResultStore) Close() error {
	return nil
}
