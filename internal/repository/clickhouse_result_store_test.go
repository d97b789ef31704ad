package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateFusion/internal/domain/models"
	"RateFusion/pkg/logger"
)

// passthrough lets array arguments reach the mock the way clickhouse-go accepts them.
type passthrough struct{}

func (passthrough) ConvertValue(v interface{}) (driver.Value, error) { return v, nil }

var computedAt = time.Date(2025, 3, 14, 15, 0, 0, 0, time.UTC)

func sampleResult() *models.ConsensusResult {
	return &models.ConsensusResult{
		IndicatorKey:  "blue",
		Average:       1181.67,
		Median:        1180,
		Min:           1180,
		Max:           1185,
		Spread:        5,
		SpreadPercent: 0.42,
		SourceCount:   3,
		Reliability:   models.ReliabilityHigh,
		Outliers:      []models.RateRecord{},
		SourceDetails: []models.RateRecord{
			{SourceID: "bluelytics", IndicatorKey: "blue", SellPrice: models.Float(1180), CapturedAt: computedAt},
			{SourceID: "dolarapi", IndicatorKey: "blue", SellPrice: models.Float(1185), CapturedAt: computedAt},
			{SourceID: "dolarsi", IndicatorKey: "blue", SellPrice: models.Float(1180), CapturedAt: computedAt},
		},
		ComputedAt: computedAt,
	}
}

func newCHStore(t *testing.T) (*CHResultStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthrough{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewCHResultStore(db, "consensus_results", logger.NewNop()), mock
}

func TestCHResultStoreSave(t *testing.T) {
	s, mock := newCHStore(t)

	mock.ExpectExec("INSERT INTO consensus_results").
		WithArgs(computedAt, "blue", 1181.67, 1180.0, 1180.0, 1185.0, 5.0, 0.42,
			sqlmock.AnyArg(), uint16(3), "high",
			[]string{"bluelytics", "dolarapi", "dolarsi"}, []string{}, sqlmock.AnyArg(), "[]").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Save(context.Background(), sampleResult()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCHResultStoreSaveError(t *testing.T) {
	s, mock := newCHStore(t)
	mock.ExpectExec("INSERT INTO consensus_results").WillReturnError(errors.New("code: 241, memory limit exceeded"))

	assert.Error(t, s.Save(context.Background(), sampleResult()))
}

func TestCHResultStoreLatest(t *testing.T) {
	s, mock := newCHStore(t)

	rows := sqlmock.NewRows([]string{
		"computed_at", "indicator_key", "average", "median", "min", "max", "spread", "spread_percent",
		"buy_average", "source_count", "reliability", "source_details", "outlier_details",
	}).AddRow(computedAt, "blue", 1181.67, 1180.0, 1180.0, 1185.0, 5.0, 0.42, nil, uint16(3), "high",
		`[{"source_id":"bluelytics","indicator_key":"blue","sell_price":1180,"captured_at":"2025-03-14T15:00:00Z"}]`,
		`[{"source_id":"dolarsi","indicator_key":"blue","sell_price":1400,"captured_at":"2025-03-14T15:00:00Z"}]`)
	mock.ExpectQuery("FROM consensus_results").WithArgs("blue").WillReturnRows(rows)

	r, err := s.Latest(context.Background(), "blue")
	require.NoError(t, err)
	assert.Equal(t, 3, r.SourceCount)
	assert.Equal(t, models.ReliabilityHigh, r.Reliability)
	assert.Nil(t, r.BuyAverage)
	require.Len(t, r.SourceDetails, 1)
	assert.Equal(t, 1180.0, *r.SourceDetails[0].SellPrice)
	require.Len(t, r.Outliers, 1)
	assert.Equal(t, "dolarsi", r.Outliers[0].SourceID)
	assert.Equal(t, 1400.0, *r.Outliers[0].SellPrice)
}

func TestCHResultStoreSaveKeepsOutliers(t *testing.T) {
	s, mock := newCHStore(t)

	res := sampleResult()
	res.Outliers = []models.RateRecord{
		{SourceID: "dolarsi", IndicatorKey: "blue", SellPrice: models.Float(1400), CapturedAt: computedAt},
	}
	mock.ExpectExec("INSERT INTO consensus_results").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), []string{"dolarsi"}, sqlmock.AnyArg(),
			`[{"source_id":"dolarsi","indicator_key":"blue","sell_price":1400,"captured_at":"2025-03-14T15:00:00Z"}]`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Save(context.Background(), res))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnmarshalOutliersOfOlderRows(t *testing.T) {
	outliers, err := unmarshalOutliers(nil)
	require.NoError(t, err)
	assert.NotNil(t, outliers)
	assert.Empty(t, outliers)

	outliers, err = unmarshalOutliers([]byte("null"))
	require.NoError(t, err)
	assert.NotNil(t, outliers)

	_, err = unmarshalOutliers([]byte("{"))
	assert.Error(t, err)
}

func TestCHResultStoreLatestNotFound(t *testing.T) {
	s, mock := newCHStore(t)
	mock.ExpectQuery("FROM consensus_results").WithArgs("ccl").
		WillReturnRows(sqlmock.NewRows([]string{"computed_at"}))

	_, err := s.Latest(context.Background(), "ccl")
	assert.ErrorIs(t, err, models.ErrIndicatorNotFound)
}

func TestCHResultStorePrune(t *testing.T) {
	s, mock := newCHStore(t)
	before := computedAt.Add(-90 * 24 * time.Hour)

	mock.ExpectQuery("SELECT count\\(\\) FROM consensus_results").WithArgs(before).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(uint64(12)))
	mock.ExpectExec("ALTER TABLE consensus_results DELETE").WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count\\(\\) FROM service_health").WithArgs(before).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(uint64(0)))

	n, err := s.Prune(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCHResultStoreSaveHealth(t *testing.T) {
	s, mock := newCHStore(t)
	mock.ExpectExec("INSERT INTO service_health").
		WithArgs(computedAt, "degraded", `{"bluelytics":false,"clickhouse":true}`, uint32(0), uint32(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.SaveHealth(context.Background(), models.HealthSnapshot{
		Status:        models.HealthDegraded,
		PerDependency: map[string]bool{"clickhouse": true, "bluelytics": false},
		LastCheckAt:   computedAt,
		WarningCount:  4,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCHResultStoreInit(t *testing.T) {
	s, mock := newCHStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS consensus_results").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS service_health").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Init(context.Background(), 30*24*time.Hour))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, s.Schema(30 * 24 * time.Hour)[0], "INTERVAL 30 DAY")
}
