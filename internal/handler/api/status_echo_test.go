package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateFusion/internal/domain/models"
	xlogger "RateFusion/pkg/logger"
)

type fakeTasks struct {
	tasks map[string]models.TaskSnapshot
}

func (f *fakeTasks) GetStatus() models.SchedulerStatus {
	return models.SchedulerStatus{Running: true, UptimeSeconds: 42, Tasks: f.tasks}
}

func (f *fakeTasks) Enable(name string) bool  { return f.set(name, true) }
func (f *fakeTasks) Disable(name string) bool { return f.set(name, false) }

func (f *fakeTasks) set(name string, enabled bool) bool {
	t, ok := f.tasks[name]
	if !ok {
		return false
	}
	t.Enabled = enabled
	f.tasks[name] = t
	return true
}

type fakeHealth struct{ snap models.HealthSnapshot }

func (f fakeHealth) Snapshot() models.HealthSnapshot { return f.snap }

type fakeLatest struct {
	results map[string]*models.ConsensusResult
	err     error
}

func (f *fakeLatest) Put(context.Context, *models.ConsensusResult) error { return nil }

func (f *fakeLatest) Get(_ context.Context, key string) (*models.ConsensusResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.results[key]
	if !ok {
		return nil, models.ErrIndicatorNotFound
	}
	return r, nil
}

var computedAt = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestServer(health models.HealthStatus, latest *fakeLatest) (*echo.Echo, *fakeTasks) {
	tasks := &fakeTasks{tasks: map[string]models.TaskSnapshot{
		"refresh_dollar": {Status: models.TaskCompleted, Interval: 15 * time.Minute, Enabled: true},
	}}
	h := NewStatusEchoHandler(xlogger.NewNop(), tasks, fakeHealth{snap: models.HealthSnapshot{
		Status:        health,
		PerDependency: map[string]bool{"clickhouse": health == models.HealthHealthy},
	}}, latest)
	h.now = func() time.Time { return computedAt.Add(90 * time.Second) }

	e := echo.New()
	h.RegisterRoutes(e)
	return e, tasks
}

func do(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestStatus(t *testing.T) {
	e, _ := newTestServer(models.HealthHealthy, &fakeLatest{})

	rec := do(e, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.SchedulerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Running)
	assert.Contains(t, got.Tasks, "refresh_dollar")
}

func TestHealthStatusCodes(t *testing.T) {
	tests := []struct {
		status models.HealthStatus
		code   int
	}{
		{models.HealthHealthy, http.StatusOK},
		{models.HealthDegraded, http.StatusOK},
		{models.HealthUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			e, _ := newTestServer(tt.status, &fakeLatest{})
			rec := do(e, http.MethodGet, "/api/health")
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), `"status":"`+string(tt.status)+`"`)
		})
	}
}

func TestIndicatorFound(t *testing.T) {
	latest := &fakeLatest{results: map[string]*models.ConsensusResult{
		"blue": {IndicatorKey: "blue", Average: 1181.67, Median: 1180, SourceCount: 3, Reliability: models.ReliabilityHigh, ComputedAt: computedAt},
	}}
	e, _ := newTestServer(models.HealthHealthy, latest)

	rec := do(e, http.MethodGet, "/api/indicators/blue")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status int `json:"status"`
		Data   struct {
			IndicatorKey string  `json:"indicator_key"`
			Median       float64 `json:"median"`
			AgeSeconds   float64 `json:"age_seconds"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "blue", body.Data.IndicatorKey)
	assert.Equal(t, 1180.0, body.Data.Median)
	assert.Equal(t, 90.0, body.Data.AgeSeconds)
}

func TestIndicatorNotFound(t *testing.T) {
	e, _ := newTestServer(models.HealthHealthy, &fakeLatest{})

	rec := do(e, http.MethodGet, "/api/indicators/mep")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_NOT_FOUND")
}

func TestIndicatorStoreFailure(t *testing.T) {
	e, _ := newTestServer(models.HealthHealthy, &fakeLatest{err: errors.New("redis: connection refused")})

	rec := do(e, http.MethodGet, "/api/indicators/blue")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestToggleTask(t *testing.T) {
	e, tasks := newTestServer(models.HealthHealthy, &fakeLatest{})

	rec := do(e, http.MethodPost, "/api/tasks/refresh_dollar/disable")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, tasks.tasks["refresh_dollar"].Enabled)

	rec = do(e, http.MethodPost, "/api/tasks/refresh_dollar/enable")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, tasks.tasks["refresh_dollar"].Enabled)
}

func TestToggleUnknownTask(t *testing.T) {
	e, _ := newTestServer(models.HealthHealthy, &fakeLatest{})

	rec := do(e, http.MethodPost, "/api/tasks/nope/enable")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"nope"`)

	assert.ErrorIs(t, taskNotFound("nope"), models.ErrTaskNotFound)
}
