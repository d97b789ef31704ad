package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateFusion/internal/domain/models"
)

func TestRecorderTaskRuns(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewWithRegistry(reg)

	r.RecordTaskRun("refresh_dollar", "completed", 0.2)
	r.RecordTaskRun("refresh_dollar", "completed", 0.3)
	r.RecordTaskRun("refresh_dollar", "failed", 0.1)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.taskRuns.WithLabelValues("refresh_dollar", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.taskRuns.WithLabelValues("refresh_dollar", "failed")))
}

func TestRecorderHealthIsOneHot(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewWithRegistry(reg)

	r.RecordHealth(models.HealthDegraded)

	assert.Equal(t, 0.0, testutil.ToFloat64(r.health.WithLabelValues("healthy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.health.WithLabelValues("degraded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.health.WithLabelValues("unhealthy")))
}

func TestRecorderConsensus(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewWithRegistry(reg)

	r.RecordConsensus(&models.ConsensusResult{IndicatorKey: "blue", Average: 1180, SpreadPercent: 0.85, SourceCount: 3})

	assert.Equal(t, 1180.0, testutil.ToFloat64(r.consensus.WithLabelValues("blue")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.sourceCount.WithLabelValues("blue")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
