package sysmetrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateFusion/pkg/logger"
	"RateFusion/pkg/metrics"
)

type stubSampler struct {
	usage Usage
	err   error
}

func (s stubSampler) Sample(context.Context) (Usage, error) { return s.usage, s.err }

type usageRecorder struct {
	metrics.Nop
	usage  map[string]float64
	errors []string
}

func (r *usageRecorder) RecordSystemUsage(resource string, pct float64) {
	if r.usage == nil {
		r.usage = map[string]float64{}
	}
	r.usage[resource] = pct
}

func (r *usageRecorder) RecordError(kind string) { r.errors = append(r.errors, kind) }

func TestCollectPublishesGauges(t *testing.T) {
	rec := &usageRecorder{}
	c := NewCollector(stubSampler{usage: Usage{CPU: 91.5, Memory: 40, Disk: 12}}, DefaultThresholds, rec, logger.NewNop())

	require.NoError(t, c.Collect(context.Background()))

	assert.Equal(t, map[string]float64{
		ResourceCPU:    91.5,
		ResourceMemory: 40,
		ResourceDisk:   12,
	}, rec.usage)
}

func TestCollectSamplerError(t *testing.T) {
	rec := &usageRecorder{}
	c := NewCollector(stubSampler{err: errors.New("proc not mounted")}, DefaultThresholds, rec, logger.NewNop())

	assert.Error(t, c.Collect(context.Background()))
	assert.Equal(t, []string{"system_metrics"}, rec.errors)
	assert.Empty(t, rec.usage)
}
