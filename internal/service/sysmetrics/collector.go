package sysmetrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"RateFusion/internal/domain/repository"
	"RateFusion/pkg/logger"
)

const (
	ResourceCPU    = "cpu"
	ResourceMemory = "memory"
	ResourceDisk   = "disk"
)

// Thresholds are the usage percentages above which a warning is logged.
type Thresholds struct {
	CPU    float64
	Memory float64
	Disk   float64
}

var DefaultThresholds = Thresholds{CPU: 80, Memory: 80, Disk: 90}

// Usage is one sample of host resource usage, in percent.
type Usage struct {
	CPU    float64
	Memory float64
	Disk   float64
}

// Sampler reads host usage.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

type hostSampler struct {
	diskPath string
}

// NewHostSampler samples the local host through gopsutil.
func NewHostSampler(diskPath string) Sampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &hostSampler{diskPath: diskPath}
}

func (s *hostSampler) Sample(ctx context.Context) (Usage, error) {
	var u Usage

	// zero interval compares against the previous call
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return u, fmt.Errorf("cpu: %w", err)
	}
	if len(cpuPct) > 0 {
		u.CPU = cpuPct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("memory: %w", err)
	}
	u.Memory = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return u, fmt.Errorf("disk: %w", err)
	}
	u.Disk = du.UsedPercent

	return u, nil
}

// Collector publishes resource usage gauges and warns past thresholds.
type Collector struct {
	sampler    Sampler
	thresholds Thresholds
	metrics    repository.Metrics
	logger     *logger.Logger
}

func NewCollector(sampler Sampler, thresholds Thresholds, metrics repository.Metrics, log *logger.Logger) *Collector {
	return &Collector{
		sampler:    sampler,
		thresholds: thresholds,
		metrics:    metrics,
		logger:     log,
	}
}

// Collect takes one sample. It is registered as the system_metrics task.
func (c *Collector) Collect(ctx context.Context) error {
	u, err := c.sampler.Sample(ctx)
	if err != nil {
		c.metrics.RecordError("system_metrics")
		return fmt.Errorf("sample system usage: %w", err)
	}

	c.check(ResourceCPU, u.CPU, c.thresholds.CPU)
	c.check(ResourceMemory, u.Memory, c.thresholds.Memory)
	c.check(ResourceDisk, u.Disk, c.thresholds.Disk)

	c.logger.Debug("System usage",
		logger.Float64("cpu_percent", u.CPU),
		logger.Float64("memory_percent", u.Memory),
		logger.Float64("disk_percent", u.Disk),
	)
	return nil
}

func (c *Collector) check(resource string, pct, limit float64) {
	c.metrics.RecordSystemUsage(resource, pct)
	if limit > 0 && pct > limit {
		c.logger.Warn("High resource usage",
			logger.String("resource", resource),
			logger.Float64("percent", pct),
			logger.Float64("threshold", limit),
		)
	}
}
