package usecase

import (
	"context"
	"errors"
	"time"

	"RateFusion/internal/domain/repository"
	"RateFusion/pkg/logger"
)

// RetentionCleaner prunes stored rows older than the retention window.
type RetentionCleaner struct {
	pruners   []repository.Pruner
	retention time.Duration
	metrics   repository.Metrics
	logger    *logger.Logger
	now       func() time.Time
}

func NewRetentionCleaner(retention time.Duration, metrics repository.Metrics, log *logger.Logger, pruners ...repository.Pruner) *RetentionCleaner {
	return &RetentionCleaner{
		pruners:   pruners,
		retention: retention,
		metrics:   metrics,
		logger:    log,
		now:       time.Now,
	}
}

// Run prunes every store; a failing store does not stop the others.
func (c *RetentionCleaner) Run(ctx context.Context) error {
	cutoff := c.now().Add(-c.retention)

	var errs []error
	for _, p := range c.pruners {
		n, err := p.Prune(ctx, cutoff)
		if err != nil {
			c.metrics.RecordError("cleanup")
			c.logger.Error("Cleanup failed", logger.String("store", p.Name()), logger.Error(err))
			errs = append(errs, err)
			continue
		}
		c.logger.Info("Old data removed",
			logger.String("store", p.Name()),
			logger.Int64("rows", n),
			logger.Time("before", cutoff),
		)
	}
	return errors.Join(errs...)
}

// Stores reports how many stores are pruned.
func (c *RetentionCleaner) Stores() int {
	return len(c.pruners)
}
