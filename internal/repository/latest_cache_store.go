package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"RateFusion/internal/domain/models"
	"RateFusion/internal/domain/repository"
	"RateFusion/pkg/cache"
)

const latestPrefix = "latest"

// CacheLatestStore keeps last known good results in the cache and, on a miss,
// falls back to the persisted store when one is configured. Without a fallback the cache
// holds the only copy, so entries are written without a TTL and live until replaced.
type CacheLatestStore struct {
	cache    cache.Service
	ttl      time.Duration
	fallback repository.ResultReader
}

func NewCacheLatestStore(c cache.Service, ttl time.Duration, fallback repository.ResultReader) *CacheLatestStore {
	if fallback == nil {
		ttl = 0
	}
	return &CacheLatestStore{cache: c, ttl: ttl, fallback: fallback}
}

func (s *CacheLatestStore) Put(ctx context.Context, r *models.ConsensusResult) error {
	return cache.SetJSON(ctx, s.cache, cache.Key(latestPrefix, r.IndicatorKey), r, s.ttl)
}

func (s *CacheLatestStore) Get(ctx context.Context, indicatorKey string) (*models.ConsensusResult, error) {
	r, err := cache.GetJSON[models.ConsensusResult](ctx, s.cache, cache.Key(latestPrefix, indicatorKey))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	if s.fallback == nil {
		return nil, models.ErrIndicatorNotFound
	}

	r, err = s.fallback.Latest(ctx, indicatorKey)
	if err != nil {
		return nil, err
	}
	_ = s.Put(ctx, r)
	return r, nil
}
