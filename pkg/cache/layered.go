package cache

import (
	"context"
	"errors"
	"time"
)

// LayeredCache reads through a fast L1 to a shared L2 and writes through both.
type LayeredCache struct {
	l1 Service
	l2 Service
}

// NewLayeredCache stacks l1 (usually memory) over l2 (usually Redis).
func NewLayeredCache(l1, l2 Service) *LayeredCache {
	return &LayeredCache{l1: l1, l2: l2}
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if err := lc.l2.Set(ctx, key, value, expiration); err != nil {
		return err
	}
	return lc.l1.Set(ctx, key, value, expiration)
}

func (lc *LayeredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if data, err := lc.l1.Get(ctx, key); err == nil {
		return data, nil
	}

	data, err := lc.l2.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	// L1 only lives as long as the process; TTL is not carried over from L2
	_ = lc.l1.Set(ctx, key, data, 0)
	return data, nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.l1.Delete(ctx, keys...)
	return lc.l2.Delete(ctx, keys...)
}

func (lc *LayeredCache) Exists(ctx context.Context, key string) (bool, error) {
	if ok, _ := lc.l1.Exists(ctx, key); ok {
		return true, nil
	}
	return lc.l2.Exists(ctx, key)
}

// Close closes both layers.
func (lc *LayeredCache) Close() error {
	return errors.Join(lc.l1.Close(), lc.l2.Close())
}
