// Package cache combines a shared remote cache with an in-process fallback.
// Every operation fails open: a remote error is logged and the call is
// served by the local backend instead, so callers never block on the cache.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/discovery"
	"github.com/JakeFAU/techevents-crawler/internal/metrics"
)

// Dual serves from remote when it is reachable and from local otherwise.
type Dual struct {
	remote   discovery.Cache
	local    discovery.Cache
	logger   *zap.Logger
	degraded atomic.Bool
}

// NewDual wires the two backends. remote may be nil, in which case every
// call goes to local.
func NewDual(remote, local discovery.Cache, logger *zap.Logger) *Dual {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dual{remote: remote, local: local, logger: logger}
}

// Get reads through remote, then local.
func (d *Dual) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if d.remote != nil {
		val, ok, err := d.remote.Get(ctx, key)
		if err == nil {
			d.recovered()
			return val, ok, nil
		}
		d.degrade("get", err)
	}
	val, ok, err := d.local.Get(ctx, key)
	if err != nil {
		d.logger.Debug("local cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return val, ok, nil
}

// Set writes through remote, falling back to local.
func (d *Dual) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if d.remote != nil {
		err := d.remote.Set(ctx, key, value, ttl)
		if err == nil {
			d.recovered()
			return nil
		}
		d.degrade("set", err)
	}
	if err := d.local.Set(ctx, key, value, ttl); err != nil {
		d.logger.Debug("local cache set failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Incr increments on remote, falling back to local. A failure on both
// backends reports a zero count so rate limiting allows the request.
func (d *Dual) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if d.remote != nil {
		n, err := d.remote.Incr(ctx, key, ttl)
		if err == nil {
			d.recovered()
			return n, nil
		}
		d.degrade("incr", err)
	}
	n, err := d.local.Incr(ctx, key, ttl)
	if err != nil {
		d.logger.Debug("local cache incr failed", zap.String("key", key), zap.Error(err))
		return 0, nil
	}
	return n, nil
}

// Degraded reports whether the last remote call failed.
func (d *Dual) Degraded() bool {
	return d.degraded.Load()
}

func (d *Dual) degrade(op string, err error) {
	metrics.ObserveCacheFallback(op)
	if d.degraded.CompareAndSwap(false, true) {
		d.logger.Warn("remote cache unavailable, using local cache", zap.String("op", op), zap.Error(err))
		return
	}
	d.logger.Debug("remote cache call failed", zap.String("op", op), zap.Error(err))
}

func (d *Dual) recovered() {
	if d.degraded.CompareAndSwap(true, false) {
		d.logger.Info("remote cache recovered")
	}
}
