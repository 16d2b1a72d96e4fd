package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
	"github.com/davidleathers/compliance-tracker/internal/metrics"
)

// MetricsCache is a read-through cache in front of a MetricsSource. Cache
// failures degrade to reading the source directly.
type MetricsCache struct {
	source   compliance.MetricsSource
	recorder compliance.MetricsRecorder
	cache    Cache
	ttl      time.Duration
	logger   *zap.Logger
	registry *metrics.Registry
}

var (
	_ compliance.MetricsSource   = (*MetricsCache)(nil)
	_ compliance.MetricsRecorder = (*MetricsCache)(nil)
)

// NewMetricsCache decorates source with cache. When source also implements
// compliance.MetricsRecorder, RecordMetrics writes through to it. registry
// may be nil.
func NewMetricsCache(source compliance.MetricsSource, cache Cache, ttl time.Duration, logger *zap.Logger, registry *metrics.Registry) *MetricsCache {
	if ttl <= 0 {
		ttl = DefaultMetricsTTL
	}
	recorder, _ := source.(compliance.MetricsRecorder)
	return &MetricsCache{
		source:   source,
		recorder: recorder,
		cache:    cache,
		ttl:      ttl,
		logger:   logger.Named("metrics_cache"),
		registry: registry,
	}
}

// FetchMetrics returns cached metrics when present, otherwise reads the
// source and populates the cache.
func (c *MetricsCache) FetchMetrics(ctx context.Context) (*compliance.Metrics, error) {
	var cached compliance.Metrics
	err := c.cache.GetJSON(ctx, MetricsKey, &cached)
	switch {
	case err == nil:
		c.recordLookup(ctx, true)
		return &cached, nil
	case errors.As(err, &ErrCacheKeyNotFound{}):
		c.recordLookup(ctx, false)
	default:
		c.recordLookup(ctx, false)
		c.logger.Warn("metrics cache read failed, falling back to source", zap.Error(err))
	}

	m, err := c.source.FetchMetrics(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.cache.SetJSON(ctx, MetricsKey, m, c.ttl); err != nil {
		c.logger.Warn("metrics cache write failed", zap.Error(err))
	}
	return m, nil
}

// RecordMetrics writes m to the underlying recorder and drops the cached
// copy. A failed invalidation is logged; the stale entry expires with its TTL.
func (c *MetricsCache) RecordMetrics(ctx context.Context, m compliance.Metrics) error {
	if c.recorder == nil {
		return errors.New("metrics source does not record snapshots")
	}
	if err := c.recorder.RecordMetrics(ctx, m); err != nil {
		return err
	}
	if err := c.Invalidate(ctx); err != nil {
		c.logger.Warn("metrics cache invalidation failed", zap.Error(err))
	}
	return nil
}

// Invalidate drops the cached metrics so the next fetch reads the source
func (c *MetricsCache) Invalidate(ctx context.Context) error {
	return c.cache.Delete(ctx, MetricsKey)
}

func (c *MetricsCache) recordLookup(ctx context.Context, hit bool) {
	if c.registry != nil {
		c.registry.RecordCacheLookup(ctx, hit)
	}
}
