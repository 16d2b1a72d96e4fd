package compliance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/compliance-tracker/internal/domain/compliance"
)

// MetricsFetcher is the part of the Tracker the Refresher drives
type MetricsFetcher interface {
	FetchMetrics(ctx context.Context) (compliance.Metrics, error)
}

// Refresher periodically refreshes tracker metrics in the background
type Refresher struct {
	logger   *zap.Logger
	fetcher  MetricsFetcher
	interval time.Duration
	timeout  time.Duration
}

// NewRefresher creates a refresher. Each fetch is bounded by the interval so
// a hung source cannot stack up fetches.
func NewRefresher(logger *zap.Logger, fetcher MetricsFetcher, interval time.Duration) *Refresher {
	return &Refresher{
		logger:   logger.Named("refresher"),
		fetcher:  fetcher,
		interval: interval,
		timeout:  interval,
	}
}

// Run fetches once immediately and then on every tick until ctx is done. A
// non-positive interval disables periodic refresh after the first fetch.
func (r *Refresher) Run(ctx context.Context) {
	r.refresh(ctx)

	if r.interval <= 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Metrics refresher started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Metrics refresher stopped")
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	fetchCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	// Failures are already surfaced by the tracker; keep the loop alive.
	if _, err := r.fetcher.FetchMetrics(fetchCtx); err != nil {
		r.logger.Warn("Scheduled metrics refresh failed", zap.Error(err))
	}
}
