package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/caasio/auth-core/internal/telemetry"
)

// Cleaner sweeps expired session records on an interval. Expired
// sessions read as missing immediately; the sweep only reclaims
// storage and settles the active-session gauge.
type Cleaner struct {
	store    *Store
	metrics  *telemetry.Metrics
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewCleaner creates a Cleaner.
func NewCleaner(store *Store, metrics *telemetry.Metrics, interval time.Duration, logger *zap.Logger) *Cleaner {
	return &Cleaner{store: store, metrics: metrics, interval: interval, logger: logger, now: time.Now}
}

// Run sweeps until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				c.logger.Info("session sweep", zap.Int("removed", removed))
			}
		}
	}
}

// Sweep removes every expired session record. Safe to run concurrently
// with live traffic and repeatedly: already-removed sessions are
// skipped.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	ids, err := c.store.AllSessionIDs(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now()
	removed := 0
	for _, id := range ids {
		sess, ok, err := c.store.Raw(ctx, id)
		if err != nil {
			return removed, err
		}
		if !ok || !sess.Expired(now) {
			continue
		}
		if err := c.store.Remove(ctx, id, sess.UserID); err != nil {
			return removed, err
		}
		c.metrics.ActiveSessions.Dec()
		removed++
	}
	return removed, nil
}
