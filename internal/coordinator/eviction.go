package coordinator

import (
	"context"
	"time"

	"github.com/ashureev/delfos/internal/convlog"
	"github.com/ashureev/delfos/internal/metrics"
)

// EvictionConfig controls the idle-session sweeper.
type EvictionConfig struct {
	IdleTTL  time.Duration
	Interval time.Duration
}

// StartEvictionWorker runs a background goroutine that periodically evicts
// idle sessions from memory and deletes persisted sessions older than the
// idle TTL. It stops when ctx is done.
func (c *Coordinator) StartEvictionWorker(ctx context.Context, cfg EvictionConfig) {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 60 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}

	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer ticker.Stop()
		c.logger.Info("Session eviction worker started", "interval", cfg.Interval, "idle_ttl", cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				c.evictIdleSessions(ctx, cfg.IdleTTL)
			case <-ctx.Done():
				c.logger.Info("Session eviction worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// evictIdleSessions performs one sweep.
func (c *Coordinator) evictIdleSessions(ctx context.Context, ttl time.Duration) {
	evicted := c.sessions.EvictIdle(ttl)
	metrics.SetActiveSessions(c.sessions.Len())
	if len(evicted) > 0 {
		metrics.AddEvictedSessions(len(evicted))
		c.logger.Info("Evicted idle sessions", "count", len(evicted))
		for _, id := range evicted {
			c.convlog.Log(convlog.Event{
				SessionID: id,
				Direction: convlog.DirectionInternal,
				EventType: convlog.EventSessionEvicted,
			})
		}
	}

	if c.store == nil {
		return
	}
	deleted, err := c.store.CleanupExpiredSessions(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("Session cleanup interrupted by shutdown", "error", err)
			return
		}
		c.logger.Error("Failed to cleanup expired sessions", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("Deleted expired persisted sessions", "count", deleted)
	}
}
