package daemon

import (
	"context"
	"time"

	"github.com/msgvault/msgvault/internal/config"
	"github.com/msgvault/msgvault/internal/media"
	"github.com/msgvault/msgvault/internal/metrics"
	"github.com/msgvault/msgvault/internal/store"
	"go.uber.org/zap"
)

// Sweeper enforces the cache bounds in the background: TTL cleanup of
// stale conversations and size-bounded eviction, least recently accessed
// first. Every pass is best-effort; a failed sweep is logged and retried
// on the next tick.
type Sweeper struct {
	db      *store.DB
	manager *media.Manager
	metrics *metrics.Metrics
	logger  *zap.Logger

	retentionDays int
	maxBytes      int64
	interval      time.Duration

	cancel context.CancelFunc
}

// NewSweeper creates a sweeper from the cache configuration.
func NewSweeper(db *store.DB, manager *media.Manager, m *metrics.Metrics, cfg config.CacheConfig, logger *zap.Logger) *Sweeper {
	interval := time.Duration(cfg.SweepMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		db:            db,
		manager:       manager,
		metrics:       m,
		logger:        logger,
		retentionDays: cfg.RetentionDays,
		maxBytes:      cfg.MaxBytes,
		interval:      interval,
	}
}

// Start runs an immediate sweep and then one per interval.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		s.sweep()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sweeper) sweep() {
	if s.retentionDays > 0 {
		removed, err := s.db.CleanupExpired(s.retentionDays)
		if err != nil {
			s.logger.Warn("ttl cleanup failed", zap.Error(err))
		} else if removed > 0 {
			s.logger.Info("ttl cleanup removed messages", zap.Int64("count", removed))
		}
	}

	if s.maxBytes > 0 {
		snap, err := s.db.Snapshot()
		if err != nil {
			s.logger.Warn("cache footprint check failed", zap.Error(err))
			return
		}
		if snap.MessageBytes > s.maxBytes {
			freed, err := s.db.EvictOldestChats(snap.MessageBytes - s.maxBytes)
			if err != nil {
				s.logger.Warn("chat eviction failed", zap.Error(err))
			} else if freed > 0 {
				s.metrics.Eviction("chat")
				s.logger.Info("evicted conversations to reclaim space", zap.Int64("bytes", freed))
			}
		}
	}
}
