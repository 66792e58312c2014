package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/viewkeys/internal/audit"
	"github.com/and161185/viewkeys/internal/registry"
)

// sweepBatch bounds the grants flipped per sweep so one pass never holds many row locks.
const sweepBatch = 500

// Sweeper keeps stored grant status tidy and drops audit rows past retention.
// Access decisions never depend on it; the registry evaluates expiry lazily.
type Sweeper struct {
	registry *registry.Registry
	audit    *audit.Log
	log      *zap.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(r *registry.Registry, a *audit.Log, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{registry: r, audit: a, log: log}
}

// Once runs one pass and reports how many grants expired and audit rows
// were purged.
func (s *Sweeper) Once(ctx context.Context) (expired int, purged int64, err error) {
	for {
		n, err := s.registry.SweepExpired(ctx, sweepBatch)
		expired += n
		if err != nil {
			return expired, 0, err
		}
		if n < sweepBatch {
			break
		}
	}
	if s.audit != nil {
		purged, err = s.audit.Purge(ctx, s.audit.Horizon())
		if err != nil {
			return expired, 0, err
		}
	}
	return expired, purged, nil
}

// Run calls Once every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			expired, purged, err := s.Once(ctx)
			if err != nil {
				s.log.Warn("sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 || purged > 0 {
				s.log.Info("sweep", zap.Int("expired", expired), zap.Int64("purged", purged))
			}
		}
	}
}
