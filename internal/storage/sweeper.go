package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper periodically removes expired grants and KV entries
type Sweeper struct {
	store    Storage
	interval time.Duration
	logger   *logrus.Logger
	now      func() time.Time

	// OnSweep is called with the number of removed grants and entries
	OnSweep func(grants, entries int)
}

// NewSweeper creates a sweeper; a non-positive interval defaults to one minute
func NewSweeper(store Storage, interval time.Duration, logger *logrus.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep pass
func (s *Sweeper) SweepOnce(ctx context.Context) (int, int) {
	now := s.now()

	grants, err := s.store.SweepGrants(ctx, now)
	if err != nil {
		s.logger.Errorf("❌ Failed to sweep expired grants: %v", err)
	}
	entries, err := s.store.SweepKV(ctx, now)
	if err != nil {
		s.logger.Errorf("❌ Failed to sweep expired entries: %v", err)
	}

	if grants > 0 || entries > 0 {
		s.logger.Debugf("🧹 Swept %d expired grants and %d expired entries", grants, entries)
	}
	if s.OnSweep != nil {
		s.OnSweep(grants, entries)
	}
	return grants, entries
}
