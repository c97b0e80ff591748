package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"attendmax/internal/artifact"
	"attendmax/internal/metrics"
)

// Sweeper evicts expired tokens from the registry and deletes their QR
// images. It runs for the lifetime of the process; Run only returns when
// its context is cancelled.
type Sweeper struct {
	registry  *Registry
	artifacts artifact.Store
	interval  time.Duration
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewSweeper creates a sweeper that checks for expired tokens every interval.
func NewSweeper(registry *Registry, artifacts artifact.Store, interval time.Duration, logger *zap.SugaredLogger) *Sweeper {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Sweeper{
		registry:  registry,
		artifacts: artifacts,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the sweeper's time source. Tests only.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Run loops until ctx is cancelled. A panic inside one tick is recovered and
// logged so a bad entry can never kill the loop.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("sweeper stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("sweep panic recovered: %v", r)
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one eviction pass. Artifact deletion is best-effort: a failure
// is logged and the token is still evicted, leaving at worst an orphaned
// image behind.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	for _, tok := range s.registry.Snapshot() {
		if tok.Live(now) {
			continue
		}
		s.registry.Remove(tok.Value)
		metrics.SweepEvictions.Inc()
		if err := s.artifacts.Delete(ctx, tok.Value); err != nil {
			s.logger.Errorf("delete qr image for %s: %v", tok.Value, err)
		}
	}
}
