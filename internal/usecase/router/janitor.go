package router

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Janitor periodically unloads idle backends and retunes fallback thresholds.
type Janitor struct {
	orch           *Orchestrator
	idleAfter      time.Duration
	adjustInterval time.Duration
	tick           time.Duration
	logger         *zap.Logger
}

// NewJanitor creates a janitor. A zero idleAfter disables unloading and a zero
// adjustInterval disables threshold tuning.
func NewJanitor(orch *Orchestrator, idleAfter, adjustInterval time.Duration, logger *zap.Logger) *Janitor {
	tick := time.Minute
	for _, d := range []time.Duration{idleAfter, adjustInterval} {
		if d > 0 && d < tick {
			tick = d
		}
	}
	return &Janitor{
		orch:           orch,
		idleAfter:      idleAfter,
		adjustInterval: adjustInterval,
		tick:           tick,
		logger:         logger,
	}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j.idleAfter <= 0 && j.adjustInterval <= 0 {
		return
	}

	ticker := time.NewTicker(j.tick)
	defer ticker.Stop()

	lastAdjust := time.Now()
	for {
		select {
		case <-ctx.Done():
			j.logger.Debug("Janitor stopped")
			return
		case now := <-ticker.C:
			if j.idleAfter > 0 {
				j.orch.UnloadIdle(ctx, j.idleAfter)
			}
			if j.adjustInterval > 0 && now.Sub(lastAdjust) >= j.adjustInterval {
				j.orch.AdjustAll()
				lastAdjust = now
			}
		}
	}
}
