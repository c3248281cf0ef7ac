package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultRepairInterval is how often the server retries stale profiles.
const DefaultRepairInterval = 5 * time.Minute

// StaleRepairer periodically recomputes profiles whose last recompute
// failed, so a transient outage does not leave scores stale until the
// customer's next write.
type StaleRepairer struct {
	engine   *Engine
	lister   CustomerLister
	logger   *slog.Logger
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
	lastRun  atomic.Pointer[BulkResult]
}

// NewStaleRepairer creates a repair worker. A non-positive interval uses
// DefaultRepairInterval.
func NewStaleRepairer(engine *Engine, lister CustomerLister, interval time.Duration, logger *slog.Logger) *StaleRepairer {
	if interval <= 0 {
		interval = DefaultRepairInterval
	}
	return &StaleRepairer{
		engine:   engine,
		lister:   lister,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the repair loop is active.
func (r *StaleRepairer) Running() bool {
	return r.running.Load()
}

// LastRun returns the result of the most recent sweep, or nil before the
// first one.
func (r *StaleRepairer) LastRun() *BulkResult {
	return r.lastRun.Load()
}

// Start blocks, sweeping stale profiles every interval until ctx ends or
// Stop is called.
func (r *StaleRepairer) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (r *StaleRepairer) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *StaleRepairer) safeSweep(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in stale repair", "panic", fmt.Sprint(p))
		}
	}()
	r.Sweep(ctx)
}

// Sweep runs one stale-only bulk recompute and logs the outcome.
func (r *StaleRepairer) Sweep(ctx context.Context) BulkResult {
	res, err := r.engine.RecomputeAll(ctx, r.lister, BulkOptions{StaleOnly: true})
	r.lastRun.Store(&res)
	if err != nil {
		r.logger.Warn("stale repair interrupted", "error", err, "processed", res.Processed)
		return res
	}
	if res.Processed > 0 {
		r.logger.Info("stale profiles repaired",
			"processed", res.Processed,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
		)
	}
	return res
}
