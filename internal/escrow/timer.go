package escrow

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const reconcileBatchSize = 25

// Timer periodically sweeps stuck transactions and reconciles them against
// the chain. One instance per process; Start is idempotent.
type Timer struct {
	orchestrator *Orchestrator
	interval     time.Duration
	stuckAfter   time.Duration
	logger       *slog.Logger
	stop         chan struct{}
	running      atomic.Bool
}

func NewTimer(orchestrator *Orchestrator, interval, stuckAfter time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		orchestrator: orchestrator,
		interval:     interval,
		stuckAfter:   stuckAfter,
		logger:       logger,
		stop:         make(chan struct{}, 1),
	}
}

// Start runs the sweep loop until the context is cancelled or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	defer t.running.Store(false)

	t.logger.Info("reconciliation timer started",
		"interval", t.interval, "stuck_after", t.stuckAfter)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("reconciliation timer stopped", "reason", "context")
			return
		case <-t.stop:
			t.logger.Info("reconciliation timer stopped", "reason", "stop")
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit. Safe to call more than once.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

// safeSweep isolates the loop from panics in a single sweep. A bad record
// must not kill the timer for every other transaction.
func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("reconciliation sweep panicked", "panic", r)
		}
	}()
	cutoff := time.Now().UTC().Add(-t.stuckAfter)
	t.orchestrator.ReconcileStuck(ctx, cutoff, reconcileBatchSize)
}
