package sweep

import (
	"context"
	"sync/atomic"
	"time"

	"photoflow/internal/logging"
)

// EnqueueFunc publishes the per-scope sweep jobs for one tick.
type EnqueueFunc func(ctx context.Context, trigger string, requestedAt time.Time) error

// Scheduler fires the periodic sweep trigger. A tick that arrives while the
// previous tick's enqueue work is still running is skipped, never stacked.
type Scheduler struct {
	enabled    bool
	interval   time.Duration
	initialRun bool
	enqueue    EnqueueFunc
	now        func() time.Time

	running atomic.Bool
}

func NewScheduler(enabled bool, interval time.Duration, initialRun bool, enqueue EnqueueFunc) *Scheduler {
	return &Scheduler{
		enabled:    enabled,
		interval:   interval,
		initialRun: initialRun,
		enqueue:    enqueue,
		now:        time.Now,
	}
}

// Run blocks until the context is cancelled. Disabled schedulers return
// immediately.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.enabled {
		logging.Info("sweep: scheduler disabled")
		return
	}

	logging.Info("sweep: scheduler running every %v (run on start: %v)", s.interval, s.initialRun)

	if s.initialRun {
		s.tick(ctx, "startup")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, "interval")
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, trigger string) {
	if !s.running.CompareAndSwap(false, true) {
		logging.Warn("sweep: scheduler tick skipped because previous tick is still running (trigger %s)", trigger)
		return
	}
	defer s.running.Store(false)

	if err := s.enqueue(ctx, trigger, s.now().UTC()); err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Error("sweep: scheduler tick failed (trigger %s): %v", trigger, err)
	}
}
