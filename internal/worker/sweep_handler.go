package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"photoflow/internal/queue"
	"photoflow/internal/sweep"
)

// SweepRunner runs one orphan sweep scan.
type SweepRunner interface {
	Sweep(ctx context.Context, payload sweep.Payload) (sweep.Result, error)
}

// SweepHandler returns the queue handler for orphan sweep jobs.
func (p *Processor) SweepHandler(runner SweepRunner) queue.Handler {
	return func(ctx context.Context, env *queue.Envelope) error {
		var payload sweep.Payload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return queue.NoRetry(fmt.Errorf("invalid sweep payload: %w", err))
		}

		return p.instrument(queue.QueueOrphanSweep, env, "", func() error {
			_, err := runner.Sweep(ctx, payload)
			if errors.Is(err, sweep.ErrInvalidScope) {
				return queue.NoRetry(err)
			}
			return err
		})
	}
}
