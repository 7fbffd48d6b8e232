package telemetry

import (
	"context"
	"sync"
	"time"

	"photoflow/internal/logging"
	"photoflow/internal/metrics"
	"photoflow/internal/queue"
)

// DepthFunc samples the live backlog for every queue of interest.
type DepthFunc func(ctx context.Context) (map[string]queue.Depth, error)

// QueueStatsPoller periodically samples queue depths, caches the latest
// sample for snapshot merging, and exports it as gauges.
type QueueStatsPoller struct {
	depths   DepthFunc
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]queue.Depth
}

func NewQueueStatsPoller(depths DepthFunc, interval time.Duration) *QueueStatsPoller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &QueueStatsPoller{
		depths:   depths,
		interval: interval,
		latest:   map[string]queue.Depth{},
	}
}

// Latest returns the most recent depth sample.
func (p *QueueStatsPoller) Latest() map[string]queue.Depth {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]queue.Depth, len(p.latest))
	for q, d := range p.latest {
		out[q] = d
	}
	return out
}

// Run polls until the context is cancelled. An immediate first sample runs
// before the first tick.
func (p *QueueStatsPoller) Run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *QueueStatsPoller) poll(ctx context.Context) {
	sample, err := p.depths(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logging.Warn("telemetry: queue depth poll failed: %v", err)
		}
		return
	}

	for q, d := range sample {
		metrics.QueueDepth.WithLabelValues(q, "waiting").Set(float64(d.Waiting))
		metrics.QueueDepth.WithLabelValues(q, "active").Set(float64(d.Active))
		metrics.QueueDepth.WithLabelValues(q, "delayed").Set(float64(d.Delayed))
		metrics.QueueDepth.WithLabelValues(q, "failed").Set(float64(d.Failed))
	}

	p.mu.Lock()
	p.latest = sample
	p.mu.Unlock()
}
