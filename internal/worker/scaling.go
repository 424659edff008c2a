package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kairos-labs/convo-dispatcher/internal/metrics"
	"github.com/kairos-labs/convo-dispatcher/internal/model"
)

// RunScalingSupervisor runs the scaling loop until ctx is
// canceled: every ScaleInterval it measures queue depth across all
// priority levels and scales the pool up or down within [Min, Max],
// respecting a cooldown between actions.
func (p *Pool) RunScalingSupervisor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()

	var lastScale time.Time
	windowStart := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.evaluateScaling(ctx, &lastScale, &windowStart)
		}
	}
}

// evaluateScaling applies two triggers: scale up when
// queue depth is outpacing capacity OR p95 latency exceeds the target
// (workers are saturated even if the queue hasn't piled up yet); scale
// down only when there is no backlog AND recent utilization was low
// (an empty queue alone doesn't mean the pool is idle, since a burst
// could land the instant before the next tick).
func (p *Pool) evaluateScaling(ctx context.Context, lastScale *time.Time, windowStart *time.Time) {
	depth := p.totalQueueDepth(ctx)
	running := p.Running()
	p95 := p.p95Latency()
	utilization := p.utilizationSince(*windowStart, running)
	*windowStart = time.Now()

	inCooldown := time.Since(*lastScale) < p.cfg.ScaleCooldown

	if (depth > int64(2*running) || p95 > p.cfg.TargetLatency) && running < p.cfg.Max {
		if !inCooldown {
			p.mu.Lock()
			p.spawnLocked(ctx)
			p.mu.Unlock()
			*lastScale = time.Now()
			p.logger.Info("scaled worker pool up",
				zap.Int("running", running+1), zap.Int64("queue_depth", depth), zap.Duration("p95_latency", p95))
		}
		return
	}

	if depth == 0 && utilization < 0.3 && running > p.cfg.Min {
		if !inCooldown {
			p.scaleDownOne()
			*lastScale = time.Now()
			p.logger.Info("scaled worker pool down", zap.Int("running", running-1), zap.Float64("utilization", utilization))
		}
		return
	}
}

func (p *Pool) totalQueueDepth(ctx context.Context) int64 {
	var total int64
	for _, pr := range model.Priorities {
		n, err := p.queue.Depth(ctx, pr)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

// scaleDownOne stops the most recently started worker by canceling its
// context; the worker's own runLoop observes cancellation and exits
// after its current item (if any) finishes.
func (p *Pool) scaleDownOne() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cancels) <= p.cfg.Min {
		return
	}
	last := len(p.cancels) - 1
	p.cancels[last]()
	p.cancels = p.cancels[:last]
	p.running--
	metrics.ActiveWorkers.Set(float64(p.running))
}
