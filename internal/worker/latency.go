package worker

import (
	"sort"
	"time"
)

// maxLatencySamples bounds the rolling window evaluateScaling's p95
// signal is computed over.
const maxLatencySamples = 512

// recordLatency appends a process() duration to the rolling sample,
// evicting the oldest sample once the window is full.
func (p *Pool) recordLatency(d time.Duration) {
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()
	p.latencies = append(p.latencies, d)
	if len(p.latencies) > maxLatencySamples {
		p.latencies = p.latencies[len(p.latencies)-maxLatencySamples:]
	}
}

// p95Latency returns the 95th percentile of the current sample window,
// or zero if no samples have been recorded yet.
func (p *Pool) p95Latency() time.Duration {
	p.latencyMu.Lock()
	defer p.latencyMu.Unlock()
	if len(p.latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(p.latencies))
	copy(sorted, p.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// addBusyTime accumulates time a worker spent inside process(), the
// numerator of the scaling supervisor's utilization signal.
func (p *Pool) addBusyTime(d time.Duration) {
	p.utilMu.Lock()
	defer p.utilMu.Unlock()
	p.busyTime += d
}

// utilizationSince returns the fraction of available worker-seconds
// since windowStart that were spent busy inside process(), across
// running workers. It resets the accumulator so each scaling window is
// measured independently.
func (p *Pool) utilizationSince(windowStart time.Time, running int) float64 {
	p.utilMu.Lock()
	busy := p.busyTime
	p.busyTime = 0
	p.utilMu.Unlock()

	if running <= 0 {
		return 0
	}
	capacity := time.Since(windowStart) * time.Duration(running)
	if capacity <= 0 {
		return 0
	}
	return float64(busy) / float64(capacity)
}
