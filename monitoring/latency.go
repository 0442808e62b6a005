package monitoring

import (
	"sort"
	"sync"
	"time"
)

const latencyWindow = 512

// OpLatency summarizes one operation's recent latency window.
type OpLatency struct {
	Count int64         `json:"count"`
	Mean  time.Duration `json:"mean_ns"`
	P50   time.Duration `json:"p50_ns"`
	P95   time.Duration `json:"p95_ns"`
	Max   time.Duration `json:"max_ns"`
}

// LatencyTracker keeps a sliding window of durations per operation.
// Percentiles are computed over the window, counts over the lifetime.
type LatencyTracker struct {
	mu      sync.RWMutex
	windows map[string][]time.Duration
	counts  map[string]int64
}

func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{
		windows: make(map[string][]time.Duration),
		counts:  make(map[string]int64),
	}
}

func (t *LatencyTracker) Observe(op string, d time.Duration) {
	if op == "" || d < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	window := append(t.windows[op], d)
	if len(window) > latencyWindow {
		window = window[len(window)-latencyWindow:]
	}
	t.windows[op] = window
	t.counts[op]++
}

// Time runs fn and records its duration under op.
func (t *LatencyTracker) Time(op string, fn func()) {
	start := time.Now()
	fn()
	t.Observe(op, time.Since(start))
}

func (t *LatencyTracker) Summary() map[string]OpLatency {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]OpLatency, len(t.windows))
	for op, window := range t.windows {
		out[op] = summarize(window, t.counts[op])
	}
	return out
}

func (t *LatencyTracker) Op(op string) (OpLatency, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	window, ok := t.windows[op]
	if !ok {
		return OpLatency{}, false
	}
	return summarize(window, t.counts[op]), true
}

func summarize(window []time.Duration, count int64) OpLatency {
	if len(window) == 0 {
		return OpLatency{Count: count}
	}
	sorted := make([]time.Duration, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return OpLatency{
		Count: count,
		Mean:  sum / time.Duration(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		Max:   sorted[len(sorted)-1],
	}
}

// percentile picks by nearest-rank from an ascending window.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
