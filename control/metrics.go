// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector for system-level monitoring.
// Exposes counters in a thread-safe map with dynamic registration.

package control

import (
	"sync"
	"time"
)

// MetricsRegistry holds mutable and read-only metrics.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// GetSnapshot returns the latest metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}

// StreamBufferCounters is the subset of a StreamBuffer's running
// counters control exposes; satisfied by *streambuf.StreamBuffer
// without control importing it, keeping the dependency one-way.
type StreamBufferCounters interface {
	TotalAllocated() int64
	TotalFreed() int64
	TotalRead() int64
	TotalReset() int64
}

// DispatcherCounters is the subset of a reactor Dispatcher's running
// counters control exposes, for the same one-way-dependency reason.
type DispatcherCounters interface {
	ActiveCount() int32
	QueueDepth() int
}

// RegisterStreamBuffer installs mr metrics for name's buffer: block
// allocation/free/read/reset totals (spec section 5's accounting,
// surfaced as a named snapshot rather than inline log lines).
func (mr *MetricsRegistry) RegisterStreamBuffer(name string, sb StreamBufferCounters) {
	mr.Set(name+".total_allocated", sb.TotalAllocated())
	mr.Set(name+".total_freed", sb.TotalFreed())
	mr.Set(name+".total_read", sb.TotalRead())
	mr.Set(name+".total_reset", sb.TotalReset())
}

// RegisterDispatcher installs mr metrics for name's reactor: the
// active-direction count and current job-queue depth.
func (mr *MetricsRegistry) RegisterDispatcher(name string, d DispatcherCounters) {
	mr.Set(name+".active_count", d.ActiveCount())
	mr.Set(name+".queue_depth", d.QueueDepth())
}
