// control/debug.go
// Author: momentics <momentics@gmail.com>
//
// Runtime debug handler and probe reflector for internal inspection.

package control

import "sync"

// DebugProbes holds registered probe functions.
type DebugProbes struct {
	mu     sync.RWMutex
	probes map[string]func() any
}

// NewDebugProbes creates a probe registry.
func NewDebugProbes() *DebugProbes {
	return &DebugProbes{
		probes: make(map[string]func() any),
	}
}

// RegisterProbe inserts a named debug hook.
func (dp *DebugProbes) RegisterProbe(name string, fn func() any) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.probes[name] = fn
}

// DumpState returns output of all probes.
func (dp *DebugProbes) DumpState() map[string]any {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	out := make(map[string]any)
	for k, fn := range dp.probes {
		out[k] = fn()
	}
	return out
}

// WatchStreamBuffer registers a probe that reports name's buffer
// accounting live, the debug-tracing analogue of
// MetricsRegistry.RegisterStreamBuffer: DumpState recomputes it on
// every call instead of freezing a snapshot at registration time.
func (dp *DebugProbes) WatchStreamBuffer(name string, sb StreamBufferCounters) {
	dp.RegisterProbe(name, func() any {
		return map[string]int64{
			"total_allocated": sb.TotalAllocated(),
			"total_freed":     sb.TotalFreed(),
			"total_read":      sb.TotalRead(),
			"total_reset":     sb.TotalReset(),
			"outstanding":     sb.TotalAllocated() - sb.TotalFreed(),
		}
	})
}

// WatchDispatcher registers a probe that reports name's reactor's
// active-direction count and job-queue depth live.
func (dp *DebugProbes) WatchDispatcher(name string, d DispatcherCounters) {
	dp.RegisterProbe(name, func() any {
		return map[string]int{
			"active_count": int(d.ActiveCount()),
			"queue_depth":  d.QueueDepth(),
		}
	})
}
