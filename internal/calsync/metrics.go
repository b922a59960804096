package calsync

import "sync"

const (
	MetricReconcilePass   = "calsync.reconcile"
	MetricSetupSucceeded  = "calsync.setup.success"
	MetricSetupFailed     = "calsync.setup.failure"
	MetricListSucceeded   = "calsync.list.success"
	MetricListFailed      = "calsync.list.failure"
	MetricEventsSucceeded = "calsync.events.success"
	MetricEventsFailed    = "calsync.events.failure"
	MetricTokenPushed     = "calsync.token.pushed"
	MetricTokenDeferred   = "calsync.token.deferred"
	MetricCleared         = "calsync.clear"
	MetricRefreshed       = "calsync.refresh"
)

// MetricsRecorder increments counters for synchronization events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}
