package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics holds the metric instruments for the cross-partition
// synchronization core. All record methods are safe on a nil receiver, so
// components that are constructed without telemetry can skip the checks.
type SyncMetrics struct {
	BarrierCyclesCounter metric.Int64Counter
	BarrierWaitHistogram metric.Int64Histogram
	RepLockWaitHistogram metric.Int64Histogram
	UndoFanoutCounter    metric.Int64Counter
	ActiveWaitersUpDown  metric.Int64UpDownCounter
}

// NewSyncMetrics creates and registers all the metrics for the
// synchronization core.
func NewSyncMetrics(meter metric.Meter) (*SyncMetrics, error) {
	barrierCyclesCounter, err := meter.Int64Counter(
		"crossbar.sitesync.barrier.cycles_total",
		metric.WithDescription("Total number of completed transaction-start barrier cycles."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	barrierWaitHistogram, err := meter.Int64Histogram(
		"crossbar.sitesync.barrier.wait_duration",
		metric.WithDescription("Time partition goroutines spend blocked in the transaction-start barrier."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	repLockWaitHistogram, err := meter.Int64Histogram(
		"crossbar.sitesync.replock.wait_duration",
		metric.WithDescription("Time spent waiting to acquire the replicated-resource lock."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	undoFanoutCounter, err := meter.Int64Counter(
		"crossbar.sitesync.undo.fanout_total",
		metric.WithDescription("Total number of per-partition undo-action appends performed by replicated fan-out."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	activeWaitersUpDown, err := meter.Int64UpDownCounter(
		"crossbar.sitesync.barrier.active_waiters",
		metric.WithDescription("Number of partition goroutines currently blocked in the barrier."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		BarrierCyclesCounter: barrierCyclesCounter,
		BarrierWaitHistogram: barrierWaitHistogram,
		RepLockWaitHistogram: repLockWaitHistogram,
		UndoFanoutCounter:    undoFanoutCounter,
		ActiveWaitersUpDown:  activeWaitersUpDown,
	}, nil
}

// RecordCycle counts one completed barrier cycle.
func (m *SyncMetrics) RecordCycle(ctx context.Context) {
	if m == nil {
		return
	}
	m.BarrierCyclesCounter.Add(ctx, 1)
}

// RecordBarrierWait records how long one goroutine was blocked in the
// barrier, in microseconds.
func (m *SyncMetrics) RecordBarrierWait(ctx context.Context, micros int64) {
	if m == nil {
		return
	}
	m.BarrierWaitHistogram.Record(ctx, micros)
}

// RecordRepLockWait records how long one acquisition of the
// replicated-resource lock waited, in microseconds.
func (m *SyncMetrics) RecordRepLockWait(ctx context.Context, micros int64) {
	if m == nil {
		return
	}
	m.RepLockWaitHistogram.Record(ctx, micros)
}

// RecordUndoFanout counts per-partition appends done by one replicated
// undo registration.
func (m *SyncMetrics) RecordUndoFanout(ctx context.Context, partitions int64) {
	if m == nil {
		return
	}
	m.UndoFanoutCounter.Add(ctx, partitions)
}

// WaiterArrived and WaiterReleased track the number of goroutines parked in
// the barrier.
func (m *SyncMetrics) WaiterArrived(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveWaitersUpDown.Add(ctx, 1)
}

func (m *SyncMetrics) WaiterReleased(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveWaitersUpDown.Add(ctx, -1)
}
