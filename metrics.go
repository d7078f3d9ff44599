package voxgo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordImport is called after each model import.
	RecordImport(voxels int, duration time.Duration, err error)

	// RecordFlush is called after each flush that had dirty ranges.
	RecordFlush(ranges int, bytes uint64, duration time.Duration, err error)

	// RecordBlockAlloc is called after each block request to the allocator.
	RecordBlockAlloc(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordImport(int, time.Duration, error)        {}
func (NoopMetricsCollector) RecordFlush(int, uint64, time.Duration, error) {}
func (NoopMetricsCollector) RecordBlockAlloc(time.Duration, error)         {}

// BasicMetricsCollector provides simple in-memory metrics collection.
type BasicMetricsCollector struct {
	ImportCount       atomic.Int64
	ImportErrors      atomic.Int64
	ImportVoxels      atomic.Int64
	ImportTotalNanos  atomic.Int64
	FlushCount        atomic.Int64
	FlushErrors       atomic.Int64
	FlushRanges       atomic.Int64
	FlushBytes        atomic.Int64
	BlockAllocCount   atomic.Int64
	BlockAllocErrors  atomic.Int64
	BlockAllocTotalNs atomic.Int64
}

// RecordImport implements MetricsCollector.
func (b *BasicMetricsCollector) RecordImport(voxels int, duration time.Duration, err error) {
	b.ImportCount.Add(1)
	b.ImportTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ImportErrors.Add(1)
		return
	}
	b.ImportVoxels.Add(int64(voxels))
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(ranges int, bytes uint64, _ time.Duration, err error) {
	b.FlushCount.Add(1)
	if err != nil {
		b.FlushErrors.Add(1)
		return
	}
	b.FlushRanges.Add(int64(ranges))
	b.FlushBytes.Add(int64(bytes)) //nolint:gosec // flush sizes are bounded by the device buffer
}

// RecordBlockAlloc implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBlockAlloc(duration time.Duration, err error) {
	b.BlockAllocCount.Add(1)
	b.BlockAllocTotalNs.Add(duration.Nanoseconds())
	if err != nil {
		b.BlockAllocErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ImportCount:        b.ImportCount.Load(),
		ImportErrors:       b.ImportErrors.Load(),
		ImportVoxels:       b.ImportVoxels.Load(),
		ImportAvgNanos:     avg(b.ImportTotalNanos.Load(), b.ImportCount.Load()),
		FlushCount:         b.FlushCount.Load(),
		FlushErrors:        b.FlushErrors.Load(),
		FlushRanges:        b.FlushRanges.Load(),
		FlushBytes:         b.FlushBytes.Load(),
		BlockAllocCount:    b.BlockAllocCount.Load(),
		BlockAllocErrors:   b.BlockAllocErrors.Load(),
		BlockAllocAvgNanos: avg(b.BlockAllocTotalNs.Load(), b.BlockAllocCount.Load()),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ImportCount        int64
	ImportErrors       int64
	ImportVoxels       int64
	ImportAvgNanos     int64
	FlushCount         int64
	FlushErrors        int64
	FlushRanges        int64
	FlushBytes         int64
	BlockAllocCount    int64
	BlockAllocErrors   int64
	BlockAllocAvgNanos int64
}
