package voxgo

import (
	"time"

	"github.com/hupe1980/voxgo/blockalloc"
)

// instrumentedAllocator reports every block request to a MetricsCollector.
type instrumentedAllocator struct {
	blockalloc.BlockAllocator
	metrics MetricsCollector
}

func (a *instrumentedAllocator) AllocateBlock(space *blockalloc.AddressSpace) ([]byte, *blockalloc.Allocation, error) {
	start := time.Now()
	data, block, err := a.BlockAllocator.AllocateBlock(space)
	a.metrics.RecordBlockAlloc(time.Since(start), err)
	return data, block, err
}
