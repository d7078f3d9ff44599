package blockalloc

import (
	"log/slog"

	"github.com/hupe1980/voxgo/gpu"
)

// nonCoherentAtom is the granularity flushed ranges are widened to.
const nonCoherentAtom = 256

// Integrated binds host-visible memory directly into the address space.
type Integrated struct {
	dev        gpu.Device
	info       CreateInfo
	bufferSize uint64
	memType    uint32
	logger     *slog.Logger
}

var _ BlockAllocator = (*Integrated)(nil)

// NewIntegrated creates the shared-memory strategy.
func NewIntegrated(dev gpu.Device, props gpu.MemoryProperties, info CreateInfo, opts ...Option) (*Integrated, error) {
	if err := checkCreateInfo(info); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	memType, err := SelectIntegratedMemoryType(props, allTypes(props))
	if err != nil {
		return nil, err
	}

	a := &Integrated{
		dev:        dev,
		info:       info,
		bufferSize: DeviceBufferSize(info.MaxStorageBufferSize, info.BlockSize),
		memType:    memType,
		logger:     o.logger,
	}
	a.logger.Debug("block allocator created",
		slog.String("strategy", StrategyIntegrated.String()),
		slog.Uint64("block_size", info.BlockSize),
		slog.Uint64("device_buffer_size", a.bufferSize),
		slog.Any("memory_type", memType),
	)
	return a, nil
}

// Strategy implements BlockAllocator.
func (a *Integrated) Strategy() Strategy { return StrategyIntegrated }

// BlockSize implements BlockAllocator.
func (a *Integrated) BlockSize() uint64 { return a.info.BlockSize }

// DeviceBufferSize implements BlockAllocator.
func (a *Integrated) DeviceBufferSize() uint64 { return a.bufferSize }

// CreateAddressSpace implements BlockAllocator.
func (a *Integrated) CreateAddressSpace() (*AddressSpace, error) {
	return createSparseBuffer(a.dev, a.info, a.bufferSize, 0, a.memType)
}

// DestroyAddressSpace implements BlockAllocator.
func (a *Integrated) DestroyAddressSpace(space *AddressSpace) error {
	return destroySparseBuffer(a.dev, space)
}

// AllocateBlock implements BlockAllocator.
func (a *Integrated) AllocateBlock(space *AddressSpace) ([]byte, *Allocation, error) {
	slot, ok := space.slots.pop()
	if !ok {
		return nil, nil, errSpaceFull(space)
	}

	blk := &Allocation{slot: slot}
	if err := a.populate(space, blk); err != nil {
		if blk.memory != 0 {
			a.dev.FreeMemory(blk.memory)
		}
		space.slots.push(slot)
		return nil, nil, err
	}

	space.outstanding.Add(1)
	a.logger.Debug("block allocated", slog.Uint64("slot", slot))
	return blk.data, blk, nil
}

func (a *Integrated) populate(space *AddressSpace, blk *Allocation) error {
	var err error
	if blk.memory, err = a.dev.AllocateMemory(a.info.BlockSize, a.memType); err != nil {
		return fromResult("allocate block memory", err)
	}
	if blk.data, err = a.dev.MapMemory(blk.memory, 0, gpu.WholeSize); err != nil {
		return fromResult("map block memory", err)
	}
	return bindBlock(a.dev, a.info, space, blk.slot, blk.memory)
}

// DeallocateBlock implements BlockAllocator.
func (a *Integrated) DeallocateBlock(space *AddressSpace, blk *Allocation) {
	blk.release()

	if err := bindBlock(a.dev, a.info, space, blk.slot, 0); err != nil {
		a.logger.Warn("failed to unbind block", slog.Uint64("slot", blk.slot), slog.Any("error", err))
	}
	a.dev.FreeMemory(blk.memory)
	blk.data = nil
	space.slots.push(blk.slot)
	space.outstanding.Add(-1)
	a.logger.Debug("block deallocated", slog.Uint64("slot", blk.slot))
}

// Flush implements BlockAllocator. Host writes are visible to the device
// when it returns.
func (a *Integrated) Flush(ranges []Range) error {
	if err := validateRanges(ranges, a.info.BlockSize); err != nil {
		return err
	}
	if len(ranges) == 0 {
		return nil
	}

	mapped := make([]gpu.MappedMemoryRange, len(ranges))
	for i, r := range ranges {
		start := r.Start / nonCoherentAtom * nonCoherentAtom
		end := min((r.End+nonCoherentAtom-1)/nonCoherentAtom*nonCoherentAtom, a.info.BlockSize)
		mapped[i] = gpu.MappedMemoryRange{Memory: r.Block.memory, Offset: start, Size: end - start}
	}
	if err := a.dev.FlushMappedMemoryRanges(mapped); err != nil {
		return fromResult("flush mapped memory", err)
	}

	a.logger.Debug("flush completed", slog.Int("ranges", len(ranges)))
	return nil
}

// CanFlush implements BlockAllocator. Flushes complete synchronously.
func (a *Integrated) CanFlush() bool { return true }

// Buffer implements BlockAllocator.
func (a *Integrated) Buffer(space *AddressSpace) gpu.Buffer { return space.buffer }

// BufferDeviceAddress implements BlockAllocator.
func (a *Integrated) BufferDeviceAddress(space *AddressSpace) gpu.DeviceAddress {
	return space.address
}

// Close implements io.Closer.
func (a *Integrated) Close() error { return nil }
