package blockalloc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hupe1980/voxgo/gpu"
)

// Discrete pairs a host staging block with a device-local block bound into
// the address space. Flush copies dirty ranges on the transfer queue.
type Discrete struct {
	dev        gpu.Device
	info       CreateInfo
	bufferSize uint64
	systemType uint32
	deviceType uint32
	logger     *slog.Logger

	mu    sync.Mutex // guards fence across Flush and CanFlush
	fence gpu.Fence
}

var _ BlockAllocator = (*Discrete)(nil)

// NewDiscrete creates the staging strategy.
func NewDiscrete(dev gpu.Device, props gpu.MemoryProperties, info CreateInfo, opts ...Option) (*Discrete, error) {
	if err := checkCreateInfo(info); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	systemType, err := SelectSystemMemoryType(props, allTypes(props))
	if err != nil {
		return nil, err
	}
	deviceType, err := SelectDeviceMemoryType(props, allTypes(props))
	if err != nil {
		return nil, err
	}

	// Signaled so the first CanFlush reports true.
	fence, err := dev.CreateFence(true)
	if err != nil {
		return nil, fromResult("create copy fence", err)
	}

	d := &Discrete{
		dev:        dev,
		info:       info,
		bufferSize: DeviceBufferSize(info.MaxStorageBufferSize, info.BlockSize),
		systemType: systemType,
		deviceType: deviceType,
		logger:     o.logger,
		fence:      fence,
	}
	d.logger.Debug("block allocator created",
		slog.String("strategy", StrategyDiscrete.String()),
		slog.Uint64("block_size", info.BlockSize),
		slog.Uint64("device_buffer_size", d.bufferSize),
		slog.Any("system_memory_type", systemType),
		slog.Any("device_memory_type", deviceType),
	)
	return d, nil
}

// Strategy implements BlockAllocator.
func (d *Discrete) Strategy() Strategy { return StrategyDiscrete }

// BlockSize implements BlockAllocator.
func (d *Discrete) BlockSize() uint64 { return d.info.BlockSize }

// DeviceBufferSize implements BlockAllocator.
func (d *Discrete) DeviceBufferSize() uint64 { return d.bufferSize }

// CreateAddressSpace implements BlockAllocator.
func (d *Discrete) CreateAddressSpace() (*AddressSpace, error) {
	return createSparseBuffer(d.dev, d.info, d.bufferSize, gpu.BufferUsageTransferDst, d.deviceType)
}

// DestroyAddressSpace implements BlockAllocator.
func (d *Discrete) DestroyAddressSpace(space *AddressSpace) error {
	return destroySparseBuffer(d.dev, space)
}

// AllocateBlock implements BlockAllocator.
func (d *Discrete) AllocateBlock(space *AddressSpace) ([]byte, *Allocation, error) {
	slot, ok := space.slots.pop()
	if !ok {
		return nil, nil, errSpaceFull(space)
	}

	a := &Allocation{slot: slot}
	if err := d.populate(space, a); err != nil {
		d.releaseResources(a)
		space.slots.push(slot)
		return nil, nil, err
	}

	space.outstanding.Add(1)
	d.logger.Debug("block allocated", slog.Uint64("slot", slot))
	return a.data, a, nil
}

func (d *Discrete) populate(space *AddressSpace, a *Allocation) error {
	size := d.info.BlockSize

	var err error
	if a.staging, err = d.dev.AllocateMemory(size, d.systemType); err != nil {
		return fromResult("allocate staging memory", err)
	}
	if a.data, err = d.dev.MapMemory(a.staging, 0, gpu.WholeSize); err != nil {
		return fromResult("map staging memory", err)
	}
	if a.stagingBuf, err = d.dev.CreateBuffer(gpu.BufferCreateInfo{
		Size:        size,
		Usage:       gpu.BufferUsageTransferSrc,
		SharingMode: gpu.SharingModeExclusive,
	}); err != nil {
		return fromResult("create staging buffer", err)
	}
	if err = d.dev.BindBufferMemory(a.stagingBuf, a.staging, 0); err != nil {
		return fromResult("bind staging buffer", err)
	}
	if a.memory, err = d.dev.AllocateMemory(size, d.deviceType); err != nil {
		return fromResult("allocate device memory", err)
	}
	return bindBlock(d.dev, d.info, space, a.slot, a.memory)
}

func (d *Discrete) releaseResources(a *Allocation) {
	if a.stagingBuf != 0 {
		d.dev.DestroyBuffer(a.stagingBuf)
	}
	if a.staging != 0 {
		d.dev.FreeMemory(a.staging)
	}
	if a.memory != 0 {
		d.dev.FreeMemory(a.memory)
	}
	a.data = nil
}

// DeallocateBlock implements BlockAllocator.
func (d *Discrete) DeallocateBlock(space *AddressSpace, a *Allocation) {
	a.release()

	if err := bindBlock(d.dev, d.info, space, a.slot, 0); err != nil {
		d.logger.Warn("failed to unbind block", slog.Uint64("slot", a.slot), slog.Any("error", err))
	}
	d.releaseResources(a)
	space.slots.push(a.slot)
	space.outstanding.Add(-1)
	d.logger.Debug("block deallocated", slog.Uint64("slot", a.slot))
}

// Flush implements BlockAllocator. It submits one copy per range and
// returns once the copies are queued.
func (d *Discrete) Flush(ranges []Range) error {
	if err := validateRanges(ranges, d.info.BlockSize); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.fenceSignaled() {
		return ErrFlushInProgress
	}
	if len(ranges) == 0 {
		return nil
	}

	copies := make([]gpu.CopyCommand, len(ranges))
	var bytes uint64
	for i, r := range ranges {
		copies[i] = gpu.CopyCommand{
			Src: r.Block.stagingBuf,
			Dst: r.Space.buffer,
			Region: gpu.BufferCopy{
				SrcOffset: r.Start,
				DstOffset: r.Block.slot*d.info.BlockSize + r.Start,
				Size:      r.End - r.Start,
			},
		}
		bytes += r.End - r.Start
	}

	if err := d.dev.ResetFence(d.fence); err != nil {
		return fromResult("reset copy fence", err)
	}
	if err := d.dev.QueueSubmitCopies(d.info.BindTransferQueue, copies, d.fence); err != nil {
		// The fence will never signal; replace it so later flushes can run.
		d.replaceFence()
		return fromResult("submit copies", err)
	}

	d.logger.Debug("flush submitted", slog.Int("ranges", len(ranges)), slog.Uint64("bytes", bytes))
	return nil
}

func (d *Discrete) replaceFence() {
	d.dev.DestroyFence(d.fence)
	f, err := d.dev.CreateFence(true)
	if err != nil {
		d.logger.Error("failed to recreate copy fence", slog.Any("error", err))
		f = 0
	}
	d.fence = f
}

// fenceSignaled must be called with d.mu held.
func (d *Discrete) fenceSignaled() bool {
	if d.fence == 0 {
		return false
	}
	signaled, err := d.dev.FenceStatus(d.fence)
	if err != nil {
		d.logger.Error("copy failed", slog.Any("error", err))
	}
	return signaled
}

// CanFlush implements BlockAllocator.
func (d *Discrete) CanFlush() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fenceSignaled()
}

// Buffer implements BlockAllocator.
func (d *Discrete) Buffer(space *AddressSpace) gpu.Buffer { return space.buffer }

// BufferDeviceAddress implements BlockAllocator.
func (d *Discrete) BufferDeviceAddress(space *AddressSpace) gpu.DeviceAddress {
	return space.address
}

// Close releases the copy fence. Address spaces must be destroyed first.
func (d *Discrete) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fence == 0 {
		return nil
	}
	d.dev.DestroyFence(d.fence)
	d.fence = 0
	return nil
}

func (d *Discrete) String() string {
	return fmt.Sprintf("discrete(block=%d, buffer=%d)", d.info.BlockSize, d.bufferSize)
}
