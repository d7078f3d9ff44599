package blockalloc

import (
	"log/slog"
	"math"

	"github.com/hupe1980/voxgo/gpu"
	"github.com/hupe1980/voxgo/internal/conv"
	"github.com/hupe1980/voxgo/internal/mmap"
	"github.com/hupe1980/voxgo/resource"
)

// Host keeps blocks in anonymous host mappings. It has no device, so Flush
// only validates its input.
type Host struct {
	blockSize uint64
	budget    *resource.Controller
	logger    *slog.Logger
}

var _ BlockAllocator = (*Host)(nil)

// NewHost creates a host-only allocator. A zero blockSize selects
// DefaultBlockSize.
func NewHost(blockSize uint64, opts ...Option) *Host {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	o := applyOptions(opts)
	return &Host{blockSize: blockSize, budget: o.budget, logger: o.logger}
}

// Strategy implements BlockAllocator.
func (h *Host) Strategy() Strategy { return StrategyHost }

// BlockSize implements BlockAllocator.
func (h *Host) BlockSize() uint64 { return h.blockSize }

// DeviceBufferSize implements BlockAllocator. Host blocks have no device
// buffer.
func (h *Host) DeviceBufferSize() uint64 { return 0 }

// CreateAddressSpace implements BlockAllocator.
func (h *Host) CreateAddressSpace() (*AddressSpace, error) {
	return &AddressSpace{slots: newSlotQueue(math.MaxUint64)}, nil
}

// DestroyAddressSpace implements BlockAllocator.
func (h *Host) DestroyAddressSpace(space *AddressSpace) error {
	if space.outstanding.Load() != 0 {
		return ErrBlocksOutstanding
	}
	space.destroyed.Store(true)
	return nil
}

// AllocateBlock implements BlockAllocator.
func (h *Host) AllocateBlock(space *AddressSpace) ([]byte, *Allocation, error) {
	n, err := conv.Uint64ToInt(h.blockSize)
	if err != nil {
		return nil, nil, &AllocError{Kind: OutOfHostMemory, Op: "allocate block", Err: err}
	}
	if err := h.budget.TryAcquireMemory(int64(n)); err != nil {
		return nil, nil, &AllocError{Kind: OutOfHostMemory, Op: "allocate block", Err: err}
	}

	m, err := mmap.MapAnon(n)
	if err != nil {
		h.budget.ReleaseMemory(int64(n))
		return nil, nil, &AllocError{Kind: OutOfHostMemory, Op: "allocate block", Err: err}
	}

	slot, _ := space.slots.pop()
	a := &Allocation{slot: slot, data: m.Bytes(), mapping: m, bytes: int64(n)}
	space.outstanding.Add(1)
	h.logger.Debug("block allocated", slog.Uint64("slot", slot))
	return a.data, a, nil
}

// DeallocateBlock implements BlockAllocator.
func (h *Host) DeallocateBlock(space *AddressSpace, a *Allocation) {
	a.release()

	if err := a.mapping.Close(); err != nil {
		h.logger.Warn("failed to unmap block", slog.Uint64("slot", a.slot), slog.Any("error", err))
	}
	h.budget.ReleaseMemory(a.bytes)
	a.data = nil
	space.slots.push(a.slot)
	space.outstanding.Add(-1)
	h.logger.Debug("block deallocated", slog.Uint64("slot", a.slot))
}

// Flush implements BlockAllocator.
func (h *Host) Flush(ranges []Range) error {
	return validateRanges(ranges, h.blockSize)
}

// CanFlush implements BlockAllocator.
func (h *Host) CanFlush() bool { return true }

// Buffer implements BlockAllocator. It always returns the null buffer.
func (h *Host) Buffer(*AddressSpace) gpu.Buffer { return 0 }

// BufferDeviceAddress implements BlockAllocator. It always returns zero.
func (h *Host) BufferDeviceAddress(*AddressSpace) gpu.DeviceAddress { return 0 }

// Close implements io.Closer.
func (h *Host) Close() error { return nil }
