package blockalloc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/voxgo/gpu"
	"github.com/hupe1980/voxgo/internal/mmap"
	"github.com/hupe1980/voxgo/resource"
)

// DefaultBlockSize holds 2^20 four-byte slots.
const DefaultBlockSize = 4 << 20

// Strategy names a BlockAllocator implementation.
type Strategy int

const (
	StrategyDiscrete Strategy = iota
	StrategyIntegrated
	StrategyHost
)

func (s Strategy) String() string {
	switch s {
	case StrategyDiscrete:
		return "discrete"
	case StrategyIntegrated:
		return "integrated"
	case StrategyHost:
		return "host"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// BlockAllocator hands out host-writable blocks and publishes their
// contents to the device. All methods are safe for concurrent use.
type BlockAllocator interface {
	CreateAddressSpace() (*AddressSpace, error)
	DestroyAddressSpace(space *AddressSpace) error

	// AllocateBlock returns BlockSize bytes of host-writable memory and the
	// token that must be passed to DeallocateBlock.
	AllocateBlock(space *AddressSpace) ([]byte, *Allocation, error)
	DeallocateBlock(space *AddressSpace, block *Allocation)

	// Flush publishes host writes in ranges to the device. It returns
	// ErrFlushInProgress if CanFlush is false.
	Flush(ranges []Range) error
	CanFlush() bool

	BlockSize() uint64
	DeviceBufferSize() uint64
	Buffer(space *AddressSpace) gpu.Buffer
	BufferDeviceAddress(space *AddressSpace) gpu.DeviceAddress

	Strategy() Strategy
	io.Closer
}

// CreateInfo configures a device-backed allocator.
type CreateInfo struct {
	// BindTransferQueue is used for sparse binding and copies.
	BindTransferQueue       gpu.Queue
	BindTransferQueueFamily uint32
	GraphicsQueueFamily     uint32

	BlockSize            uint64
	MaxStorageBufferSize uint64
}

func (ci CreateInfo) sharing() (gpu.SharingMode, []uint32) {
	if ci.BindTransferQueueFamily == ci.GraphicsQueueFamily {
		return gpu.SharingModeExclusive, nil
	}
	return gpu.SharingModeConcurrent, []uint32{ci.GraphicsQueueFamily, ci.BindTransferQueueFamily}
}

// AddressSpace is one sparse device buffer that blocks are bound into.
type AddressSpace struct {
	buffer      gpu.Buffer
	address     gpu.DeviceAddress
	slots       *slotQueue
	outstanding atomic.Int64
	destroyed   atomic.Bool
}

// Blocks returns the number of live blocks in the space.
func (s *AddressSpace) Blocks() int64 { return s.outstanding.Load() }

// Allocation is the disposal token of one block.
type Allocation struct {
	slot uint64
	data []byte

	staging    gpu.Memory
	stagingBuf gpu.Buffer
	memory     gpu.Memory

	mapping *mmap.Mapping
	bytes   int64
	freed   atomic.Bool
}

// Slot returns the block's index within its address space's sparse buffer.
func (a *Allocation) Slot() uint64 { return a.slot }

// Bytes returns the block's host memory.
func (a *Allocation) Bytes() []byte { return a.data }

func (a *Allocation) release() {
	if a.freed.Swap(true) {
		panic("blockalloc: block deallocated twice")
	}
}

// Range is a dirty byte range [Start, End) of one block.
type Range struct {
	Space *AddressSpace
	Block *Allocation
	Start uint64
	End   uint64
}

func validateRanges(ranges []Range, blockSize uint64) error {
	for i, r := range ranges {
		if r.Space == nil || r.Block == nil {
			return fmt.Errorf("blockalloc: range %d has no block", i)
		}
		if r.Start >= r.End || r.End > blockSize {
			return fmt.Errorf("blockalloc: range %d [%d, %d) outside block of %d bytes", i, r.Start, r.End, blockSize)
		}
	}
	return nil
}

// slotQueue recycles sparse buffer slot indices. Freed indices are reused
// before the counter advances.
type slotQueue struct {
	mu    sync.Mutex
	free  []uint64
	next  uint64
	limit uint64
}

func newSlotQueue(limit uint64) *slotQueue {
	return &slotQueue{limit: limit}
}

func (q *slotQueue) pop() (uint64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.free); n > 0 {
		s := q.free[n-1]
		q.free = q.free[:n-1]
		return s, true
	}
	if q.next >= q.limit {
		return 0, false
	}
	s := q.next
	q.next++
	return s, true
}

func (q *slotQueue) push(s uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.free = append(q.free, s)
}

type options struct {
	logger *slog.Logger
	budget *resource.Controller
}

// Option configures an allocator.
type Option func(*options)

// WithLogger sets the logger. Defaults to a logger that discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithResourceController charges host block memory against rc.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.budget = rc
	}
}

func applyOptions(opts []Option) options {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New selects a device strategy from the device class.
func New(dev gpu.Device, class gpu.DeviceType, props gpu.MemoryProperties, info CreateInfo, opts ...Option) (BlockAllocator, error) {
	switch class {
	case gpu.DeviceTypeDiscrete:
		return NewDiscrete(dev, props, info, opts...)
	case gpu.DeviceTypeIntegrated, gpu.DeviceTypeVirtual, gpu.DeviceTypeCPU:
		return NewIntegrated(dev, props, info, opts...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDevice, class)
	}
}

// NewFromDevice reads the class and memory properties from dev. A zero
// BlockSize selects DefaultBlockSize and a zero MaxStorageBufferSize the
// device's storage buffer range.
func NewFromDevice(dev gpu.Device, info CreateInfo, opts ...Option) (BlockAllocator, error) {
	props := dev.Properties()
	if info.BlockSize == 0 {
		info.BlockSize = DefaultBlockSize
	}
	if info.MaxStorageBufferSize == 0 {
		info.MaxStorageBufferSize = props.MaxStorageBufferRange
	}
	return New(dev, props.Type, dev.MemoryProperties(), info, opts...)
}

// DeviceBufferSize is the largest multiple of blockSize not above maxSize.
func DeviceBufferSize(maxSize, blockSize uint64) uint64 {
	if blockSize == 0 {
		return 0
	}
	return maxSize / blockSize * blockSize
}

func checkCreateInfo(info CreateInfo) error {
	if info.BlockSize == 0 {
		return fmt.Errorf("blockalloc: block size must be positive")
	}
	if DeviceBufferSize(info.MaxStorageBufferSize, info.BlockSize) == 0 {
		return fmt.Errorf("blockalloc: max storage buffer size %d smaller than block size %d", info.MaxStorageBufferSize, info.BlockSize)
	}
	if info.BindTransferQueue == 0 {
		return fmt.Errorf("blockalloc: bind transfer queue is required")
	}
	return nil
}

// createSparseBuffer creates an address space buffer and checks that its
// memory can come from memType in block-sized pieces.
func createSparseBuffer(dev gpu.Device, info CreateInfo, size uint64, usage gpu.BufferUsageFlags, memType uint32) (*AddressSpace, error) {
	sharing, families := info.sharing()
	buf, err := dev.CreateBuffer(gpu.BufferCreateInfo{
		Size:               size,
		Usage:              usage | gpu.BufferUsageStorageBuffer | gpu.BufferUsageShaderDeviceAddress,
		Flags:              gpu.BufferCreateSparseBinding | gpu.BufferCreateSparseResidency,
		SharingMode:        sharing,
		QueueFamilyIndices: families,
	})
	if err != nil {
		return nil, fromResult("create address space", err)
	}

	req := dev.BufferMemoryRequirements(buf)
	if req.MemoryTypeBits&(1<<memType) == 0 {
		dev.DestroyBuffer(buf)
		return nil, fmt.Errorf("%w: type %d not accepted by sparse buffer", ErrNoMemoryType, memType)
	}
	if req.Alignment != 0 && info.BlockSize%req.Alignment != 0 {
		dev.DestroyBuffer(buf)
		return nil, fmt.Errorf("blockalloc: block size %d is not a multiple of sparse alignment %d", info.BlockSize, req.Alignment)
	}

	return &AddressSpace{
		buffer:  buf,
		address: dev.BufferDeviceAddress(buf),
		slots:   newSlotQueue(size / info.BlockSize),
	}, nil
}

func destroySparseBuffer(dev gpu.Device, space *AddressSpace) error {
	if space.outstanding.Load() != 0 {
		return ErrBlocksOutstanding
	}
	if space.destroyed.Swap(true) {
		return nil
	}
	dev.DestroyBuffer(space.buffer)
	return nil
}

// bindBlock binds memory at the block's slot and waits for the binding to
// take effect. A null memory unbinds the slot.
func bindBlock(dev gpu.Device, info CreateInfo, space *AddressSpace, slot uint64, mem gpu.Memory) error {
	fence, err := dev.CreateFence(false)
	if err != nil {
		return fromResult("bind block", err)
	}
	defer dev.DestroyFence(fence)

	bind := gpu.SparseMemoryBind{
		ResourceOffset: slot * info.BlockSize,
		Size:           info.BlockSize,
		Memory:         mem,
	}
	if err := dev.QueueBindSparse(info.BindTransferQueue, space.buffer, []gpu.SparseMemoryBind{bind}, fence); err != nil {
		return fromResult("bind block", err)
	}
	if err := dev.WaitForFence(context.Background(), fence); err != nil {
		return fromResult("bind block", err)
	}
	return nil
}

func errSpaceFull(space *AddressSpace) error {
	return &AllocError{
		Kind: OutOfDeviceMemory,
		Op:   "allocate block",
		Err:  fmt.Errorf("address space holds at most %d blocks", space.slots.limit),
	}
}

// SelectSystemMemoryType picks host staging memory: visible, coherent and
// cached, outside device-local memory. Uncached coherent memory is the
// fallback.
func SelectSystemMemoryType(props gpu.MemoryProperties, typeBits uint32) (uint32, error) {
	notDeviceLocal := func(mt gpu.MemoryType) bool {
		return !mt.PropertyFlags.Contains(gpu.MemoryPropertyDeviceLocal)
	}
	want := gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent
	if i, ok := gpu.SelectMemoryType(props, typeBits, want|gpu.MemoryPropertyHostCached, notDeviceLocal); ok {
		return i, nil
	}
	if i, ok := gpu.SelectMemoryType(props, typeBits, want, notDeviceLocal); ok {
		return i, nil
	}
	return 0, fmt.Errorf("%w: system memory", ErrNoMemoryType)
}

// SelectDeviceMemoryType picks a device-local type on the largest
// device-local heap.
func SelectDeviceMemoryType(props gpu.MemoryProperties, typeBits uint32) (uint32, error) {
	best := -1
	for i, h := range props.Heaps {
		if !h.Flags.Contains(gpu.MemoryHeapDeviceLocal) {
			continue
		}
		if best < 0 || h.Size > props.Heaps[best].Size {
			best = i
		}
	}
	if best < 0 {
		return 0, fmt.Errorf("%w: no device-local heap", ErrNoMemoryType)
	}
	onHeap := func(mt gpu.MemoryType) bool { return int(mt.HeapIndex) == best }
	if i, ok := gpu.SelectMemoryType(props, typeBits, gpu.MemoryPropertyDeviceLocal, func(mt gpu.MemoryType) bool {
		return onHeap(mt) && !mt.PropertyFlags.Contains(gpu.MemoryPropertyHostVisible)
	}); ok {
		return i, nil
	}
	if i, ok := gpu.SelectMemoryType(props, typeBits, gpu.MemoryPropertyDeviceLocal, onHeap); ok {
		return i, nil
	}
	return 0, fmt.Errorf("%w: device-local memory", ErrNoMemoryType)
}

// SelectIntegratedMemoryType picks host-visible memory on a heap that is
// not device-local, preferring cached types. Devices whose heaps are all
// device-local fall back to any host-visible type.
func SelectIntegratedMemoryType(props gpu.MemoryProperties, typeBits uint32) (uint32, error) {
	hostHeap := func(mt gpu.MemoryType) bool {
		return !props.Heaps[mt.HeapIndex].Flags.Contains(gpu.MemoryHeapDeviceLocal)
	}
	if i, ok := gpu.SelectMemoryType(props, typeBits, gpu.MemoryPropertyHostVisible|gpu.MemoryPropertyHostCached, hostHeap); ok {
		return i, nil
	}
	if i, ok := gpu.SelectMemoryType(props, typeBits, gpu.MemoryPropertyHostVisible, hostHeap); ok {
		return i, nil
	}
	if i, ok := gpu.SelectMemoryType(props, typeBits, gpu.MemoryPropertyHostVisible, nil); ok {
		return i, nil
	}
	return 0, fmt.Errorf("%w: host-visible memory", ErrNoMemoryType)
}

func allTypes(props gpu.MemoryProperties) uint32 {
	return 1<<uint(len(props.Types)) - 1
}
