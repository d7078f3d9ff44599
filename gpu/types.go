package gpu

import "strings"

// DeviceType classifies a physical device by its memory topology.
type DeviceType int

const (
	DeviceTypeOther DeviceType = iota
	DeviceTypeIntegrated
	DeviceTypeDiscrete
	DeviceTypeVirtual
	DeviceTypeCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeIntegrated:
		return "integrated"
	case DeviceTypeDiscrete:
		return "discrete"
	case DeviceTypeVirtual:
		return "virtual"
	case DeviceTypeCPU:
		return "cpu"
	default:
		return "other"
	}
}

// MemoryPropertyFlags describe a memory type.
type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
	MemoryPropertyLazilyAllocated
)

// Contains reports whether every flag in other is set.
func (f MemoryPropertyFlags) Contains(other MemoryPropertyFlags) bool {
	return f&other == other
}

func (f MemoryPropertyFlags) String() string {
	var parts []string
	for _, p := range []struct {
		flag MemoryPropertyFlags
		name string
	}{
		{MemoryPropertyDeviceLocal, "DEVICE_LOCAL"},
		{MemoryPropertyHostVisible, "HOST_VISIBLE"},
		{MemoryPropertyHostCoherent, "HOST_COHERENT"},
		{MemoryPropertyHostCached, "HOST_CACHED"},
		{MemoryPropertyLazilyAllocated, "LAZILY_ALLOCATED"},
	} {
		if f&p.flag != 0 {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// MemoryHeapFlags describe a memory heap.
type MemoryHeapFlags uint32

const (
	MemoryHeapDeviceLocal MemoryHeapFlags = 1 << iota
)

// Contains reports whether every flag in other is set.
func (f MemoryHeapFlags) Contains(other MemoryHeapFlags) bool {
	return f&other == other
}

// MemoryType is one entry of the device's memory type table.
type MemoryType struct {
	PropertyFlags MemoryPropertyFlags
	HeapIndex     uint32
}

// MemoryHeap is one physical memory pool.
type MemoryHeap struct {
	Size  uint64
	Flags MemoryHeapFlags
}

// MemoryProperties lists the memory types and heaps a device exposes.
type MemoryProperties struct {
	Types []MemoryType
	Heaps []MemoryHeap
}

// MemoryRequirements are the constraints a buffer places on its backing memory.
type MemoryRequirements struct {
	Size           uint64
	Alignment      uint64
	MemoryTypeBits uint32
}

// DeviceProperties identify a device and its relevant limits.
type DeviceProperties struct {
	Name                  string
	Type                  DeviceType
	MaxStorageBufferRange uint64
	SparseBinding         bool
}

// Handles. The zero value of each is the null handle.
type (
	Buffer        uint64
	Memory        uint64
	Fence         uint64
	Queue         uint64
	DeviceAddress uint64
)

// WholeSize maps or flushes from the offset to the end of the allocation.
const WholeSize = ^uint64(0)

// BufferUsageFlags select how a buffer may be used.
type BufferUsageFlags uint32

const (
	BufferUsageTransferSrc BufferUsageFlags = 1 << iota
	BufferUsageTransferDst
	BufferUsageStorageBuffer
	BufferUsageShaderDeviceAddress
)

// BufferCreateFlags select buffer residency behavior.
type BufferCreateFlags uint32

const (
	BufferCreateSparseBinding BufferCreateFlags = 1 << iota
	BufferCreateSparseResidency
)

// SharingMode controls cross-queue-family access to a buffer.
type SharingMode int

const (
	SharingModeExclusive SharingMode = iota
	SharingModeConcurrent
)

// BufferCreateInfo describes a buffer to create.
type BufferCreateInfo struct {
	Size               uint64
	Usage              BufferUsageFlags
	Flags              BufferCreateFlags
	SharingMode        SharingMode
	QueueFamilyIndices []uint32
}

// SparseMemoryBind binds Size bytes of Memory at MemoryOffset to the buffer
// range starting at ResourceOffset. A null Memory unbinds the range.
type SparseMemoryBind struct {
	ResourceOffset uint64
	Size           uint64
	Memory         Memory
	MemoryOffset   uint64
}

// BufferCopy is one copy region.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// CopyCommand copies one region from Src to Dst.
type CopyCommand struct {
	Src    Buffer
	Dst    Buffer
	Region BufferCopy
}

// MappedMemoryRange names a host-written range of mapped memory.
type MappedMemoryRange struct {
	Memory Memory
	Offset uint64
	Size   uint64
}
