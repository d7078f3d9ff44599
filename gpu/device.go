package gpu

import "context"

// Device is a logical device. Implementations must be safe for concurrent use.
// Methods that fail return a Result as the error unless documented otherwise.
type Device interface {
	Properties() DeviceProperties
	MemoryProperties() MemoryProperties

	CreateBuffer(info BufferCreateInfo) (Buffer, error)
	DestroyBuffer(buffer Buffer)
	BufferMemoryRequirements(buffer Buffer) MemoryRequirements
	BindBufferMemory(buffer Buffer, memory Memory, offset uint64) error
	BufferDeviceAddress(buffer Buffer) DeviceAddress

	AllocateMemory(size uint64, memoryTypeIndex uint32) (Memory, error)
	FreeMemory(memory Memory)
	// MapMemory returns a host view of size bytes of memory starting at offset.
	MapMemory(memory Memory, offset, size uint64) ([]byte, error)
	// FlushMappedMemoryRanges makes host writes to non-coherent memory visible
	// to the device. It completes before returning.
	FlushMappedMemoryRanges(ranges []MappedMemoryRange) error

	CreateFence(signaled bool) (Fence, error)
	DestroyFence(fence Fence)
	ResetFence(fence Fence) error
	// FenceStatus reports whether the fence is signaled.
	FenceStatus(fence Fence) (bool, error)
	WaitForFence(ctx context.Context, fence Fence) error

	// Queue returns the first queue of the given family.
	Queue(family uint32) Queue
	// QueueBindSparse binds memory into a sparse buffer and signals fence
	// (if non-null) once the binding is in effect.
	QueueBindSparse(queue Queue, buffer Buffer, binds []SparseMemoryBind, fence Fence) error
	// QueueSubmitCopies enqueues copies and returns without waiting. The
	// fence (if non-null) signals once every copy has completed.
	QueueSubmitCopies(queue Queue, copies []CopyCommand, fence Fence) error
}

// SelectMemoryType returns the first memory type allowed by typeBits whose
// flags contain want and satisfy accept (nil accepts everything).
func SelectMemoryType(props MemoryProperties, typeBits uint32, want MemoryPropertyFlags, accept func(MemoryType) bool) (uint32, bool) {
	for i, mt := range props.Types {
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		if !mt.PropertyFlags.Contains(want) {
			continue
		}
		if accept != nil && !accept(mt) {
			continue
		}
		return uint32(i), true
	}
	return 0, false
}
