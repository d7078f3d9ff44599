package softgpu

import (
	"time"

	"github.com/hupe1980/voxgo/gpu"
)

const (
	// SparsePageSize is the sparse binding granularity.
	SparsePageSize = 64 << 10

	bufferAlignment = 256
	addressBase     = 1 << 40
)

// Config describes the emulated device.
type Config struct {
	Name string
	// Type selects the memory layout. Discrete devices expose a device-local
	// heap that the host cannot map; all other types share host memory.
	Type gpu.DeviceType

	DeviceHeapSize        uint64
	HostHeapSize          uint64
	MaxStorageBufferRange uint64

	// MaxMemoryAllocations caps live memory objects.
	MaxMemoryAllocations int

	// DisableSparseBinding reports the sparse binding feature as absent.
	DisableSparseBinding bool

	// TransferBytesPerSec throttles queue copies. Zero is unlimited.
	TransferBytesPerSec int64
	// CopyWorkers bounds concurrent copy regions per submission.
	CopyWorkers int
	// CopyLatency delays each submission before it executes.
	CopyLatency time.Duration
}

// DefaultConfig returns a configuration for a device of the given type.
func DefaultConfig(t gpu.DeviceType) Config {
	return Config{
		Name:                  "softgpu " + t.String(),
		Type:                  t,
		DeviceHeapSize:        1 << 30,
		HostHeapSize:          1 << 30,
		MaxStorageBufferRange: 1 << 32,
		MaxMemoryAllocations:  4096,
		CopyWorkers:           4,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig(c.Type)
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.DeviceHeapSize == 0 {
		c.DeviceHeapSize = def.DeviceHeapSize
	}
	if c.HostHeapSize == 0 {
		c.HostHeapSize = def.HostHeapSize
	}
	if c.MaxStorageBufferRange == 0 {
		c.MaxStorageBufferRange = def.MaxStorageBufferRange
	}
	if c.MaxMemoryAllocations <= 0 {
		c.MaxMemoryAllocations = def.MaxMemoryAllocations
	}
	if c.CopyWorkers <= 0 {
		c.CopyWorkers = def.CopyWorkers
	}
}

func memoryProperties(c Config) gpu.MemoryProperties {
	heaps := []gpu.MemoryHeap{
		{Size: c.DeviceHeapSize, Flags: gpu.MemoryHeapDeviceLocal},
		{Size: c.HostHeapSize},
	}

	if c.Type == gpu.DeviceTypeDiscrete {
		return gpu.MemoryProperties{
			Heaps: heaps,
			Types: []gpu.MemoryType{
				{PropertyFlags: gpu.MemoryPropertyDeviceLocal, HeapIndex: 0},
				{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 1},
				{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent | gpu.MemoryPropertyHostCached, HeapIndex: 1},
				{PropertyFlags: gpu.MemoryPropertyDeviceLocal | gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 0},
			},
		}
	}

	return gpu.MemoryProperties{
		Heaps: heaps,
		Types: []gpu.MemoryType{
			{PropertyFlags: gpu.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: gpu.MemoryPropertyDeviceLocal | gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 0},
			{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCached, HeapIndex: 1},
			{PropertyFlags: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 1},
		},
	}
}
