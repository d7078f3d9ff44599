package softgpu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/voxgo/gpu"
)

func newDevice(t *testing.T, typ gpu.DeviceType) *Device {
	t.Helper()
	cfg := DefaultConfig(typ)
	cfg.DeviceHeapSize = 8 << 20
	cfg.HostHeapSize = 8 << 20
	d := New(cfg)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestMemoryProperties(t *testing.T) {
	d := newDevice(t, gpu.DeviceTypeDiscrete)
	mp := d.MemoryProperties()
	require.Len(t, mp.Heaps, 2)
	assert.True(t, mp.Heaps[0].Flags.Contains(gpu.MemoryHeapDeviceLocal))
	assert.Equal(t, gpu.DeviceTypeDiscrete, d.Properties().Type)
	assert.True(t, d.Properties().SparseBinding)
}

func TestAllocateMemory_HeapBudget(t *testing.T) {
	d := newDevice(t, gpu.DeviceTypeDiscrete)

	m1, err := d.AllocateMemory(6<<20, 0)
	require.NoError(t, err)

	_, err = d.AllocateMemory(4<<20, 0)
	assert.ErrorIs(t, err, gpu.ErrorOutOfDeviceMemory)

	_, err = d.AllocateMemory(4<<20, 1)
	require.NoError(t, err)

	d.FreeMemory(m1)
	_, err = d.AllocateMemory(4<<20, 0)
	require.NoError(t, err)
}

func TestAllocateMemory_TooManyObjects(t *testing.T) {
	cfg := DefaultConfig(gpu.DeviceTypeIntegrated)
	cfg.MaxMemoryAllocations = 2
	d := New(cfg)
	defer d.Close()

	for i := 0; i < 2; i++ {
		_, err := d.AllocateMemory(4096, 2)
		require.NoError(t, err)
	}
	_, err := d.AllocateMemory(4096, 2)
	assert.ErrorIs(t, err, gpu.ErrorTooManyObjects)
}

func TestMapMemory_DeviceLocalFails(t *testing.T) {
	d := newDevice(t, gpu.DeviceTypeDiscrete)
	m, err := d.AllocateMemory(4096, 0)
	require.NoError(t, err)

	_, err = d.MapMemory(m, 0, gpu.WholeSize)
	assert.ErrorIs(t, err, gpu.ErrorMemoryMapFailed)
}

func TestFlushMappedMemoryRanges_NonCoherent(t *testing.T) {
	d := newDevice(t, gpu.DeviceTypeIntegrated)

	// Type 2 on an integrated device is host-visible but not coherent.
	m, err := d.AllocateMemory(SparsePageSize, 2)
	require.NoError(t, err)
	host, err := d.MapMemory(m, 0, gpu.WholeSize)
	require.NoError(t, err)

	buf, err := d.CreateBuffer(gpu.BufferCreateInfo{
		Size:  4 * SparsePageSize,
		Usage: gpu.BufferUsageStorageBuffer,
		Flags: gpu.BufferCreateSparseBinding | gpu.BufferCreateSparseResidency,
	})
	require.NoError(t, err)
	require.NoError(t, d.QueueBindSparse(d.Queue(1), buf, []gpu.SparseMemoryBind{{
		ResourceOffset: SparsePageSize,
		Size:           SparsePageSize,
		Memory:         m,
	}}, 0))

	copy(host[16:], []byte{1, 2, 3, 4})

	got, err := d.ReadBuffer(buf, SparsePageSize+16, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, got)

	require.NoError(t, d.FlushMappedMemoryRanges([]gpu.MappedMemoryRange{{Memory: m, Offset: 0, Size: gpu.WholeSize}}))

	got, err = d.ReadBuffer(buf, SparsePageSize+16, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	_, err = d.ReadBuffer(buf, 0, 4)
	assert.ErrorIs(t, err, gpu.ErrorValidationFailed)
}

func TestQueueBindSparse_Validation(t *testing.T) {
	d := newDevice(t, gpu.DeviceTypeDiscrete)
	m, err := d.AllocateMemory(2*SparsePageSize, 0)
	require.NoError(t, err)

	buf, err := d.CreateBuffer(gpu.BufferCreateInfo{
		Size:  4 * SparsePageSize,
		Usage: gpu.BufferUsageStorageBuffer,
		Flags: gpu.BufferCreateSparseBinding,
	})
	require.NoError(t, err)
	q := d.Queue(1)

	err = d.QueueBindSparse(q, buf, []gpu.SparseMemoryBind{{ResourceOffset: 100, Size: SparsePageSize, Memory: m}}, 0)
	assert.ErrorIs(t, err, gpu.ErrorValidationFailed)

	require.NoError(t, d.QueueBindSparse(q, buf, []gpu.SparseMemoryBind{{ResourceOffset: 0, Size: 2 * SparsePageSize, Memory: m}}, 0))
	assert.Equal(t, 1, d.SparseBindings(buf))

	err = d.QueueBindSparse(q, buf, []gpu.SparseMemoryBind{{ResourceOffset: SparsePageSize, Size: SparsePageSize, Memory: m}}, 0)
	assert.ErrorIs(t, err, gpu.ErrorValidationFailed)

	require.NoError(t, d.QueueBindSparse(q, buf, []gpu.SparseMemoryBind{{ResourceOffset: 0, Size: 2 * SparsePageSize}}, 0))
	assert.Equal(t, 0, d.SparseBindings(buf))

	err = d.QueueBindSparse(0, buf, nil, 0)
	assert.ErrorIs(t, err, gpu.ErrorInvalidHandle)
}

func TestQueueSubmitCopies_SignalsFence(t *testing.T) {
	cfg := DefaultConfig(gpu.DeviceTypeDiscrete)
	cfg.CopyLatency = 20 * time.Millisecond
	d := New(cfg)
	defer d.Close()

	staging, err := d.AllocateMemory(SparsePageSize, 1)
	require.NoError(t, err)
	src, err := d.CreateBuffer(gpu.BufferCreateInfo{Size: SparsePageSize, Usage: gpu.BufferUsageTransferSrc})
	require.NoError(t, err)
	require.NoError(t, d.BindBufferMemory(src, staging, 0))

	local, err := d.AllocateMemory(SparsePageSize, 0)
	require.NoError(t, err)
	dst, err := d.CreateBuffer(gpu.BufferCreateInfo{
		Size:  8 * SparsePageSize,
		Usage: gpu.BufferUsageStorageBuffer | gpu.BufferUsageTransferDst | gpu.BufferUsageShaderDeviceAddress,
		Flags: gpu.BufferCreateSparseBinding,
	})
	require.NoError(t, err)
	require.NoError(t, d.QueueBindSparse(d.Queue(1), dst, []gpu.SparseMemoryBind{{
		ResourceOffset: 3 * SparsePageSize,
		Size:           SparsePageSize,
		Memory:         local,
	}}, 0))
	assert.NotZero(t, d.BufferDeviceAddress(dst))

	host, err := d.MapMemory(staging, 0, gpu.WholeSize)
	require.NoError(t, err)
	copy(host[8:], []byte("voxel"))

	f, err := d.CreateFence(true)
	require.NoError(t, err)
	require.NoError(t, d.ResetFence(f))

	require.NoError(t, d.QueueSubmitCopies(d.Queue(1), []gpu.CopyCommand{{
		Src:    src,
		Dst:    dst,
		Region: gpu.BufferCopy{SrcOffset: 8, DstOffset: 3*SparsePageSize + 8, Size: 5},
	}}, f))

	signaled, err := d.FenceStatus(f)
	require.NoError(t, err)
	assert.False(t, signaled)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitForFence(ctx, f))

	got, err := d.ReadBuffer(dst, 3*SparsePageSize+8, 5)
	require.NoError(t, err)
	assert.Equal(t, "voxel", string(got))
}

func TestQueueSubmitCopies_UnboundRegion(t *testing.T) {
	d := newDevice(t, gpu.DeviceTypeDiscrete)
	dst, err := d.CreateBuffer(gpu.BufferCreateInfo{
		Size:  SparsePageSize,
		Flags: gpu.BufferCreateSparseBinding,
	})
	require.NoError(t, err)

	err = d.QueueSubmitCopies(d.Queue(1), []gpu.CopyCommand{{Src: dst, Dst: dst, Region: gpu.BufferCopy{Size: 4}}}, 0)
	assert.ErrorIs(t, err, gpu.ErrorValidationFailed)
}

func TestCreateBuffer_SparseUnsupported(t *testing.T) {
	cfg := DefaultConfig(gpu.DeviceTypeIntegrated)
	cfg.DisableSparseBinding = true
	d := New(cfg)
	defer d.Close()

	_, err := d.CreateBuffer(gpu.BufferCreateInfo{Size: SparsePageSize, Flags: gpu.BufferCreateSparseBinding})
	assert.ErrorIs(t, err, gpu.ErrorFeatureNotPresent)
}

func TestWaitForFence_ContextCanceled(t *testing.T) {
	d := newDevice(t, gpu.DeviceTypeIntegrated)
	f, err := d.CreateFence(false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.WaitForFence(ctx, f), context.Canceled)
}

func TestFreeMemory_ReleasesBindings(t *testing.T) {
	d := newDevice(t, gpu.DeviceTypeDiscrete)
	m, err := d.AllocateMemory(SparsePageSize, 0)
	require.NoError(t, err)
	buf, err := d.CreateBuffer(gpu.BufferCreateInfo{Size: SparsePageSize, Flags: gpu.BufferCreateSparseBinding})
	require.NoError(t, err)
	require.NoError(t, d.QueueBindSparse(d.Queue(1), buf, []gpu.SparseMemoryBind{{Size: SparsePageSize, Memory: m}}, 0))

	d.FreeMemory(m)
	assert.Equal(t, 0, d.SparseBindings(buf))
	assert.Equal(t, int64(0), d.Stats().HeapUsage[0])
}
