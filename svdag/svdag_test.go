package svdag

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/voxgo/blockalloc"
	"github.com/hupe1980/voxgo/gpu"
	"github.com/hupe1980/voxgo/gpu/softgpu"
	"github.com/hupe1980/voxgo/internal/arena"
	"github.com/hupe1980/voxgo/resource"
)

func newTestDag(t *testing.T, roots int) *Svdag {
	t.Helper()
	d, err := New(blockalloc.NewHost(0), roots)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Close()) })
	return d
}

func TestHeader(t *testing.T) {
	h := Header{ChildMask: 0b1010_0110}
	assert.True(t, h.HasChild(1))
	assert.False(t, h.HasChild(0))
	assert.Equal(t, uint32(0), h.ChildIndex(1))
	assert.Equal(t, uint32(2), h.ChildIndex(5))
	assert.Equal(t, uint32(3), h.ChildIndex(7))
	assert.Equal(t, uint32(4), h.NumChildren())

	h.SetOccupancy(3, true)
	h.SetOccupancy(6, true)
	assert.Equal(t, uint8(0b0100_1000), h.OccupancyMask)
	h.SetOccupancy(3, false)
	assert.Equal(t, uint8(0b0100_0000), h.OccupancyMask)
	assert.True(t, h.Occupied(6))
	assert.False(t, h.Occupied(3))
}

func TestSlot(t *testing.T) {
	var s Slot
	s.SetHeader(Header{ChildMask: 0x81, OccupancyMask: 0x7E})
	assert.Equal(t, Header{ChildMask: 0x81, OccupancyMask: 0x7E}, s.Header())

	s.SetChild(arena.NewHandle(2, 5))
	assert.Equal(t, arena.NewHandle(2, 5), s.Child())
}

func TestCorner(t *testing.T) {
	assert.Equal(t, uint8(0), corner(0, 0, 0, 1))
	assert.Equal(t, uint8(4), corner(1, 0, 0, 1))
	assert.Equal(t, uint8(2), corner(0, 1, 0, 1))
	assert.Equal(t, uint8(1), corner(0, 0, 1, 1))
	assert.Equal(t, uint8(7), corner(3, 2, 2, 2))
}

func TestEmptyFrame(t *testing.T) {
	d := newTestDag(t, 2)
	g := d.GridAccessor(4, 1)
	assert.False(t, g.Get(0, 0, 0))
	assert.False(t, g.Get(15, 15, 15))
	assert.Equal(t, uint32(16), g.Side())

	require.NoError(t, d.GridAccessorMut(4, 1).Set(3, 3, 3, false))
	assert.Equal(t, uint64(0), d.Size())
	assert.Equal(t, 0, d.Stats().Blocks)
}

func TestSet_GrowAndCollapse(t *testing.T) {
	d := newTestDag(t, 1)
	g := d.GridAccessorMut(2, 0)

	require.NoError(t, g.Set(0, 0, 0, true))
	assert.Equal(t, uint64(3), d.Size())
	assert.Equal(t, 2, d.NodeCount(0))
	assert.True(t, g.Get(0, 0, 0))
	assert.False(t, g.Get(1, 0, 0))

	for _, v := range [][3]uint32{{0, 0, 1}, {0, 1, 0}, {0, 1, 1}, {1, 0, 0}, {1, 0, 1}, {1, 1, 0}, {1, 1, 1}} {
		require.NoError(t, g.Set(v[0], v[1], v[2], true))
	}
	// The leaf is uniform and folds into its parent's occupancy bit.
	assert.Equal(t, uint64(1), d.Size())
	assert.Equal(t, 1, d.NodeCount(0))
	assert.True(t, g.Get(1, 1, 1))
	assert.False(t, g.Get(2, 0, 0))

	require.NoError(t, g.Set(1, 0, 1, false))
	assert.Equal(t, uint64(3), d.Size())
	assert.False(t, g.Get(1, 0, 1))
	assert.True(t, g.Get(1, 1, 1))
	assert.True(t, g.Get(0, 0, 0))
}

func TestSet_FarCorner(t *testing.T) {
	d := newTestDag(t, 1)
	g := d.GridAccessorMut(3, 0)

	require.NoError(t, g.Set(3, 3, 3, true))
	assert.Equal(t, uint64(5), d.Size())

	for x := uint32(2); x < 4; x++ {
		for y := uint32(2); y < 4; y++ {
			for z := uint32(2); z < 4; z++ {
				require.NoError(t, g.Set(x, y, z, true))
			}
		}
	}
	assert.Equal(t, uint64(3), d.Size())
	assert.True(t, g.Get(2, 2, 2))
	assert.False(t, g.Get(1, 1, 1))
	assert.False(t, g.Get(4, 4, 4))
}

func TestSet_Idempotent(t *testing.T) {
	d := newTestDag(t, 1)
	g := d.GridAccessorMut(5, 0)

	require.NoError(t, g.Set(7, 19, 30, true))
	size := d.Size()
	require.NoError(t, g.Set(7, 19, 30, true))
	assert.Equal(t, size, d.Size())
	assert.True(t, g.Get(7, 19, 30))

	require.NoError(t, g.Set(7, 19, 30, false))
	assert.Equal(t, uint64(0), d.Size())
	assert.Equal(t, None, d.Root(0))
	require.NoError(t, g.Set(7, 19, 30, false))
	assert.Equal(t, uint64(0), d.Size())
}

func TestSet_FullGridKeepsRoot(t *testing.T) {
	d := newTestDag(t, 1)
	g := d.GridAccessorMut(2, 0)

	for x := uint32(0); x < 4; x++ {
		for y := uint32(0); y < 4; y++ {
			for z := uint32(0); z < 4; z++ {
				require.NoError(t, g.Set(x, y, z, true))
			}
		}
	}
	assert.Equal(t, uint64(1), d.Size())
	assert.False(t, d.Root(0).IsNone())
	assert.True(t, g.Get(3, 0, 2))

	require.NoError(t, g.Set(3, 0, 2, false))
	assert.False(t, g.Get(3, 0, 2))
	assert.True(t, g.Get(3, 0, 3))
	assert.True(t, g.Get(0, 0, 0))
}

func TestSet_RandomRoundTrip(t *testing.T) {
	d := newTestDag(t, 1)
	const size = 5
	g := d.GridAccessorMut(size, 0)

	rng := rand.New(rand.NewSource(42))
	want := make(map[[3]uint32]bool)
	for i := 0; i < 4000; i++ {
		v := [3]uint32{uint32(rng.Intn(1 << size)), uint32(rng.Intn(1 << size)), uint32(rng.Intn(1 << size))}
		occ := rng.Intn(3) != 0
		require.NoError(t, g.Set(v[0], v[1], v[2], occ))
		want[v] = occ
	}

	for x := uint32(0); x < 1<<size; x++ {
		for y := uint32(0); y < 1<<size; y++ {
			for z := uint32(0); z < 1<<size; z++ {
				if got := g.Get(x, y, z); got != want[[3]uint32{x, y, z}] {
					require.Failf(t, "voxel mismatch", "(%d, %d, %d): got %v", x, y, z, got)
				}
			}
		}
	}

	// Clearing everything leaves no nodes behind.
	for v, occ := range want {
		if occ {
			require.NoError(t, g.Set(v[0], v[1], v[2], false))
		}
	}
	assert.Equal(t, uint64(0), d.Size())
	assert.Equal(t, uint64(0), d.Stats().Segments)
}

func TestFramesAreIndependent(t *testing.T) {
	d := newTestDag(t, 2)
	require.NoError(t, d.GridAccessorMut(3, 0).Set(1, 2, 3, true))
	assert.False(t, d.GridAccessor(3, 1).Get(1, 2, 3))

	f := d.AddRoot()
	assert.Equal(t, 2, f)
	assert.Equal(t, 3, d.NumRoots())
	require.NoError(t, d.GridAccessorMut(3, f).Set(1, 2, 3, true))

	d.Clear(0)
	assert.False(t, d.GridAccessor(3, 0).Get(1, 2, 3))
	assert.True(t, d.GridAccessor(3, f).Get(1, 2, 3))
	assert.Equal(t, 3, d.NodeCount(f))
}

func TestPreconditions(t *testing.T) {
	d := newTestDag(t, 1)
	assert.Panics(t, func() { d.GridAccessor(3, 1) })
	assert.Panics(t, func() { d.GridAccessor(0, 0) })
	assert.Panics(t, func() { d.GridAccessor(MaxGridSize+1, 0) })
	assert.Panics(t, func() { d.GridAccessor(3, 0).Get(8, 0, 0) })
	assert.Panics(t, func() { _ = d.GridAccessorMut(3, 0).Set(0, 0, 8, true) })
}

func TestSet_AllocatorExhaustedLeavesFrameIntact(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: blockalloc.DefaultBlockSize})
	alloc := blockalloc.NewHost(0, blockalloc.WithResourceController(rc))
	d, err := New(alloc, 2)
	require.NoError(t, err)
	defer d.Close()

	g := d.GridAccessorMut(4, 0)
	require.NoError(t, g.Set(1, 1, 1, true))

	// A second Svdag sharing the budget cannot get a block.
	other, err := New(alloc, 1)
	require.NoError(t, err)
	defer other.Close()
	err = other.GridAccessorMut(4, 0).Set(0, 0, 0, true)
	require.ErrorIs(t, err, blockalloc.ErrOutOfHostMemory)
	assert.Equal(t, None, other.Root(0))
	assert.True(t, g.Get(1, 1, 1))
}

func TestSet_ExhaustedBlockStillAcceptsLocalWrites(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: blockalloc.DefaultBlockSize})
	d, err := New(blockalloc.NewHost(0, blockalloc.WithResourceController(rc)), 1)
	require.NoError(t, err)
	defer d.Close()

	// Pairs of voxels sharing a leaf, one pair per 16-cube, until the only
	// block is full.
	const size, stride = 10, 16
	g := d.GridAccessorMut(size, 0)
	var failed [3]uint32
fill:
	for x := uint32(0); x < 1<<size; x += stride {
		for y := uint32(0); y < 1<<size; y += stride {
			for z := uint32(0); z < 1<<size; z += stride {
				for _, dx := range []uint32{0, 1} {
					if err = g.Set(x+dx, y, z, true); err != nil {
						failed = [3]uint32{x + dx, y, z}
						break fill
					}
				}
			}
		}
	}
	require.ErrorIs(t, err, blockalloc.ErrOutOfHostMemory)
	assert.Equal(t, 1, d.Stats().Blocks)
	assert.False(t, g.Get(failed[0], failed[1], failed[2]))

	// Clearing one voxel of a pair only rewrites its leaf.
	require.NoError(t, g.Set(1, 0, 0, false))
	assert.False(t, g.Get(1, 0, 0))
	assert.True(t, g.Get(0, 0, 0))
	require.NoError(t, g.Set(1, 0, 0, true))
	assert.True(t, g.Get(1, 0, 0))
	assert.Equal(t, 1, d.Stats().Blocks)
}

func TestSharedAddressSpace(t *testing.T) {
	alloc := blockalloc.NewHost(0)
	space, err := alloc.CreateAddressSpace()
	require.NoError(t, err)

	a, err := New(alloc, 1, WithAddressSpace(space))
	require.NoError(t, err)
	b, err := New(alloc, 1, WithAddressSpace(space))
	require.NoError(t, err)
	require.NoError(t, a.GridAccessorMut(2, 0).Set(0, 0, 0, true))
	require.NoError(t, b.GridAccessorMut(2, 0).Set(0, 0, 0, true))
	assert.Same(t, a.AddressSpace(), b.AddressSpace())

	require.NoError(t, a.Close())
	assert.ErrorIs(t, alloc.DestroyAddressSpace(space), blockalloc.ErrBlocksOutstanding)
	require.NoError(t, b.Close())
	require.NoError(t, alloc.DestroyAddressSpace(space))
}

func TestFlush_Discrete(t *testing.T) {
	dev := softgpu.New(softgpu.DefaultConfig(gpu.DeviceTypeDiscrete))
	defer dev.Close()

	alloc, err := blockalloc.NewFromDevice(dev, blockalloc.CreateInfo{
		BindTransferQueue:       dev.Queue(1),
		BindTransferQueueFamily: 1,
		BlockSize:               blockalloc.DefaultBlockSize,
		MaxStorageBufferSize:    4 * blockalloc.DefaultBlockSize,
	})
	require.NoError(t, err)
	defer alloc.Close()

	d, err := New(alloc, 1)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.GridAccessorMut(2, 0).Set(0, 0, 0, true))
	assert.NotEmpty(t, d.PendingRanges())
	require.NoError(t, d.FlushAll())
	assert.Empty(t, d.PendingRanges())
	require.Eventually(t, alloc.CanFlush, 5*time.Second, time.Millisecond)

	root := d.Root(0)
	got, err := dev.ReadBuffer(d.Buffer(), uint64(root.Slot())*4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x01, 0, 0}, got)
}
