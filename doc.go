// Package voxgo stores sparse voxel models in GPU-addressable memory.
//
// Models are sparse voxel octrees (package svdag) whose nodes live in a
// slot arena (internal/arena) carved from fixed-size blocks. Blocks come
// from a blockalloc.BlockAllocator that backs them with device memory
// bound into one sparse buffer per address space, so a shader can walk
// every model through a single buffer device address.
//
// # Quick Start
//
//	dev := softgpu.New(softgpu.DefaultConfig(gpu.DeviceTypeDiscrete))
//	alloc, _ := blockalloc.NewFromDevice(dev, blockalloc.CreateInfo{
//	    BindTransferQueue:       dev.Queue(1),
//	    BindTransferQueueFamily: 1,
//	})
//	lib, _ := voxgo.New(alloc)
//	defer lib.Close()
//
//	castle, _ := lib.ImportVox(ctx, assets.NewLocalStore("./models"), "castle.vox")
//	fmt.Println(castle.Svdag().NodeCount(0))
//
// # Writing Voxels
//
//	m, _ := lib.CreateModel("scratch", 1)
//	g := m.Svdag().GridAccessorMut(6, 0) // 64^3 grid, frame 0
//	_ = g.Set(10, 20, 30, true)
//
// # Device Visibility
//
// Writes land in host memory first. Flush hands every dirty range to the
// allocator in one call; on discrete GPUs the copy runs asynchronously and
// Flush returns ErrFlushInProgress until the previous copy has finished:
//
//	if err := lib.Flush(ctx); errors.Is(err, voxgo.ErrFlushInProgress) {
//	    // try again next frame
//	}
//
// # Allocation Strategies
//
//   - Discrete: staging memory plus device-local memory, async copies
//   - Integrated: host-visible memory bound directly, explicit cache flushes
//   - Host: plain anonymous mappings, no device involved
package voxgo
