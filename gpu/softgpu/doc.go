// Package softgpu implements gpu.Device in host memory.
//
// Device memory objects are anonymous mappings charged against per-heap
// budgets. Sparse buffers resolve addresses through their bound pages, and
// queue copies execute asynchronously on worker goroutines so fences behave
// the way a real transfer queue's would. Host-visible memory without the
// coherent property keeps a separate device view that only changes on
// FlushMappedMemoryRanges, which makes missing flushes observable in tests.
package softgpu
