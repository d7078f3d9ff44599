// Package mmap provides memory mappings outside the Go heap.
//
// # Overview
//
// Voxel block storage lives in large fixed-size regions that are handed out
// as raw host pointers. Keeping those regions off the Go heap means the
// garbage collector never scans them and their addresses never move, so a
// packed arena handle can be turned into a slot address with plain
// arithmetic.
//
// # Usage
//
//	m, err := mmap.MapAnon(blockSize)
//	if err != nil { ... }
//	defer m.Close()
//
//	block := m.Bytes() // zero-filled, read-write
//
// Read-only file mappings back the local asset store:
//
//	m, err := mmap.Open("castle.vox")
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2), madvise(2) for access hints
//   - Windows: VirtualAlloc for anonymous memory, MapViewOfFile for files
//
// # Thread Safety
//
// Close is idempotent and safe to call concurrently with itself. Callers must
// ensure nobody touches Bytes() after Close returns.
package mmap
