// Package gpu describes the slice of a graphics device that block storage
// needs: memory heaps and types, buffers (including sparse-resident ones),
// device memory objects, fences, sparse binding, and buffer-to-buffer copies.
//
// The types mirror the explicit-API model of modern graphics drivers so a
// driver binding can implement Device directly. Package softgpu provides a
// complete implementation in host memory.
package gpu
