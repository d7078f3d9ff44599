// Package blockalloc allocates fixed-size memory blocks that are written by
// the host and read by a graphics device through one sparse buffer per
// address space.
//
// Three strategies implement BlockAllocator:
//
//   - Discrete keeps a host staging copy of each block and a device-local
//     copy bound into the sparse buffer. Flush records one copy per dirty
//     range and returns without waiting.
//   - Integrated binds host-visible memory straight into the sparse buffer.
//     Flush makes host writes visible before returning.
//   - Host keeps blocks in plain host memory with no device at all.
//
// New picks Discrete or Integrated from the device class.
package blockalloc
