// Package arena provides a slot allocator over device-visible memory blocks.
//
// Slots are fixed-size cells addressed by a 32-bit Handle: the upper 12 bits
// pick a block and the lower 20 bits a slot within it. Allocations are runs
// of 1 to 9 contiguous slots. Freed runs go onto one LIFO free list per run
// length and are reused before fresh block space is touched.
//
// # Concurrency Model
//
// An Arena has a single owner. None of its methods may be called
// concurrently; callers that share an Arena must serialize access.
//
// # Device Visibility
//
// Every slot handed out or written through GetMut/RunMut is recorded in a
// per-block roaring bitmap. Flush turns the bitmaps into byte ranges and
// publishes them through the block allocator.
package arena
