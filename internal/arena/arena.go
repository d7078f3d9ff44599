package arena

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/voxgo/blockalloc"
)

var (
	// ErrSlotTooSmall is returned for slot types narrower than a Handle.
	ErrSlotTooSmall = errors.New("arena: slot type smaller than a handle")
	// ErrBlockTooSmall is returned when the allocator's blocks cannot hold
	// SlotsPerBlock slots.
	ErrBlockTooSmall = errors.New("arena: block size too small")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("arena: closed")
)

// Stats is a snapshot of arena usage.
type Stats struct {
	Size     uint64 // slots in live runs
	Segments uint64 // live runs
	Blocks   int
	// FreeRuns[i] counts free runs of length i+1.
	FreeRuns   [MaxRun]int
	DirtySlots uint64
	// BytesReserved is the block memory held by the arena.
	BytesReserved uint64
}

type block[T any] struct {
	slots []T
	raw   []byte
	token *blockalloc.Allocation
	dirty *roaring.Bitmap
}

// Arena hands out runs of T-sized slots from blocks obtained from a
// blockalloc.BlockAllocator. T must not contain Go pointers.
type Arena[T any] struct {
	alloc    blockalloc.BlockAllocator
	space    *blockalloc.AddressSpace
	slotSize uint64
	logger   *slog.Logger

	blocks   []*block[T]
	free     [MaxRun]Handle
	freeRuns [MaxRun]int
	newspace Handle

	size     uint64
	segments uint64
	closed   bool
}

type options struct {
	logger *slog.Logger
}

// Option configures an Arena.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New creates an arena whose blocks live in space.
func New[T any](alloc blockalloc.BlockAllocator, space *blockalloc.AddressSpace, opts ...Option) (*Arena[T], error) {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	var zero T
	slotSize := uint64(unsafe.Sizeof(zero))
	if slotSize < 4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrSlotTooSmall, slotSize)
	}
	if need := SlotsPerBlock * slotSize; alloc.BlockSize() < need {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrBlockTooSmall, alloc.BlockSize(), need)
	}

	a := &Arena[T]{
		alloc:    alloc,
		space:    space,
		slotSize: slotSize,
		logger:   o.logger,
		newspace: None,
	}
	for i := range a.free {
		a.free[i] = None
	}
	return a, nil
}

// Alloc returns a zeroed run of n slots, 1 <= n <= MaxRun. It only fails
// when a new block is needed and the block allocator cannot supply one.
func (a *Arena[T]) Alloc(n uint32) (Handle, error) {
	checkRun(n)
	if a.closed {
		return None, ErrClosed
	}

	h := a.free[n-1]
	if !h.IsNone() {
		a.free[n-1] = a.link(h)
		a.freeRuns[n-1]--
	} else {
		if a.newspace.IsNone() {
			if err := a.grow(); err != nil {
				return None, err
			}
		}
		h = a.carve(n)
	}

	a.zero(h, n)
	a.markDirty(h, n)
	a.size += uint64(n)
	a.segments++
	return h, nil
}

// carve takes n slots from the newspace cursor. A remainder too short to
// keep the cursor alive goes onto the free list of its length.
func (a *Arena[T]) carve(n uint32) Handle {
	h := a.newspace
	remaining := SlotsPerBlock - h.Slot() - n
	if remaining <= MaxRun {
		if remaining > 0 {
			a.push(h.Offset(n), remaining)
		}
		a.newspace = None
	} else {
		a.newspace = h.Offset(n)
	}
	return h
}

// Reserve guarantees that further allocations totaling at most n slots
// succeed without requesting a block. Any unused newspace that is too short
// is retired onto the free lists first.
func (a *Arena[T]) Reserve(n uint32) error {
	if a.closed {
		return ErrClosed
	}
	if n > SlotsPerBlock-MaxRun-1 {
		return fmt.Errorf("arena: cannot reserve %d slots", n)
	}
	if !a.newspace.IsNone() && SlotsPerBlock-a.newspace.Slot() > n+MaxRun {
		return nil
	}

	if !a.newspace.IsNone() {
		h := a.newspace
		left := SlotsPerBlock - h.Slot()
		for left > 0 {
			run := min(left, MaxRun)
			a.push(h, run)
			h = h.Offset(run)
			left -= run
		}
		a.newspace = None
	}
	return a.grow()
}

// ReserveRuns guarantees that allocating runs of the given lengths, in
// order, succeeds. Free lists and the open block are used first; a block is
// requested only when they cannot serve every run.
func (a *Arena[T]) ReserveRuns(lens []uint32) error {
	if a.closed {
		return ErrClosed
	}
	if a.covers(lens) {
		return nil
	}
	var total uint32
	for _, n := range lens {
		total += n
	}
	return a.Reserve(total)
}

// covers replays the choices Alloc would make for lens. Remainders pushed
// while carving are not counted and runs freed in between only add room,
// so a true result holds for the real allocations.
func (a *Arena[T]) covers(lens []uint32) bool {
	free := a.freeRuns
	cursor := a.newspace
	for _, n := range lens {
		checkRun(n)
		if free[n-1] > 0 {
			free[n-1]--
			continue
		}
		if cursor.IsNone() {
			return false
		}
		if SlotsPerBlock-cursor.Slot()-n <= MaxRun {
			cursor = None
		} else {
			cursor = cursor.Offset(n)
		}
	}
	return true
}

func (a *Arena[T]) grow() error {
	if len(a.blocks) >= MaxBlocks {
		return &blockalloc.AllocError{
			Kind: blockalloc.TooManyObjects,
			Op:   "arena grow",
			Err:  fmt.Errorf("arena holds at most %d blocks", MaxBlocks),
		}
	}

	data, token, err := a.alloc.AllocateBlock(a.space)
	if err != nil {
		return err
	}

	raw := data[:SlotsPerBlock*a.slotSize]
	a.blocks = append(a.blocks, &block[T]{
		slots: unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), SlotsPerBlock),
		raw:   raw,
		token: token,
		dirty: roaring.New(),
	})
	a.newspace = NewHandle(uint32(len(a.blocks)-1), 0)

	a.logger.Debug("arena block allocated",
		slog.Int("blocks", len(a.blocks)),
		slog.Uint64("slot", token.Slot()),
	)
	return nil
}

// Free returns a run to its free list. n must equal the run's allocated
// length.
func (a *Arena[T]) Free(h Handle, n uint32) {
	checkRun(n)
	a.check(h, n)
	a.size -= uint64(n)
	a.segments--
	a.push(h, n)
}

func (a *Arena[T]) push(h Handle, n uint32) {
	a.setLink(h, a.free[n-1])
	a.free[n-1] = h
	a.freeRuns[n-1]++
}

// The free-list link lives in the first four bytes of a free run. Free
// runs are never read by the device, so links are not marked dirty.
func (a *Arena[T]) link(h Handle) Handle {
	off := uint64(h.Slot()) * a.slotSize
	return Handle(binary.LittleEndian.Uint32(a.blocks[h.Block()].raw[off:]))
}

func (a *Arena[T]) setLink(h, next Handle) {
	off := uint64(h.Slot()) * a.slotSize
	binary.LittleEndian.PutUint32(a.blocks[h.Block()].raw[off:], uint32(next))
}

func (a *Arena[T]) zero(h Handle, n uint32) {
	clear(a.blocks[h.Block()].slots[h.Slot() : h.Slot()+n])
}

func (a *Arena[T]) markDirty(h Handle, n uint32) {
	a.blocks[h.Block()].dirty.AddRange(uint64(h.Slot()), uint64(h.Slot()+n))
}

func (a *Arena[T]) check(h Handle, n uint32) {
	if h.IsNone() {
		panic("arena: none handle")
	}
	if int(h.Block()) >= len(a.blocks) || h.Slot()+n > SlotsPerBlock {
		panic(fmt.Sprintf("arena: %s out of range", h))
	}
}

func checkRun(n uint32) {
	if n == 0 || n > MaxRun {
		panic(fmt.Sprintf("arena: run length %d out of range", n))
	}
}

// Get returns the slot at h for reading.
func (a *Arena[T]) Get(h Handle) *T {
	a.check(h, 1)
	return &a.blocks[h.Block()].slots[h.Slot()]
}

// GetMut returns the slot at h for writing and marks it dirty.
func (a *Arena[T]) GetMut(h Handle) *T {
	a.check(h, 1)
	a.markDirty(h, 1)
	return &a.blocks[h.Block()].slots[h.Slot()]
}

// Run returns n slots starting at h for reading.
func (a *Arena[T]) Run(h Handle, n uint32) []T {
	a.check(h, n)
	s := h.Slot()
	return a.blocks[h.Block()].slots[s : s+n : s+n]
}

// RunMut returns n slots starting at h for writing and marks them dirty.
func (a *Arena[T]) RunMut(h Handle, n uint32) []T {
	a.check(h, n)
	a.markDirty(h, n)
	s := h.Slot()
	return a.blocks[h.Block()].slots[s : s+n : s+n]
}

// Size returns the number of slots in live runs.
func (a *Arena[T]) Size() uint64 { return a.size }

// Segments returns the number of live runs.
func (a *Arena[T]) Segments() uint64 { return a.segments }

// Blocks returns the number of blocks held.
func (a *Arena[T]) Blocks() int { return len(a.blocks) }

// DirtyRanges returns the byte ranges written since the last successful
// Flush or ClearDirty, ordered by block and offset.
func (a *Arena[T]) DirtyRanges() []blockalloc.Range {
	var out []blockalloc.Range
	for _, blk := range a.blocks {
		if blk.dirty.IsEmpty() {
			continue
		}
		it := blk.dirty.Iterator()
		start := it.Next()
		end := start + 1
		for it.HasNext() {
			s := it.Next()
			if s == end {
				end++
				continue
			}
			out = append(out, a.byteRange(blk, start, end))
			start, end = s, s+1
		}
		out = append(out, a.byteRange(blk, start, end))
	}
	return out
}

func (a *Arena[T]) byteRange(blk *block[T], start, end uint32) blockalloc.Range {
	return blockalloc.Range{
		Space: a.space,
		Block: blk.token,
		Start: uint64(start) * a.slotSize,
		End:   uint64(end) * a.slotSize,
	}
}

// ClearDirty forgets all recorded writes.
func (a *Arena[T]) ClearDirty() {
	for _, blk := range a.blocks {
		blk.dirty.Clear()
	}
}

// Flush publishes dirty ranges. Dirty state is kept if the allocator is
// still busy with an earlier flush or fails.
func (a *Arena[T]) Flush() error {
	if a.closed {
		return ErrClosed
	}
	if !a.alloc.CanFlush() {
		return blockalloc.ErrFlushInProgress
	}
	ranges := a.DirtyRanges()
	if len(ranges) == 0 {
		return nil
	}
	if err := a.alloc.Flush(ranges); err != nil {
		return err
	}
	a.ClearDirty()
	return nil
}

// Stats returns current usage.
func (a *Arena[T]) Stats() Stats {
	s := Stats{
		Size:          a.size,
		Segments:      a.segments,
		Blocks:        len(a.blocks),
		FreeRuns:      a.freeRuns,
		BytesReserved: uint64(len(a.blocks)) * a.alloc.BlockSize(),
	}
	for _, blk := range a.blocks {
		s.DirtySlots += blk.dirty.GetCardinality()
	}
	return s
}

// Close returns every block to the allocator. Handles become invalid.
func (a *Arena[T]) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	for _, blk := range a.blocks {
		a.alloc.DeallocateBlock(a.space, blk.token)
	}
	a.blocks = nil
	for i := range a.free {
		a.free[i] = None
		a.freeRuns[i] = 0
	}
	a.newspace = None
	a.size, a.segments = 0, 0
	return nil
}
