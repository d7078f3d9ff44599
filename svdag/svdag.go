package svdag

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hupe1980/voxgo/blockalloc"
	"github.com/hupe1980/voxgo/gpu"
	"github.com/hupe1980/voxgo/internal/arena"
)

// MaxGridSize is the largest accepted grid size exponent.
const MaxGridSize = 20

// ErrClosed is returned by operations on a closed Svdag.
var ErrClosed = errors.New("svdag: closed")

type options struct {
	logger *slog.Logger
	space  *blockalloc.AddressSpace
}

// Option configures an Svdag.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAddressSpace places the Svdag's blocks in an existing address space
// instead of creating its own. The caller keeps ownership of space.
func WithAddressSpace(space *blockalloc.AddressSpace) Option {
	return func(o *options) {
		o.space = space
	}
}

// Stats is a snapshot of an Svdag's storage.
type Stats struct {
	Roots         int
	Size          uint64
	Segments      uint64
	Blocks        int
	FreeRuns      [arena.MaxRun]int
	DirtySlots    uint64
	BytesReserved uint64
}

// Svdag is a set of sparse voxel octrees, one per frame.
type Svdag struct {
	alloc     blockalloc.BlockAllocator
	space     *blockalloc.AddressSpace
	ownsSpace bool
	arena     *arena.Arena[Slot]
	roots     []Handle
	logger    *slog.Logger
	closed    bool
}

// New creates an Svdag with numRoots empty frames.
func New(alloc blockalloc.BlockAllocator, numRoots int, opts ...Option) (*Svdag, error) {
	if numRoots < 0 {
		return nil, fmt.Errorf("svdag: negative root count %d", numRoots)
	}
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	space, owns := o.space, false
	if space == nil {
		var err error
		if space, err = alloc.CreateAddressSpace(); err != nil {
			return nil, err
		}
		owns = true
	}

	ar, err := arena.New[Slot](alloc, space, arena.WithLogger(o.logger))
	if err != nil {
		if owns {
			_ = alloc.DestroyAddressSpace(space)
		}
		return nil, err
	}

	roots := make([]Handle, numRoots)
	for i := range roots {
		roots[i] = None
	}

	return &Svdag{
		alloc:     alloc,
		space:     space,
		ownsSpace: owns,
		arena:     ar,
		roots:     roots,
		logger:    o.logger,
	}, nil
}

// NumRoots returns the number of frames.
func (d *Svdag) NumRoots() int { return len(d.roots) }

// AddRoot appends an empty frame and returns its index.
func (d *Svdag) AddRoot() int {
	d.roots = append(d.roots, None)
	return len(d.roots) - 1
}

// Roots returns the root handle of every frame. The slice must not be
// modified.
func (d *Svdag) Roots() []Handle { return d.roots }

// Root returns the root handle of frame.
func (d *Svdag) Root(frame int) Handle {
	return d.roots[d.checkFrame(frame)]
}

func (d *Svdag) checkFrame(frame int) int {
	if frame < 0 || frame >= len(d.roots) {
		panic(fmt.Sprintf("svdag: frame %d out of range [0, %d)", frame, len(d.roots)))
	}
	return frame
}

// GridAccessor returns a read view of frame as a cube of side 2^size.
func (d *Svdag) GridAccessor(size uint8, frame int) *GridAccessor {
	checkSize(size)
	return &GridAccessor{dag: d, frame: d.checkFrame(frame), size: size}
}

// GridAccessorMut returns a read-write view of frame as a cube of side 2^size.
func (d *Svdag) GridAccessorMut(size uint8, frame int) *GridAccessorMut {
	return &GridAccessorMut{GridAccessor: *d.GridAccessor(size, frame)}
}

func checkSize(size uint8) {
	if size < 1 || size > MaxGridSize {
		panic(fmt.Sprintf("svdag: grid size %d out of range [1, %d]", size, MaxGridSize))
	}
}

// Clear frees every node of frame and leaves it empty.
func (d *Svdag) Clear(frame int) {
	f := d.checkFrame(frame)
	d.freeTree(d.roots[f])
	d.roots[f] = None
}

func (d *Svdag) freeTree(h Handle) {
	if h.IsNone() {
		return
	}
	hdr := d.header(h)
	for i := uint32(0); i < hdr.NumChildren(); i++ {
		d.freeTree(d.arena.Get(h.Offset(1 + i)).Child())
	}
	d.arena.Free(h, hdr.NumChildren()+1)
}

// NodeCount returns the number of nodes reachable from frame's root.
func (d *Svdag) NodeCount(frame int) int {
	return d.countTree(d.roots[d.checkFrame(frame)])
}

func (d *Svdag) countTree(h Handle) int {
	if h.IsNone() {
		return 0
	}
	hdr := d.header(h)
	n := 1
	for i := uint32(0); i < hdr.NumChildren(); i++ {
		n += d.countTree(d.arena.Get(h.Offset(1 + i)).Child())
	}
	return n
}

func (d *Svdag) header(h Handle) Header {
	return d.arena.Get(h).Header()
}

func (d *Svdag) child(h Handle, hdr Header, c uint8) Handle {
	return d.arena.Get(h.Offset(1 + hdr.ChildIndex(c))).Child()
}

// reshape moves node h (None for a new node) into a run sized for mask,
// carrying over the child handles present in both layouts. The returned
// node's header is left for the caller to write.
func (d *Svdag) reshape(h Handle, old Header, mask uint8) (Handle, error) {
	next := Header{ChildMask: mask}
	nh, err := d.arena.Alloc(next.NumChildren() + 1)
	if err != nil {
		return None, err
	}
	if h.IsNone() {
		return nh, nil
	}

	for c := uint8(0); c < 8; c++ {
		if old.HasChild(c) && next.HasChild(c) {
			d.arena.GetMut(nh.Offset(1 + next.ChildIndex(c))).SetChild(d.child(h, old, c))
		}
	}
	d.arena.Free(h, old.NumChildren()+1)
	return nh, nil
}

// Size returns the number of slots in use.
func (d *Svdag) Size() uint64 { return d.arena.Size() }

// Stats returns storage usage.
func (d *Svdag) Stats() Stats {
	as := d.arena.Stats()
	return Stats{
		Roots:         len(d.roots),
		Size:          as.Size,
		Segments:      as.Segments,
		Blocks:        as.Blocks,
		FreeRuns:      as.FreeRuns,
		DirtySlots:    as.DirtySlots,
		BytesReserved: as.BytesReserved,
	}
}

// PendingRanges returns the ranges written since the last flush.
func (d *Svdag) PendingRanges() []blockalloc.Range { return d.arena.DirtyRanges() }

// MarkFlushed forgets pending writes after the caller has flushed them.
func (d *Svdag) MarkFlushed() { d.arena.ClearDirty() }

// FlushAll publishes pending writes to the device.
func (d *Svdag) FlushAll() error {
	if d.closed {
		return ErrClosed
	}
	return d.arena.Flush()
}

// AddressSpace returns the address space holding the nodes.
func (d *Svdag) AddressSpace() *blockalloc.AddressSpace { return d.space }

// Buffer returns the device buffer holding the nodes.
func (d *Svdag) Buffer() gpu.Buffer { return d.alloc.Buffer(d.space) }

// BufferDeviceAddress returns the device address of Buffer.
func (d *Svdag) BufferDeviceAddress() gpu.DeviceAddress {
	return d.alloc.BufferDeviceAddress(d.space)
}

// Close releases all blocks and, if owned, the address space.
func (d *Svdag) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.arena.Close(); err != nil {
		return err
	}
	for i := range d.roots {
		d.roots[i] = None
	}
	if d.ownsSpace {
		return d.alloc.DestroyAddressSpace(d.space)
	}
	return nil
}
