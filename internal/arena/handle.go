package arena

import (
	"fmt"
	"math"
)

const (
	// SlotBits is the width of the slot part of a Handle.
	SlotBits = 20
	// SlotsPerBlock is the number of slots in one block.
	SlotsPerBlock = 1 << SlotBits
	// MaxRun is the longest run Alloc accepts.
	MaxRun = 9
	// MaxBlocks caps the arena so no live run can start at None.
	MaxBlocks = 1<<(32-SlotBits) - 1

	slotMask = SlotsPerBlock - 1
)

// Handle addresses a run of slots.
type Handle uint32

// None is the reserved "no node" handle.
const None Handle = math.MaxUint32

// NewHandle builds a handle from a block index and slot number.
func NewHandle(block, slot uint32) Handle {
	return Handle(block<<SlotBits | slot&slotMask)
}

// IsNone reports whether h is the reserved handle.
func (h Handle) IsNone() bool { return h == None }

// Block returns the block index.
func (h Handle) Block() uint32 { return uint32(h) >> SlotBits }

// Slot returns the slot number within the block.
func (h Handle) Slot() uint32 { return uint32(h) & slotMask }

// Offset returns the handle n slots further on. The result must stay inside
// the same block.
func (h Handle) Offset(n uint32) Handle { return h + Handle(n) }

func (h Handle) String() string {
	if h.IsNone() {
		return "Handle(none)"
	}
	return fmt.Sprintf("Handle(%d:%d)", h.Block(), h.Slot())
}

// Raw returns the packed value for GPU-visible fields.
func (h Handle) Raw() uint32 { return uint32(h) }
