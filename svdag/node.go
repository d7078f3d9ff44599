package svdag

import (
	"encoding/binary"
	"math/bits"

	"github.com/hupe1980/voxgo/internal/arena"
)

// Handle addresses a node.
type Handle = arena.Handle

// None is the absent node.
const None = arena.None

// Slot is one arena cell. The first slot of a node is its Header; the
// rest each hold a child Handle.
type Slot [4]byte

// Header returns the slot read as a node header.
func (s *Slot) Header() Header {
	return Header{ChildMask: s[0], OccupancyMask: s[1]}
}

// SetHeader stores h in the slot.
func (s *Slot) SetHeader(h Header) {
	s[0], s[1], s[2], s[3] = h.ChildMask, h.OccupancyMask, 0, 0
}

// Child returns the slot read as a child handle.
func (s *Slot) Child() Handle {
	return Handle(binary.LittleEndian.Uint32(s[:]))
}

// SetChild stores a child handle in the slot.
func (s *Slot) SetChild(h Handle) {
	binary.LittleEndian.PutUint32(s[:], uint32(h))
}

// Header describes a node's eight corners.
type Header struct {
	ChildMask     uint8
	OccupancyMask uint8
}

func uniformHeader(full bool) Header {
	if full {
		return Header{OccupancyMask: 0xFF}
	}
	return Header{}
}

// HasChild reports whether corner c has a child node.
func (h Header) HasChild(c uint8) bool { return h.ChildMask&(1<<c) != 0 }

// ChildIndex returns the rank of corner c among the present children.
func (h Header) ChildIndex(c uint8) uint32 {
	return uint32(bits.OnesCount8(h.ChildMask & (1<<c - 1)))
}

// NumChildren returns the number of present children.
func (h Header) NumChildren() uint32 { return uint32(bits.OnesCount8(h.ChildMask)) }

// Occupied reports the occupancy bit of corner c.
func (h Header) Occupied(c uint8) bool { return h.OccupancyMask&(1<<c) != 0 }

// SetOccupancy sets or clears the occupancy bit of corner c.
func (h *Header) SetOccupancy(c uint8, v bool) {
	if v {
		h.OccupancyMask |= 1 << c
	} else {
		h.OccupancyMask &^= 1 << c
	}
}

// uniform reports whether a node with this header is indistinguishable
// from its parent's occupancy bit.
func (h Header) uniform() bool {
	return h.ChildMask == 0 && (h.OccupancyMask == 0 || h.OccupancyMask == 0xFF)
}

func corner(x, y, z, half uint32) uint8 {
	var c uint8
	if x >= half {
		c |= 4
	}
	if y >= half {
		c |= 2
	}
	if z >= half {
		c |= 1
	}
	return c
}
