package svdag

import (
	"fmt"
	"math/bits"
)

// GridAccessor reads one frame as a cube of side 2^size.
type GridAccessor struct {
	dag   *Svdag
	frame int
	size  uint8
}

// Size returns the grid size exponent.
func (g *GridAccessor) Size() uint8 { return g.size }

// Side returns the cube's edge length in voxels.
func (g *GridAccessor) Side() uint32 { return 1 << g.size }

// Frame returns the frame index.
func (g *GridAccessor) Frame() int { return g.frame }

func (g *GridAccessor) checkCoords(x, y, z uint32) {
	side := g.Side()
	if x >= side || y >= side || z >= side {
		panic(fmt.Sprintf("svdag: voxel (%d, %d, %d) outside grid of side %d", x, y, z, side))
	}
}

// Get reports whether voxel (x, y, z) is occupied.
func (g *GridAccessor) Get(x, y, z uint32) bool {
	g.checkCoords(x, y, z)
	d := g.dag

	h := d.roots[g.frame]
	if h.IsNone() {
		return false
	}

	half := g.Side() >> 1
	for half > 1 {
		hdr := d.header(h)
		c := corner(x, y, z, half)
		if !hdr.HasChild(c) {
			return hdr.Occupied(c)
		}
		h = d.child(h, hdr, c)
		x, y, z = x&(half-1), y&(half-1), z&(half-1)
		half >>= 1
	}
	return d.header(h).Occupied(corner(x, y, z, 1))
}

// GridAccessorMut reads and writes one frame.
type GridAccessorMut struct {
	GridAccessor
}

// Set writes voxel (x, y, z). It either succeeds or fails before changing
// the frame; the only failure is the block allocator running out when the
// write needs room that no free run or open block can give.
func (g *GridAccessorMut) Set(x, y, z uint32, occupied bool) error {
	g.checkCoords(x, y, z)
	d := g.dag
	if d.closed {
		return ErrClosed
	}

	root := d.roots[g.frame]
	if root.IsNone() && !occupied {
		return nil
	}
	var buf [MaxGridSize]uint32
	_, _, runs := g.plan(root, x, y, z, g.Side()>>1, false, occupied, true, buf[:0])
	if err := d.arena.ReserveRuns(runs); err != nil {
		return err
	}

	nr, _, err := g.set(root, x, y, z, g.Side()>>1, false, occupied, true)
	if err != nil {
		return err
	}
	d.roots[g.frame] = nr
	return nil
}

// set writes one voxel below node h, whose corners span half voxels each.
// fill is the occupancy h stands for when it is absent. It returns the
// node that replaces h and the occupancy the parent records for it.
func (g *GridAccessorMut) set(h Handle, x, y, z, half uint32, fill, occupied, isRoot bool) (Handle, bool, error) {
	d := g.dag
	if h.IsNone() && fill == occupied {
		return None, fill, nil
	}

	hdr := uniformHeader(fill)
	if !h.IsNone() {
		hdr = d.header(h)
	}
	c := corner(x, y, z, half)

	if half == 1 {
		if !h.IsNone() && hdr.Occupied(c) == occupied {
			return h, occupied, nil
		}
		if h.IsNone() {
			var err error
			if h, err = d.arena.Alloc(1); err != nil {
				return None, false, err
			}
		}
		hdr.SetOccupancy(c, occupied)
		return g.finish(h, hdr, occupied, isRoot)
	}

	child := None
	if hdr.HasChild(c) {
		child = d.child(h, hdr, c)
	}
	mask := half - 1
	nc, childOcc, err := g.set(child, x&mask, y&mask, z&mask, half>>1, hdr.Occupied(c), occupied, false)
	if err != nil {
		return None, false, err
	}

	newMask := hdr.ChildMask
	if nc.IsNone() {
		newMask &^= 1 << c
	} else {
		newMask |= 1 << c
	}
	if h.IsNone() || newMask != hdr.ChildMask {
		if h, err = d.reshape(h, hdr, newMask); err != nil {
			return None, false, err
		}
		hdr.ChildMask = newMask
	}
	if !nc.IsNone() {
		d.arena.GetMut(h.Offset(1 + hdr.ChildIndex(c))).SetChild(nc)
	}
	hdr.SetOccupancy(c, childOcc)

	return g.finish(h, hdr, occupied, isRoot)
}

// plan follows the path set takes without writing and appends the length
// of every run set will allocate, in allocation order. The first two
// results match set's: whether the node remains and the occupancy the
// parent records.
func (g *GridAccessorMut) plan(h Handle, x, y, z, half uint32, fill, occupied, isRoot bool, runs []uint32) (bool, bool, []uint32) {
	d := g.dag
	if h.IsNone() && fill == occupied {
		return false, fill, runs
	}

	hdr := uniformHeader(fill)
	if !h.IsNone() {
		hdr = d.header(h)
	}
	c := corner(x, y, z, half)

	if half == 1 {
		if !h.IsNone() && hdr.Occupied(c) == occupied {
			return true, occupied, runs
		}
		if h.IsNone() {
			runs = append(runs, 1)
		}
		hdr.SetOccupancy(c, occupied)
		if collapses(hdr, isRoot) {
			return false, hdr.OccupancyMask == 0xFF, runs
		}
		return true, occupied, runs
	}

	child := None
	if hdr.HasChild(c) {
		child = d.child(h, hdr, c)
	}
	mask := half - 1
	kept, childOcc, runs := g.plan(child, x&mask, y&mask, z&mask, half>>1, hdr.Occupied(c), occupied, false, runs)

	newMask := hdr.ChildMask
	if kept {
		newMask |= 1 << c
	} else {
		newMask &^= 1 << c
	}
	if h.IsNone() || newMask != hdr.ChildMask {
		runs = append(runs, uint32(bits.OnesCount8(newMask))+1)
		hdr.ChildMask = newMask
	}
	hdr.SetOccupancy(c, childOcc)
	if collapses(hdr, isRoot) {
		return false, hdr.OccupancyMask == 0xFF, runs
	}
	return true, occupied, runs
}

// collapses reports whether a node left with hdr is freed. A full root is
// kept since an absent root reads as empty.
func collapses(hdr Header, isRoot bool) bool {
	return hdr.uniform() && !(isRoot && hdr.OccupancyMask == 0xFF)
}

// finish stores hdr at h, or frees h if the node collapses. The returned
// occupancy is the written value, or the uniform value after a collapse.
func (g *GridAccessorMut) finish(h Handle, hdr Header, occupied, isRoot bool) (Handle, bool, error) {
	d := g.dag
	if collapses(hdr, isRoot) {
		d.arena.Free(h, 1)
		return None, hdr.OccupancyMask == 0xFF, nil
	}
	d.arena.GetMut(h).SetHeader(hdr)
	return h, occupied, nil
}
