// Package svdag stores voxel occupancy as sparse octrees in arena slots.
//
// An Svdag holds one root per frame. Each node is a run of slots: a header
// slot followed by one child handle per child bit, in ascending corner
// order. Corners are numbered with x as bit 2, y as bit 1 and z as bit 0.
// A corner without a child is uniform and its occupancy bit gives its
// value. Writes collapse nodes that become uniform and grow nodes that
// need new children, so the tree stays minimal.
//
// GridAccessor reads a frame as a 2^size cube; GridAccessorMut also writes.
// An Svdag is not safe for concurrent use.
package svdag
