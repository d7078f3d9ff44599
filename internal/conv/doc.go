// Package conv provides checked integer conversions.
//
// Untrusted sizes (model file headers, block sizes from device limits) pass
// through these helpers before they are used to size allocations. For values
// that are bounded by construction, use a plain cast.
package conv
