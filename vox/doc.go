// Package vox reads and writes MagicaVoxel .vox files and imports their
// models into an svdag.Svdag, one model per frame.
//
// Files are a "VOX " magic and version followed by a MAIN chunk whose
// children are an optional PACK, then a SIZE and XYZI chunk per model.
// Chunks this package does not use are skipped. Open accepts files wrapped
// in zstd or lz4 frames.
package vox
