package vox

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/hupe1980/voxgo/svdag"
)

// ctxCheckInterval is how many voxels Import writes between context checks.
const ctxCheckInterval = 4096

type importOptions struct {
	logger *slog.Logger
	first  int
}

// ImportOption configures Import.
type ImportOption func(*importOptions)

// WithLogger sets the logger Import reports extent mismatches to.
func WithLogger(l *slog.Logger) ImportOption {
	return func(o *importOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFirstFrame writes model i into frame first+i.
func WithFirstFrame(first int) ImportOption {
	return func(o *importOptions) {
		o.first = first
	}
}

// ModelStats describes one imported model.
type ModelStats struct {
	Frame    int
	Size     [3]uint32
	GridSize uint8
	Voxels   int
	Nodes    int
	// Mismatch is set when the voxel extent differs from the declared size.
	Mismatch bool
}

// GridSize returns the smallest grid size exponent whose cube holds m,
// considering both the declared size and the voxels present.
func GridSize(m *Model) uint8 {
	side := max(m.Size[0], m.Size[1], m.Size[2])
	if _, hi, ok := m.Bounds(); ok {
		side = max(side, uint32(hi[0])+1, uint32(hi[1])+1, uint32(hi[2])+1)
	}
	if side <= 2 {
		return 1
	}
	return uint8(bits.Len32(side - 1))
}

// Import writes every model of scene into its own frame of dag, adding
// frames as needed. Voxels are written as occupied; palette indices are
// not kept.
func Import(ctx context.Context, scene *Scene, dag *svdag.Svdag, opts ...ImportOption) ([]ModelStats, error) {
	o := importOptions{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.first < 0 {
		return nil, fmt.Errorf("vox: negative first frame %d", o.first)
	}

	for dag.NumRoots() < o.first+len(scene.Models) {
		dag.AddRoot()
	}

	stats := make([]ModelStats, 0, len(scene.Models))
	for i := range scene.Models {
		m := &scene.Models[i]
		frame := o.first + i
		st := ModelStats{Frame: frame, Size: m.Size, GridSize: GridSize(m), Voxels: len(m.Voxels)}
		if st.GridSize > svdag.MaxGridSize {
			return stats, fmt.Errorf("%w: model %d size %v needs grid 2^%d, limit is 2^%d",
				ErrMalformed, i, m.Size, st.GridSize, svdag.MaxGridSize)
		}

		if lo, hi, ok := m.Bounds(); ok {
			for axis := range 3 {
				if uint32(hi[axis])-uint32(lo[axis])+1 != m.Size[axis] {
					st.Mismatch = true
				}
			}
			if st.Mismatch {
				o.logger.Warn("vox model extent differs from declared size",
					slog.Int("model", i),
					slog.Any("size", m.Size),
					slog.Any("min", lo),
					slog.Any("max", hi),
				)
			}
		}

		g := dag.GridAccessorMut(st.GridSize, frame)
		for j, v := range m.Voxels {
			if j%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return stats, err
				}
			}
			if err := g.Set(uint32(v.X), uint32(v.Y), uint32(v.Z), true); err != nil {
				return stats, fmt.Errorf("vox: model %d: %w", i, err)
			}
		}

		st.Nodes = dag.NodeCount(frame)
		o.logger.Debug("vox model imported",
			slog.Int("model", i),
			slog.Int("frame", frame),
			slog.Int("voxels", st.Voxels),
			slog.Int("nodes", st.Nodes),
		)
		stats = append(stats, st)
	}
	return stats, nil
}
