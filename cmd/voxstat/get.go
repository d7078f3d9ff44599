package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hupe1980/voxgo"
	"github.com/hupe1980/voxgo/blockalloc"
)

func init() {
	rootCmd.AddCommand(newGetCmd())
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <file.vox> <frame> <x> <y> <z>",
		Short: "Report whether a voxel is occupied",
		Long: `The get command imports a .vox file and looks up one voxel of one
frame through the octree.

Example:
  voxstat get castle.vox 0 12 3 40`,
		Args: cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), args)
		},
	}
	return cmd
}

type getResult struct {
	Frame    int    `json:"frame"`
	X        uint32 `json:"x"`
	Y        uint32 `json:"y"`
	Z        uint32 `json:"z"`
	Occupied bool   `json:"occupied"`
}

func runGet(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	frame, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid frame %q: %w", args[1], err)
	}
	var coords [3]uint32
	for i, a := range args[2:] {
		v, err := strconv.ParseUint(a, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid coordinate %q: %w", a, err)
		}
		coords[i] = uint32(v)
	}

	logger := newLogger()
	rc := newResources()
	alloc, cleanup, err := newAllocator(rc, blockalloc.WithLogger(logger.Logger))
	if err != nil {
		return err
	}
	defer cleanup()

	lib, err := voxgo.New(alloc, voxgo.WithLogger(logger),
		voxgo.WithResourceController(rc), voxgo.WithImportConcurrency(workers))
	if err != nil {
		return err
	}
	defer lib.Close()

	store, names, err := openStore(ctx, args[:1])
	if err != nil {
		return err
	}
	m, err := lib.ImportVox(ctx, store, names[0])
	if err != nil {
		return err
	}

	frames := m.Frames()
	if frame < 0 || frame >= len(frames) {
		return fmt.Errorf("frame %d out of range, file has %d", frame, len(frames))
	}
	g := m.Svdag().GridAccessor(frames[frame].GridSize, frame)
	res := getResult{Frame: frame, X: coords[0], Y: coords[1], Z: coords[2]}
	if coords[0] < g.Side() && coords[1] < g.Side() && coords[2] < g.Side() {
		res.Occupied = g.Get(coords[0], coords[1], coords[2])
	}

	if jsonOut {
		return printJSON(res)
	}
	state := "empty"
	if res.Occupied {
		state = "occupied"
	}
	printInfo("(%d, %d, %d) in frame %d: %s\n", res.X, res.Y, res.Z, frame, state)
	return nil
}
