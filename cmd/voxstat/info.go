package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/voxgo"
	"github.com/hupe1980/voxgo/blockalloc"
	"github.com/hupe1980/voxgo/vox"
)

func init() {
	rootCmd.AddCommand(newInfoCmd())
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <file.vox>...",
		Short: "Import files and report octree and block usage",
		Long: `The info command imports one or more .vox files into a voxel library,
flushes them to the simulated device and reports per-model dimensions,
voxel and node counts, arena usage and flush traffic.

Example:
  voxstat info castle.vox
  voxstat info --device discrete --json ships/*.vox
  voxstat info --s3-bucket assets --prefix models/ castle.vox.zst`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(cmd.Context(), args)
		},
	}
	return cmd
}

type infoReport struct {
	Device     string                  `json:"device"`
	Strategy   string                  `json:"strategy"`
	BlockSize  uint64                  `json:"block_size"`
	BufferSize uint64                  `json:"buffer_size"`
	Models     []modelReport           `json:"models"`
	Library    voxgo.Stats             `json:"library"`
	Flush      flushReport             `json:"flush"`
	Timings    timingsReport           `json:"timings"`
	Metrics    voxgo.BasicMetricsStats `json:"metrics"`
}

type modelReport struct {
	Name   string           `json:"name"`
	Frames []vox.ModelStats `json:"frames"`
}

type flushReport struct {
	Ranges int64 `json:"ranges"`
	Bytes  int64 `json:"bytes"`
}

type timingsReport struct {
	Import time.Duration `json:"import_ns"`
	Flush  time.Duration `json:"flush_ns"`
}

func runInfo(ctx context.Context, args []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger()

	rc := newResources()
	alloc, cleanup, err := newAllocator(rc, blockalloc.WithLogger(logger.Logger))
	if err != nil {
		return err
	}
	defer cleanup()

	metrics := &voxgo.BasicMetricsCollector{}
	lib, err := voxgo.New(alloc, voxgo.WithLogger(logger), voxgo.WithMetricsCollector(metrics),
		voxgo.WithResourceController(rc), voxgo.WithImportConcurrency(workers))
	if err != nil {
		return fmt.Errorf("create library: %w", err)
	}
	defer lib.Close()

	store, names, err := openStore(ctx, args)
	if err != nil {
		return err
	}

	printVerbose("Importing %d file(s) with the %s strategy\n", len(names), alloc.Strategy())
	start := time.Now()
	models, err := lib.ImportVoxAll(ctx, store, names)
	if err != nil {
		return err
	}
	importDur := time.Since(start)

	start = time.Now()
	if err := flushAndWait(ctx, lib); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	flushDur := time.Since(start)

	ms := metrics.GetStats()
	report := infoReport{
		Device:     deviceKind,
		Strategy:   alloc.Strategy().String(),
		BlockSize:  alloc.BlockSize(),
		BufferSize: alloc.DeviceBufferSize(),
		Library:    lib.Stats(),
		Flush:      flushReport{Ranges: ms.FlushRanges, Bytes: ms.FlushBytes},
		Timings:    timingsReport{Import: importDur, Flush: flushDur},
		Metrics:    ms,
	}
	for _, m := range models {
		report.Models = append(report.Models, modelReport{Name: m.Name(), Frames: m.Frames()})
	}

	if jsonOut {
		return printJSON(report)
	}
	printReport(&report)
	return nil
}

// flushAndWait flushes and waits until the device has applied the writes.
func flushAndWait(ctx context.Context, lib *voxgo.Library) error {
	if err := lib.Flush(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !lib.CanFlush() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func printReport(r *infoReport) {
	printInfo("\nDevice:\n")
	printInfo("  Kind: %s (%s strategy)\n", r.Device, r.Strategy)
	printInfo("  Block size: %s\n", formatBytes(r.BlockSize))
	if r.BufferSize > 0 {
		printInfo("  Buffer size: %s\n", formatBytes(r.BufferSize))
	}

	for _, m := range r.Models {
		printInfo("\nModel %s:\n", m.Name)
		for _, f := range m.Frames {
			printInfo("  Frame %d: %dx%dx%d, grid 2^%d, %d voxels, %d nodes",
				f.Frame, f.Size[0], f.Size[1], f.Size[2], f.GridSize, f.Voxels, f.Nodes)
			if f.Mismatch {
				printInfo(" (extent differs from declared size)")
			}
			printInfo("\n")
		}
	}

	s := r.Library
	printInfo("\nArena:\n")
	printInfo("  Slots: %d in %d segments\n", s.Slots, s.Segments)
	printInfo("  Blocks: %d (%s reserved)\n", s.Blocks, formatBytes(s.BytesReserved))

	printInfo("\nFlush:\n")
	printInfo("  Ranges: %d (%s)\n", r.Flush.Ranges, formatBytes(uint64(r.Flush.Bytes))) //nolint:gosec // counters are non-negative

	printInfo("\nTimings:\n")
	printInfo("  Import: %s\n", r.Timings.Import)
	printInfo("  Flush: %s\n", r.Timings.Flush)
}
