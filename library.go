package voxgo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/voxgo/assets"
	"github.com/hupe1980/voxgo/blockalloc"
	"github.com/hupe1980/voxgo/gpu"
	"github.com/hupe1980/voxgo/resource"
	"github.com/hupe1980/voxgo/svdag"
	"github.com/hupe1980/voxgo/vox"
)

// Model is a named Svdag held by a Library.
type Model struct {
	name string
	dag  *svdag.Svdag
	// frames describes imported frames; nil for models built by hand.
	frames []vox.ModelStats
}

// Name returns the model's name.
func (m *Model) Name() string { return m.name }

// Svdag returns the model's voxel storage. Callers writing to it must not
// run concurrently with other Library calls.
func (m *Model) Svdag() *svdag.Svdag { return m.dag }

// Frames returns per-frame import details.
func (m *Model) Frames() []vox.ModelStats { return m.frames }

// Stats is a snapshot of a Library's storage.
type Stats struct {
	Models        int
	Frames        int
	Slots         uint64
	Segments      uint64
	Blocks        int
	DirtySlots    uint64
	BytesReserved uint64
}

// Library keeps voxel models in one shared device address space, so a
// single buffer address reaches all of them.
type Library struct {
	mu     sync.Mutex
	alloc  blockalloc.BlockAllocator
	space  *blockalloc.AddressSpace
	models map[string]*Model
	closed bool

	logger            *Logger
	metrics           MetricsCollector
	importConcurrency int
	resources         *resource.Controller
}

// New creates a Library on alloc. The caller keeps ownership of alloc and
// must close it after the Library.
func New(alloc blockalloc.BlockAllocator, optFns ...Option) (*Library, error) {
	o := applyOptions(optFns)

	wrapped := &instrumentedAllocator{BlockAllocator: alloc, metrics: o.metricsCollector}
	space, err := wrapped.CreateAddressSpace()
	if err != nil {
		return nil, translateError(err)
	}

	o.logger.Debug("library created",
		"strategy", alloc.Strategy().String(),
		"block_size", alloc.BlockSize(),
		"buffer_size", alloc.DeviceBufferSize(),
	)

	return &Library{
		alloc:             wrapped,
		space:             space,
		models:            make(map[string]*Model),
		logger:            o.logger,
		metrics:           o.metricsCollector,
		importConcurrency: o.importConcurrency,
		resources:         o.resources,
	}, nil
}

// CreateModel adds an empty model with the given number of frames.
func (l *Library) CreateModel(name string, frames int) (*Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkName(name); err != nil {
		return nil, err
	}
	dag, err := l.newDag(frames)
	if err != nil {
		return nil, translateError(err)
	}
	m := &Model{name: name, dag: dag}
	l.models[name] = m
	return m, nil
}

func (l *Library) checkName(name string) error {
	if l.closed {
		return ErrClosed
	}
	if _, ok := l.models[name]; ok {
		return fmt.Errorf("%w: %q", ErrModelExists, name)
	}
	return nil
}

func (l *Library) newDag(frames int) (*svdag.Svdag, error) {
	return svdag.New(l.alloc, frames,
		svdag.WithAddressSpace(l.space),
		svdag.WithLogger(l.logger.Logger),
	)
}

// Model returns the named model.
func (l *Library) Model(name string) (*Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	m, ok := l.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: model %q", ErrNotFound, name)
	}
	return m, nil
}

// Models returns the names of all models, sorted.
func (l *Library) Models() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.sortedNames()
}

func (l *Library) sortedNames() []string {
	names := make([]string, 0, len(l.models))
	for name := range l.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove frees a model's storage.
func (l *Library) Remove(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	m, ok := l.models[name]
	if !ok {
		return fmt.Errorf("%w: model %q", ErrNotFound, name)
	}
	delete(l.models, name)
	return translateError(m.dag.Close())
}

// ImportVox reads a .vox file (optionally zstd or lz4 compressed) from
// store and adds it as a model named after the file, one frame per model
// in the file.
func (l *Library) ImportVox(ctx context.Context, store assets.Store, name string) (*Model, error) {
	start := time.Now()
	if err := l.resources.AcquireBackground(ctx); err != nil {
		l.metrics.RecordImport(0, time.Since(start), err)
		return nil, err
	}
	defer l.resources.ReleaseBackground()

	scene, err := l.fetch(ctx, store, name)
	if err == nil {
		var m *Model
		m, err = l.importScene(ctx, name, scene)
		if err == nil {
			d := time.Since(start)
			l.metrics.RecordImport(scene.NumVoxels(), d, nil)
			l.logger.LogImport(ctx, name, len(scene.Models), scene.NumVoxels(), d, nil)
			return m, nil
		}
	}

	err = translateError(err)
	l.metrics.RecordImport(0, time.Since(start), err)
	l.logger.LogImport(ctx, name, 0, 0, 0, err)
	return nil, err
}

// ImportVoxAll imports several files. Fetching and decoding run
// concurrently; writes into the shared address space are serialized. On
// error, models imported so far are kept.
func (l *Library) ImportVoxAll(ctx context.Context, store assets.Store, names []string) ([]*Model, error) {
	models := make([]*Model, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.importConcurrency)
	for i, name := range names {
		g.Go(func() error {
			m, err := l.ImportVox(gctx, store, name)
			if err != nil {
				return fmt.Errorf("import %q: %w", name, err)
			}
			models[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return models, nil
}

func (l *Library) fetch(ctx context.Context, store assets.Store, name string) (*vox.Scene, error) {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer blob.Close()

	raw, err := assets.ReadAll(ctx, blob)
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	var src io.Reader = raw
	if l.resources != nil {
		src = resource.NewRateLimitedReader(ctx, raw, l.resources)
	}
	r, err := vox.Open(src)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return vox.Decode(r)
}

func (l *Library) importScene(ctx context.Context, name string, scene *vox.Scene) (*Model, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkName(name); err != nil {
		return nil, err
	}
	dag, err := l.newDag(0)
	if err != nil {
		return nil, err
	}

	frames, err := vox.Import(ctx, scene, dag, vox.WithLogger(l.logger.WithModel(name).Logger))
	if err != nil {
		_ = dag.Close()
		return nil, err
	}

	m := &Model{name: name, dag: dag, frames: frames}
	l.models[name] = m
	return m, nil
}

// Flush publishes every model's pending writes to the device in one
// allocator call. It returns ErrFlushInProgress, keeping the pending writes,
// while the device is still applying an earlier flush.
func (l *Library) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if !l.alloc.CanFlush() {
		return ErrFlushInProgress
	}

	var ranges []blockalloc.Range
	for _, m := range l.models {
		ranges = append(ranges, m.dag.PendingRanges()...)
	}
	if len(ranges) == 0 {
		return nil
	}
	var bytes uint64
	for _, r := range ranges {
		bytes += r.End - r.Start
	}

	start := time.Now()
	err := l.alloc.Flush(ranges)
	l.metrics.RecordFlush(len(ranges), bytes, time.Since(start), err)
	l.logger.LogFlush(ctx, len(ranges), bytes, err)
	if err != nil {
		return translateError(err)
	}

	for _, m := range l.models {
		m.dag.MarkFlushed()
	}
	return nil
}

// CanFlush reports whether the device has finished the previous flush.
func (l *Library) CanFlush() bool { return l.alloc.CanFlush() }

// Stats returns aggregated storage usage over all models.
func (l *Library) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{Models: len(l.models)}
	for _, m := range l.models {
		ds := m.dag.Stats()
		s.Frames += ds.Roots
		s.Slots += ds.Size
		s.Segments += ds.Segments
		s.Blocks += ds.Blocks
		s.DirtySlots += ds.DirtySlots
		s.BytesReserved += ds.BytesReserved
	}
	return s
}

// Buffer returns the device buffer holding every model.
func (l *Library) Buffer() gpu.Buffer { return l.alloc.Buffer(l.space) }

// BufferDeviceAddress returns the device address of Buffer.
func (l *Library) BufferDeviceAddress() gpu.DeviceAddress {
	return l.alloc.BufferDeviceAddress(l.space)
}

// Close frees every model and the shared address space.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var errs []error
	for _, name := range l.sortedNames() {
		if err := l.models[name].dag.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close model %q: %w", name, translateError(err)))
		}
	}
	l.models = nil
	if err := l.alloc.DestroyAddressSpace(l.space); err != nil {
		errs = append(errs, translateError(err))
	}
	return errors.Join(errs...)
}
