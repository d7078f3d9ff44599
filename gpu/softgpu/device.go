package softgpu

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/voxgo/gpu"
	"github.com/hupe1980/voxgo/internal/conv"
	"github.com/hupe1980/voxgo/internal/mmap"
	"github.com/hupe1980/voxgo/resource"
)

const numQueueFamilies = 2

type memory struct {
	typeIndex uint32
	heap      uint32
	size      uint64
	flags     gpu.MemoryPropertyFlags
	mapping   *mmap.Mapping
	// shadow is the device view of host-visible, non-coherent memory.
	shadow []byte
	refs   sync.WaitGroup
}

func (m *memory) hostBytes() []byte {
	return m.mapping.Bytes()[:m.size]
}

func (m *memory) deviceBytes() []byte {
	if m.shadow != nil {
		return m.shadow
	}
	return m.hostBytes()
}

type binding struct {
	offset    uint64
	size      uint64
	mem       *memory
	memOffset uint64
}

type buffer struct {
	info    gpu.BufferCreateInfo
	sparse  bool
	address gpu.DeviceAddress

	// Non-sparse buffers have at most one binding at offset 0.
	binds []binding
}

func (b *buffer) resolve(off, size uint64) (*memory, []byte, bool) {
	if size == 0 || off+size > b.info.Size || off+size < off {
		return nil, nil, false
	}
	i := sort.Search(len(b.binds), func(i int) bool {
		return b.binds[i].offset+b.binds[i].size > off
	})
	if i == len(b.binds) {
		return nil, nil, false
	}
	bd := b.binds[i]
	if off < bd.offset || off+size > bd.offset+bd.size {
		return nil, nil, false
	}
	start := bd.memOffset + (off - bd.offset)
	return bd.mem, bd.mem.deviceBytes()[start : start+size], true
}

type fence struct {
	mu       sync.Mutex
	signaled bool
	err      error
	done     chan struct{}
}

func newFence(signaled bool) *fence {
	f := &fence{done: make(chan struct{})}
	if signaled {
		f.signaled = true
		close(f.done)
	}
	return f
}

func (f *fence) signal(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		return
	}
	f.signaled = true
	f.err = err
	close(f.done)
}

func (f *fence) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		f.signaled = false
		f.done = make(chan struct{})
	}
	f.err = nil
}

// Device is a software gpu.Device.
type Device struct {
	cfg      Config
	props    gpu.DeviceProperties
	memProps gpu.MemoryProperties
	heaps    []*resource.Controller
	transfer *resource.Controller

	mu          sync.Mutex
	nextHandle  uint64
	nextAddress uint64
	memories    map[gpu.Memory]*memory
	buffers     map[gpu.Buffer]*buffer
	fences      map[gpu.Fence]*fence

	inflight sync.WaitGroup
}

var _ gpu.Device = (*Device)(nil)

// New creates a device.
func New(cfg Config) *Device {
	cfg.applyDefaults()

	mp := memoryProperties(cfg)
	heaps := make([]*resource.Controller, len(mp.Heaps))
	for i, h := range mp.Heaps {
		limit, err := conv.Uint64ToInt64(h.Size)
		if err != nil {
			limit = 0
		}
		heaps[i] = resource.NewController(resource.Config{MemoryLimitBytes: limit})
	}

	return &Device{
		cfg: cfg,
		props: gpu.DeviceProperties{
			Name:                  cfg.Name,
			Type:                  cfg.Type,
			MaxStorageBufferRange: cfg.MaxStorageBufferRange,
			SparseBinding:         !cfg.DisableSparseBinding,
		},
		memProps: mp,
		heaps:    heaps,
		transfer: resource.NewController(resource.Config{
			MaxBackgroundWorkers: int64(cfg.CopyWorkers),
			IOLimitBytesPerSec:   cfg.TransferBytesPerSec,
		}),
		nextAddress: addressBase,
		memories:    make(map[gpu.Memory]*memory),
		buffers:     make(map[gpu.Buffer]*buffer),
		fences:      make(map[gpu.Fence]*fence),
	}
}

func (d *Device) handle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

// Properties implements gpu.Device.
func (d *Device) Properties() gpu.DeviceProperties { return d.props }

// MemoryProperties implements gpu.Device.
func (d *Device) MemoryProperties() gpu.MemoryProperties {
	mp := gpu.MemoryProperties{
		Types: append([]gpu.MemoryType(nil), d.memProps.Types...),
		Heaps: append([]gpu.MemoryHeap(nil), d.memProps.Heaps...),
	}
	return mp
}

// CreateBuffer implements gpu.Device.
func (d *Device) CreateBuffer(info gpu.BufferCreateInfo) (gpu.Buffer, error) {
	if info.Size == 0 {
		return 0, gpu.ErrorValidationFailed
	}
	sparse := info.Flags&gpu.BufferCreateSparseBinding != 0
	if sparse && d.cfg.DisableSparseBinding {
		return 0, gpu.ErrorFeatureNotPresent
	}
	if info.Usage&gpu.BufferUsageStorageBuffer != 0 && info.Size > d.cfg.MaxStorageBufferRange {
		return 0, gpu.ErrorValidationFailed
	}
	if info.SharingMode == gpu.SharingModeConcurrent && len(info.QueueFamilyIndices) < 2 {
		return 0, gpu.ErrorValidationFailed
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	b := &buffer{info: info, sparse: sparse}
	b.info.QueueFamilyIndices = append([]uint32(nil), info.QueueFamilyIndices...)
	if info.Usage&gpu.BufferUsageShaderDeviceAddress != 0 {
		b.address = gpu.DeviceAddress(d.nextAddress)
		d.nextAddress += alignUp(info.Size, SparsePageSize)
	}

	h := gpu.Buffer(d.handle())
	d.buffers[h] = b
	return h, nil
}

// DestroyBuffer implements gpu.Device.
func (d *Device) DestroyBuffer(buf gpu.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, buf)
}

// BufferMemoryRequirements implements gpu.Device.
func (d *Device) BufferMemoryRequirements(buf gpu.Buffer) gpu.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok {
		return gpu.MemoryRequirements{}
	}
	align := uint64(bufferAlignment)
	if b.sparse {
		align = SparsePageSize
	}
	return gpu.MemoryRequirements{
		Size:           alignUp(b.info.Size, align),
		Alignment:      align,
		MemoryTypeBits: 1<<uint(len(d.memProps.Types)) - 1,
	}
}

// BindBufferMemory implements gpu.Device.
func (d *Device) BindBufferMemory(buf gpu.Buffer, mem gpu.Memory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok {
		return gpu.ErrorInvalidHandle
	}
	m, ok := d.memories[mem]
	if !ok {
		return gpu.ErrorInvalidHandle
	}
	if b.sparse || len(b.binds) != 0 {
		return gpu.ErrorValidationFailed
	}
	if offset%bufferAlignment != 0 || offset+b.info.Size > m.size {
		return gpu.ErrorValidationFailed
	}
	b.binds = []binding{{offset: 0, size: b.info.Size, mem: m, memOffset: offset}}
	return nil
}

// BufferDeviceAddress implements gpu.Device.
func (d *Device) BufferDeviceAddress(buf gpu.Buffer) gpu.DeviceAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[buf]; ok {
		return b.address
	}
	return 0
}

// AllocateMemory implements gpu.Device.
func (d *Device) AllocateMemory(size uint64, typeIndex uint32) (gpu.Memory, error) {
	if size == 0 || int(typeIndex) >= len(d.memProps.Types) {
		return 0, gpu.ErrorValidationFailed
	}
	mt := d.memProps.Types[typeIndex]
	heapFull := gpu.ErrorOutOfHostMemory
	if d.memProps.Heaps[mt.HeapIndex].Flags.Contains(gpu.MemoryHeapDeviceLocal) {
		heapFull = gpu.ErrorOutOfDeviceMemory
	}

	n, err := conv.Uint64ToInt(size)
	if err != nil {
		return 0, heapFull
	}

	d.mu.Lock()
	tooMany := len(d.memories) >= d.cfg.MaxMemoryAllocations
	d.mu.Unlock()
	if tooMany {
		return 0, gpu.ErrorTooManyObjects
	}

	heap := d.heaps[mt.HeapIndex]
	if err := heap.TryAcquireMemory(int64(n)); err != nil {
		return 0, heapFull
	}

	mapping, err := mmap.MapAnon(n)
	if err != nil {
		heap.ReleaseMemory(int64(n))
		return 0, gpu.ErrorOutOfHostMemory
	}

	m := &memory{
		typeIndex: typeIndex,
		heap:      mt.HeapIndex,
		size:      size,
		flags:     mt.PropertyFlags,
		mapping:   mapping,
	}
	if mt.PropertyFlags.Contains(gpu.MemoryPropertyHostVisible) && !mt.PropertyFlags.Contains(gpu.MemoryPropertyHostCoherent) {
		m.shadow = make([]byte, n)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.memories) >= d.cfg.MaxMemoryAllocations {
		_ = mapping.Close()
		heap.ReleaseMemory(int64(n))
		return 0, gpu.ErrorTooManyObjects
	}
	h := gpu.Memory(d.handle())
	d.memories[h] = m
	return h, nil
}

// FreeMemory implements gpu.Device. It waits for queue copies that
// reference the memory before releasing it.
func (d *Device) FreeMemory(mem gpu.Memory) {
	d.mu.Lock()
	m, ok := d.memories[mem]
	delete(d.memories, mem)
	if ok {
		d.unbindLocked(m)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	m.refs.Wait()
	_ = m.mapping.Close()
	d.heaps[m.heap].ReleaseMemory(int64(m.size))
}

// unbindLocked drops every binding that references m.
func (d *Device) unbindLocked(m *memory) {
	for _, b := range d.buffers {
		kept := b.binds[:0]
		for _, bd := range b.binds {
			if bd.mem != m {
				kept = append(kept, bd)
			}
		}
		b.binds = kept
	}
}

// MapMemory implements gpu.Device.
func (d *Device) MapMemory(mem gpu.Memory, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	m, ok := d.memories[mem]
	d.mu.Unlock()
	if !ok {
		return nil, gpu.ErrorInvalidHandle
	}
	if !m.flags.Contains(gpu.MemoryPropertyHostVisible) {
		return nil, gpu.ErrorMemoryMapFailed
	}
	end, ok := rangeEnd(m.size, offset, size)
	if !ok {
		return nil, gpu.ErrorMemoryMapFailed
	}
	return m.hostBytes()[offset:end:end], nil
}

// FlushMappedMemoryRanges implements gpu.Device.
func (d *Device) FlushMappedMemoryRanges(ranges []gpu.MappedMemoryRange) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range ranges {
		m, ok := d.memories[r.Memory]
		if !ok {
			return gpu.ErrorInvalidHandle
		}
		end, ok := rangeEnd(m.size, r.Offset, r.Size)
		if !ok {
			return gpu.ErrorValidationFailed
		}
		if m.shadow != nil {
			copy(m.shadow[r.Offset:end], m.hostBytes()[r.Offset:end])
		}
	}
	return nil
}

// CreateFence implements gpu.Device.
func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := gpu.Fence(d.handle())
	d.fences[h] = newFence(signaled)
	return h, nil
}

// DestroyFence implements gpu.Device.
func (d *Device) DestroyFence(f gpu.Fence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.fences, f)
}

func (d *Device) fence(f gpu.Fence) (*fence, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fc, ok := d.fences[f]
	return fc, ok
}

// ResetFence implements gpu.Device.
func (d *Device) ResetFence(f gpu.Fence) error {
	fc, ok := d.fence(f)
	if !ok {
		return gpu.ErrorInvalidHandle
	}
	fc.reset()
	return nil
}

// FenceStatus implements gpu.Device.
func (d *Device) FenceStatus(f gpu.Fence) (bool, error) {
	fc, ok := d.fence(f)
	if !ok {
		return false, gpu.ErrorInvalidHandle
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.signaled, fc.err
}

// WaitForFence implements gpu.Device.
func (d *Device) WaitForFence(ctx context.Context, f gpu.Fence) error {
	fc, ok := d.fence(f)
	if !ok {
		return gpu.ErrorInvalidHandle
	}
	fc.mu.Lock()
	done := fc.done
	fc.mu.Unlock()

	select {
	case <-done:
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return fc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queue implements gpu.Device. Family 0 is graphics, family 1 is the
// transfer and sparse binding family.
func (d *Device) Queue(family uint32) gpu.Queue {
	if family >= numQueueFamilies {
		return 0
	}
	return gpu.Queue(family + 1)
}

func validQueue(q gpu.Queue) bool {
	return q != 0 && q <= numQueueFamilies
}

// QueueBindSparse implements gpu.Device. Bindings take effect before it
// returns.
func (d *Device) QueueBindSparse(q gpu.Queue, buf gpu.Buffer, binds []gpu.SparseMemoryBind, f gpu.Fence) error {
	if !validQueue(q) {
		return gpu.ErrorInvalidHandle
	}

	d.mu.Lock()
	b, ok := d.buffers[buf]
	if !ok {
		d.mu.Unlock()
		return gpu.ErrorInvalidHandle
	}
	if !b.sparse {
		d.mu.Unlock()
		return gpu.ErrorValidationFailed
	}
	for _, sb := range binds {
		if err := d.applyBind(b, sb); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	var fc *fence
	if f != 0 {
		if fc, ok = d.fences[f]; !ok {
			d.mu.Unlock()
			return gpu.ErrorInvalidHandle
		}
	}
	d.mu.Unlock()

	if fc != nil {
		fc.signal(nil)
	}
	return nil
}

// applyBind must be called with d.mu held.
func (d *Device) applyBind(b *buffer, sb gpu.SparseMemoryBind) error {
	if sb.ResourceOffset%SparsePageSize != 0 || sb.Size == 0 || sb.Size%SparsePageSize != 0 {
		return gpu.ErrorValidationFailed
	}
	if _, ok := rangeEnd(alignUp(b.info.Size, SparsePageSize), sb.ResourceOffset, sb.Size); !ok {
		return gpu.ErrorValidationFailed
	}

	i := sort.Search(len(b.binds), func(i int) bool {
		return b.binds[i].offset >= sb.ResourceOffset
	})

	if sb.Memory == 0 {
		if i < len(b.binds) && b.binds[i].offset == sb.ResourceOffset && b.binds[i].size == sb.Size {
			b.binds = append(b.binds[:i], b.binds[i+1:]...)
			return nil
		}
		return gpu.ErrorValidationFailed
	}

	m, ok := d.memories[sb.Memory]
	if !ok {
		return gpu.ErrorInvalidHandle
	}
	if _, ok := rangeEnd(m.size, sb.MemoryOffset, sb.Size); !ok {
		return gpu.ErrorValidationFailed
	}

	nb := binding{offset: sb.ResourceOffset, size: sb.Size, mem: m, memOffset: sb.MemoryOffset}
	if i < len(b.binds) && b.binds[i].offset == sb.ResourceOffset {
		if b.binds[i].size != sb.Size {
			return gpu.ErrorValidationFailed
		}
		b.binds[i] = nb
		return nil
	}
	if i > 0 {
		prev := b.binds[i-1]
		if prev.offset+prev.size > sb.ResourceOffset {
			return gpu.ErrorValidationFailed
		}
	}
	if i < len(b.binds) && sb.ResourceOffset+sb.Size > b.binds[i].offset {
		return gpu.ErrorValidationFailed
	}
	b.binds = append(b.binds, binding{})
	copy(b.binds[i+1:], b.binds[i:])
	b.binds[i] = nb
	return nil
}

type resolvedCopy struct {
	src, dst       []byte
	srcMem, dstMem *memory
}

// QueueSubmitCopies implements gpu.Device. Regions are resolved when the
// submission is made; the bytes move when it executes.
func (d *Device) QueueSubmitCopies(q gpu.Queue, copies []gpu.CopyCommand, f gpu.Fence) error {
	if !validQueue(q) {
		return gpu.ErrorInvalidHandle
	}

	d.mu.Lock()
	work := make([]resolvedCopy, 0, len(copies))
	for _, c := range copies {
		src, sok := d.buffers[c.Src]
		dst, dok := d.buffers[c.Dst]
		if !sok || !dok {
			d.mu.Unlock()
			return gpu.ErrorInvalidHandle
		}
		sm, sb, ok := src.resolve(c.Region.SrcOffset, c.Region.Size)
		if !ok {
			d.mu.Unlock()
			return gpu.ErrorValidationFailed
		}
		dm, db, ok := dst.resolve(c.Region.DstOffset, c.Region.Size)
		if !ok {
			d.mu.Unlock()
			return gpu.ErrorValidationFailed
		}
		work = append(work, resolvedCopy{src: sb, dst: db, srcMem: sm, dstMem: dm})
	}
	var fc *fence
	if f != 0 {
		var ok bool
		if fc, ok = d.fences[f]; !ok {
			d.mu.Unlock()
			return gpu.ErrorInvalidHandle
		}
	}
	for _, w := range work {
		w.srcMem.refs.Add(1)
		w.dstMem.refs.Add(1)
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	go d.execute(work, fc)
	return nil
}

func (d *Device) execute(work []resolvedCopy, fc *fence) {
	defer d.inflight.Done()
	defer func() {
		for _, w := range work {
			w.srcMem.refs.Done()
			w.dstMem.refs.Done()
		}
	}()

	if d.cfg.CopyLatency > 0 {
		time.Sleep(d.cfg.CopyLatency)
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(d.cfg.CopyWorkers)
	for _, w := range work {
		g.Go(func() error {
			if err := d.transfer.AcquireIO(ctx, len(w.src)); err != nil {
				return err
			}
			copy(w.dst, w.src)
			return nil
		})
	}

	err := g.Wait()
	if fc == nil {
		return
	}
	if err != nil {
		fc.signal(gpu.ErrorDeviceLost)
		return
	}
	fc.signal(nil)
}

// ReadBuffer returns a copy of the device view of size bytes of buf at off.
// The range must lie within one binding.
func (d *Device) ReadBuffer(buf gpu.Buffer, off, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok {
		return nil, gpu.ErrorInvalidHandle
	}
	_, view, ok := b.resolve(off, size)
	if !ok {
		return nil, gpu.ErrorValidationFailed
	}
	return append([]byte(nil), view...), nil
}

// Stats is a snapshot of device resource usage.
type Stats struct {
	MemoryObjects int
	Buffers       int
	Fences        int
	HeapUsage     []int64
}

// Stats returns current resource usage.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		MemoryObjects: len(d.memories),
		Buffers:       len(d.buffers),
		Fences:        len(d.fences),
		HeapUsage:     make([]int64, len(d.heaps)),
	}
	for i, h := range d.heaps {
		s.HeapUsage[i] = h.MemoryUsage()
	}
	return s
}

// SparseBindings returns the number of pages ranges bound into buf.
func (d *Device) SparseBindings(buf gpu.Buffer) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[buf]; ok && b.sparse {
		return len(b.binds)
	}
	return 0
}

// WaitIdle blocks until every submitted copy has executed.
func (d *Device) WaitIdle() {
	d.inflight.Wait()
}

// Close waits for in-flight work and releases all device memory.
func (d *Device) Close() error {
	d.inflight.Wait()

	d.mu.Lock()
	mems := make([]gpu.Memory, 0, len(d.memories))
	for h := range d.memories {
		mems = append(mems, h)
	}
	d.buffers = make(map[gpu.Buffer]*buffer)
	d.fences = make(map[gpu.Fence]*fence)
	d.mu.Unlock()

	for _, h := range mems {
		d.FreeMemory(h)
	}
	return nil
}

func rangeEnd(limit, offset, size uint64) (uint64, bool) {
	if size == gpu.WholeSize {
		if offset > limit {
			return 0, false
		}
		return limit, true
	}
	end := offset + size
	if end < offset || end > limit {
		return 0, false
	}
	return end, true
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
