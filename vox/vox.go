package vox

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/voxgo/internal/conv"
)

// Version is the file version Encode writes.
const Version = 150

const (
	// MaxModelSize is the largest model extent along one axis.
	MaxModelSize = 256
	// MaxPaletteSize is the number of entries in an RGBA chunk.
	MaxPaletteSize = 256
)

var (
	// ErrInvalidMagic is returned for input that is not a .vox file.
	ErrInvalidMagic = errors.New("vox: invalid magic")
	// ErrMalformed is returned for inconsistent chunk layouts.
	ErrMalformed = errors.New("vox: malformed file")
)

var (
	magic     = [4]byte{'V', 'O', 'X', ' '}
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	lz4Magic  = []byte{0x04, 0x22, 0x4D, 0x18}
)

// Voxel is one occupied cell and its palette index.
type Voxel struct {
	X, Y, Z uint8
	Index   uint8
}

// Model is one voxel model.
type Model struct {
	// Size is the declared extent along x, y and z.
	Size   [3]uint32
	Voxels []Voxel
}

// Bounds returns the inclusive minimum and maximum voxel coordinates. ok is
// false for a model without voxels.
func (m *Model) Bounds() (lo, hi [3]uint8, ok bool) {
	if len(m.Voxels) == 0 {
		return lo, hi, false
	}
	lo = [3]uint8{255, 255, 255}
	for _, v := range m.Voxels {
		lo = [3]uint8{min(lo[0], v.X), min(lo[1], v.Y), min(lo[2], v.Z)}
		hi = [3]uint8{max(hi[0], v.X), max(hi[1], v.Y), max(hi[2], v.Z)}
	}
	return lo, hi, true
}

// Scene is the decoded content of a .vox file.
type Scene struct {
	Version uint32
	Models  []Model
	// Palette holds RGBA colors when the file carries one.
	Palette []uint32
}

// NumVoxels returns the voxel count over all models.
func (s *Scene) NumVoxels() int {
	n := 0
	for _, m := range s.Models {
		n += len(m.Voxels)
	}
	return n
}

// Open wraps r so that zstd- and lz4-framed input is decompressed.
func Open(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("vox: sniff: %w", err)
	}

	switch {
	case bytes.Equal(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("vox: zstd: %w", err)
		}
		return dec.IOReadCloser(), nil
	case bytes.Equal(head, lz4Magic):
		return io.NopCloser(lz4.NewReader(br)), nil
	default:
		return io.NopCloser(br), nil
	}
}

type chunkHeader struct {
	ID           [4]byte
	ContentSize  uint32
	ChildrenSize uint32
}

// Decode parses a .vox stream.
func Decode(r io.Reader) (*Scene, error) {
	br := bufio.NewReader(r)

	var head struct {
		Magic   [4]byte
		Version uint32
	}
	if err := binary.Read(br, binary.LittleEndian, &head); err != nil {
		return nil, fmt.Errorf("vox: header: %w", err)
	}
	if head.Magic != magic {
		return nil, ErrInvalidMagic
	}

	var main chunkHeader
	if err := binary.Read(br, binary.LittleEndian, &main); err != nil {
		return nil, fmt.Errorf("vox: main chunk: %w", err)
	}
	if string(main.ID[:]) != "MAIN" {
		return nil, fmt.Errorf("%w: first chunk is %q", ErrMalformed, main.ID[:])
	}
	if _, err := io.CopyN(io.Discard, br, int64(main.ContentSize)); err != nil {
		return nil, fmt.Errorf("vox: main chunk: %w", err)
	}

	d := &decoder{r: io.LimitReader(br, int64(main.ChildrenSize))}
	scene := &Scene{Version: head.Version}
	if err := d.children(scene); err != nil {
		return nil, err
	}
	return scene, nil
}

type decoder struct {
	r       io.Reader
	size    *[3]uint32
	numPack int
}

func (d *decoder) children(scene *Scene) error {
	for {
		var ch chunkHeader
		err := binary.Read(d.r, binary.LittleEndian, &ch)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("vox: chunk header: %w", err)
		}

		content := io.LimitReader(d.r, int64(ch.ContentSize))
		if err := d.chunk(scene, string(ch.ID[:]), ch.ContentSize, content); err != nil {
			return err
		}
		// Skip what the chunk handler left and any nested chunks.
		if _, err := io.Copy(io.Discard, content); err != nil {
			return fmt.Errorf("vox: chunk %q: %w", ch.ID[:], err)
		}
		if _, err := io.CopyN(io.Discard, d.r, int64(ch.ChildrenSize)); err != nil {
			return fmt.Errorf("vox: chunk %q children: %w", ch.ID[:], err)
		}
	}

	if d.size != nil {
		return fmt.Errorf("%w: SIZE without XYZI", ErrMalformed)
	}
	if d.numPack > 0 && d.numPack != len(scene.Models) {
		return fmt.Errorf("%w: PACK announces %d models, found %d", ErrMalformed, d.numPack, len(scene.Models))
	}
	return nil
}

func (d *decoder) chunk(scene *Scene, id string, n uint32, r io.Reader) error {
	switch id {
	case "PACK":
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return fmt.Errorf("vox: PACK: %w", err)
		}
		d.numPack = int(count)
	case "SIZE":
		if d.size != nil {
			return fmt.Errorf("%w: SIZE without XYZI", ErrMalformed)
		}
		var size [3]uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return fmt.Errorf("vox: SIZE: %w", err)
		}
		for _, s := range size {
			if s > MaxModelSize {
				return fmt.Errorf("%w: SIZE %v exceeds %d", ErrMalformed, size, MaxModelSize)
			}
		}
		d.size = &size
	case "XYZI":
		if d.size == nil {
			return fmt.Errorf("%w: XYZI without SIZE", ErrMalformed)
		}
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return fmt.Errorf("vox: XYZI: %w", err)
		}
		if uint64(count)*4+4 != uint64(n) {
			return fmt.Errorf("%w: XYZI holds %d bytes for %d voxels", ErrMalformed, n, count)
		}
		if cells := uint64(d.size[0]) * uint64(d.size[1]) * uint64(d.size[2]); uint64(count) > cells {
			return fmt.Errorf("%w: XYZI holds %d voxels for %d cells", ErrMalformed, count, cells)
		}
		// Buffer grows with the bytes actually present, not the declared count.
		raw, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("vox: XYZI: %w", err)
		}
		if len(raw) != 4*int(count) {
			return fmt.Errorf("vox: XYZI: %w", io.ErrUnexpectedEOF)
		}
		voxels := make([]Voxel, count)
		for i := range voxels {
			voxels[i] = Voxel{X: raw[4*i], Y: raw[4*i+1], Z: raw[4*i+2], Index: raw[4*i+3]}
		}
		scene.Models = append(scene.Models, Model{Size: *d.size, Voxels: voxels})
		d.size = nil
	case "RGBA":
		if n%4 != 0 || n > 4*MaxPaletteSize {
			return fmt.Errorf("%w: RGBA chunk of %d bytes", ErrMalformed, n)
		}
		palette := make([]uint32, n/4)
		if err := binary.Read(r, binary.LittleEndian, palette); err != nil {
			return fmt.Errorf("vox: RGBA: %w", err)
		}
		scene.Palette = palette
	}
	return nil
}

// Encode writes scene as a .vox stream.
func Encode(w io.Writer, scene *Scene) error {
	var body bytes.Buffer
	if len(scene.Models) > 1 {
		n, err := conv.IntToUint32(len(scene.Models))
		if err != nil {
			return fmt.Errorf("vox: model count: %w", err)
		}
		writeChunk(&body, "PACK", le(n))
	}
	for i, m := range scene.Models {
		n, err := conv.IntToUint32(len(m.Voxels))
		if err != nil {
			return fmt.Errorf("vox: model %d voxel count: %w", i, err)
		}
		writeChunk(&body, "SIZE", le(m.Size[0], m.Size[1], m.Size[2]))
		xyzi := make([]byte, 4, 4+4*len(m.Voxels))
		binary.LittleEndian.PutUint32(xyzi, n)
		for _, v := range m.Voxels {
			xyzi = append(xyzi, v.X, v.Y, v.Z, v.Index)
		}
		writeChunk(&body, "XYZI", xyzi)
	}
	if len(scene.Palette) > 0 {
		writeChunk(&body, "RGBA", le(scene.Palette...))
	}

	version := scene.Version
	if version == 0 {
		version = Version
	}

	var out bytes.Buffer
	out.Write(magic[:])
	out.Write(le(version))
	out.WriteString("MAIN")
	out.Write(le(0, uint32(body.Len())))
	out.Write(body.Bytes())
	_, err := w.Write(out.Bytes())
	return err
}

func writeChunk(buf *bytes.Buffer, id string, content []byte) {
	buf.WriteString(id)
	buf.Write(le(uint32(len(content)), 0))
	buf.Write(content)
}

func le(vs ...uint32) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[4*i:], v)
	}
	return out
}
