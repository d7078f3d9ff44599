package vox

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/voxgo/blockalloc"
	"github.com/hupe1980/voxgo/svdag"
)

func testScene() *Scene {
	return &Scene{
		Version: Version,
		Models: []Model{
			{Size: [3]uint32{2, 2, 2}, Voxels: []Voxel{{0, 0, 0, 1}, {1, 1, 1, 2}}},
			{Size: [3]uint32{5, 1, 1}, Voxels: []Voxel{{0, 0, 0, 3}, {4, 0, 0, 3}}},
		},
		Palette: []uint32{0xFF0000FF, 0xFF00FF00},
	}
}

func encode(t *testing.T, s *Scene) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, s))
	return buf.Bytes()
}

func TestEncodeDecode(t *testing.T) {
	raw := encode(t, testScene())
	assert.Equal(t, []byte("VOX "), raw[:4])
	assert.Equal(t, uint32(Version), binary.LittleEndian.Uint32(raw[4:]))
	assert.Equal(t, []byte("MAIN"), raw[8:12])

	got, err := Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, testScene(), got)
	assert.Equal(t, 4, got.NumVoxels())
}

func TestDecode_SkipsUnknownChunks(t *testing.T) {
	var body bytes.Buffer
	writeChunk(&body, "nTRN", []byte{1, 2, 3, 4, 5})
	writeChunk(&body, "SIZE", le(1, 1, 1))
	// A chunk with nested children is skipped as a whole.
	var nested bytes.Buffer
	writeChunk(&nested, "NOTE", le(9))
	body.WriteString("nGRP")
	body.Write(le(4, uint32(nested.Len())))
	body.Write(le(7))
	body.Write(nested.Bytes())
	xyzi := append(le(1), 0, 0, 0, 5)
	writeChunk(&body, "XYZI", xyzi)

	var file bytes.Buffer
	file.WriteString("VOX ")
	file.Write(le(200))
	file.WriteString("MAIN")
	file.Write(le(0, uint32(body.Len())))
	file.Write(body.Bytes())

	s, err := Decode(&file)
	require.NoError(t, err)
	assert.Equal(t, uint32(200), s.Version)
	require.Len(t, s.Models, 1)
	assert.Equal(t, []Voxel{{0, 0, 0, 5}}, s.Models[0].Voxels)
	assert.Nil(t, s.Palette)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("NOPE\x96\x00\x00\x00")))
	assert.ErrorIs(t, err, ErrInvalidMagic)

	_, err = Decode(bytes.NewReader([]byte("VOX ")))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	build := func(chunks func(*bytes.Buffer)) []byte {
		var body, file bytes.Buffer
		chunks(&body)
		file.WriteString("VOX ")
		file.Write(le(Version))
		file.WriteString("MAIN")
		file.Write(le(0, uint32(body.Len())))
		file.Write(body.Bytes())
		return file.Bytes()
	}

	tests := []struct {
		name   string
		chunks func(*bytes.Buffer)
	}{
		{"xyzi without size", func(b *bytes.Buffer) {
			writeChunk(b, "XYZI", le(0))
		}},
		{"size without xyzi", func(b *bytes.Buffer) {
			writeChunk(b, "SIZE", le(1, 1, 1))
		}},
		{"xyzi count mismatch", func(b *bytes.Buffer) {
			writeChunk(b, "SIZE", le(1, 1, 1))
			writeChunk(b, "XYZI", le(2, 0))
		}},
		{"size above limit", func(b *bytes.Buffer) {
			writeChunk(b, "SIZE", le(1<<30, 1, 1))
			writeChunk(b, "XYZI", le(1, 0))
		}},
		{"more voxels than cells", func(b *bytes.Buffer) {
			writeChunk(b, "SIZE", le(1, 1, 1))
			writeChunk(b, "XYZI", le(2, 0, 0x01010101))
		}},
		{"palette too long", func(b *bytes.Buffer) {
			writeChunk(b, "RGBA", make([]byte, 4*(MaxPaletteSize+1)))
		}},
		{"palette not whole colors", func(b *bytes.Buffer) {
			writeChunk(b, "RGBA", make([]byte, 6))
		}},
		{"pack count mismatch", func(b *bytes.Buffer) {
			writeChunk(b, "PACK", le(2))
			writeChunk(b, "SIZE", le(1, 1, 1))
			writeChunk(b, "XYZI", le(0))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(build(tt.chunks)))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	raw := encode(t, testScene())
	_, err = Decode(bytes.NewReader(raw[:len(raw)-3]))
	assert.Error(t, err)

	// A short file announcing the largest legal voxel count fails on the
	// missing bytes.
	const count = MaxModelSize * MaxModelSize * MaxModelSize
	_, err = Decode(bytes.NewReader(build(func(b *bytes.Buffer) {
		writeChunk(b, "SIZE", le(MaxModelSize, MaxModelSize, MaxModelSize))
		b.WriteString("XYZI")
		b.Write(le(4*count+4, 0, count, 0x01020304))
	})))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecode_OversizedModel(t *testing.T) {
	scene := &Scene{Models: []Model{{Size: [3]uint32{1 << 30, 1, 1}, Voxels: []Voxel{{0, 0, 0, 1}}}}}
	_, err := Decode(bytes.NewReader(encode(t, scene)))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOpen(t *testing.T) {
	raw := encode(t, testScene())

	var zbuf bytes.Buffer
	zw, err := zstd.NewWriter(&zbuf)
	require.NoError(t, err)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var lbuf bytes.Buffer
	lw := lz4.NewWriter(&lbuf)
	_, err = lw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, lw.Close())

	for name, in := range map[string][]byte{"plain": raw, "zstd": zbuf.Bytes(), "lz4": lbuf.Bytes()} {
		t.Run(name, func(t *testing.T) {
			r, err := Open(bytes.NewReader(in))
			require.NoError(t, err)
			defer r.Close()

			s, err := Decode(r)
			require.NoError(t, err)
			assert.Equal(t, testScene(), s)
		})
	}

	r, err := Open(bytes.NewReader(nil))
	require.NoError(t, err)
	_, err = Decode(r)
	assert.Error(t, err)
}

func TestGridSize(t *testing.T) {
	tests := []struct {
		size   [3]uint32
		voxels []Voxel
		want   uint8
	}{
		{[3]uint32{1, 1, 1}, nil, 1},
		{[3]uint32{2, 2, 2}, nil, 1},
		{[3]uint32{3, 1, 1}, nil, 2},
		{[3]uint32{4, 4, 4}, nil, 2},
		{[3]uint32{5, 1, 1}, nil, 3},
		{[3]uint32{1, 1, 1}, []Voxel{{X: 9}}, 4},
		{[3]uint32{256, 40, 12}, nil, 8},
	}
	for _, tt := range tests {
		m := Model{Size: tt.size, Voxels: tt.voxels}
		assert.Equal(t, tt.want, GridSize(&m), "size %v", tt.size)
	}
}

func TestImport(t *testing.T) {
	dag, err := svdag.New(blockalloc.NewHost(0), 1)
	require.NoError(t, err)
	defer dag.Close()

	scene := testScene()
	stats, err := Import(context.Background(), scene, dag)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 2, dag.NumRoots())

	assert.Equal(t, ModelStats{Frame: 0, Size: [3]uint32{2, 2, 2}, GridSize: 1, Voxels: 2, Nodes: 1}, stats[0])
	assert.Equal(t, uint8(3), stats[1].GridSize)
	assert.False(t, stats[1].Mismatch)

	g0 := dag.GridAccessor(1, 0)
	assert.True(t, g0.Get(0, 0, 0))
	assert.True(t, g0.Get(1, 1, 1))
	assert.False(t, g0.Get(1, 0, 0))

	g1 := dag.GridAccessor(3, 1)
	assert.True(t, g1.Get(4, 0, 0))
	assert.False(t, g1.Get(1, 1, 1))
}

func TestImport_FirstFrameAndMismatch(t *testing.T) {
	dag, err := svdag.New(blockalloc.NewHost(0), 0)
	require.NoError(t, err)
	defer dag.Close()

	scene := &Scene{Models: []Model{{Size: [3]uint32{8, 8, 8}, Voxels: []Voxel{{2, 3, 4, 1}}}}}
	stats, err := Import(context.Background(), scene, dag, WithFirstFrame(2))
	require.NoError(t, err)
	assert.Equal(t, 3, dag.NumRoots())
	assert.Equal(t, 2, stats[0].Frame)
	assert.True(t, stats[0].Mismatch)
	assert.True(t, dag.GridAccessor(3, 2).Get(2, 3, 4))

	_, err = Import(context.Background(), scene, dag, WithFirstFrame(-1))
	assert.Error(t, err)
}

func TestImport_GridTooLarge(t *testing.T) {
	dag, err := svdag.New(blockalloc.NewHost(0), 0)
	require.NoError(t, err)
	defer dag.Close()

	scene := &Scene{Models: []Model{{Size: [3]uint32{1 << 30, 1, 1}, Voxels: []Voxel{{0, 0, 0, 1}}}}}
	require.NotPanics(t, func() {
		_, err = Import(context.Background(), scene, dag)
	})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, svdag.None, dag.Root(0))
}

func TestImport_Canceled(t *testing.T) {
	dag, err := svdag.New(blockalloc.NewHost(0), 1)
	require.NoError(t, err)
	defer dag.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Import(ctx, testScene(), dag)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, svdag.None, dag.Root(0))
}
