package assets

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkBlob(t *testing.T, s Store, name string, data []byte) {
	t.Helper()
	ctx := context.Background()

	blob, err := s.Open(ctx, name)
	require.NoError(t, err)
	defer blob.Close()
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err := blob.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, data[6:11], buf)

	n, err = blob.ReadAt(ctx, buf, int64(len(data))-2)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, n)

	_, err = blob.ReadAt(ctx, buf, int64(len(data)))
	assert.ErrorIs(t, err, io.EOF)

	r, err := blob.ReadRange(ctx, 13, 4)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, data[13:17], got)

	r, err = ReadAll(ctx, blob)
	require.NoError(t, err)
	got, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	m, ok := blob.(Mappable)
	require.True(t, ok)
	b, err := m.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, b)
}

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	data := []byte("hello world, this is a voxel model")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ships"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ships", "a.vox"), data, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.vox"), data, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.vox"), nil, 0o600))

	s := NewLocalStore(dir)
	checkBlob(t, s, "ships/a.vox", data)

	names, err := s.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.vox", "empty.vox", "ships/a.vox"}, names)

	names, err = s.List(context.Background(), "ships/")
	require.NoError(t, err)
	assert.Equal(t, []string{"ships/a.vox"}, names)

	empty, err := s.Open(context.Background(), "empty.vox")
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.Size())
	require.NoError(t, empty.Close())

	_, err = s.Open(context.Background(), "missing.vox")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	data := []byte("hello world, this is a voxel model")

	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, "m/a.vox", data))
	require.NoError(t, s.Put(ctx, "b.vox", []byte("x")))
	checkBlob(t, s, "m/a.vox", data)

	// Stored data is a copy.
	data[0] = 'J'
	blob, err := s.Open(ctx, "m/a.vox")
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, byte('h'), buf[0])

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.vox", "m/a.vox"}, names)

	require.NoError(t, s.Delete(ctx, "b.vox"))
	_, err = s.Open(ctx, "b.vox")
	assert.ErrorIs(t, err, ErrNotFound)
}
