package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/cellbtree/dbms/pager"
)

func image(file uint32, page uint64, fill byte) PageImage {
	pg := new(pager.Page)
	for i := range pg {
		pg[i] = fill
	}
	return PageImage{File: file, Page: page, Data: pg}
}

type replayed struct {
	op   uint64
	file uint32
	page uint64
	fill byte
}

func replayAll(t *testing.T, l *Log) ([]replayed, int) {
	t.Helper()
	var got []replayed
	ops, err := l.Replay(func(opID uint64, img PageImage) error {
		got = append(got, replayed{opID, img.File, img.Page, img.Data[0]})
		return nil
	})
	require.NoError(t, err)
	return got, ops
}

func TestAppendReplayOrder(t *testing.T) {
	l, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer l.Close()

	n, err := l.Append(2, []PageImage{image(1, 9, 0xb), image(0, 3, 0xa)})
	require.NoError(t, err)
	assert.Equal(t, 2*(keySize+pager.PageSize), n)
	_, err = l.Append(1, []PageImage{image(0, 1, 0x1)})
	require.NoError(t, err)
	_, err = l.Append(3, nil)
	require.NoError(t, err)

	got, ops := replayAll(t, l)
	assert.Equal(t, 2, ops)
	assert.Equal(t, []replayed{
		{1, 0, 1, 0x1},
		{2, 0, 3, 0xa},
		{2, 1, 9, 0xb},
	}, got)
	assert.Equal(t, uint64(2), l.LastOpID())
}

func TestTruncate(t *testing.T) {
	l, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer l.Close()

	for op := uint64(1); op <= 4; op++ {
		_, err := l.Append(op, []PageImage{image(0, op, byte(op))})
		require.NoError(t, err)
	}
	require.NoError(t, l.Truncate(2))
	got, ops := replayAll(t, l)
	assert.Equal(t, 2, ops)
	assert.Equal(t, uint64(3), got[0].op)

	require.NoError(t, l.Truncate(^uint64(0)))
	got, ops = replayAll(t, l)
	assert.Zero(t, ops)
	assert.Empty(t, got)
}

func TestReopenKeepsLastOp(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, nil)
	require.NoError(t, err)
	_, err = l.Append(7, []PageImage{image(2, 5, 0x7)})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(dir, nil)
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, uint64(7), l.LastOpID())
	got, _ := replayAll(t, l)
	require.Len(t, got, 1)
	assert.Equal(t, replayed{7, 2, 5, 0x7}, got[0])
}

func TestKeyEncodingRoundTrip(t *testing.T) {
	k := encodeKey(1<<40, 3, 77)
	op, file, page, err := decodeKey(k)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<40), op)
	assert.Equal(t, uint32(3), file)
	assert.Equal(t, uint64(77), page)

	_, _, _, err = decodeKey([]byte("op"))
	assert.Error(t, err)
}

func TestRegisterFileStable(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, nil)
	require.NoError(t, err)

	a, err := l.RegisterFile("a")
	require.NoError(t, err)
	b, err := l.RegisterFile("b")
	require.NoError(t, err)
	again, err := l.RegisterFile("a")
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)

	// Truncating the log leaves the registry alone.
	_, err = l.Append(1, []PageImage{image(a, 1, 1)})
	require.NoError(t, err)
	require.NoError(t, l.Truncate(^uint64(0)))
	require.NoError(t, l.Close())

	l, err = Open(dir, nil)
	require.NoError(t, err)
	defer l.Close()
	files, err := l.Files()
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{"a": a, "b": b}, files)
}

func TestAppendDropsFiles(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, nil)
	require.NoError(t, err)

	a, err := l.RegisterFile("a")
	require.NoError(t, err)
	b, err := l.RegisterFile("b")
	require.NoError(t, err)

	_, err = l.Append(4, []PageImage{image(b, 1, 1)}, "a")
	require.NoError(t, err)
	files, err := l.Files()
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{"b": b}, files)

	// A new registration never takes over the dropped id.
	c, err := l.RegisterFile("a")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, b, c)
	require.NoError(t, l.Close())

	l, err = Open(dir, nil)
	require.NoError(t, err)
	defer l.Close()
	d, err := l.RegisterFile("d")
	require.NoError(t, err)
	assert.Equal(t, c+1, d)
}
