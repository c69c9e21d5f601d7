package atomic

import (
	"os"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/cellbtree/dbms/wal"
)

func openManager(t *testing.T, dir string, reg prometheus.Registerer) *Manager {
	t.Helper()
	opts := DefaultOptions()
	opts.CachePages = 8
	opts.CheckpointEvery = 1000
	opts.Registerer = reg
	m, err := Open(dir, opts)
	require.NoError(t, err)
	return m
}

// crash closes files and log without checkpointing, leaving the log as is.
func crash(t *testing.T, m *Manager) {
	t.Helper()
	m.closed = true
	require.NoError(t, m.closeFiles())
	require.NoError(t, m.wal.Close())
}

func addFile(t *testing.T, m *Manager, name string) uint32 {
	t.Helper()
	var id uint32
	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		var err error
		id, err = op.AddFile(name)
		return err
	}))
	return id
}

func TestCommitMakesPagesVisible(t *testing.T) {
	m := openManager(t, t.TempDir(), nil)
	defer m.Close()
	f := addFile(t, m, "data")

	var page uint64
	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		idx, pg, err := op.AddPage(f)
		if err != nil {
			return err
		}
		page = idx
		copy(pg[:], "committed")

		// The operation sees its own change, committed state does not.
		again, err := op.LoadForRead(f, idx)
		require.NoError(t, err)
		assert.Equal(t, "committed", string(again[:9]))
		_, err = m.LoadForRead(f, idx)
		assert.Error(t, err)
		return nil
	}))

	pg, err := m.LoadForRead(f, page)
	require.NoError(t, err)
	assert.Equal(t, "committed", string(pg[:9]))
}

func TestRollbackDiscardsChanges(t *testing.T) {
	m := openManager(t, t.TempDir(), nil)
	defer m.Close()
	f := addFile(t, m, "data")

	var page uint64
	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		idx, pg, err := op.AddPage(f)
		page = idx
		pg[0] = 1
		return err
	}))

	hookRan := false
	err := m.Execute(nil, func(op *Operation) error {
		pg, err := op.LoadForWrite(f, page)
		require.NoError(t, err)
		pg[0] = 2
		_, _, err = op.AddPage(f)
		require.NoError(t, err)
		op.OnCommit(func() { hookRan = true })
		return errors.Wrap(ErrRollback, "test")
	})
	require.NoError(t, err)
	assert.False(t, hookRan)

	pg, err := m.LoadForRead(f, page)
	require.NoError(t, err)
	assert.Equal(t, byte(1), pg[0])

	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		n, err := op.FilledUpTo(f)
		assert.Equal(t, page+1, n)
		return err
	}))
}

func TestBodyErrorIsReturned(t *testing.T) {
	m := openManager(t, t.TempDir(), nil)
	defer m.Close()
	f := addFile(t, m, "data")

	boom := errors.New("boom")
	err := m.Execute(nil, func(op *Operation) error {
		_, _, err := op.AddPage(f)
		require.NoError(t, err)
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	// The writer slot is free again.
	require.NoError(t, m.Execute(nil, func(op *Operation) error { return nil }))
}

func TestNestedExecuteJoinsOperation(t *testing.T) {
	m := openManager(t, t.TempDir(), nil)
	defer m.Close()
	f := addFile(t, m, "data")

	var page uint64
	require.NoError(t, m.Execute(nil, func(outer *Operation) error {
		return m.Execute(outer, func(inner *Operation) error {
			assert.Same(t, outer, inner)
			idx, pg, err := inner.AddPage(f)
			page = idx
			pg[0] = 9
			return err
		})
	}))
	pg, err := m.LoadForRead(f, page)
	require.NoError(t, err)
	assert.Equal(t, byte(9), pg[0])
}

func TestFinishedOperationRejectsUse(t *testing.T) {
	m := openManager(t, t.TempDir(), nil)
	defer m.Close()
	f := addFile(t, m, "data")

	var leaked *Operation
	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		leaked = op
		return nil
	}))
	_, _, err := leaked.AddPage(f)
	assert.True(t, errors.Is(err, ErrOperationDone))
	assert.True(t, errors.Is(m.Execute(leaked, func(*Operation) error { return nil }), ErrOperationDone))
}

func TestPanicRollsBack(t *testing.T) {
	m := openManager(t, t.TempDir(), nil)
	defer m.Close()
	f := addFile(t, m, "data")

	assert.Panics(t, func() {
		_ = m.Execute(nil, func(op *Operation) error {
			_, _, err := op.AddPage(f)
			require.NoError(t, err)
			panic("kaboom")
		})
	})
	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		n, err := op.FilledUpTo(f)
		assert.Equal(t, uint64(1), n)
		return err
	}))
}

func TestAddFileReclaimsRolledBackFile(t *testing.T) {
	m := openManager(t, t.TempDir(), nil)
	defer m.Close()

	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		_, err := op.AddFile("tree")
		require.NoError(t, err)
		return ErrRollback
	}))
	id := addFile(t, m, "tree")
	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		_, _, err := op.AddPage(id)
		return err
	}))

	err := m.Execute(nil, func(op *Operation) error {
		_, err := op.AddFile("tree")
		return err
	})
	assert.True(t, errors.Is(err, ErrFileExists))
}

func TestRecoveryReplaysLog(t *testing.T) {
	dir := t.TempDir()
	m := openManager(t, dir, nil)
	f := addFile(t, m, "data")
	var page uint64
	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		idx, pg, err := op.AddPage(f)
		page = idx
		pg[0] = 1
		return err
	}))

	// Log an operation that never reached the page file.
	img, err := m.LoadForRead(f, page)
	require.NoError(t, err)
	img[0] = 42
	extra := img
	_, err = m.wal.Append(m.lastOp+1, []wal.PageImage{
		{File: f, Page: page, Data: img},
		{File: f, Page: page + 1, Data: extra},
	})
	require.NoError(t, err)
	crash(t, m)

	m = openManager(t, dir, nil)
	defer m.Close()
	pg, err := m.LoadForRead(f, page)
	require.NoError(t, err)
	assert.Equal(t, byte(42), pg[0])
	pg, err = m.LoadForRead(f, page+1)
	require.NoError(t, err)
	assert.Equal(t, byte(42), pg[0])

	ops, err := m.wal.Replay(func(uint64, wal.PageImage) error { return nil })
	require.NoError(t, err)
	assert.Zero(t, ops, "recovery checkpoints the log")
}

func TestDeleteFile(t *testing.T) {
	dir := t.TempDir()
	m := openManager(t, dir, nil)
	f := addFile(t, m, "data")
	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		_, pg, err := op.AddPage(f)
		pg[0] = 1
		return err
	}))
	path := FilePath(dir, "data")

	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		require.NoError(t, op.DeleteFile(f))
		_, err := op.LoadForRead(f, 1)
		assert.ErrorIs(t, err, ErrUnknownFile)
		_, _, err = op.AddPage(f)
		assert.ErrorIs(t, err, ErrUnknownFile)
		return ErrRollback
	}))
	pg, err := m.LoadForRead(f, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(1), pg[0])

	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		return op.DeleteFile(f)
	}))
	assert.NoFileExists(t, path)
	_, err = m.FileID("data")
	assert.ErrorIs(t, err, ErrUnknownFile)
	_, err = m.LoadForRead(f, 1)
	assert.ErrorIs(t, err, ErrUnknownFile)

	again := addFile(t, m, "data")
	assert.NotEqual(t, f, again, "file ids are not reused")
	require.NoError(t, m.Close())

	m = openManager(t, dir, nil)
	defer m.Close()
	id, err := m.FileID("data")
	require.NoError(t, err)
	assert.Equal(t, again, id)
}

func TestDroppedFileStaysDroppedAfterCrash(t *testing.T) {
	dir := t.TempDir()
	m := openManager(t, dir, nil)
	f := addFile(t, m, "data")
	keep := addFile(t, m, "keep")
	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		if _, _, err := op.AddPage(f); err != nil {
			return err
		}
		_, pg, err := op.AddPage(keep)
		pg[0] = 9
		return err
	}))

	// The drop reached the log, the page file was never removed.
	_, err := m.wal.Append(m.lastOp+1, nil, "data")
	require.NoError(t, err)
	crash(t, m)
	_, err = os.Stat(FilePath(dir, "data"))
	require.NoError(t, err)

	m = openManager(t, dir, nil)
	defer m.Close()
	_, err = m.FileID("data")
	assert.ErrorIs(t, err, ErrUnknownFile)
	assert.NoFileExists(t, FilePath(dir, "data"))

	pg, err := m.LoadForRead(keep, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(9), pg[0])
}

func TestReadersNeverSeeHalfAppliedCommit(t *testing.T) {
	m := openManager(t, t.TempDir(), nil)
	defer m.Close()
	f := addFile(t, m, "data")

	var a, b uint64
	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		var err error
		if a, _, err = op.AddPage(f); err != nil {
			return err
		}
		b, _, err = op.AddPage(f)
		return err
	}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := byte(1); i < 200; i++ {
			assert.NoError(t, m.Execute(nil, func(op *Operation) error {
				for _, id := range []uint64{a, b} {
					pg, err := op.LoadForWrite(f, id)
					if err != nil {
						return err
					}
					pg[0] = i
				}
				return nil
			}))
		}
		close(stop)
	}()

	for done := false; !done; {
		select {
		case <-stop:
			done = true
		default:
		}
		m.ReadLock()
		pa, errA := m.LoadForRead(f, a)
		pb, errB := m.LoadForRead(f, b)
		m.ReadUnlock()
		require.NoError(t, errA)
		require.NoError(t, errB)
		require.Equal(t, pa[0], pb[0])
	}
	wg.Wait()
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := openManager(t, t.TempDir(), reg)
	defer m.Close()
	f := addFile(t, m, "data")

	require.NoError(t, m.Execute(nil, func(op *Operation) error {
		_, _, err := op.AddPage(f)
		return err
	}))
	require.NoError(t, m.Execute(nil, func(op *Operation) error { return ErrRollback }))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.metrics.commits))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.rollbacks))
	assert.Greater(t, testutil.ToFloat64(m.metrics.walBytes), float64(0))

	// A second manager on the same registry shares the collectors.
	other := openManager(t, t.TempDir(), reg)
	defer other.Close()
	assert.Same(t, m.metrics.commits, other.metrics.commits)
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	opts.CachePages = 0
	_, err := Open(t.TempDir(), opts)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.CheckpointEvery = 0
	_, err = Open(t.TempDir(), opts)
	assert.Error(t, err)
}
