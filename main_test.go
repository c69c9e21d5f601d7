package main

import (
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/cellbtree/dbms/index"
)

var quiet = slog.New(slog.DiscardHandler)

func TestRunSuiteAllBackends(t *testing.T) {
	dir := t.TempDir()
	var all []BenchResult
	for _, name := range []string{"cell", "lsm", "sql"} {
		idx, err := openBackend(name, filepath.Join(dir, name), quiet, prometheus.NewRegistry())
		require.NoError(t, err)
		results, err := runSuite(quiet, name, idx, 400, 7)
		require.NoError(t, err, name)
		require.NoError(t, idx.Close())

		require.Len(t, results, 5, name)
		assert.Equal(t, "Load", results[0].Operation)
		all = append(all, results...)
	}

	chart := filepath.Join(dir, "chart.png")
	require.NoError(t, writeChart(chart, all))
	info, err := os.Stat(chart)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestOpenBackendUnknown(t *testing.T) {
	_, err := openBackend("btree", t.TempDir(), quiet, nil)
	require.Error(t, err)
}

func TestChurnRemovesWhatItAdds(t *testing.T) {
	idx, err := openBackend("cell", t.TempDir(), quiet, nil)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, ExecuteWorkload(idx, Churn, 200, 50, rand.New(rand.NewPCG(3, 4))))
	// Every second op removes the value added by the one before it.
	it, err := idx.Range(index.Range{})
	require.NoError(t, err)
	n := 0
	for it.Next() {
		n++
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	assert.Zero(t, n)
}

func TestLoadBackupRestore(t *testing.T) {
	dir := t.TempDir()
	store := StoreFlags{Dir: filepath.Join(dir, "store"), CachePages: 64, EmbeddedValues: 8}
	backup := filepath.Join(dir, "tree.xz")

	load := &LoadCmd{StoreFlags: store, Count: 500, ValuesPerKey: 3, Batch: 128}
	require.NoError(t, load.Run(quiet))
	require.NoError(t, (&BackupCmd{StoreFlags: store, Out: backup}).Run(quiet))

	more := &LoadCmd{StoreFlags: store, Count: 700, ValuesPerKey: 4, Batch: 700}
	require.NoError(t, more.Run(quiet))
	require.NoError(t, (&RestoreCmd{StoreFlags: store, In: backup}).Run(quiet))
	require.NoError(t, (&VerifyCmd{StoreFlags: store}).Run(quiet))

	idx, err := store.open(quiet, nil)
	require.NoError(t, err)
	defer idx.Close()
	size, err := idx.Tree().Size(nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1500, size)

	vals, err := idx.Get("499")
	require.NoError(t, err)
	assert.Len(t, vals, 3)
	vals, err = idx.Get("600")
	require.NoError(t, err)
	assert.Empty(t, vals)
}
