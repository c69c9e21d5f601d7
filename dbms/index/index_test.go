package index_test

import (
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/cellbtree/dbms/atomic"
	"github.com/btree-query-bench/cellbtree/dbms/index"
	"github.com/btree-query-bench/cellbtree/dbms/index/cellbtree"
	"github.com/btree-query-bench/cellbtree/dbms/index/lsm"
	"github.com/btree-query-bench/cellbtree/dbms/index/sqlindex"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

type opener func(t *testing.T, dir string) index.MultiIndex

var backends = map[string]opener{
	"cell": func(t *testing.T, dir string) index.MultiIndex {
		topts := cellbtree.DefaultOptions()
		topts.CursorPrefetch = 4
		idx, err := index.OpenCell(dir, atomic.DefaultOptions(), topts)
		require.NoError(t, err)
		return idx
	},
	"lsm": func(t *testing.T, dir string) index.MultiIndex {
		idx, err := lsm.Open(dir, nil)
		require.NoError(t, err)
		return idx
	},
	"sql": func(t *testing.T, dir string) index.MultiIndex {
		idx, err := sqlindex.Open(filepath.Join(dir, "index.db"), nil)
		require.NoError(t, err)
		return idx
	},
}

type pair struct {
	key string
	val serial.RID
}

func sortPairs(ps []pair, desc bool) {
	slices.SortFunc(ps, func(a, b pair) int {
		if a.key != b.key {
			if (a.key < b.key) != desc {
				return -1
			}
			return 1
		}
		return a.val.Compare(b.val)
	})
}

func collect(t *testing.T, it index.Iterator, desc bool) []pair {
	t.Helper()
	defer it.Close()
	var out []pair
	var last string
	for it.Next() {
		if len(out) > 0 {
			if desc {
				assert.LessOrEqual(t, it.Key(), last)
			} else {
				assert.GreaterOrEqual(t, it.Key(), last)
			}
		}
		last = it.Key()
		out = append(out, pair{it.Key(), it.Value()})
	}
	require.NoError(t, it.Error())
	sortPairs(out, desc)
	return out
}

func TestMultiIndexBackends(t *testing.T) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			idx := open(t, t.TempDir())
			defer idx.Close()

			var ref []pair
			for i := 0; i < 300; i++ {
				p := pair{fmt.Sprintf("k%03d", i%120), serial.RID{ClusterID: int32(i % 7), Position: int64(i)}}
				require.NoError(t, idx.Put(p.key, p.val))
				ref = append(ref, p)
			}
			// One duplicate pair.
			require.NoError(t, idx.Put("k005", serial.RID{ClusterID: 5, Position: 5}))
			ref = append(ref, pair{"k005", serial.RID{ClusterID: 5, Position: 5}})

			got, err := idx.Get("k005")
			require.NoError(t, err)
			assert.Len(t, got, 4)
			got, err = idx.Get("nope")
			require.NoError(t, err)
			assert.Empty(t, got)

			ok, err := idx.Remove("k005", serial.RID{ClusterID: 5, Position: 5})
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = idx.Remove("k005", serial.RID{ClusterID: 6, Position: 5})
			require.NoError(t, err)
			assert.False(t, ok)
			i := slices.Index(ref, pair{"k005", serial.RID{ClusterID: 5, Position: 5}})
			ref = slices.Delete(ref, i, i+1)

			ranges := []index.Range{
				{},
				{Descending: true},
				index.Between("k010", "k020"),
				{From: "k010", HasFrom: true},
				{To: "k010", HasTo: true, ToInclusive: true, Descending: true},
				{From: "k010", To: "k020", HasFrom: true, HasTo: true, Descending: true},
				{From: "k0105", To: "k0205", HasFrom: true, HasTo: true, FromInclusive: true},
				{From: "k050", To: "k050", HasFrom: true, HasTo: true, FromInclusive: true, ToInclusive: true},
				{From: "k050", To: "k040", HasFrom: true, HasTo: true},
			}
			for _, r := range ranges {
				var want []pair
				for _, p := range ref {
					if r.Contains(p.key) {
						want = append(want, p)
					}
				}
				sortPairs(want, r.Descending)

				it, err := idx.Range(r)
				require.NoError(t, err)
				assert.Equal(t, want, collect(t, it, r.Descending), "%+v", r)
			}
		})
	}
}

func TestCellReopens(t *testing.T) {
	dir := t.TempDir()
	idx, err := index.OpenCell(dir, atomic.DefaultOptions(), cellbtree.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, idx.Put("a", serial.RID{ClusterID: 1, Position: 2}))
	require.NoError(t, idx.Close())

	idx, err = index.OpenCell(dir, atomic.DefaultOptions(), cellbtree.DefaultOptions())
	require.NoError(t, err)
	defer idx.Close()
	got, err := idx.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []serial.RID{{ClusterID: 1, Position: 2}}, got)
	require.NoError(t, idx.Tree().Verify(nil))
}

func TestLSMRejectsSeparator(t *testing.T) {
	idx, err := lsm.Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer idx.Close()
	assert.ErrorIs(t, idx.Put("a\x00b", serial.RID{}), lsm.ErrKeyHasSeparator)
}
