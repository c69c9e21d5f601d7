package cellbtree

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/cellbtree/dbms/atomic"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

type pair struct {
	key Key[string]
	val serial.RID
}

// refMultimap is the ordered multimap the cursors are checked against.
type refMultimap map[Key[string]][]serial.RID

func (m refMultimap) pairs(lo, hi bound[string], asc bool) []pair {
	ser := serial.String{}
	ks := make([]Key[string], 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	slices.SortFunc(ks, func(a, b Key[string]) int { return compareKeys(ser, a, b) })

	var out []pair
	for _, k := range ks {
		if !lo.open {
			if c := compareKeys(ser, k, lo.key); c < 0 || (c == 0 && !lo.inclusive) {
				continue
			}
		}
		if !hi.open {
			if c := compareKeys(ser, k, hi.key); c > 0 || (c == 0 && !hi.inclusive) {
				continue
			}
		}
		for _, v := range m[k] {
			out = append(out, pair{k, v})
		}
	}
	if !asc {
		slices.Reverse(out)
	}
	return normalize(out)
}

// normalize sorts the values of each key, whose order is unspecified.
func normalize(ps []pair) []pair {
	for i := 0; i < len(ps); {
		j := i + 1
		for j < len(ps) && ps[j].key == ps[i].key {
			j++
		}
		slices.SortFunc(ps[i:j], func(a, b pair) int { return a.val.Compare(b.val) })
		i = j
	}
	return ps
}

func drain(t *testing.T, c *EntryCursor[string]) []pair {
	t.Helper()
	defer c.Close()
	var out []pair
	for c.Next() {
		out = append(out, pair{c.Key(), c.Value()})
	}
	require.NoError(t, c.Error())
	return normalize(out)
}

func newRangeFixture(t *testing.T) (*Tree[string], refMultimap) {
	t.Helper()
	opts := DefaultOptions()
	opts.CursorPrefetch = 3
	_, tree := newStringTree(t, opts)
	ref := make(refMultimap)

	put := func(k Key[string], v serial.RID) {
		require.NoError(t, tree.Put(nil, k, v))
		ref[k] = append(ref[k], v)
	}
	// Even keys only, so odd probes fall between stored keys.
	for i := 0; i < 400; i += 2 {
		k := Of(fmt.Sprintf("%03d", i))
		for j := 0; j <= i%3; j++ {
			put(k, rid(i*10+j))
		}
	}
	put(Null[string](), rid(-1))
	put(Null[string](), rid(-2))
	require.NoError(t, tree.Verify(nil))
	return tree, ref
}

func probes() []Key[string] {
	return []Key[string]{
		Null[string](),
		Of(""),
		Of("000"),
		Of("001"),
		Of("100"),
		Of("101"),
		Of("250"),
		Of("398"),
		Of("399"),
		Of("zzz"),
	}
}

func TestIterateEntriesBetween(t *testing.T) {
	tree, ref := newRangeFixture(t)

	for _, from := range probes() {
		for _, to := range probes() {
			for _, fromIncl := range []bool{true, false} {
				for _, toIncl := range []bool{true, false} {
					for _, asc := range []bool{true, false} {
						name := fmt.Sprintf("%s,%v..%s,%v asc=%v", from, fromIncl, to, toIncl, asc)
						want := ref.pairs(bound[string]{key: from, inclusive: fromIncl}, bound[string]{key: to, inclusive: toIncl}, asc)
						got := drain(t, tree.IterateEntriesBetween(nil, from, fromIncl, to, toIncl, asc))
						assert.Equal(t, want, got, name)
					}
				}
			}
		}
	}
}

func TestIterateEntriesMajorAndMinor(t *testing.T) {
	tree, ref := newRangeFixture(t)

	for _, k := range probes() {
		for _, incl := range []bool{true, false} {
			for _, asc := range []bool{true, false} {
				name := fmt.Sprintf("%s,%v asc=%v", k, incl, asc)

				want := ref.pairs(bound[string]{key: k, inclusive: incl}, openBound[string](), asc)
				assert.Equal(t, want, drain(t, tree.IterateEntriesMajor(nil, k, incl, asc)), "major "+name)

				want = ref.pairs(openBound[string](), bound[string]{key: k, inclusive: incl}, asc)
				assert.Equal(t, want, drain(t, tree.IterateEntriesMinor(nil, k, incl, asc)), "minor "+name)
			}
		}
	}
}

func TestEqualBoundsYieldOneKey(t *testing.T) {
	tree, _ := newRangeFixture(t)

	got := drain(t, tree.IterateEntriesBetween(nil, Of("100"), true, Of("100"), true, false))
	require.Len(t, got, 2)
	for _, p := range got {
		assert.Equal(t, Of("100"), p.key)
	}
	assert.Empty(t, drain(t, tree.IterateEntriesBetween(nil, Of("100"), true, Of("100"), false, true)))
	assert.Empty(t, drain(t, tree.IterateEntriesBetween(nil, Of("101"), true, Of("101"), true, true)))

	got = drain(t, tree.IterateEntriesBetween(nil, Null[string](), true, Null[string](), true, true))
	assert.Equal(t, []pair{{Null[string](), rid(-2)}, {Null[string](), rid(-1)}}, got)
}

func TestCursorSurvivesConcurrentSplits(t *testing.T) {
	opts := DefaultOptions()
	opts.CursorPrefetch = 2
	_, tree := newStringTree(t, opts)
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Put(nil, Of(fmt.Sprintf("a%03d", i)), rid(i)))
	}

	c := tree.KeyStream(nil)
	defer c.Close()
	var seen []string
	for i := 0; i < 10 && c.Next(); i++ {
		seen = append(seen, c.Key().Value())
	}

	// Commits between refills split the buckets the cursor walks.
	for i := 0; i < 1000; i++ {
		require.NoError(t, tree.Put(nil, Of(fmt.Sprintf("a%03d-%d", i%100, i)), rid(i)))
	}
	for c.Next() {
		seen = append(seen, c.Key().Value())
	}
	require.NoError(t, c.Error())

	assert.True(t, slices.IsSorted(seen))
	assert.Len(t, slices.Compact(slices.Clone(seen)), len(seen))
	for i := 0; i < 100; i++ {
		assert.Contains(t, seen, fmt.Sprintf("a%03d", i))
	}
}

func TestCursorClose(t *testing.T) {
	tree, _ := newRangeFixture(t)

	c := tree.IterateEntriesMajor(nil, Null[string](), true, true)
	require.True(t, c.Next())
	assert.True(t, c.Key().IsNull())
	require.NoError(t, c.Close())
	assert.False(t, c.Next())
	assert.NoError(t, c.Error())

	kc := tree.KeyStream(nil)
	require.NoError(t, kc.Close())
	assert.False(t, kc.Next())

	vc := tree.Get(nil, Of("000"))
	require.True(t, vc.Next())
	require.NoError(t, vc.Close())
	assert.False(t, vc.Next())
}

func TestCursorSeesOwnOperation(t *testing.T) {
	m, tree := newStringTree(t, DefaultOptions())
	require.NoError(t, tree.Put(nil, Of("b"), rid(2)))

	require.NoError(t, m.Execute(nil, func(op *atomic.Operation) error {
		require.NoError(t, tree.Put(op, Of("a"), rid(1)))
		require.NoError(t, tree.Put(op, Of("c"), rid(3)))

		got := drain(t, tree.IterateEntriesMajor(op, Of("a"), true, true))
		assert.Equal(t, []pair{{Of("a"), rid(1)}, {Of("b"), rid(2)}, {Of("c"), rid(3)}}, got)
		assert.Len(t, keys(t, tree.KeyStream(nil)), 1)
		return atomic.ErrRollback
	}))
	assert.Equal(t, []Key[string]{Of("b")}, keys(t, tree.KeyStream(nil)))
}
