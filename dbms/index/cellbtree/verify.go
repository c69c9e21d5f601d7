package cellbtree

import (
	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/cellbtree/dbms/atomic"
	"github.com/btree-query-bench/cellbtree/dbms/index/btpage"
)

// Verify walks the whole tree and checks its structure: key order within and
// across buckets, balance, parent and sibling links, per-key value counts
// against the overflow chains, the total value count and the free list.
// A violation is reported as an assertion failure.
func (t *Tree[K]) Verify(op *atomic.Operation) error {
	return t.view(op, func(src pageSource, ri rootInfo) error {
		pg, err := src.LoadForRead(t.file, entryPointPage)
		if err != nil {
			return err
		}
		ep, err := readEntryPoint(pg)
		if err != nil {
			return err
		}
		if ep.root != ri.root || ep.height != ri.height {
			return errors.AssertionFailedf("cellbtree %s: cached root %d/%d, stored %d/%d",
				t.name, ri.root, ri.height, ep.root, ep.height)
		}

		v := &verifier[K]{t: t, src: src, height: ep.height}
		if err := v.walk(ri.root, btpage.InvalidPage, 1, Key[K]{}, Key[K]{}); err != nil {
			return err
		}
		if err := v.checkLeafChain(); err != nil {
			return err
		}

		nb, err := src.LoadForRead(t.file, t.nullBucket)
		if err != nil {
			return err
		}
		if btpage.Type(nb) != btpage.TypeNullBucket || btpage.NumCells(nb) > 1 {
			return errors.AssertionFailedf("cellbtree %s: bad null bucket (type %d, %d cells)", t.name, btpage.Type(nb), btpage.NumCells(nb))
		}
		if btpage.NumCells(nb) == 1 {
			if err := v.checkEntry(t.nullBucket, 0); err != nil {
				return err
			}
		}
		if v.values != ep.size {
			return errors.AssertionFailedf("cellbtree %s: %d values found, entry point says %d", t.name, v.values, ep.size)
		}
		return v.checkFreeList(ep.freeHead)
	})
}

type verifier[K any] struct {
	t      *Tree[K]
	src    pageSource
	height uint32
	leaves []uint64
	values uint64
}

// walk checks the subtree at id, whose keys must lie in [lo, hi). A null
// bound is unbounded.
func (v *verifier[K]) walk(id, parent uint64, depth uint32, lo, hi Key[K]) error {
	t := v.t
	p, err := v.src.LoadForRead(t.file, id)
	if err != nil {
		return err
	}
	if got := btpage.Parent(p); got != parent {
		return errors.AssertionFailedf("cellbtree %s: page %d has parent %d, reached from %d", t.name, id, got, parent)
	}

	n := btpage.NumCells(p)
	prev := lo
	for i := 0; i < n; i++ {
		k := t.decode(cellKey(p, i))
		if !prev.IsNull() {
			c := t.ser.Compare(k.v, prev.v)
			if c < 0 || (c == 0 && i > 0) {
				return errors.AssertionFailedf("cellbtree %s: page %d key %d (%s) out of order after %s", t.name, id, i, k, prev)
			}
		}
		if !hi.IsNull() && t.ser.Compare(k.v, hi.v) >= 0 {
			return errors.AssertionFailedf("cellbtree %s: page %d key %s not below bound %s", t.name, id, k, hi)
		}
		prev = k
	}

	switch btpage.Type(p) {
	case btpage.TypeLeaf:
		if depth != v.height {
			return errors.AssertionFailedf("cellbtree %s: leaf %d at depth %d, height is %d", t.name, id, depth, v.height)
		}
		v.leaves = append(v.leaves, id)
		for i := 0; i < n; i++ {
			if err := v.checkEntry(id, i); err != nil {
				return err
			}
		}
		return nil
	case btpage.TypeInternal:
		if n == 0 {
			return errors.AssertionFailedf("cellbtree %s: internal page %d has no separators", t.name, id)
		}
		for i := 0; i <= n; i++ {
			clo, chi := lo, hi
			if i > 0 {
				clo = t.decode(internalKey(p, i-1))
			}
			if i < n {
				chi = t.decode(internalKey(p, i))
			}
			if err := v.walk(child(p, i), id, depth+1, clo, chi); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.AssertionFailedf("cellbtree %s: page %d in tree has type %d", t.name, id, btpage.Type(p))
	}
}

func (v *verifier[K]) checkEntry(page uint64, idx int) error {
	t := v.t
	p, err := v.src.LoadForRead(t.file, page)
	if err != nil {
		return err
	}
	e := readLeafEntry(p, idx)
	if e.total == 0 {
		return errors.AssertionFailedf("cellbtree %s: page %d entry %d has no values", t.name, page, idx)
	}
	if len(e.values) > t.opts.EmbeddedValues {
		return errors.AssertionFailedf("cellbtree %s: page %d entry %d embeds %d values", t.name, page, idx, len(e.values))
	}
	spilled, _, err := t.overflowCount(v.src, e.overflow)
	if err != nil {
		return err
	}
	if got := uint32(len(e.values) + spilled); got != e.total {
		return errors.AssertionFailedf("cellbtree %s: page %d entry %d counts %d values, holds %d", t.name, page, idx, e.total, got)
	}
	v.values += uint64(e.total)
	return nil
}

func (v *verifier[K]) checkLeafChain() error {
	t := v.t
	for i, id := range v.leaves {
		p, err := v.src.LoadForRead(t.file, id)
		if err != nil {
			return err
		}
		wantLeft, wantRight := btpage.InvalidPage, btpage.InvalidPage
		if i > 0 {
			wantLeft = v.leaves[i-1]
		}
		if i < len(v.leaves)-1 {
			wantRight = v.leaves[i+1]
		}
		if btpage.Left(p) != wantLeft || btpage.Right(p) != wantRight {
			return errors.AssertionFailedf("cellbtree %s: leaf %d links %d<->%d, expected %d<->%d",
				t.name, id, btpage.Left(p), btpage.Right(p), wantLeft, wantRight)
		}
	}
	return nil
}

func (v *verifier[K]) checkFreeList(head uint64) error {
	t := v.t
	seen := make(map[uint64]bool)
	for id := head; id != btpage.InvalidPage; {
		if seen[id] {
			return errors.AssertionFailedf("cellbtree %s: free list cycles at page %d", t.name, id)
		}
		seen[id] = true
		p, err := v.src.LoadForRead(t.file, id)
		if err != nil {
			return err
		}
		if btpage.Type(p) != btpage.TypeFree {
			return errors.AssertionFailedf("cellbtree %s: free list page %d has type %d", t.name, id, btpage.Type(p))
		}
		id = btpage.Right(p)
	}
	return nil
}
