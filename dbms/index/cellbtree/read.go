package cellbtree

import (
	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/cellbtree/dbms/atomic"
	"github.com/btree-query-bench/cellbtree/dbms/index/btpage"
	"github.com/btree-query-bench/cellbtree/dbms/pager"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

// view runs fn against the pages visible to op. For a nil op these are the
// committed pages, and no commit is applied while fn runs, so every page fn
// reads belongs to the same committed state.
func (t *Tree[K]) view(op *atomic.Operation, fn func(src pageSource, ri rootInfo) error) error {
	if op != nil {
		ri, err := t.rootFor(op)
		if err != nil {
			return err
		}
		return fn(op, ri)
	}
	t.mgr.ReadLock()
	defer t.mgr.ReadUnlock()
	return fn(t.mgr, t.cachedRoot())
}

// Size returns the number of values stored, counting every occurrence and
// the values of the null key.
func (t *Tree[K]) Size(op *atomic.Operation) (uint64, error) {
	var size uint64
	err := t.view(op, func(src pageSource, _ rootInfo) error {
		pg, err := src.LoadForRead(t.file, entryPointPage)
		if err != nil {
			return err
		}
		ep, err := readEntryPoint(pg)
		size = ep.size
		return err
	})
	return size, errors.Wrapf(err, "cellbtree %s: size", t.name)
}

// FirstKey returns the smallest key, the null key if it has values.
// It fails with ErrEmpty when the tree holds no keys.
func (t *Tree[K]) FirstKey(op *atomic.Operation) (Key[K], error) {
	var key Key[K]
	err := t.view(op, func(src pageSource, ri rootInfo) error {
		if has, err := t.hasNull(src); err != nil || has {
			return err
		}
		p, err := t.edgeLeaf(src, ri.root, true)
		if err != nil {
			return err
		}
		for btpage.NumCells(p) == 0 {
			next := btpage.Right(p)
			if next == btpage.InvalidPage {
				return ErrEmpty
			}
			if p, err = src.LoadForRead(t.file, next); err != nil {
				return err
			}
		}
		key = t.decode(leafKey(p, 0))
		return nil
	})
	return key, err
}

// LastKey returns the largest key. The null key is returned only when it is
// the sole key. It fails with ErrEmpty when the tree holds no keys.
func (t *Tree[K]) LastKey(op *atomic.Operation) (Key[K], error) {
	var key Key[K]
	err := t.view(op, func(src pageSource, ri rootInfo) error {
		p, err := t.edgeLeaf(src, ri.root, false)
		if err != nil {
			return err
		}
		for btpage.NumCells(p) == 0 {
			prev := btpage.Left(p)
			if prev == btpage.InvalidPage {
				has, err := t.hasNull(src)
				if err != nil {
					return err
				}
				if !has {
					return ErrEmpty
				}
				return nil
			}
			if p, err = src.LoadForRead(t.file, prev); err != nil {
				return err
			}
		}
		key = t.decode(leafKey(p, btpage.NumCells(p)-1))
		return nil
	})
	return key, err
}

// Get returns a cursor over every value of key. An absent key yields an
// empty cursor. The cursor must be closed.
func (t *Tree[K]) Get(op *atomic.Operation, key Key[K]) *ValueCursor {
	return &ValueCursor{load: func() ([]serial.RID, error) {
		var values []serial.RID
		err := t.view(op, func(src pageSource, ri rootInfo) error {
			var err error
			if key.IsNull() {
				values, err = t.nullValues(src)
				return err
			}
			_, leaf, err := t.findLeaf(src, ri.root, key.v)
			if err != nil {
				return err
			}
			idx, found := t.search(leaf, key.v)
			if !found {
				return nil
			}
			values, err = t.entryValues(src, leaf, idx)
			return err
		})
		if err != nil {
			return nil, errors.Wrapf(err, "cellbtree %s: get %s", t.name, key)
		}
		return values, nil
	}}
}

func (t *Tree[K]) hasNull(src pageSource) (bool, error) {
	nb, err := src.LoadForRead(t.file, t.nullBucket)
	if err != nil {
		return false, err
	}
	return btpage.NumCells(nb) > 0, nil
}

func (t *Tree[K]) nullValues(src pageSource) ([]serial.RID, error) {
	nb, err := src.LoadForRead(t.file, t.nullBucket)
	if err != nil {
		return nil, err
	}
	if btpage.NumCells(nb) == 0 {
		return nil, nil
	}
	return t.entryValues(src, nb, 0)
}

// entryValues returns the embedded values of cell idx followed by its
// overflow chain.
func (t *Tree[K]) entryValues(src pageSource, p *pager.Page, idx int) ([]serial.RID, error) {
	e := readLeafEntry(p, idx)
	if e.overflow == btpage.InvalidPage {
		return e.values, nil
	}
	values := make([]serial.RID, len(e.values), max(int(e.total), len(e.values)))
	copy(values, e.values)
	return t.overflowValues(src, e.overflow, values)
}

// edgeLeaf descends along the leftmost (or rightmost) child pointers.
func (t *Tree[K]) edgeLeaf(src pageSource, root uint64, leftmost bool) (*pager.Page, error) {
	id := root
	for {
		p, err := src.LoadForRead(t.file, id)
		if err != nil {
			return nil, err
		}
		if isLeaf(p) {
			return p, nil
		}
		if leftmost {
			id = child(p, 0)
		} else {
			id = btpage.Rightmost(p)
		}
	}
}
