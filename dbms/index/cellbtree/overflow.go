package cellbtree

import (
	"github.com/btree-query-bench/cellbtree/dbms/index/btpage"
	"github.com/btree-query-bench/cellbtree/dbms/pager"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

// Overflow pages hold the values of one key that do not fit in its leaf
// cell. They form a singly linked chain through the right-sibling field;
// the value count is the page's cell count and values are packed right
// after the header. New values go to the head page; a page that becomes
// empty is unlinked and returned to the free list.

const overflowCapacity = (pager.BodySize - btpage.OffCellPtrs) / serial.RIDSize

func overflowSlot(i int) int { return btpage.OffCellPtrs + i*serial.RIDSize }

func overflowValue(p *pager.Page, i int) serial.RID {
	return serial.ReadRID(p[overflowSlot(i):])
}

// overflowAppend adds value to the chain starting at head and returns the
// possibly new head.
func (t *Tree[K]) overflowAppend(w *writeCtx, head uint64, value serial.RID) (uint64, error) {
	if head != btpage.InvalidPage {
		p, err := w.op.LoadForWrite(t.file, head)
		if err != nil {
			return 0, err
		}
		if n := btpage.NumCells(p); n < overflowCapacity {
			value.Put(p[overflowSlot(n):])
			btpage.SetNumCells(p, n+1)
			return head, nil
		}
	}
	id, p, err := t.allocPage(w, btpage.TypeOverflow)
	if err != nil {
		return 0, err
	}
	btpage.SetRight(p, head)
	value.Put(p[overflowSlot(0):])
	btpage.SetNumCells(p, 1)
	w.op.OnCommit(t.metrics.overflowPages.Inc)
	return id, nil
}

// overflowRemove deletes one occurrence of value from the chain and returns
// the possibly new head and whether value was found.
func (t *Tree[K]) overflowRemove(w *writeCtx, head uint64, value serial.RID) (uint64, bool, error) {
	prev := btpage.InvalidPage
	for id := head; id != btpage.InvalidPage; {
		p, err := w.op.LoadForRead(t.file, id)
		if err != nil {
			return 0, false, err
		}
		n := btpage.NumCells(p)
		pos := -1
		for i := 0; i < n; i++ {
			if overflowValue(p, i) == value {
				pos = i
				break
			}
		}
		if pos < 0 {
			prev, id = id, btpage.Right(p)
			continue
		}

		if p, err = w.op.LoadForWrite(t.file, id); err != nil {
			return 0, false, err
		}
		// Order inside a key's values is not kept: the last value fills the hole.
		copy(p[overflowSlot(pos):overflowSlot(pos+1)], p[overflowSlot(n-1):overflowSlot(n)])
		clear(p[overflowSlot(n-1):overflowSlot(n)])
		btpage.SetNumCells(p, n-1)
		if n > 1 {
			return head, true, nil
		}

		next := btpage.Right(p)
		if err := t.freePage(w, id); err != nil {
			return 0, false, err
		}
		if prev == btpage.InvalidPage {
			return next, true, nil
		}
		pp, err := w.op.LoadForWrite(t.file, prev)
		if err != nil {
			return 0, false, err
		}
		btpage.SetRight(pp, next)
		return head, true, nil
	}
	return head, false, nil
}

// overflowValues appends every value of the chain to dst.
func (t *Tree[K]) overflowValues(src pageSource, head uint64, dst []serial.RID) ([]serial.RID, error) {
	for id := head; id != btpage.InvalidPage; {
		p, err := src.LoadForRead(t.file, id)
		if err != nil {
			return dst, err
		}
		for i, n := 0, btpage.NumCells(p); i < n; i++ {
			dst = append(dst, overflowValue(p, i))
		}
		id = btpage.Right(p)
	}
	return dst, nil
}

// overflowCount returns the number of values and pages in the chain.
func (t *Tree[K]) overflowCount(src pageSource, head uint64) (values, pages int, err error) {
	for id := head; id != btpage.InvalidPage; pages++ {
		p, err := src.LoadForRead(t.file, id)
		if err != nil {
			return values, pages, err
		}
		values += btpage.NumCells(p)
		id = btpage.Right(p)
	}
	return values, pages, nil
}
