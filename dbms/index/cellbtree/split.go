package cellbtree

import (
	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/cellbtree/dbms/index/btpage"
	"github.com/btree-query-bench/cellbtree/dbms/pager"
)

// splitBucket splits the leaf id at its median and pushes the separator up
// the recorded path. Parents that overflow are split in turn; a split of
// the root grows the tree by one level. Everything happens inside w.op.
func (t *Tree[K]) splitBucket(w *writeCtx, path []pathItem, id uint64) error {
	leaf, err := w.op.LoadForWrite(t.file, id)
	if err != nil {
		return err
	}
	sep, rightID, err := t.splitLeaf(w, id, leaf)
	if err != nil {
		return err
	}
	w.op.OnCommit(t.metrics.splits.WithLabelValues("leaf").Inc)

	for level := len(path) - 1; level >= 0; level-- {
		item := path[level]
		parent, err := w.op.LoadForWrite(t.file, item.page)
		if err != nil {
			return err
		}
		// The slot that pointed at id keeps it as the left half; the new
		// separator's right neighbour slot now points at the right half.
		if insertSeparator(parent, item.index, sep, id) {
			setChild(parent, item.index+1, rightID)
			return nil
		}
		sep, rightID, err = t.splitInternal(w, item.page, parent, item.index, sep, id, rightID)
		if err != nil {
			return err
		}
		id = item.page
		w.op.OnCommit(t.metrics.splits.WithLabelValues("internal").Inc)
	}
	return t.growRoot(w, sep, id, rightID)
}

// splitLeaf moves the upper half of a leaf into a new right sibling and
// returns a copy of the first key of that sibling as separator.
func (t *Tree[K]) splitLeaf(w *writeCtx, id uint64, leaf *pager.Page) ([]byte, uint64, error) {
	n := btpage.NumCells(leaf)
	if n < 2 {
		return nil, 0, errors.AssertionFailedf("cellbtree %s: split of leaf %d with %d entries", t.name, id, n)
	}
	rightID, right, err := t.allocPage(w, btpage.TypeLeaf)
	if err != nil {
		return nil, 0, err
	}
	moveTail(leaf, right, n>>1)
	if err := t.link(w, id, leaf, rightID, right); err != nil {
		return nil, 0, err
	}
	return append([]byte(nil), leafKey(right, 0)...), rightID, nil
}

type internalCell struct {
	key  []byte
	left uint64
}

// splitInternal splits a full internal bucket while adding the separator sep
// at slot idx, whose children are left and right. The median separator is
// pushed up rather than kept.
func (t *Tree[K]) splitInternal(w *writeCtx, id uint64, p *pager.Page, idx int, sep []byte, left, right uint64) ([]byte, uint64, error) {
	n := btpage.NumCells(p)
	cells := make([]internalCell, 0, n+1)
	for i := 0; i < n; i++ {
		cells = append(cells, internalCell{key: append([]byte(nil), internalKey(p, i)...), left: leftChild(p, i)})
	}
	rightmost := btpage.Rightmost(p)

	cells = append(cells, internalCell{})
	copy(cells[idx+1:], cells[idx:])
	cells[idx] = internalCell{key: sep, left: left}
	if idx+1 < len(cells) {
		cells[idx+1].left = right
	} else {
		rightmost = right
	}

	mid := len(cells) >> 1
	if mid == 0 || mid == len(cells)-1 {
		return nil, 0, errors.AssertionFailedf("cellbtree %s: split of internal %d with %d separators", t.name, id, n)
	}
	up := cells[mid]

	reset(p)
	for i, c := range cells[:mid] {
		if !insertSeparator(p, i, c.key, c.left) {
			return nil, 0, errors.AssertionFailedf("cellbtree %s: left half of internal %d does not fit", t.name, id)
		}
	}
	btpage.SetRightmost(p, up.left)

	newID, newPage, err := t.allocPage(w, btpage.TypeInternal)
	if err != nil {
		return nil, 0, err
	}
	for i, c := range cells[mid+1:] {
		if !insertSeparator(newPage, i, c.key, c.left) {
			return nil, 0, errors.AssertionFailedf("cellbtree %s: right half of internal %d does not fit", t.name, id)
		}
	}
	btpage.SetRightmost(newPage, rightmost)
	if err := t.link(w, id, p, newID, newPage); err != nil {
		return nil, 0, err
	}

	for i := 0; i <= btpage.NumCells(newPage); i++ {
		c, err := w.op.LoadForWrite(t.file, child(newPage, i))
		if err != nil {
			return nil, 0, err
		}
		btpage.SetParent(c, newID)
	}
	return up.key, newID, nil
}

// link inserts the freshly split-off page right after id in its level's
// sibling chain and gives it id's parent.
func (t *Tree[K]) link(w *writeCtx, id uint64, p *pager.Page, rightID uint64, right *pager.Page) error {
	next := btpage.Right(p)
	btpage.SetLeft(right, id)
	btpage.SetRight(right, next)
	btpage.SetParent(right, btpage.Parent(p))
	btpage.SetRight(p, rightID)
	if next == btpage.InvalidPage {
		return nil
	}
	np, err := w.op.LoadForWrite(t.file, next)
	if err != nil {
		return err
	}
	btpage.SetLeft(np, rightID)
	return nil
}

// growRoot puts a new root above the two halves of the old one.
func (t *Tree[K]) growRoot(w *writeCtx, sep []byte, left, right uint64) error {
	rootID, root, err := t.allocPage(w, btpage.TypeInternal)
	if err != nil {
		return err
	}
	if !insertSeparator(root, 0, sep, left) {
		return errors.AssertionFailedf("cellbtree %s: separator does not fit in a new root", t.name)
	}
	btpage.SetRightmost(root, right)
	for _, c := range []uint64{left, right} {
		cp, err := w.op.LoadForWrite(t.file, c)
		if err != nil {
			return err
		}
		btpage.SetParent(cp, rootID)
	}

	w.ep.root = rootID
	w.ep.height++
	ri := rootInfo{root: rootID, height: w.ep.height}
	w.op.OnCommit(func() { t.publishRoot(ri) })
	w.op.OnCommit(t.metrics.splits.WithLabelValues("root").Inc)
	t.log.Debug("root split", "root", rootID, "height", ri.height)
	return nil
}

// ─── Page allocation ──────────────────────────────────────────────────────────

// allocPage takes a page from the free list, or appends one to the file, and
// formats it as pt.
func (t *Tree[K]) allocPage(w *writeCtx, pt byte) (uint64, *pager.Page, error) {
	if head := w.ep.freeHead; head != btpage.InvalidPage {
		p, err := w.op.LoadForWrite(t.file, head)
		if err != nil {
			return 0, nil, err
		}
		if btpage.Type(p) != btpage.TypeFree {
			return 0, nil, errors.AssertionFailedf("cellbtree %s: free list page %d has type %d", t.name, head, btpage.Type(p))
		}
		w.ep.freeHead = btpage.Right(p)
		btpage.InitPage(p, pt)
		return head, p, nil
	}
	id, p, err := w.op.AddPage(t.file)
	if err != nil {
		return 0, nil, err
	}
	btpage.InitPage(p, pt)
	return id, p, nil
}

func (t *Tree[K]) freePage(w *writeCtx, id uint64) error {
	p, err := w.op.LoadForWrite(t.file, id)
	if err != nil {
		return err
	}
	btpage.InitPage(p, btpage.TypeFree)
	btpage.SetRight(p, w.ep.freeHead)
	w.ep.freeHead = id
	return nil
}
