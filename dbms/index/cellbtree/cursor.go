package cellbtree

import (
	"github.com/btree-query-bench/cellbtree/dbms/atomic"
	"github.com/btree-query-bench/cellbtree/dbms/index/btpage"
	"github.com/btree-query-bench/cellbtree/dbms/pager"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

// ─── Cursor states ────────────────────────────────────────────────────────────

type cursorState int

const (
	statePositioned cursorState = iota // nothing read yet
	stateYielding                      // serving entries, refilling as needed
	stateExhausted                     // no more entries; resources released
	stateClosed
)

// ─── Value cursor ─────────────────────────────────────────────────────────────

// ValueCursor iterates over the values of one key.
type ValueCursor struct {
	load   func() ([]serial.RID, error)
	values []serial.RID
	pos    int
	state  cursorState
	cur    serial.RID
	err    error
}

func (c *ValueCursor) Next() bool {
	switch c.state {
	case statePositioned:
		c.values, c.err = c.load()
		c.load = nil
		if c.err != nil {
			c.state = stateExhausted
			return false
		}
		c.state = stateYielding
	case stateExhausted, stateClosed:
		return false
	}
	if c.pos >= len(c.values) {
		c.state = stateExhausted
		c.values = nil
		return false
	}
	c.cur = c.values[c.pos]
	c.pos++
	return true
}

func (c *ValueCursor) Value() serial.RID { return c.cur }
func (c *ValueCursor) Error() error      { return c.err }

func (c *ValueCursor) Close() error {
	c.state = stateClosed
	c.values = nil
	c.load = nil
	return nil
}

// All drains the cursor and closes it.
func (c *ValueCursor) All() ([]serial.RID, error) {
	defer c.Close()
	var out []serial.RID
	for c.Next() {
		out = append(out, c.Value())
	}
	return out, c.Error()
}

// ─── Range cursors ────────────────────────────────────────────────────────────

type bound[K any] struct {
	key       Key[K]
	inclusive bool
	open      bool
}

func openBound[K any]() bound[K] { return bound[K]{open: true} }

type cachedEntry[K any] struct {
	key    Key[K]
	values []serial.RID
}

// rangeCursor produces leaf entries between two bounds. Each refill runs in
// one view: it descends from the root to the key after the last one served,
// then follows sibling links until it has CursorPrefetch entries. Between
// refills other operations may commit and split buckets; descending again
// from the root keeps the walk correct.
type rangeCursor[K any] struct {
	t        *Tree[K]
	op       *atomic.Operation
	lo, hi   bound[K]
	asc      bool
	keysOnly bool

	state       cursorState
	nullPending bool
	treePending bool
	batch       []cachedEntry[K]
	pos         int
	last        Key[K]
	hasLast     bool
	err         error
}

func (t *Tree[K]) newRangeCursor(op *atomic.Operation, lo, hi bound[K], asc, keysOnly bool) rangeCursor[K] {
	nullLo := lo.open || (lo.key.IsNull() && lo.inclusive)
	nullHi := hi.open || !hi.key.IsNull() || hi.inclusive
	return rangeCursor[K]{
		t:           t,
		op:          op,
		lo:          lo,
		hi:          hi,
		asc:         asc,
		keysOnly:    keysOnly,
		nullPending: nullLo && nullHi,
		treePending: hi.open || !hi.key.IsNull(),
	}
}

func (c *rangeCursor[K]) next() (cachedEntry[K], bool) {
	for {
		if c.pos < len(c.batch) {
			e := c.batch[c.pos]
			c.pos++
			return e, true
		}
		if c.state == stateExhausted || c.state == stateClosed {
			return cachedEntry[K]{}, false
		}
		c.state = stateYielding
		if err := c.refill(); err != nil {
			c.err = err
			c.release(stateExhausted)
			return cachedEntry[K]{}, false
		}
		if len(c.batch) == 0 {
			c.release(stateExhausted)
			return cachedEntry[K]{}, false
		}
	}
}

func (c *rangeCursor[K]) release(s cursorState) {
	c.state = s
	c.batch = nil
	c.pos = 0
}

// refill loads the next batch, visiting the null bucket first when
// ascending and last when descending. An empty batch means the end.
func (c *rangeCursor[K]) refill() error {
	c.batch = c.batch[:0]
	c.pos = 0
	for len(c.batch) == 0 {
		switch {
		case c.asc && c.nullPending:
			c.nullPending = false
			if err := c.t.view(c.op, c.loadNull); err != nil {
				return err
			}
		case c.treePending:
			if err := c.t.view(c.op, c.scanTree); err != nil {
				return err
			}
		case c.nullPending:
			c.nullPending = false
			if err := c.t.view(c.op, c.loadNull); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

func (c *rangeCursor[K]) loadNull(src pageSource, _ rootInfo) error {
	nb, err := src.LoadForRead(c.t.file, c.t.nullBucket)
	if err != nil || btpage.NumCells(nb) == 0 {
		return err
	}
	e := cachedEntry[K]{key: Null[K]()}
	if !c.keysOnly {
		if e.values, err = c.t.entryValues(src, nb, 0); err != nil {
			return err
		}
	}
	c.batch = append(c.batch, e)
	return nil
}

// scanTree appends up to CursorPrefetch entries of the non-null key space.
func (c *rangeCursor[K]) scanTree(src pageSource, ri rootInfo) error {
	p, idx, err := c.position(src, ri)
	if err != nil {
		return err
	}
	for len(c.batch) < c.t.opts.CursorPrefetch {
		if idx < 0 || idx >= btpage.NumCells(p) {
			sib := btpage.Right(p)
			if !c.asc {
				sib = btpage.Left(p)
			}
			if sib == btpage.InvalidPage {
				c.treePending = false
				return nil
			}
			if p, err = src.LoadForRead(c.t.file, sib); err != nil {
				return err
			}
			idx = 0
			if !c.asc {
				idx = btpage.NumCells(p) - 1
			}
			continue
		}

		key := c.t.decode(leafKey(p, idx))
		if c.pastEnd(key) {
			c.treePending = false
			return nil
		}
		e := cachedEntry[K]{key: key}
		if !c.keysOnly {
			if e.values, err = c.t.entryValues(src, p, idx); err != nil {
				return err
			}
		}
		c.batch = append(c.batch, e)
		c.last, c.hasLast = key, true
		if c.asc {
			idx++
		} else {
			idx--
		}
	}
	return nil
}

// position finds the leaf and slot of the first entry to serve: just past
// the last served key, or at the start bound on the first refill.
func (c *rangeCursor[K]) position(src pageSource, ri rootInfo) (*pager.Page, int, error) {
	start := c.lo
	if !c.asc {
		start = c.hi
	}
	if c.hasLast {
		start = bound[K]{key: c.last}
	}
	// A null start bound leaves the non-null key space unbounded.
	if start.open || start.key.IsNull() {
		p, err := c.t.edgeLeaf(src, ri.root, c.asc)
		if err != nil {
			return nil, 0, err
		}
		if c.asc {
			return p, 0, nil
		}
		return p, btpage.NumCells(p) - 1, nil
	}

	_, p, err := c.t.findLeaf(src, ri.root, start.key.v)
	if err != nil {
		return nil, 0, err
	}
	idx, found := c.t.search(p, start.key.v)
	switch {
	case c.asc && found && !start.inclusive:
		idx++
	case !c.asc && !(found && start.inclusive):
		idx--
	}
	return p, idx, nil
}

func (c *rangeCursor[K]) pastEnd(key Key[K]) bool {
	end := c.hi
	if !c.asc {
		end = c.lo
	}
	if end.open || end.key.IsNull() {
		return false
	}
	cmp := c.t.ser.Compare(key.v, end.key.v)
	if !c.asc {
		cmp = -cmp
	}
	return cmp > 0 || (cmp == 0 && !end.inclusive)
}

func (c *rangeCursor[K]) close() {
	c.release(stateClosed)
}

// KeyCursor iterates over distinct keys.
type KeyCursor[K any] struct {
	rc  rangeCursor[K]
	cur Key[K]
}

func (c *KeyCursor[K]) Next() bool {
	e, ok := c.rc.next()
	if ok {
		c.cur = e.key
	}
	return ok
}

func (c *KeyCursor[K]) Key() Key[K]  { return c.cur }
func (c *KeyCursor[K]) Error() error { return c.rc.err }
func (c *KeyCursor[K]) Close() error { c.rc.close(); return nil }

// EntryCursor iterates over (key, value) pairs; a key with n values yields n
// consecutive pairs.
type EntryCursor[K any] struct {
	rc    rangeCursor[K]
	entry cachedEntry[K]
	vi    int
	val   serial.RID
}

func (c *EntryCursor[K]) Next() bool {
	for c.vi >= len(c.entry.values) {
		e, ok := c.rc.next()
		if !ok {
			c.entry = cachedEntry[K]{}
			c.vi = 0
			return false
		}
		c.entry, c.vi = e, 0
	}
	c.val = c.entry.values[c.vi]
	c.vi++
	return true
}

func (c *EntryCursor[K]) Key() Key[K]       { return c.entry.key }
func (c *EntryCursor[K]) Value() serial.RID { return c.val }
func (c *EntryCursor[K]) Error() error      { return c.rc.err }

func (c *EntryCursor[K]) Close() error {
	c.rc.close()
	c.entry = cachedEntry[K]{}
	return nil
}

// ─── Tree entry points ────────────────────────────────────────────────────────

// KeyStream returns every key once, in ascending order, the null key first.
func (t *Tree[K]) KeyStream(op *atomic.Operation) *KeyCursor[K] {
	return &KeyCursor[K]{rc: t.newRangeCursor(op, openBound[K](), openBound[K](), true, true)}
}

// IterateEntriesMajor returns the pairs with key >= from (> from when
// inclusive is false).
func (t *Tree[K]) IterateEntriesMajor(op *atomic.Operation, from Key[K], inclusive, ascending bool) *EntryCursor[K] {
	lo := bound[K]{key: from, inclusive: inclusive}
	return &EntryCursor[K]{rc: t.newRangeCursor(op, lo, openBound[K](), ascending, false)}
}

// IterateEntriesMinor returns the pairs with key <= to (< to when inclusive
// is false).
func (t *Tree[K]) IterateEntriesMinor(op *atomic.Operation, to Key[K], inclusive, ascending bool) *EntryCursor[K] {
	hi := bound[K]{key: to, inclusive: inclusive}
	return &EntryCursor[K]{rc: t.newRangeCursor(op, openBound[K](), hi, ascending, false)}
}

// IterateEntriesBetween returns the pairs with keys between from and to,
// each end inclusive or not.
func (t *Tree[K]) IterateEntriesBetween(op *atomic.Operation, from Key[K], fromInclusive bool, to Key[K], toInclusive bool, ascending bool) *EntryCursor[K] {
	lo := bound[K]{key: from, inclusive: fromInclusive}
	hi := bound[K]{key: to, inclusive: toInclusive}
	return &EntryCursor[K]{rc: t.newRangeCursor(op, lo, hi, ascending, false)}
}
