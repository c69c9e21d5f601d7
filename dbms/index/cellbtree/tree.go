// Package cellbtree implements a disk-resident B+ tree that maps each key to
// a multiset of record ids.
//
// A tree lives in its own page file managed by an atomic.Manager. Every
// mutation runs inside an atomic operation, so a split touching several
// buckets is either committed as a whole or rolled back as a whole. Leaf
// cells embed up to EmbeddedValues record ids; further values of the same key
// spill into a chain of overflow pages. The null key is kept apart in a
// dedicated bucket and sorts before every other key.
//
// Readers that pass a nil operation see committed state. Buckets are never
// merged: removal may leave them under-full or empty.
package cellbtree

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/cellbtree/dbms/atomic"
	"github.com/btree-query-bench/cellbtree/dbms/index/btpage"
	"github.com/btree-query-bench/cellbtree/dbms/pager"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

// maxSplitRounds bounds the split-and-retry loop of a single put. Two cells
// of maximum size always fit in one bucket, so a handful of rounds suffices.
const maxSplitRounds = 16

// pageSource is satisfied by *atomic.Operation (its own view) and by
// *atomic.Manager (committed state).
type pageSource interface {
	LoadForRead(fileID uint32, page uint64) (*pager.Page, error)
}

type rootInfo struct {
	root   uint64
	height uint32
}

// Tree is an open cell B-tree. It is safe for concurrent use.
type Tree[K any] struct {
	mgr     *atomic.Manager
	file    uint32
	name    string
	ser     serial.KeySerializer[K]
	opts    Options
	log     *slog.Logger
	metrics *metrics

	nullBucket uint64

	// rootMu guards the cached root info. It is rewritten only by commit
	// hooks, which run while the manager excludes readers.
	rootMu sync.RWMutex
	root   rootInfo
}

// Create adds a new tree file called name and formats it: the entry point,
// the null bucket and an empty root leaf.
func Create[K any](mgr *atomic.Manager, op *atomic.Operation, name string, ser serial.KeySerializer[K], opts Options) (*Tree[K], error) {
	t, err := newTree(mgr, name, ser, opts)
	if err != nil {
		return nil, err
	}
	err = mgr.Execute(op, func(op *atomic.Operation) error {
		fid, err := op.AddFile(name)
		if err != nil {
			return err
		}
		t.file = fid

		pages := make([]*pager.Page, 0, 3)
		for want := entryPointPage; want <= initialRootPage; want++ {
			id, pg, err := op.AddPage(fid)
			if err != nil {
				return err
			}
			if id != want {
				return errors.AssertionFailedf("cellbtree: new file %s allocated page %d, expected %d", name, id, want)
			}
			pages = append(pages, pg)
		}
		ep := entryPoint{
			serializer: ser.ID(),
			root:       initialRootPage,
			height:     1,
			freeHead:   btpage.InvalidPage,
			nullBucket: nullBucketPage,
		}
		ep.write(pages[0])
		btpage.InitPage(pages[1], btpage.TypeNullBucket)
		btpage.InitPage(pages[2], btpage.TypeLeaf)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cellbtree: create %s", name)
	}
	t.root = rootInfo{root: initialRootPage, height: 1}
	t.nullBucket = nullBucketPage
	t.log.Debug("created tree", "file", t.file)
	return t, nil
}

// Open opens an existing tree file. ser must match the serializer the tree
// was created with.
func Open[K any](mgr *atomic.Manager, name string, ser serial.KeySerializer[K], opts Options) (*Tree[K], error) {
	t, err := newTree(mgr, name, ser, opts)
	if err != nil {
		return nil, err
	}
	if t.file, err = mgr.FileID(name); err != nil {
		return nil, errors.Wrapf(err, "cellbtree: open %s", name)
	}
	pg, err := mgr.LoadForRead(t.file, entryPointPage)
	if err != nil {
		return nil, errors.Wrapf(err, "cellbtree: open %s", name)
	}
	ep, err := readEntryPoint(pg)
	if err != nil {
		return nil, errors.Wrapf(err, "cellbtree: open %s", name)
	}
	if ep.serializer != ser.ID() {
		return nil, errors.Wrapf(ErrSerializerMismatch, "cellbtree: open %s: stored %d, given %d", name, ep.serializer, ser.ID())
	}
	t.root = rootInfo{root: ep.root, height: ep.height}
	t.nullBucket = ep.nullBucket
	t.log.Debug("opened tree", "root", ep.root, "height", ep.height, "values", ep.size)
	return t, nil
}

func newTree[K any](mgr *atomic.Manager, name string, ser serial.KeySerializer[K], opts Options) (*Tree[K], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	met, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	return &Tree[K]{
		mgr:     mgr,
		name:    name,
		ser:     ser,
		opts:    opts,
		log:     opts.Logger.With("component", "cellbtree", "tree", name),
		metrics: met,
	}, nil
}

// Delete removes the tree's file. It fails with ErrNotEmpty while the tree
// holds any value, the null key's included. Once the operation commits the
// Tree must not be used again; a rollback leaves it intact.
func (t *Tree[K]) Delete(op *atomic.Operation) error {
	err := t.mgr.Execute(op, func(op *atomic.Operation) error {
		w, err := t.beginWrite(op)
		if err != nil {
			return err
		}
		if w.ep.size > 0 {
			return errors.Wrapf(ErrNotEmpty, "%d values", w.ep.size)
		}
		if err := op.DeleteFile(t.file); err != nil {
			return err
		}
		op.OnCommit(func() { t.log.Debug("deleted tree", "file", t.file) })
		return nil
	})
	return errors.Wrapf(err, "cellbtree %s: delete", t.name)
}

// Name returns the tree's file name.
func (t *Tree[K]) Name() string { return t.name }

// FileID returns the id of the tree's page file within its manager.
func (t *Tree[K]) FileID() uint32 { return t.file }

// ─── Put ──────────────────────────────────────────────────────────────────────

// Put adds value to the values of key. Adding a pair that is already present
// stores a second occurrence. A nil op runs Put in its own atomic operation.
func (t *Tree[K]) Put(op *atomic.Operation, key Key[K], value serial.RID) error {
	raw, err := t.encode(key)
	if err != nil {
		return err
	}
	err = t.mgr.Execute(op, func(op *atomic.Operation) error {
		w, err := t.beginWrite(op)
		if err != nil {
			return err
		}
		if key.IsNull() {
			err = t.putNull(w, value)
		} else {
			err = t.put(w, key.v, raw, value)
		}
		if err != nil {
			return err
		}
		w.ep.size++
		op.OnCommit(t.metrics.puts.Inc)
		return w.save()
	})
	if err != nil {
		return errors.Wrapf(err, "cellbtree %s: put %s", t.name, key)
	}
	return nil
}

func (t *Tree[K]) put(w *writeCtx, key K, raw []byte, value serial.RID) error {
	for round := 0; round < maxSplitRounds; round++ {
		path, leafID, err := t.findForUpdate(w.op, w.ep.root, key)
		if err != nil {
			return err
		}
		leaf, err := w.op.LoadForWrite(t.file, leafID)
		if err != nil {
			return err
		}

		idx, found := t.search(leaf, key)
		var ok bool
		if found {
			ok, err = t.addValue(w, leaf, idx, value)
			if err != nil {
				return err
			}
		} else {
			ok = insertLeafEntry(leaf, idx, &leafEntry{
				key:      raw,
				total:    1,
				overflow: btpage.InvalidPage,
				values:   []serial.RID{value},
			})
		}
		if ok {
			return nil
		}
		if err := t.splitBucket(w, path, leafID); err != nil {
			return err
		}
	}
	return errors.AssertionFailedf("cellbtree %s: no room for key after %d splits", t.name, maxSplitRounds)
}

func (t *Tree[K]) putNull(w *writeCtx, value serial.RID) error {
	nb, err := w.op.LoadForWrite(t.file, w.ep.nullBucket)
	if err != nil {
		return err
	}
	if btpage.NumCells(nb) == 0 {
		if !insertLeafEntry(nb, 0, &leafEntry{total: 1, overflow: btpage.InvalidPage, values: []serial.RID{value}}) {
			return errors.AssertionFailedf("cellbtree %s: empty null bucket cannot hold one value", t.name)
		}
		return nil
	}
	ok, err := t.addValue(w, nb, 0, value)
	if err != nil {
		return err
	}
	if !ok {
		return errors.AssertionFailedf("cellbtree %s: null bucket overflowed", t.name)
	}
	return nil
}

// addValue appends value to the entry at idx. It reports false, leaving the
// bucket untouched, when the grown cell does not fit and the bucket must be
// split first.
func (t *Tree[K]) addValue(w *writeCtx, p *pager.Page, idx int, value serial.RID) (bool, error) {
	e := readLeafEntry(p, idx)
	if len(e.values) < t.opts.EmbeddedValues {
		e.values = append(e.values, value)
		e.total++
		return replaceLeafEntry(p, idx, &e), nil
	}
	head, err := t.overflowAppend(w, e.overflow, value)
	if err != nil {
		return false, err
	}
	e.overflow = head
	e.total++
	if !replaceLeafEntry(p, idx, &e) {
		return false, errors.AssertionFailedf("cellbtree %s: same-size cell rewrite failed", t.name)
	}
	return true, nil
}

// ─── Remove ───────────────────────────────────────────────────────────────────

// Remove deletes one occurrence of value from key. It reports false, which
// is not an error, when the pair is absent. The key itself goes away with
// its last value.
func (t *Tree[K]) Remove(op *atomic.Operation, key Key[K], value serial.RID) (bool, error) {
	if _, err := t.encode(key); err != nil {
		return false, err
	}
	var removed bool
	err := t.mgr.Execute(op, func(op *atomic.Operation) error {
		w, err := t.beginWrite(op)
		if err != nil {
			return err
		}
		var pageID uint64
		idx := 0
		if key.IsNull() {
			pageID = w.ep.nullBucket
			nb, err := op.LoadForRead(t.file, pageID)
			if err != nil {
				return err
			}
			if btpage.NumCells(nb) == 0 {
				return nil
			}
		} else {
			leafID, leaf, err := t.findLeaf(op, w.ep.root, key.v)
			if err != nil {
				return err
			}
			var found bool
			if idx, found = t.search(leaf, key.v); !found {
				return nil
			}
			pageID = leafID
		}

		p, err := op.LoadForWrite(t.file, pageID)
		if err != nil {
			return err
		}
		if removed, err = t.removeValue(w, p, idx, value); err != nil || !removed {
			return err
		}
		w.ep.size--
		op.OnCommit(t.metrics.removes.Inc)
		return w.save()
	})
	if err != nil {
		return false, errors.Wrapf(err, "cellbtree %s: remove %s", t.name, key)
	}
	return removed, nil
}

func (t *Tree[K]) removeValue(w *writeCtx, p *pager.Page, idx int, value serial.RID) (bool, error) {
	e := readLeafEntry(p, idx)
	if pos := slices.Index(e.values, value); pos >= 0 {
		e.values = slices.Delete(e.values, pos, pos+1)
	} else if e.overflow != btpage.InvalidPage {
		head, ok, err := t.overflowRemove(w, e.overflow, value)
		if err != nil || !ok {
			return false, err
		}
		e.overflow = head
	} else {
		return false, nil
	}

	e.total--
	if e.total == 0 {
		removeLeafEntry(p, idx)
		return true, nil
	}
	if !replaceLeafEntry(p, idx, &e) {
		return false, errors.AssertionFailedf("cellbtree %s: shrinking cell rewrite failed", t.name)
	}
	return true, nil
}

// ─── Navigation ───────────────────────────────────────────────────────────────

type pathItem struct {
	page  uint64
	index int // child slot followed; NumCells means the rightmost pointer
}

// search returns the position of the first cell whose key is >= key and
// whether that cell holds key exactly.
func (t *Tree[K]) search(p *pager.Page, key K) (int, bool) {
	n := btpage.NumCells(p)
	lo, hi := 0, n
	for lo < hi {
		m := (lo + hi) / 2
		k, _ := t.ser.Deserialize(cellKey(p, m))
		if t.ser.Compare(k, key) < 0 {
			lo = m + 1
		} else {
			hi = m
		}
	}
	if lo < n {
		k, _ := t.ser.Deserialize(cellKey(p, lo))
		return lo, t.ser.Compare(k, key) == 0
	}
	return lo, false
}

// childSlot picks the child of an internal bucket that covers key.
func (t *Tree[K]) childSlot(p *pager.Page, key K) int {
	idx, found := t.search(p, key)
	if found {
		idx++
	}
	return idx
}

func (t *Tree[K]) findLeaf(src pageSource, root uint64, key K) (uint64, *pager.Page, error) {
	id := root
	for {
		p, err := src.LoadForRead(t.file, id)
		if err != nil {
			return 0, nil, err
		}
		if isLeaf(p) {
			return id, p, nil
		}
		id = child(p, t.childSlot(p, key))
	}
}

// findForUpdate descends to the leaf for key and records the internal
// buckets passed on the way, root first.
func (t *Tree[K]) findForUpdate(op *atomic.Operation, root uint64, key K) ([]pathItem, uint64, error) {
	var path []pathItem
	id := root
	for {
		p, err := op.LoadForRead(t.file, id)
		if err != nil {
			return nil, 0, err
		}
		if isLeaf(p) {
			return path, id, nil
		}
		slot := t.childSlot(p, key)
		path = append(path, pathItem{page: id, index: slot})
		id = child(p, slot)
	}
}

// ─── Write context ────────────────────────────────────────────────────────────

// writeCtx carries the entry point through one mutation.
type writeCtx struct {
	op   *atomic.Operation
	file uint32
	ep   entryPoint
}

func (t *Tree[K]) beginWrite(op *atomic.Operation) (*writeCtx, error) {
	pg, err := op.LoadForRead(t.file, entryPointPage)
	if err != nil {
		return nil, err
	}
	ep, err := readEntryPoint(pg)
	if err != nil {
		return nil, err
	}
	return &writeCtx{op: op, file: t.file, ep: ep}, nil
}

func (w *writeCtx) save() error {
	pg, err := w.op.LoadForWrite(w.file, entryPointPage)
	if err != nil {
		return err
	}
	w.ep.write(pg)
	return nil
}

// ─── Keys ─────────────────────────────────────────────────────────────────────

// encode serializes a non-null key and enforces MaxKeySize.
func (t *Tree[K]) encode(key Key[K]) ([]byte, error) {
	if key.IsNull() {
		return nil, nil
	}
	size := t.ser.Size(key.v)
	if size > t.opts.MaxKeySize {
		return nil, errors.Wrapf(ErrKeyTooBig, "cellbtree %s: key is %d bytes, limit %d", t.name, size, t.opts.MaxKeySize)
	}
	buf := make([]byte, size)
	return buf[:t.ser.Serialize(key.v, buf)], nil
}

func (t *Tree[K]) decode(raw []byte) Key[K] {
	k, _ := t.ser.Deserialize(raw)
	return Of(k)
}

// ─── Root info ────────────────────────────────────────────────────────────────

func (t *Tree[K]) cachedRoot() rootInfo {
	t.rootMu.RLock()
	defer t.rootMu.RUnlock()
	return t.root
}

func (t *Tree[K]) publishRoot(ri rootInfo) {
	t.rootMu.Lock()
	t.root = ri
	t.rootMu.Unlock()
}

// rootFor returns the root as seen by op, or the committed root for nil.
func (t *Tree[K]) rootFor(op *atomic.Operation) (rootInfo, error) {
	if op == nil {
		return t.cachedRoot(), nil
	}
	pg, err := op.LoadForRead(t.file, entryPointPage)
	if err != nil {
		return rootInfo{}, err
	}
	ep, err := readEntryPoint(pg)
	if err != nil {
		return rootInfo{}, err
	}
	return rootInfo{root: ep.root, height: ep.height}, nil
}
