package index

import (
	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/cellbtree/dbms/atomic"
	"github.com/btree-query-bench/cellbtree/dbms/index/cellbtree"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

// CellTreeName is the file name of the tree opened by OpenCell.
const CellTreeName = "index"

// Cell is a MultiIndex backed by a cell B-tree in its own atomic store.
type Cell struct {
	mgr  *atomic.Manager
	tree *cellbtree.Tree[string]
}

// OpenCell opens the store in dir, creating the tree on first use.
func OpenCell(dir string, mopts atomic.Options, topts cellbtree.Options) (*Cell, error) {
	mgr, err := atomic.Open(dir, mopts)
	if err != nil {
		return nil, err
	}
	tree, err := cellbtree.Open(mgr, CellTreeName, serial.String{}, topts)
	if errors.Is(err, atomic.ErrUnknownFile) {
		tree, err = cellbtree.Create(mgr, nil, CellTreeName, serial.String{}, topts)
	}
	if err != nil {
		return nil, errors.CombineErrors(err, mgr.Close())
	}
	return &Cell{mgr: mgr, tree: tree}, nil
}

func (c *Cell) Manager() *atomic.Manager      { return c.mgr }
func (c *Cell) Tree() *cellbtree.Tree[string] { return c.tree }

func (c *Cell) Put(key string, value serial.RID) error {
	return c.tree.Put(nil, cellbtree.Of(key), value)
}

func (c *Cell) Get(key string) ([]serial.RID, error) {
	return c.tree.Get(nil, cellbtree.Of(key)).All()
}

func (c *Cell) Remove(key string, value serial.RID) (bool, error) {
	return c.tree.Remove(nil, cellbtree.Of(key), value)
}

// Range never includes the null key, which the string multimap cannot address.
func (c *Cell) Range(r Range) (Iterator, error) {
	asc := !r.Descending
	var cur *cellbtree.EntryCursor[string]
	switch {
	case r.HasFrom && r.HasTo:
		cur = c.tree.IterateEntriesBetween(nil, cellbtree.Of(r.From), r.FromInclusive, cellbtree.Of(r.To), r.ToInclusive, asc)
	case r.HasFrom:
		cur = c.tree.IterateEntriesMajor(nil, cellbtree.Of(r.From), r.FromInclusive, asc)
	case r.HasTo:
		cur = c.tree.IterateEntriesBetween(nil, cellbtree.Null[string](), false, cellbtree.Of(r.To), r.ToInclusive, asc)
	default:
		cur = c.tree.IterateEntriesMajor(nil, cellbtree.Null[string](), false, asc)
	}
	return &cellIterator{cur: cur}, nil
}

func (c *Cell) Close() error { return c.mgr.Close() }

type cellIterator struct {
	cur *cellbtree.EntryCursor[string]
}

func (it *cellIterator) Next() bool        { return it.cur.Next() }
func (it *cellIterator) Key() string       { return it.cur.Key().Value() }
func (it *cellIterator) Value() serial.RID { return it.cur.Value() }
func (it *cellIterator) Error() error      { return it.cur.Error() }
func (it *cellIterator) Close() error      { return it.cur.Close() }
