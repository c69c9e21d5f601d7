package cellbtree

import (
	"encoding/binary"

	"github.com/btree-query-bench/cellbtree/dbms/index/btpage"
	"github.com/btree-query-bench/cellbtree/dbms/pager"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

// Leaf cell:
//
//	keyLen u16 | key | total u32 | embedded u16 | overflow head u64 | embedded RIDs
//
// total counts every value of the key, the ones in the overflow chain
// included. The null bucket uses the same cell with an empty key.
//
// Internal cell:
//
//	left child u64 | keyLen u16 | key
//
// The left child holds keys below the cell's key. Keys equal to a separator
// live to its right; the child right of the last cell is the page's
// rightmost pointer.
const (
	leafFixed     = 2 + 4 + 2 + 8
	internalFixed = 8 + 2
)

type leafEntry struct {
	key      []byte
	total    uint32
	overflow uint64
	values   []serial.RID
}

func leafCellSize(keyLen, embedded int) int {
	return leafFixed + keyLen + embedded*serial.RIDSize
}

func (e *leafEntry) size() int { return leafCellSize(len(e.key), len(e.values)) }

func isLeaf(p *pager.Page) bool {
	t := btpage.Type(p)
	return t == btpage.TypeLeaf || t == btpage.TypeNullBucket
}

// ─── Leaf cells ───────────────────────────────────────────────────────────────

func leafCellLen(p *pager.Page, i int) int {
	off := int(btpage.CellPtr(p, i))
	kl := int(binary.LittleEndian.Uint16(p[off:]))
	emb := int(binary.LittleEndian.Uint16(p[off+2+kl+4:]))
	return leafCellSize(kl, emb)
}

func leafKey(p *pager.Page, i int) []byte {
	off := int(btpage.CellPtr(p, i))
	kl := int(binary.LittleEndian.Uint16(p[off:]))
	return p[off+2 : off+2+kl]
}

func leafTotal(p *pager.Page, i int) uint32 {
	off := int(btpage.CellPtr(p, i))
	kl := int(binary.LittleEndian.Uint16(p[off:]))
	return binary.LittleEndian.Uint32(p[off+2+kl:])
}

// readLeafEntry decodes cell i into memory that does not alias the page.
func readLeafEntry(p *pager.Page, i int) leafEntry {
	off := int(btpage.CellPtr(p, i))
	kl := int(binary.LittleEndian.Uint16(p[off:]))
	pos := off + 2
	e := leafEntry{key: append([]byte(nil), p[pos:pos+kl]...)}
	pos += kl
	e.total = binary.LittleEndian.Uint32(p[pos:])
	emb := int(binary.LittleEndian.Uint16(p[pos+4:]))
	e.overflow = binary.LittleEndian.Uint64(p[pos+6:])
	pos += 14
	e.values = make([]serial.RID, emb)
	for j := range e.values {
		e.values[j] = serial.ReadRID(p[pos:])
		pos += serial.RIDSize
	}
	return e
}

func encodeLeafEntry(dst []byte, e *leafEntry) {
	binary.LittleEndian.PutUint16(dst, uint16(len(e.key)))
	pos := 2 + copy(dst[2:], e.key)
	binary.LittleEndian.PutUint32(dst[pos:], e.total)
	binary.LittleEndian.PutUint16(dst[pos+4:], uint16(len(e.values)))
	binary.LittleEndian.PutUint64(dst[pos+6:], e.overflow)
	pos += 14
	for _, v := range e.values {
		v.Put(dst[pos:])
		pos += serial.RIDSize
	}
}

// insertLeafEntry reports false when the bucket has no room for e.
func insertLeafEntry(p *pager.Page, i int, e *leafEntry) bool {
	size := e.size()
	if !btpage.Fits(p, size) {
		return false
	}
	encodeLeafEntry(btpage.InsertCell(p, i, size), e)
	return true
}

func removeLeafEntry(p *pager.Page, i int) {
	btpage.RemoveCell(p, i, leafCellLen(p, i))
}

// replaceLeafEntry swaps cell i for e. On false the bucket is unchanged.
func replaceLeafEntry(p *pager.Page, i int, e *leafEntry) bool {
	oldLen := leafCellLen(p, i)
	if e.size() > oldLen && !btpage.Fits(p, e.size()-oldLen-btpage.CellPtrSize) {
		return false
	}
	btpage.RemoveCell(p, i, oldLen)
	encodeLeafEntry(btpage.InsertCell(p, i, e.size()), e)
	return true
}

// ─── Internal cells ───────────────────────────────────────────────────────────

func internalCellLen(p *pager.Page, i int) int {
	off := int(btpage.CellPtr(p, i))
	return internalFixed + int(binary.LittleEndian.Uint16(p[off+8:]))
}

func internalKey(p *pager.Page, i int) []byte {
	off := int(btpage.CellPtr(p, i))
	kl := int(binary.LittleEndian.Uint16(p[off+8:]))
	return p[off+internalFixed : off+internalFixed+kl]
}

func leftChild(p *pager.Page, i int) uint64 {
	off := int(btpage.CellPtr(p, i))
	return binary.LittleEndian.Uint64(p[off:])
}

// child returns the i-th child pointer; i == NumCells is the rightmost one.
func child(p *pager.Page, i int) uint64 {
	if i == btpage.NumCells(p) {
		return btpage.Rightmost(p)
	}
	return leftChild(p, i)
}

func setChild(p *pager.Page, i int, id uint64) {
	if i == btpage.NumCells(p) {
		btpage.SetRightmost(p, id)
		return
	}
	off := int(btpage.CellPtr(p, i))
	binary.LittleEndian.PutUint64(p[off:], id)
}

func insertSeparator(p *pager.Page, i int, key []byte, left uint64) bool {
	size := internalFixed + len(key)
	if !btpage.Fits(p, size) {
		return false
	}
	dst := btpage.InsertCell(p, i, size)
	binary.LittleEndian.PutUint64(dst, left)
	binary.LittleEndian.PutUint16(dst[8:], uint16(len(key)))
	copy(dst[internalFixed:], key)
	return true
}

// ─── Generic cell access ──────────────────────────────────────────────────────

func cellKey(p *pager.Page, i int) []byte {
	if isLeaf(p) {
		return leafKey(p, i)
	}
	return internalKey(p, i)
}

func cellLen(p *pager.Page, i int) int {
	if isLeaf(p) {
		return leafCellLen(p, i)
	}
	return internalCellLen(p, i)
}

// moveTail moves cells [from, n) of src to the end of dst, keeping their
// order, and compacts src.
func moveTail(src, dst *pager.Page, from int) {
	n := btpage.NumCells(src)
	for i := from; i < n; i++ {
		size := cellLen(src, i)
		copy(btpage.InsertCell(dst, btpage.NumCells(dst), size), btpage.Cell(src, i, size))
	}
	for i := n - 1; i >= from; i-- {
		btpage.RemoveCell(src, i, cellLen(src, i))
	}
}

// reset reformats p as an empty page of its type, keeping its links.
func reset(p *pager.Page) {
	pt := btpage.Type(p)
	left, right, parent := btpage.Left(p), btpage.Right(p), btpage.Parent(p)
	btpage.InitPage(p, pt)
	btpage.SetLeft(p, left)
	btpage.SetRight(p, right)
	btpage.SetParent(p, parent)
}
