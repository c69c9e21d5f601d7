// Package btpage provides the slotted on-disk page layout shared by the
// buckets, the null bucket and the overflow value pages of the cell B-tree.
//
// Page layout:
//
//	[0]      1 byte   page type (TypeInternal / TypeLeaf / ...)
//	[1-2]    2 bytes  numCells
//	[3-4]    2 bytes  cellContentStart (top of cell area, grows upward from bottom)
//	[5-12]   8 bytes  left sibling page ID (InvalidPage if none)
//	[13-20]  8 bytes  right sibling page ID (InvalidPage if none)
//	[21-28]  8 bytes  parent page ID (InvalidPage for the root)
//	[29-36]  8 bytes  rightmost child page ID (internal pages only)
//	[37+]    cell pointer array, one uint16 offset per cell, grows downward
//	         ...free space...
//	         cell content area, grows upward from the checksum trailer
//
// The content area is kept compact: removing or resizing a cell shifts the
// cells below it so the free space is always one contiguous run.
package btpage

import (
	"encoding/binary"

	"github.com/btree-query-bench/cellbtree/dbms/pager"
)

const (
	TypeFree       = byte(0)
	TypeLeaf       = byte(1)
	TypeInternal   = byte(2)
	TypeNullBucket = byte(3)
	TypeOverflow   = byte(4)
	TypeEntryPoint = byte(5)

	OffType        = 0
	OffNumCells    = 1
	OffCellContent = 3
	OffLeft        = 5
	OffRight       = 13
	OffParent      = 21
	OffRightmost   = 29
	OffCellPtrs    = 37

	CellPtrSize = 2

	InvalidPage = pager.InvalidPage
)

// InitPage clears p and formats it as an empty page of type pt.
func InitPage(p *pager.Page, pt byte) {
	for i := range p {
		p[i] = 0
	}
	p[OffType] = pt
	SetNumCells(p, 0)
	SetCellContent(p, uint16(pager.BodySize))
	SetLeft(p, InvalidPage)
	SetRight(p, InvalidPage)
	SetParent(p, InvalidPage)
	SetRightmost(p, InvalidPage)
}

func Type(p *pager.Page) byte { return p[OffType] }

func NumCells(p *pager.Page) int {
	return int(binary.LittleEndian.Uint16(p[OffNumCells : OffNumCells+2]))
}

func SetNumCells(p *pager.Page, n int) {
	binary.LittleEndian.PutUint16(p[OffNumCells:OffNumCells+2], uint16(n))
}

func CellContent(p *pager.Page) uint16 {
	return binary.LittleEndian.Uint16(p[OffCellContent : OffCellContent+2])
}

func SetCellContent(p *pager.Page, v uint16) {
	binary.LittleEndian.PutUint16(p[OffCellContent:OffCellContent+2], v)
}

func Left(p *pager.Page) uint64          { return getID(p, OffLeft) }
func SetLeft(p *pager.Page, id uint64)   { putID(p, OffLeft, id) }
func Right(p *pager.Page) uint64         { return getID(p, OffRight) }
func SetRight(p *pager.Page, id uint64)  { putID(p, OffRight, id) }
func Parent(p *pager.Page) uint64        { return getID(p, OffParent) }
func SetParent(p *pager.Page, id uint64) { putID(p, OffParent, id) }

func Rightmost(p *pager.Page) uint64        { return getID(p, OffRightmost) }
func SetRightmost(p *pager.Page, id uint64) { putID(p, OffRightmost, id) }

func getID(p *pager.Page, off int) uint64 {
	return binary.LittleEndian.Uint64(p[off : off+8])
}

func putID(p *pager.Page, off int, id uint64) {
	binary.LittleEndian.PutUint64(p[off:off+8], id)
}

func CellPtr(p *pager.Page, i int) uint16 {
	o := OffCellPtrs + i*CellPtrSize
	return binary.LittleEndian.Uint16(p[o : o+2])
}

func SetCellPtr(p *pager.Page, i int, off uint16) {
	o := OffCellPtrs + i*CellPtrSize
	binary.LittleEndian.PutUint16(p[o:o+2], off)
}

// FreeSpace returns the bytes available for new cells and their pointers,
// given the page currently holds n cells.
func FreeSpace(p *pager.Page, n int) int {
	return int(CellContent(p)) - (OffCellPtrs + n*CellPtrSize)
}

// Fits reports whether a cell of size bytes plus its pointer can be added.
func Fits(p *pager.Page, size int) bool {
	return FreeSpace(p, NumCells(p)) >= size+CellPtrSize
}

// UsedSpace returns the bytes taken by cells and cell pointers.
func UsedSpace(p *pager.Page) int {
	return pager.BodySize - int(CellContent(p)) + NumCells(p)*CellPtrSize
}

func AllocCell(p *pager.Page, size int) int {
	top := int(CellContent(p)) - size
	SetCellContent(p, uint16(top))
	return top
}

// Cell returns the bytes of cell i. The slice aliases the page.
func Cell(p *pager.Page, i int, size int) []byte {
	off := int(CellPtr(p, i))
	return p[off : off+size]
}

// InsertCell allocates a cell of size bytes whose pointer lands at index i,
// shifting later pointers right, and returns the cell's bytes. The caller
// must have checked Fits.
func InsertCell(p *pager.Page, i int, size int) []byte {
	n := NumCells(p)
	off := AllocCell(p, size)
	for j := n; j > i; j-- {
		SetCellPtr(p, j, CellPtr(p, j-1))
	}
	SetCellPtr(p, i, uint16(off))
	SetNumCells(p, n+1)
	return p[off : off+size]
}

// RemoveCell drops cell i, which occupies size bytes, and compacts the
// content area so no gap remains.
func RemoveCell(p *pager.Page, i int, size int) {
	n := NumCells(p)
	off := int(CellPtr(p, i))
	top := int(CellContent(p))

	// Cells stored below the removed one move up by size bytes.
	copy(p[top+size:off+size], p[top:off])
	for j := 0; j < n; j++ {
		if ptr := int(CellPtr(p, j)); ptr < off {
			SetCellPtr(p, j, uint16(ptr+size))
		}
	}
	for j := i; j < n-1; j++ {
		SetCellPtr(p, j, CellPtr(p, j+1))
	}
	SetCellContent(p, uint16(top+size))
	SetNumCells(p, n-1)
	clear(p[top:top+size])
}
