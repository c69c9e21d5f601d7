package btpage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btree-query-bench/cellbtree/dbms/pager"
)

func cells(p *pager.Page, sizes []int) []string {
	out := make([]string, NumCells(p))
	for i := range out {
		out[i] = string(Cell(p, i, sizes[i]))
	}
	return out
}

func TestInitPage(t *testing.T) {
	p := new(pager.Page)
	p[100] = 0xff
	InitPage(p, TypeLeaf)

	assert.Equal(t, TypeLeaf, Type(p))
	assert.Zero(t, NumCells(p))
	assert.Equal(t, uint16(pager.BodySize), CellContent(p))
	assert.Equal(t, InvalidPage, Left(p))
	assert.Equal(t, InvalidPage, Right(p))
	assert.Equal(t, InvalidPage, Parent(p))
	assert.Equal(t, InvalidPage, Rightmost(p))
	assert.Zero(t, p[100])
	assert.Zero(t, UsedSpace(p))
}

func TestInsertCellKeepsOrder(t *testing.T) {
	p := new(pager.Page)
	InitPage(p, TypeLeaf)

	copy(InsertCell(p, 0, 3), "bbb")
	copy(InsertCell(p, 0, 1), "a")
	copy(InsertCell(p, 2, 2), "cc")
	copy(InsertCell(p, 1, 4), "xxxx")

	assert.Equal(t, []string{"a", "xxxx", "bbb", "cc"}, cells(p, []int{1, 4, 3, 2}))
	assert.Equal(t, 10+4*CellPtrSize, UsedSpace(p))
}

func TestRemoveCellCompacts(t *testing.T) {
	p := new(pager.Page)
	InitPage(p, TypeLeaf)
	copy(InsertCell(p, 0, 2), "aa")
	copy(InsertCell(p, 1, 3), "bbb")
	copy(InsertCell(p, 2, 4), "cccc")
	before := FreeSpace(p, 3)

	RemoveCell(p, 1, 3)
	require.Equal(t, 2, NumCells(p))
	assert.Equal(t, []string{"aa", "cccc"}, cells(p, []int{2, 4}))
	assert.Equal(t, before+3+CellPtrSize, FreeSpace(p, 2))
	assert.Equal(t, uint16(pager.BodySize-6), CellContent(p))

	RemoveCell(p, 0, 2)
	assert.Equal(t, []string{"cccc"}, cells(p, []int{4}))
	RemoveCell(p, 0, 4)
	assert.Zero(t, UsedSpace(p))
	assert.Equal(t, uint16(pager.BodySize), CellContent(p))
}

func TestFits(t *testing.T) {
	p := new(pager.Page)
	InitPage(p, TypeInternal)
	avail := FreeSpace(p, 0) - CellPtrSize
	assert.True(t, Fits(p, avail))
	assert.False(t, Fits(p, avail+1))

	InsertCell(p, 0, avail)
	assert.False(t, Fits(p, 0))
}

func TestLinks(t *testing.T) {
	p := new(pager.Page)
	InitPage(p, TypeInternal)
	SetLeft(p, 3)
	SetRight(p, 1<<40)
	SetParent(p, 7)
	SetRightmost(p, 9)
	assert.Equal(t, uint64(3), Left(p))
	assert.Equal(t, uint64(1<<40), Right(p))
	assert.Equal(t, uint64(7), Parent(p))
	assert.Equal(t, uint64(9), Rightmost(p))
}
