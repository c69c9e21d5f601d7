package cellbtree

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/cellbtree/dbms/index/btpage"
	"github.com/btree-query-bench/cellbtree/dbms/pager"
)

// Fixed pages of a tree file. Page 0 belongs to the pager.
const (
	entryPointPage  = uint64(1)
	nullBucketPage  = uint64(2)
	initialRootPage = uint64(3)
)

const (
	magic         = uint32(0x4342544d) // "CBTM"
	formatVersion = byte(1)
)

// Entry point layout, after the page type byte:
//
//	[1-4]    magic
//	[5]      format version
//	[6]      key serializer id
//	[7-14]   root page
//	[15-18]  height (1 = the root is a leaf)
//	[19-26]  number of stored values, null key included
//	[27-34]  head of the free page list
//	[35-42]  null bucket page
const (
	epOffMagic      = 1
	epOffVersion    = 5
	epOffSerializer = 6
	epOffRoot       = 7
	epOffHeight     = 15
	epOffSize       = 19
	epOffFreeHead   = 27
	epOffNullBucket = 35
)

type entryPoint struct {
	serializer byte
	root       uint64
	height     uint32
	size       uint64
	freeHead   uint64
	nullBucket uint64
}

func readEntryPoint(p *pager.Page) (entryPoint, error) {
	if btpage.Type(p) != btpage.TypeEntryPoint || binary.LittleEndian.Uint32(p[epOffMagic:]) != magic {
		return entryPoint{}, ErrNotATree
	}
	if v := p[epOffVersion]; v != formatVersion {
		return entryPoint{}, errors.Wrapf(ErrNotATree, "unsupported format version %d", v)
	}
	return entryPoint{
		serializer: p[epOffSerializer],
		root:       binary.LittleEndian.Uint64(p[epOffRoot:]),
		height:     binary.LittleEndian.Uint32(p[epOffHeight:]),
		size:       binary.LittleEndian.Uint64(p[epOffSize:]),
		freeHead:   binary.LittleEndian.Uint64(p[epOffFreeHead:]),
		nullBucket: binary.LittleEndian.Uint64(p[epOffNullBucket:]),
	}, nil
}

func (e entryPoint) write(p *pager.Page) {
	p[btpage.OffType] = btpage.TypeEntryPoint
	binary.LittleEndian.PutUint32(p[epOffMagic:], magic)
	p[epOffVersion] = formatVersion
	p[epOffSerializer] = e.serializer
	binary.LittleEndian.PutUint64(p[epOffRoot:], e.root)
	binary.LittleEndian.PutUint32(p[epOffHeight:], e.height)
	binary.LittleEndian.PutUint64(p[epOffSize:], e.size)
	binary.LittleEndian.PutUint64(p[epOffFreeHead:], e.freeHead)
	binary.LittleEndian.PutUint64(p[epOffNullBucket:], e.nullBucket)
}
