package atomic

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/cellbtree/dbms/pager"
	"github.com/btree-query-bench/cellbtree/dbms/wal"
)

type pageKey struct {
	file uint32
	page uint64
}

// Operation is one atomic unit of page changes. It is not safe for
// concurrent use; it belongs to the goroutine running the Execute body.
type Operation struct {
	m      *Manager
	id     uint64
	dirty  map[pageKey]*pager.Page
	filled map[uint32]uint64
	hooks  []func()
	done   bool

	dropped map[uint32]string // files deleted by this operation, by id
}

// ID returns the operation's log sequence number.
func (op *Operation) ID() uint64 { return op.id }

// AddFile creates a new page file within the operation and returns its id.
func (op *Operation) AddFile(name string) (uint32, error) {
	if op.done {
		return 0, ErrOperationDone
	}
	return op.m.addFile(name)
}

// LoadForRead returns the page as this operation sees it. The result must
// not be modified.
func (op *Operation) LoadForRead(fileID uint32, page uint64) (*pager.Page, error) {
	if err := op.usable(fileID); err != nil {
		return nil, err
	}
	if pg, ok := op.dirty[pageKey{fileID, page}]; ok {
		return pg, nil
	}
	return op.m.LoadForRead(fileID, page)
}

// LoadForWrite returns the operation's private copy of the page. Changes to
// it become visible to others only when the operation commits.
func (op *Operation) LoadForWrite(fileID uint32, page uint64) (*pager.Page, error) {
	if err := op.usable(fileID); err != nil {
		return nil, err
	}
	k := pageKey{fileID, page}
	if pg, ok := op.dirty[k]; ok {
		return pg, nil
	}
	filled, err := op.FilledUpTo(fileID)
	if err != nil {
		return nil, err
	}
	if page >= filled {
		return nil, errors.Newf("atomic: page %d of file %d not allocated (filled up to %d)", page, fileID, filled)
	}
	pg, err := op.m.LoadForRead(fileID, page)
	if err != nil {
		return nil, err
	}
	op.dirty[k] = pg
	return pg, nil
}

// AddPage appends a zeroed page to the file and returns its index and the
// writable page.
func (op *Operation) AddPage(fileID uint32) (uint64, *pager.Page, error) {
	if err := op.usable(fileID); err != nil {
		return 0, nil, err
	}
	filled, err := op.FilledUpTo(fileID)
	if err != nil {
		return 0, nil, err
	}
	pg := new(pager.Page)
	op.dirty[pageKey{fileID, filled}] = pg
	op.filled[fileID] = filled + 1
	return filled, pg, nil
}

// FilledUpTo returns the number of pages the file has as seen by this
// operation, including pages it added.
func (op *Operation) FilledUpTo(fileID uint32) (uint64, error) {
	if err := op.usable(fileID); err != nil {
		return 0, err
	}
	if n, ok := op.filled[fileID]; ok {
		return n, nil
	}
	p, err := op.m.pager(fileID)
	if err != nil {
		return 0, err
	}
	n := p.PageCount()
	op.filled[fileID] = n
	return n, nil
}

// DeleteFile removes the file when the operation commits. Pages the
// operation wrote to it are discarded, and later accesses through the
// operation fail with ErrUnknownFile. A rollback leaves the file untouched.
func (op *Operation) DeleteFile(fileID uint32) error {
	if err := op.usable(fileID); err != nil {
		return err
	}
	name := op.m.FileName(fileID)
	if name == "" {
		return errors.Wrapf(ErrUnknownFile, "atomic: file id %d", fileID)
	}
	for k := range op.dirty {
		if k.file == fileID {
			delete(op.dirty, k)
		}
	}
	delete(op.filled, fileID)
	if op.dropped == nil {
		op.dropped = make(map[uint32]string)
	}
	op.dropped[fileID] = name
	return nil
}

// OnCommit registers fn to run after the operation's pages are applied.
// Hooks are dropped on rollback.
func (op *Operation) OnCommit(fn func()) {
	op.hooks = append(op.hooks, fn)
}

func (op *Operation) usable(fileID uint32) error {
	if op.done {
		return ErrOperationDone
	}
	if _, ok := op.dropped[fileID]; ok {
		return errors.Wrapf(ErrUnknownFile, "atomic: file id %d deleted in op %d", fileID, op.id)
	}
	return nil
}

func (op *Operation) droppedNames() []string {
	names := make([]string, 0, len(op.dropped))
	for _, name := range op.dropped {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (op *Operation) images() []wal.PageImage {
	images := make([]wal.PageImage, 0, len(op.dirty))
	for k, pg := range op.dirty {
		images = append(images, wal.PageImage{File: k.file, Page: k.page, Data: pg})
	}
	sort.Slice(images, func(i, j int) bool {
		if images[i].File != images[j].File {
			return images[i].File < images[j].File
		}
		return images[i].Page < images[j].Page
	})
	return images
}
