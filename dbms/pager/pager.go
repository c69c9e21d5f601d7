package pager

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
)

const (
	PageSize     = 4096 // 4 KB, the OS page size
	ChecksumSize = 8    // truncated BLAKE3 of the page body, stored in the page trailer
	BodySize     = PageSize - ChecksumSize
	InvalidPage  = ^uint64(0)
)

var (
	ErrChecksum = errors.New("pager: page checksum mismatch")
	ErrClosed   = errors.New("pager: closed")
)

// Page is a raw 4 KB block read from or written to disk.
// The last ChecksumSize bytes are owned by the pager.
type Page [PageSize]byte

// Pager manages a file of fixed-size pages and caches recently used ones.
// It is safe for concurrent use.
type Pager struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	cache     *pageCache
	pageCount uint64 // total number of pages ever allocated
	closed    bool
}

// Open opens (or creates) a pager backed by the given file.
// cacheSize is the number of pages to hold in the LRU cache.
func Open(path string, cacheSize int) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "pager open %s", path)
	}

	p := &Pager{
		file:  f,
		path:  path,
		cache: newPageCache(cacheSize),
	}

	// Read the page count from the file header (first 8 bytes of page 0).
	// If the file is brand new, pageCount starts at 1 (page 0 is the header).
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		p.pageCount = 1
		if err := p.writePageCount(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		pg, err := p.readPageFromDisk(0)
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "pager: read header")
		}
		p.pageCount = binary.LittleEndian.Uint64(pg[:8])
	}

	return p, nil
}

// Path returns the file backing the pager.
func (p *Pager) Path() string { return p.path }

// Read returns a private copy of the page with the given ID, from cache or disk.
// Callers may modify the copy freely; it only reaches disk through Write.
func (p *Pager) Read(id uint64) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if id >= p.pageCount {
		return nil, errors.Newf("pager: read page %d beyond page count %d", id, p.pageCount)
	}

	if pg := p.cache.get(id); pg != nil {
		return pg, nil
	}
	pg, err := p.readPageFromDisk(id)
	if err != nil {
		return nil, err
	}
	p.cache.put(id, pg)
	return pg, nil
}

// Write writes a page back to disk and updates the cache.
// Writing at or past PageCount extends the file.
func (p *Pager) Write(id uint64, pg *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	cp := *pg
	if err := p.writePageToDisk(id, &cp); err != nil {
		return err
	}
	p.cache.put(id, &cp)
	if id >= p.pageCount {
		p.pageCount = id + 1
		return p.writePageCount()
	}
	return nil
}

// Sync flushes the file to stable storage.
func (p *Pager) Sync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return errors.Wrap(p.file.Sync(), "pager: sync")
}

// Close flushes and closes the underlying file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return errors.Wrap(err, "pager: sync on close")
	}
	return p.file.Close()
}

// PageCount returns the total number of allocated pages.
func (p *Pager) PageCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageCount
}

// Backup streams every page of the file into w as an xz container.
func (p *Pager) Backup(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	xw, err := xz.NewWriter(w)
	if err != nil {
		return errors.Wrap(err, "pager: backup")
	}
	for id := uint64(0); id < p.pageCount; id++ {
		pg, err := p.readPageFromDisk(id)
		if err != nil {
			xw.Close()
			return err
		}
		if _, err := xw.Write(pg[:]); err != nil {
			xw.Close()
			return errors.Wrapf(err, "pager: backup page %d", id)
		}
	}
	return errors.Wrap(xw.Close(), "pager: backup")
}

// Restore recreates a page file at path from a stream produced by Backup.
// An existing file at path is truncated.
func Restore(path string, r io.Reader) error {
	xr, err := xz.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "pager: restore")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrapf(err, "pager: restore %s", path)
	}
	defer f.Close()

	var pg Page
	var id uint64
	for {
		_, err := io.ReadFull(xr, pg[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "pager: restore page %d", id)
		}
		if !verify(&pg) {
			return errors.Wrapf(ErrChecksum, "pager: restore page %d", id)
		}
		if _, err := f.WriteAt(pg[:], int64(id)*PageSize); err != nil {
			return errors.Wrapf(err, "pager: restore page %d", id)
		}
		id++
	}
	if id == 0 {
		return errors.New("pager: restore: empty backup")
	}
	return f.Sync()
}

// --- internal helpers ---

func (p *Pager) offset(id uint64) int64 {
	return int64(id) * PageSize
}

func (p *Pager) readPageFromDisk(id uint64) (*Page, error) {
	pg := new(Page)
	n, err := p.file.ReadAt(pg[:], p.offset(id))
	if err != nil && !(err == io.EOF && n == 0 && id < p.pageCount) {
		return nil, errors.Wrapf(err, "pager: read page %d", id)
	}
	if !verify(pg) {
		return nil, errors.Wrapf(ErrChecksum, "pager: read page %d", id)
	}
	return pg, nil
}

func (p *Pager) writePageToDisk(id uint64, pg *Page) error {
	seal(pg)
	_, err := p.file.WriteAt(pg[:], p.offset(id))
	if err != nil {
		return errors.Wrapf(err, "pager: write page %d", id)
	}
	return nil
}

func (p *Pager) writePageCount() error {
	var hdr Page
	// Preserve existing header content if the file already has data.
	if p.pageCount > 1 {
		existing, err := p.readPageFromDisk(0)
		if err == nil {
			hdr = *existing
		}
	}
	binary.LittleEndian.PutUint64(hdr[:8], p.pageCount)
	if err := p.writePageToDisk(0, &hdr); err != nil {
		return err
	}
	p.cache.put(0, &hdr)
	return nil
}

// ─── Checksums ────────────────────────────────────────────────────────────────

func checksum(pg *Page) uint64 {
	sum := blake3.Sum256(pg[:BodySize])
	return binary.LittleEndian.Uint64(sum[:ChecksumSize])
}

func seal(pg *Page) {
	binary.LittleEndian.PutUint64(pg[BodySize:], checksum(pg))
}

var zeroPage Page

// verify accepts sealed pages and never-written (all zero) pages.
func verify(pg *Page) bool {
	stored := binary.LittleEndian.Uint64(pg[BodySize:])
	if stored == 0 && bytes.Equal(pg[:], zeroPage[:]) {
		return true
	}
	return stored == checksum(pg)
}
