// Package wal persists the page after-images of committed atomic operations
// in a Pebble database so that a crash between logging and applying them to
// the page files can be repaired on the next open.
//
// Key layout (big-endian so Pebble's byte order is operation order):
//
//	"op" | opID uint64 | fileID uint32 | pageIndex uint64  ->  page image
//	"file/" | name                                        ->  fileID uint32
//	"fileseq"                                             ->  next fileID uint32
//
// All images of one operation, and the registry entries of the files it
// drops, are written in a single synced batch, which makes the operation
// the unit of durability.
package wal

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/btree-query-bench/cellbtree/dbms/pager"
)

const keySize = 2 + 8 + 4 + 8

var (
	keyPrefix  = []byte("op")
	keyLimit   = []byte("oq") // first key past every "op" key
	filePrefix = []byte("file/")
	fileLimit  = []byte("file0")
	fileSeqKey = []byte("fileseq")
)

// PageImage is the full content of one page as of the end of an operation.
type PageImage struct {
	File uint32
	Page uint64
	Data *pager.Page
}

// Log is the write-ahead log.
type Log struct {
	db     *pebble.DB
	logger *slog.Logger
	lastOp uint64
}

// Open opens (or creates) the log stored in dir.
func Open(dir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &pebble.Options{
		// Page images are short-lived: they are dropped at every checkpoint.
		MemTableSize:                4 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       4,
		L0StopWritesThreshold:       12,
		Logger:                      PebbleLogger(logger.With("component", "wal")),
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: open %s", dir)
	}
	l := &Log{db: db, logger: logger}
	if err := l.loadLastOp(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// LastOpID returns the highest operation id present in the log, or zero.
func (l *Log) LastOpID() uint64 { return l.lastOp }

// Append durably records the page images of operation opID, together with
// the removal of the dropped files from the registry, and returns the number
// of payload bytes written.
func (l *Log) Append(opID uint64, images []PageImage, dropped ...string) (int, error) {
	if len(images) == 0 && len(dropped) == 0 {
		return 0, nil
	}
	b := l.db.NewBatch()
	defer b.Close()

	written := 0
	for _, img := range images {
		if err := b.Set(encodeKey(opID, img.File, img.Page), img.Data[:], nil); err != nil {
			return 0, errors.Wrapf(err, "wal: stage page %d/%d of op %d", img.File, img.Page, opID)
		}
		written += keySize + pager.PageSize
	}
	for _, name := range dropped {
		if err := b.Delete(fileKey(name), nil); err != nil {
			return 0, errors.Wrapf(err, "wal: stage drop of %s in op %d", name, opID)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "wal: commit op %d", opID)
	}
	if opID > l.lastOp {
		l.lastOp = opID
	}
	return written, nil
}

// Replay calls fn for every logged image in operation order and returns the
// number of distinct operations visited.
func (l *Log) Replay(fn func(opID uint64, img PageImage) error) (int, error) {
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: keyLimit})
	if err != nil {
		return 0, errors.Wrap(err, "wal: replay")
	}
	defer it.Close()

	ops := 0
	var prev uint64
	for valid := it.First(); valid; valid = it.Next() {
		opID, file, page, err := decodeKey(it.Key())
		if err != nil {
			return ops, err
		}
		if ops == 0 || opID != prev {
			ops++
			prev = opID
		}
		v := it.Value()
		if len(v) != pager.PageSize {
			return ops, errors.Newf("wal: op %d page %d/%d has %d bytes", opID, file, page, len(v))
		}
		pg := new(pager.Page)
		copy(pg[:], v)
		if err := fn(opID, PageImage{File: file, Page: page, Data: pg}); err != nil {
			return ops, err
		}
	}
	return ops, errors.Wrap(it.Error(), "wal: replay")
}

// Truncate removes every operation with id <= upTo. Callers must have made
// the corresponding pages durable first.
func (l *Log) Truncate(upTo uint64) error {
	end := keyLimit
	if upTo != ^uint64(0) {
		end = keyPrefixFor(upTo + 1)
	}
	if err := l.db.DeleteRange(keyPrefix, end, pebble.Sync); err != nil {
		return errors.Wrapf(err, "wal: truncate to %d", upTo)
	}
	return nil
}

// RegisterFile returns the id recorded for name, assigning a new id on first
// use. Ids are stable across reopens and never handed out twice.
func (l *Log) RegisterFile(name string) (uint32, error) {
	files, err := l.Files()
	if err != nil {
		return 0, err
	}
	if id, ok := files[name]; ok {
		return id, nil
	}
	id, err := l.nextFileID(files)
	if err != nil {
		return 0, err
	}

	b := l.db.NewBatch()
	defer b.Close()
	var v, next [4]byte
	binary.BigEndian.PutUint32(v[:], id)
	binary.BigEndian.PutUint32(next[:], id+1)
	if err := b.Set(fileKey(name), v[:], nil); err != nil {
		return 0, errors.Wrapf(err, "wal: register file %s", name)
	}
	if err := b.Set(fileSeqKey, next[:], nil); err != nil {
		return 0, errors.Wrapf(err, "wal: register file %s", name)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "wal: register file %s", name)
	}
	return id, nil
}

// nextFileID reads the id counter. Without one, ids continue after the
// highest registered id.
func (l *Log) nextFileID(files map[string]uint32) (uint32, error) {
	v, closer, err := l.db.Get(fileSeqKey)
	if errors.Is(err, pebble.ErrNotFound) {
		var next uint32
		for _, id := range files {
			next = max(next, id+1)
		}
		return next, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "wal: read file id counter")
	}
	defer closer.Close()
	if len(v) != 4 {
		return 0, errors.Newf("wal: malformed file id counter %x", v)
	}
	return binary.BigEndian.Uint32(v), nil
}

// Files returns every registered file name with its id.
func (l *Log) Files() (map[string]uint32, error) {
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: filePrefix, UpperBound: fileLimit})
	if err != nil {
		return nil, errors.Wrap(err, "wal: list files")
	}
	defer it.Close()
	files := make(map[string]uint32)
	for valid := it.First(); valid; valid = it.Next() {
		v := it.Value()
		if len(v) != 4 {
			return nil, errors.Newf("wal: malformed file entry %q", it.Key())
		}
		files[string(it.Key()[len(filePrefix):])] = binary.BigEndian.Uint32(v)
	}
	return files, errors.Wrap(it.Error(), "wal: list files")
}

// Close closes the underlying Pebble database.
func (l *Log) Close() error {
	return errors.Wrap(l.db.Close(), "wal: close")
}

func (l *Log) loadLastOp() error {
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: keyPrefix, UpperBound: keyLimit})
	if err != nil {
		return errors.Wrap(err, "wal: scan")
	}
	defer it.Close()
	if it.Last() {
		opID, _, _, err := decodeKey(it.Key())
		if err != nil {
			return err
		}
		l.lastOp = opID
	}
	return errors.Wrap(it.Error(), "wal: scan")
}

// ─── Key encoding ─────────────────────────────────────────────────────────────

func fileKey(name string) []byte {
	return append(append([]byte{}, filePrefix...), name...)
}

func keyPrefixFor(opID uint64) []byte {
	b := make([]byte, 2+8, keySize)
	copy(b, keyPrefix)
	binary.BigEndian.PutUint64(b[2:], opID)
	return b
}

func encodeKey(opID uint64, file uint32, page uint64) []byte {
	b := keyPrefixFor(opID)[:keySize]
	binary.BigEndian.PutUint32(b[10:], file)
	binary.BigEndian.PutUint64(b[14:], page)
	return b
}

func decodeKey(k []byte) (opID uint64, file uint32, page uint64, err error) {
	if len(k) != keySize || string(k[:2]) != string(keyPrefix) {
		return 0, 0, 0, errors.Newf("wal: malformed key %x", k)
	}
	return binary.BigEndian.Uint64(k[2:10]), binary.BigEndian.Uint32(k[10:14]), binary.BigEndian.Uint64(k[14:]), nil
}

// ─── Logging bridge ───────────────────────────────────────────────────────────

// PebbleLogger routes Pebble's printf-style logging into l.
func PebbleLogger(l *slog.Logger) pebble.Logger { return pebbleLogger{l} }

type pebbleLogger struct {
	l *slog.Logger
}

func (p pebbleLogger) Infof(format string, args ...interface{}) {
	p.l.Debug(fmt.Sprintf(format, args...))
}

func (p pebbleLogger) Errorf(format string, args ...interface{}) {
	p.l.Error(fmt.Sprintf(format, args...))
}

func (p pebbleLogger) Fatalf(format string, args ...interface{}) {
	p.l.Error(fmt.Sprintf(format, args...))
	panic(fmt.Sprintf(format, args...))
}
