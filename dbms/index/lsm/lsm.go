// Package lsm wraps Pebble (CockroachDB's LSM storage engine) behind the
// MultiIndex interface so the cell B-tree can be benchmarked against it.
//
// Each distinct (key, value) pair is one Pebble key, key + 0x00 + RID, whose
// value is the pair's occurrence count.
package lsm

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/btree-query-bench/cellbtree/dbms/index"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
	"github.com/btree-query-bench/cellbtree/dbms/wal"
)

// ErrKeyHasSeparator is returned for keys containing a 0x00 byte.
var ErrKeyHasSeparator = errors.New("lsm: key contains 0x00")

type LSM struct {
	db  *pebble.DB
	log *slog.Logger

	// mu makes the read-modify-write of occurrence counts atomic.
	mu sync.Mutex
}

// Open opens (or creates) a Pebble database at the given directory path.
func Open(dir string, logger *slog.Logger) (*LSM, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "lsm")
	opts := &pebble.Options{
		Logger:       wal.PebbleLogger(logger),
		MemTableSize: 16 << 20,
		// Keep memtables around so one can be flushed while another is active.
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       4,
		L0StopWritesThreshold:       12,
	}

	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.Wrap(err, "lsm: open")
	}
	return &LSM{db: db, log: logger}, nil
}

// Close cleanly shuts down Pebble, flushing any in-memory state.
func (l *LSM) Close() error {
	return l.db.Close()
}

// Put adds one occurrence of value under key.
func (l *LSM) Put(key string, value serial.RID) error {
	k, err := encodeKey(key, value)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.count(k)
	if err != nil {
		return err
	}
	return l.db.Set(k, encodeCount(n+1), pebble.NoSync)
}

// Get returns every value of key. Returns nil if not found.
func (l *LSM) Get(key string) ([]serial.RID, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix(key, 0x00),
		UpperBound: prefix(key, 0x01),
	})
	if err != nil {
		return nil, errors.Wrap(err, "lsm: get")
	}
	var out []serial.RID
	for iter.First(); iter.Valid(); iter.Next() {
		_, v := decodeKey(iter.Key())
		for n := decodeCount(iter.Value()); n > 0; n-- {
			out = append(out, v)
		}
	}
	return out, errors.CombineErrors(iter.Error(), iter.Close())
}

// Remove deletes one occurrence of value under key.
func (l *LSM) Remove(key string, value serial.RID) (bool, error) {
	k, err := encodeKey(key, value)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.count(k)
	if err != nil || n == 0 {
		return false, err
	}
	if n == 1 {
		err = l.db.Delete(k, pebble.NoSync)
	} else {
		err = l.db.Set(k, encodeCount(n-1), pebble.NoSync)
	}
	if err != nil {
		return false, errors.Wrap(err, "lsm: remove")
	}
	return true, nil
}

func (l *LSM) count(k []byte) (uint32, error) {
	val, closer, err := l.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "lsm: get")
	}
	defer closer.Close()
	return decodeCount(val), nil
}

// Range returns an iterator over the pairs whose keys lie in r.
func (l *LSM) Range(r index.Range) (index.Iterator, error) {
	iterOpts := &pebble.IterOptions{}
	if r.HasFrom {
		if err := checkKey(r.From); err != nil {
			return nil, err
		}
		if r.FromInclusive {
			iterOpts.LowerBound = prefix(r.From, 0x00)
		} else {
			iterOpts.LowerBound = prefix(r.From, 0x01)
		}
	}
	if r.HasTo {
		if err := checkKey(r.To); err != nil {
			return nil, err
		}
		if r.ToInclusive {
			iterOpts.UpperBound = prefix(r.To, 0x01)
		} else {
			iterOpts.UpperBound = prefix(r.To, 0x00)
		}
	}
	if iterOpts.LowerBound != nil && iterOpts.UpperBound != nil &&
		bytes.Compare(iterOpts.LowerBound, iterOpts.UpperBound) >= 0 {
		// Pebble requires lower < upper.
		return &rangeIterator{}, nil
	}
	iter, err := l.db.NewIter(iterOpts)
	if err != nil {
		return nil, errors.Wrap(err, "lsm: range")
	}
	if r.Descending {
		iter.Last()
	} else {
		iter.First()
	}
	l.log.Debug("range scan", "from", r.From, "to", r.To, "desc", r.Descending)
	return &rangeIterator{iter: iter, first: true, desc: r.Descending}, nil
}

// ─── Key encoding ─────────────────────────────────────────────────────────────

func checkKey(key string) error {
	if strings.IndexByte(key, 0x00) >= 0 {
		return errors.Wrapf(ErrKeyHasSeparator, "lsm: key %q", key)
	}
	return nil
}

// prefix returns key followed by sep. With sep 0x00 it is the lowest Pebble
// key of the string key; with 0x01 it is just past the highest.
func prefix(key string, sep byte) []byte {
	b := make([]byte, 0, len(key)+1)
	return append(append(b, key...), sep)
}

func encodeKey(key string, value serial.RID) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	b := prefix(key, 0x00)
	b = append(b, make([]byte, serial.RIDSize)...)
	value.Put(b[len(key)+1:])
	return b, nil
}

func decodeKey(b []byte) (string, serial.RID) {
	sep := len(b) - serial.RIDSize - 1
	return string(b[:sep]), serial.ReadRID(b[sep+1:])
}

func encodeCount(n uint32) []byte {
	return binary.AppendUvarint(nil, uint64(n))
}

func decodeCount(b []byte) uint32 {
	n, _ := binary.Uvarint(b)
	return uint32(n)
}

// ─── Range Iterator ───────────────────────────────────────────────────────────

type rangeIterator struct {
	iter  *pebble.Iterator
	first bool
	desc  bool
	key   string
	val   serial.RID
	left  uint32 // occurrences of the current pair still to yield
	err   error
}

func (it *rangeIterator) Next() bool {
	if it.left > 0 {
		it.left--
		return true
	}
	if it.iter == nil {
		return false
	}
	var valid bool
	switch {
	case it.first:
		// First or Last was already called in Range; just check validity.
		it.first = false
		valid = it.iter.Valid()
	case it.desc:
		valid = it.iter.Prev()
	default:
		valid = it.iter.Next()
	}
	if !valid {
		it.err = it.iter.Error()
		return false
	}
	k := it.iter.Key()
	if len(k) <= serial.RIDSize {
		it.err = errors.Newf("lsm: unexpected key length %d", len(k))
		return false
	}
	it.key, it.val = decodeKey(k)
	it.left = decodeCount(it.iter.Value()) - 1
	return true
}

func (it *rangeIterator) Key() string       { return it.key }
func (it *rangeIterator) Value() serial.RID { return it.val }
func (it *rangeIterator) Error() error      { return it.err }

func (it *rangeIterator) Close() error {
	if it.iter == nil {
		return nil
	}
	return it.iter.Close()
}
