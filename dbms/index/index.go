// Package index defines the multimap interface shared by the cell B-tree and
// the baseline stores it is benchmarked against.
package index

import "github.com/btree-query-bench/cellbtree/dbms/serial"

// MultiIndex maps string keys to multisets of record ids.
type MultiIndex interface {
	// Put adds one occurrence of value to key.
	Put(key string, value serial.RID) error
	// Get returns every value of key, nil when the key is absent.
	Get(key string) ([]serial.RID, error)
	// Remove deletes one occurrence of value and reports whether it was there.
	Remove(key string, value serial.RID) (bool, error)
	Range(r Range) (Iterator, error)
	Close() error
}

// Range selects the keys between two optional bounds.
type Range struct {
	From, To                   string
	HasFrom, HasTo             bool
	FromInclusive, ToInclusive bool
	Descending                 bool
}

// Between returns the ascending range [from, to].
func Between(from, to string) Range {
	return Range{From: from, To: to, HasFrom: true, HasTo: true, FromInclusive: true, ToInclusive: true}
}

// Contains reports whether key lies inside the range bounds.
func (r Range) Contains(key string) bool {
	if r.HasFrom && (key < r.From || (key == r.From && !r.FromInclusive)) {
		return false
	}
	if r.HasTo && (key > r.To || (key == r.To && !r.ToInclusive)) {
		return false
	}
	return true
}

// Iterator scans (key, value) pairs; a key with n values yields n pairs.
type Iterator interface {
	Next() bool
	Key() string
	Value() serial.RID
	Error() error
	Close() error
}
