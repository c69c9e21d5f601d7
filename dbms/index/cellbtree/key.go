package cellbtree

import (
	"fmt"

	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

// Key is a tree key: either a value of K or the null key, which sorts before
// every other key. The zero Key is the null key.
type Key[K any] struct {
	v   K
	set bool
}

// Of wraps v as a non-null key.
func Of[K any](v K) Key[K] { return Key[K]{v: v, set: true} }

// Null returns the null key.
func Null[K any]() Key[K] { return Key[K]{} }

func (k Key[K]) IsNull() bool { return !k.set }

// Value returns the wrapped value, or the zero K for the null key.
func (k Key[K]) Value() K { return k.v }

func (k Key[K]) String() string {
	if !k.set {
		return "<null>"
	}
	return fmt.Sprint(k.v)
}

func compareKeys[K any](ser serial.KeySerializer[K], a, b Key[K]) int {
	switch {
	case !a.set && !b.set:
		return 0
	case !a.set:
		return -1
	case !b.set:
		return 1
	}
	return ser.Compare(a.v, b.v)
}
