package cellbtree

import "github.com/cockroachdb/errors"

var (
	// ErrEmpty is returned by FirstKey and LastKey on a tree with no keys.
	ErrEmpty = errors.New("cellbtree: tree is empty")

	// ErrKeyTooBig is returned when a serialized key exceeds MaxKeySize.
	ErrKeyTooBig = errors.New("cellbtree: key too big")

	// ErrNotEmpty is returned by Delete on a tree that still holds values.
	ErrNotEmpty = errors.New("cellbtree: tree is not empty")

	ErrSerializerMismatch = errors.New("cellbtree: key serializer does not match the stored tree")
	ErrNotATree           = errors.New("cellbtree: file does not hold a cell B-tree")
)
