package cellbtree

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// MaxKeySizeLimit and MaxEmbeddedValues bound a leaf cell so that any two
	// cells always fit in one bucket, which is what lets a split make room.
	MaxKeySizeLimit   = 1024
	MaxEmbeddedValues = 64
)

// Options configures a Tree.
type Options struct {
	// MaxKeySize is the largest serialized key accepted by Put.
	MaxKeySize int

	// EmbeddedValues is how many values of one key live in the leaf cell
	// before further values spill into the key's overflow page chain.
	EmbeddedValues int

	// CursorPrefetch is the number of entries a cursor reads per refill.
	CursorPrefetch int

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// DefaultOptions returns the default tree options.
func DefaultOptions() Options {
	return Options{
		MaxKeySize:     MaxKeySizeLimit,
		EmbeddedValues: MaxEmbeddedValues,
		CursorPrefetch: 64,
	}
}

func (o *Options) validate() error {
	if o.MaxKeySize < 1 || o.MaxKeySize > MaxKeySizeLimit {
		return errors.Newf("cellbtree: MaxKeySize must be in [1, %d], got %d", MaxKeySizeLimit, o.MaxKeySize)
	}
	if o.EmbeddedValues < 1 || o.EmbeddedValues > MaxEmbeddedValues {
		return errors.Newf("cellbtree: EmbeddedValues must be in [1, %d], got %d", MaxEmbeddedValues, o.EmbeddedValues)
	}
	if o.CursorPrefetch < 1 {
		o.CursorPrefetch = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
