package atomic

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Manager.
type Options struct {
	// CachePages is the LRU size of every page file opened by the manager.
	CachePages int

	// CheckpointEvery is the number of commits between checkpoints. A
	// checkpoint syncs all page files and drops the logged operations.
	CheckpointEvery int

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger

	// Registerer, if set, receives the manager's metrics.
	Registerer prometheus.Registerer
}

// DefaultOptions returns the default manager options.
func DefaultOptions() Options {
	return Options{
		CachePages:      1024,
		CheckpointEvery: 64,
	}
}

func (o *Options) validate() error {
	if o.CachePages < 1 {
		return errors.Newf("atomic: CachePages must be positive, got %d", o.CachePages)
	}
	if o.CheckpointEvery < 1 {
		return errors.Newf("atomic: CheckpointEvery must be positive, got %d", o.CheckpointEvery)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
