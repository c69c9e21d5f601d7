package atomic

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commits   prometheus.Counter
	rollbacks prometheus.Counter
	walBytes  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellbtree",
			Subsystem: "atomic",
			Name:      "commits_total",
			Help:      "Atomic operations committed.",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellbtree",
			Subsystem: "atomic",
			Name:      "rollbacks_total",
			Help:      "Atomic operations rolled back.",
		}),
		walBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellbtree",
			Subsystem: "atomic",
			Name:      "wal_bytes_total",
			Help:      "Bytes of page images written to the write-ahead log.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []*prometheus.Counter{&m.commits, &m.rollbacks, &m.walBytes} {
		if err := reg.Register(*c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, errors.Wrap(err, "atomic: register metrics")
			}
			*c = are.ExistingCollector.(prometheus.Counter)
		}
	}
	return m, nil
}
