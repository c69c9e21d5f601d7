package cellbtree

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	puts          prometheus.Counter
	removes       prometheus.Counter
	splits        *prometheus.CounterVec
	overflowPages prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellbtree",
			Name:      "puts_total",
			Help:      "Values added to cell B-trees.",
		}),
		removes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellbtree",
			Name:      "removes_total",
			Help:      "Values removed from cell B-trees.",
		}),
		splits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellbtree",
			Name:      "splits_total",
			Help:      "Bucket splits by kind (leaf, internal, root).",
		}, []string{"kind"}),
		overflowPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellbtree",
			Name:      "overflow_pages_total",
			Help:      "Overflow value pages allocated.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.puts, m.removes, m.splits, m.overflowPages} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, errors.Wrap(err, "cellbtree: register metrics")
			}
			switch c {
			case m.puts:
				m.puts = are.ExistingCollector.(prometheus.Counter)
			case m.removes:
				m.removes = are.ExistingCollector.(prometheus.Counter)
			case m.overflowPages:
				m.overflowPages = are.ExistingCollector.(prometheus.Counter)
			default:
				m.splits = are.ExistingCollector.(*prometheus.CounterVec)
			}
		}
	}
	return m, nil
}
