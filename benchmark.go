package main

import (
	"encoding/csv"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/btree-query-bench/cellbtree/dbms/index"
)

var csvHeader = []string{"Structure", "Operation", "LatencyNs", "MemMB", "HeapObjects"}

// BenchResult is one CSV row. Objects tracks GC pressure.
type BenchResult struct {
	Name      string
	Operation string
	LatencyNs int64
	MemMB     uint64
	Objects   uint64
}

type MemoryStats struct {
	AllocMB      uint64
	TotalAllocMB uint64
	HeapObjects  uint64
}

// GetDetailedMem measures live heap after a forced GC.
func GetDetailedMem() MemoryStats {
	var m runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&m)
	return MemoryStats{
		AllocMB:      m.Alloc / 1024 / 1024,
		TotalAllocMB: m.TotalAlloc / 1024 / 1024,
		HeapObjects:  m.HeapObjects,
	}
}

func Record(w *csv.Writer, res BenchResult) error {
	return w.Write([]string{
		res.Name,
		res.Operation,
		strconv.FormatInt(res.LatencyNs, 10),
		strconv.FormatUint(res.MemMB, 10),
		strconv.FormatUint(res.Objects, 10),
	})
}

// runSuite loads n keys into idx and times each workload against it.
func runSuite(log *slog.Logger, name string, idx index.MultiIndex, n int, seed uint64) ([]BenchResult, error) {
	log = log.With("structure", name)
	rng := rand.New(rand.NewPCG(seed, uint64(n)))
	var results []BenchResult

	// 1. Pure insert (initial load)
	start := time.Now()
	for k := 0; k < n; k++ {
		if err := idx.Put(benchKey(k), benchValue(k)); err != nil {
			return nil, errors.Wrapf(err, "%s: load key %d", name, k)
		}
	}
	stats := GetDetailedMem()
	results = append(results, BenchResult{
		Name:      name,
		Operation: "Load",
		LatencyNs: time.Since(start).Nanoseconds() / int64(n),
		MemMB:     stats.AllocMB,
		Objects:   stats.HeapObjects,
	})
	log.Info("loaded", "keys", n, "ns_per_op", results[0].LatencyNs)

	workloads := []struct {
		op    string
		wType WorkloadType
		ops   int
	}{
		{"Workload_OLTP", OLTP, n / 2},
		{"Workload_OLAP", OLAP, n / 2},
		{"Workload_Churn", Churn, n / 2},
		{"Workload_Range", Reporting, 100},
	}
	for _, wl := range workloads {
		if wl.ops == 0 {
			continue
		}
		start = time.Now()
		if err := ExecuteWorkload(idx, wl.wType, wl.ops, n, rng); err != nil {
			return nil, errors.Wrap(err, name)
		}
		res := BenchResult{
			Name:      name,
			Operation: wl.op,
			LatencyNs: time.Since(start).Nanoseconds() / int64(wl.ops),
			MemMB:     GetDetailedMem().AllocMB,
		}
		results = append(results, res)
		log.Info("workload done", "workload", wl.wType, "ops", wl.ops, "ns_per_op", res.LatencyNs)
	}
	return results, nil
}

// writeChart draws mean latency per operation, one bar group per operation
// and one bar colour per structure.
func writeChart(path string, results []BenchResult) error {
	var names, ops []string
	latency := make(map[[2]string]float64)
	for _, r := range results {
		if !slices.Contains(names, r.Name) {
			names = append(names, r.Name)
		}
		if !slices.Contains(ops, r.Operation) {
			ops = append(ops, r.Operation)
		}
		latency[[2]string{r.Name, r.Operation}] = float64(r.LatencyNs)
	}

	p := plot.New()
	p.Title.Text = "Mean latency per operation"
	p.Y.Label.Text = "ns/op"

	width := vg.Points(14)
	for i, name := range names {
		vals := make(plotter.Values, len(ops))
		for j, op := range ops {
			vals[j] = latency[[2]string{name, op}]
		}
		bars, err := plotter.NewBarChart(vals, width)
		if err != nil {
			return errors.Wrap(err, "chart")
		}
		bars.LineStyle.Width = vg.Length(0)
		bars.Color = plotutil.Color(i)
		bars.Offset = width*vg.Length(i) - width*vg.Length(len(names)-1)/2
		p.Add(bars)
		p.Legend.Add(name, bars)
	}
	p.Legend.Top = true
	p.NominalX(ops...)

	return errors.Wrap(p.Save(10*vg.Inch, 5*vg.Inch, path), "chart")
}
