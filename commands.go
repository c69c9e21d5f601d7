package main

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/btree-query-bench/cellbtree/dbms/atomic"
	"github.com/btree-query-bench/cellbtree/dbms/index"
	"github.com/btree-query-bench/cellbtree/dbms/index/cellbtree"
	"github.com/btree-query-bench/cellbtree/dbms/index/lsm"
	"github.com/btree-query-bench/cellbtree/dbms/index/query"
	"github.com/btree-query-bench/cellbtree/dbms/index/sqlindex"
	"github.com/btree-query-bench/cellbtree/dbms/pager"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

// StoreFlags selects the cell B-tree store a command works on.
type StoreFlags struct {
	Dir            string `arg:"" type:"path" help:"Store directory"`
	CachePages     int    `name:"cache-pages" default:"1024" help:"Pages cached per file"`
	EmbeddedValues int    `name:"embedded-values" default:"64" help:"Values kept in a leaf cell before spilling to overflow pages"`
}

func (s *StoreFlags) open(log *slog.Logger, reg prometheus.Registerer) (*index.Cell, error) {
	mopts := atomic.DefaultOptions()
	mopts.CachePages = s.CachePages
	mopts.Logger = log
	mopts.Registerer = reg
	topts := cellbtree.DefaultOptions()
	topts.EmbeddedValues = s.EmbeddedValues
	topts.Logger = log
	topts.Registerer = reg
	return index.OpenCell(s.Dir, mopts, topts)
}

// ─── bench ────────────────────────────────────────────────────────────────────

type BenchCmd struct {
	Scale    int      `default:"100000" help:"Keys loaded into each structure"`
	Backends []string `default:"cell,lsm,sql" help:"Structures to run (cell, lsm, sql)"`
	Dir      string   `type:"path" help:"Working directory, a temporary one when empty"`
	Out      string   `default:"bench_results.csv" type:"path" help:"CSV output file"`
	Chart    string   `default:"bench_results.png" type:"path" help:"PNG chart file, empty to skip"`
	Seed     uint64   `default:"1" help:"Workload random seed"`
}

func (c *BenchCmd) Run(log *slog.Logger) error {
	if c.Scale < 1 {
		return errors.Newf("bench: scale must be positive, got %d", c.Scale)
	}
	dir := c.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "cellbtree-bench-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	f, err := os.Create(c.Out)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}

	var all []BenchResult
	for _, name := range c.Backends {
		reg := prometheus.NewRegistry()
		idx, err := openBackend(name, filepath.Join(dir, name), log, reg)
		if err != nil {
			return err
		}
		log.Info("running suite", "structure", name, "scale", c.Scale)
		results, err := runSuite(log, name, idx, c.Scale, c.Seed)
		if cerr := idx.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		logCounters(log.With("structure", name), reg)
		for _, r := range results {
			if err := Record(w, r); err != nil {
				return err
			}
		}
		all = append(all, results...)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	if c.Chart != "" {
		if err := writeChart(c.Chart, all); err != nil {
			return err
		}
	}
	log.Info("benchmark complete", "csv", c.Out, "chart", c.Chart)
	return nil
}

func openBackend(name, dir string, log *slog.Logger, reg prometheus.Registerer) (index.MultiIndex, error) {
	switch name {
	case "cell":
		s := StoreFlags{Dir: dir, CachePages: 1024, EmbeddedValues: cellbtree.MaxEmbeddedValues}
		return s.open(log, reg)
	case "lsm":
		return lsm.Open(dir, log)
	case "sql":
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return sqlindex.Open(filepath.Join(dir, "index.db"), log)
	}
	return nil, errors.Newf("bench: unknown structure %q", name)
}

// logCounters logs every counter gathered from reg.
func logCounters(log *slog.Logger, reg *prometheus.Registry) {
	mfs, err := reg.Gather()
	if err != nil {
		log.Warn("gather metrics", "err", err)
		return
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			args := []any{"metric", mf.GetName(), "value", m.GetCounter().GetValue()}
			for _, l := range m.GetLabel() {
				args = append(args, l.GetName(), l.GetValue())
			}
			log.Info("counter", args...)
		}
	}
}

// ─── load ─────────────────────────────────────────────────────────────────────

type LoadCmd struct {
	StoreFlags `embed:""`

	Count        int `default:"1000" help:"Number of keys"`
	ValuesPerKey int `name:"values-per-key" default:"1" help:"Values stored under each key"`
	Batch        int `default:"1000" help:"Puts per atomic operation"`
}

// Run stores the keys "0".."count-1", the value of key i being
// (i % 32000, i*valuesPerKey + j).
func (c *LoadCmd) Run(log *slog.Logger) error {
	if c.Batch < 1 || c.ValuesPerKey < 1 {
		return errors.New("load: batch and values-per-key must be positive")
	}
	idx, err := c.open(log, nil)
	if err != nil {
		return err
	}
	defer idx.Close()
	mgr, tree := idx.Manager(), idx.Tree()

	for lo := 0; lo < c.Count; lo += c.Batch {
		hi := min(lo+c.Batch, c.Count)
		err := mgr.Execute(nil, func(op *atomic.Operation) error {
			for i := lo; i < hi; i++ {
				for j := 0; j < c.ValuesPerKey; j++ {
					v := serial.RID{ClusterID: int32(i % 32000), Position: int64(i*c.ValuesPerKey + j)}
					if err := tree.Put(op, cellbtree.Of(fmt.Sprint(i)), v); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Debug("batch committed", "from", lo, "to", hi)
	}
	size, err := tree.Size(nil)
	if err != nil {
		return err
	}
	log.Info("load complete", "keys", c.Count, "values", size)
	return nil
}

// ─── scan ─────────────────────────────────────────────────────────────────────

type ScanCmd struct {
	StoreFlags `embed:""`

	Expr  string `arg:"" optional:"" help:"Range expression, e.g. 'key >= \"10\" and key < \"20\" desc'"`
	Limit int    `default:"0" help:"Stop after this many entries, 0 for no limit"`
}

func (c *ScanCmd) Run(log *slog.Logger) error {
	r, err := query.Parse(c.Expr)
	if err != nil {
		return err
	}
	idx, err := c.open(log, nil)
	if err != nil {
		return err
	}
	defer idx.Close()

	it, err := idx.Range(r)
	if err != nil {
		return err
	}
	defer it.Close()
	out := bufio.NewWriter(os.Stdout)
	n := 0
	for it.Next() {
		fmt.Fprintf(out, "%s\t%s\n", it.Key(), it.Value())
		if n++; c.Limit > 0 && n >= c.Limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	return out.Flush()
}

// ─── dot ──────────────────────────────────────────────────────────────────────

type DotCmd struct {
	StoreFlags `embed:""`

	Out string `short:"o" default:"-" help:"Output file, - for stdout"`
}

func (c *DotCmd) Run(log *slog.Logger) error {
	idx, err := c.open(log, nil)
	if err != nil {
		return err
	}
	defer idx.Close()

	var w io.Writer = os.Stdout
	if c.Out != "-" {
		f, err := os.Create(c.Out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return idx.Tree().ExportDOT(w)
}

// ─── verify ───────────────────────────────────────────────────────────────────

type VerifyCmd struct {
	StoreFlags `embed:""`
}

func (c *VerifyCmd) Run(log *slog.Logger) error {
	idx, err := c.open(log, nil)
	if err != nil {
		return err
	}
	defer idx.Close()

	if err := idx.Tree().Verify(nil); err != nil {
		return err
	}
	size, err := idx.Tree().Size(nil)
	if err != nil {
		return err
	}
	fmt.Printf("ok: %d values\n", size)
	return nil
}

// ─── backup / restore ─────────────────────────────────────────────────────────

type BackupCmd struct {
	StoreFlags `embed:""`

	Out string `short:"o" required:"" type:"path" help:"Backup file"`
}

func (c *BackupCmd) Run(log *slog.Logger) error {
	idx, err := c.open(log, nil)
	if err != nil {
		return err
	}
	defer idx.Close()

	mgr := idx.Manager()
	if err := mgr.Checkpoint(); err != nil {
		return err
	}
	p, err := mgr.Pager(idx.Tree().FileID())
	if err != nil {
		return err
	}
	f, err := os.Create(c.Out)
	if err != nil {
		return err
	}
	if err := p.Backup(f); err != nil {
		f.Close()
		return err
	}
	log.Info("backup written", "file", c.Out, "pages", p.PageCount())
	return f.Close()
}

type RestoreCmd struct {
	StoreFlags `embed:""`

	In string `short:"i" required:"" type:"existingfile" help:"Backup file"`
}

// Run makes sure the store knows the tree file, replaces the file with the
// backup and verifies the result.
func (c *RestoreCmd) Run(log *slog.Logger) error {
	idx, err := c.open(log, nil)
	if err != nil {
		return err
	}
	if err := idx.Close(); err != nil {
		return err
	}

	f, err := os.Open(c.In)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := pager.Restore(atomic.FilePath(c.Dir, index.CellTreeName), f); err != nil {
		return err
	}

	idx, err = c.open(log, nil)
	if err != nil {
		return err
	}
	defer idx.Close()
	if err := idx.Tree().Verify(nil); err != nil {
		return errors.Wrap(err, "restore: restored tree is damaged")
	}
	log.Info("restored", "file", c.In)
	return nil
}
