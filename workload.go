package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/cellbtree/dbms/index"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

type WorkloadType string

const (
	OLTP      WorkloadType = "OLTP (90/10)"
	OLAP      WorkloadType = "OLAP (10/90)"
	Churn     WorkloadType = "Churn (put/remove)"
	Reporting WorkloadType = "Reporting (Range)"
)

// benchKey formats k so that string order matches numeric order.
func benchKey(k int) string { return fmt.Sprintf("%09d", k) }

func benchValue(k int) serial.RID {
	return serial.RID{ClusterID: int32(k % 32000), Position: int64(k)}
}

// ExecuteWorkload runs a mixed distribution of ops over keys [0, keys).
func ExecuteWorkload(idx index.MultiIndex, wType WorkloadType, ops, keys int, rng *rand.Rand) error {
	last := 0
	for i := 0; i < ops; i++ {
		choice := rng.IntN(100)
		k := rng.IntN(keys)

		var err error
		switch wType {
		case OLTP:
			if choice < 90 {
				_, err = idx.Get(benchKey(k))
			} else {
				err = idx.Put(benchKey(k), benchValue(keys+i))
			}
		case OLAP:
			if choice < 10 {
				_, err = idx.Get(benchKey(k))
			} else {
				err = idx.Put(benchKey(k), benchValue(keys+i))
			}
		case Churn:
			// Every other op removes the value the previous one added.
			if i%2 == 0 {
				err = idx.Put(benchKey(k), benchValue(-1-i))
				last = k
			} else {
				_, err = idx.Remove(benchKey(last), benchValue(-i))
			}
		case Reporting:
			err = scanRange(idx, index.Between(benchKey(k), benchKey(k+100)))
		}
		if err != nil {
			return errors.Wrapf(err, "%s op %d", wType, i)
		}
	}
	return nil
}

func scanRange(idx index.MultiIndex, r index.Range) error {
	it, err := idx.Range(r)
	if err != nil {
		return err
	}
	for it.Next() {
	}
	if err := it.Error(); err != nil {
		it.Close()
		return err
	}
	return it.Close()
}
