package sqlindex

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/btree-query-bench/cellbtree/dbms/index"
)

func TestRangeQuery(t *testing.T) {
	tests := []struct {
		r     index.Range
		query string
		args  []any
	}{
		{
			index.Range{},
			`SELECT key, cluster, position FROM entries ORDER BY key ASC`,
			nil,
		},
		{
			index.Between("a", "m"),
			`SELECT key, cluster, position FROM entries WHERE key >= ? AND key <= ? ORDER BY key ASC`,
			[]any{"a", "m"},
		},
		{
			index.Range{From: "k", HasFrom: true, Descending: true},
			`SELECT key, cluster, position FROM entries WHERE key > ? ORDER BY key DESC`,
			[]any{"k"},
		},
		{
			index.Range{To: "z", HasTo: true},
			`SELECT key, cluster, position FROM entries WHERE key < ? ORDER BY key ASC`,
			[]any{"z"},
		},
	}
	for _, tt := range tests {
		q, args := rangeQuery(tt.r)
		assert.Equal(t, tt.query, q)
		assert.Equal(t, tt.args, args)
	}
}
