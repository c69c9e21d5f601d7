// Package query parses the range expressions accepted by the scan command:
//
//	key >= "10" and key < "20" desc
//	key = "500"
//
// An empty expression selects every key in ascending order.
package query

import (
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/cockroachdb/errors"

	"github.com/btree-query-bench/cellbtree/dbms/index"
)

// Expr is the parsed form of a range expression.
type Expr struct {
	Clauses []*Clause `( @@ ( "and" @@ )* )?`
	Order   string    `@( "asc" | "desc" )?`
}

// Clause compares the key with a quoted string.
type Clause struct {
	Op    string `"key" @Op`
	Value string `@String`
}

var rangeLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Op", Pattern: `>=|<=|=|<|>`},
	{Name: "Ident", Pattern: `[A-Za-z_]+`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var rangeParser = participle.MustBuild[Expr](
	participle.Lexer(rangeLexer),
	participle.Unquote("String"),
	participle.CaseInsensitive("Ident"),
	participle.Elide("Whitespace"),
)

// Parse turns a range expression into an index.Range. Each bound may be
// given once; "=" sets both.
func Parse(input string) (index.Range, error) {
	if strings.TrimSpace(input) == "" {
		return index.Range{}, nil
	}
	expr, err := rangeParser.ParseString("", input)
	if err != nil {
		return index.Range{}, errors.Wrapf(err, "query: parse %q", input)
	}
	return expr.Range()
}

// Range converts the expression to bounds.
func (e *Expr) Range() (index.Range, error) {
	var r index.Range
	setFrom := func(v string, incl bool) error {
		if r.HasFrom {
			return errors.Newf("query: lower bound given twice")
		}
		r.From, r.HasFrom, r.FromInclusive = v, true, incl
		return nil
	}
	setTo := func(v string, incl bool) error {
		if r.HasTo {
			return errors.Newf("query: upper bound given twice")
		}
		r.To, r.HasTo, r.ToInclusive = v, true, incl
		return nil
	}

	for _, c := range e.Clauses {
		var err error
		switch c.Op {
		case ">=":
			err = setFrom(c.Value, true)
		case ">":
			err = setFrom(c.Value, false)
		case "<=":
			err = setTo(c.Value, true)
		case "<":
			err = setTo(c.Value, false)
		case "=":
			if err = setFrom(c.Value, true); err == nil {
				err = setTo(c.Value, true)
			}
		}
		if err != nil {
			return index.Range{}, err
		}
	}
	r.Descending = strings.EqualFold(e.Order, "desc")
	return r, nil
}
