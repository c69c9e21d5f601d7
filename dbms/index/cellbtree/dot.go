package cellbtree

import (
	"bufio"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/btree-query-bench/cellbtree/dbms/index/btpage"
	"github.com/btree-query-bench/cellbtree/dbms/pager"
)

// ExportDOT writes the committed tree as a Graphviz digraph: one table per
// bucket with its fill, keys and value counts, child edges, dashed sibling
// edges between leaves and the null bucket beside the root.
func (t *Tree[K]) ExportDOT(w io.Writer) error {
	bw := bufio.NewWriter(w)
	err := t.view(nil, func(src pageSource, ri rootInfo) error {
		fmt.Fprintln(bw, "digraph CellBTree {")
		fmt.Fprintln(bw, "  graph [ranksep=0.8, nodesep=0.5, bgcolor=\"#ffffff\", rankdir=TB];")
		fmt.Fprintln(bw, "  node [shape=none, fontname=\"Helvetica\", fontsize=10];")
		fmt.Fprintln(bw, "  edge [arrowsize=0.8, color=\"#444444\"];")

		if err := t.dotNull(bw, src); err != nil {
			return err
		}

		var leaves []uint64
		stack := []uint64{ri.root}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			p, err := src.LoadForRead(t.file, id)
			if err != nil {
				return err
			}
			if isLeaf(p) {
				t.dotLeaf(bw, id, p)
				leaves = append(leaves, id)
				continue
			}
			n := t.dotInternal(bw, id, p)
			for i := n; i >= 0; i-- {
				c := child(p, i)
				fmt.Fprintf(bw, "  page%d:f%d -> page%d;\n", id, i, c)
				stack = append(stack, c)
			}
		}

		if len(leaves) > 1 {
			fmt.Fprint(bw, "  { rank=same;")
			for _, id := range leaves {
				fmt.Fprintf(bw, " page%d;", id)
			}
			fmt.Fprintln(bw, " }")
			for _, id := range leaves {
				p, err := src.LoadForRead(t.file, id)
				if err != nil {
					return err
				}
				if next := btpage.Right(p); next != btpage.InvalidPage {
					fmt.Fprintf(bw, "  page%d:next -> page%d [style=dashed, color=\"#03A9F4\", constraint=false];\n", id, next)
				}
			}
		}
		fmt.Fprintln(bw, "}")
		return nil
	})
	if err != nil {
		return err
	}
	return bw.Flush()
}

func fillPct(p *pager.Page) float64 {
	return float64(btpage.UsedSpace(p)) / float64(pager.BodySize) * 100
}

func (t *Tree[K]) dotLeaf(w io.Writer, id uint64, p *pager.Page) {
	var b strings.Builder
	fmt.Fprintf(&b, `<<TABLE BORDER="0" CELLBORDER="1" CELLSPACING="0" CELLPADDING="4">
    <TR><TD COLSPAN="2" BGCOLOR="#D5E8D4"><B>PAGE %d (LEAF)</B><BR/><FONT POINT-SIZE="8">Fill: %.1f%%</FONT></TD></TR>
    <TR><TD BGCOLOR="#F5F5F5" ALIGN="LEFT">`, id, fillPct(p))
	for i, n := 0, btpage.NumCells(p); i < n; i++ {
		k := t.decode(leafKey(p, i))
		fmt.Fprintf(&b, "<B>%s</B> <FONT COLOR=\"#666666\">(%d)</FONT><BR/>", html.EscapeString(k.String()), leafTotal(p, i))
	}
	next := "NULL"
	if r := btpage.Right(p); r != btpage.InvalidPage {
		next = fmt.Sprint(r)
	}
	fmt.Fprintf(&b, `</TD><TD PORT="next" BGCOLOR="#E1F5FE">Next: %s</TD></TR></TABLE>>`, next)
	fmt.Fprintf(w, "  page%d [label=%s];\n", id, b.String())
}

// dotInternal writes the bucket node and returns its separator count.
func (t *Tree[K]) dotInternal(w io.Writer, id uint64, p *pager.Page) int {
	n := btpage.NumCells(p)
	var b strings.Builder
	fmt.Fprintf(&b, `<<TABLE BORDER="0" CELLBORDER="1" CELLSPACING="0" CELLPADDING="4">
    <TR><TD COLSPAN="%d" BGCOLOR="#DAE8FC"><B>PAGE %d (INTERNAL)</B><BR/><FONT POINT-SIZE="8">Fill: %.1f%%</FONT></TD></TR><TR>`, 2*n+1, id, fillPct(p))
	for i := 0; i < n; i++ {
		k := t.decode(internalKey(p, i))
		fmt.Fprintf(&b, `<TD PORT="f%d" BGCOLOR="#E1F5FE">P:%d</TD><TD BGCOLOR="#FFFFFF"><B>%s</B></TD>`, i, leftChild(p, i), html.EscapeString(k.String()))
	}
	fmt.Fprintf(&b, `<TD PORT="f%d" BGCOLOR="#E1F5FE">P:%d</TD></TR></TABLE>>`, n, btpage.Rightmost(p))
	fmt.Fprintf(w, "  page%d [label=%s];\n", id, b.String())
	return n
}

func (t *Tree[K]) dotNull(w io.Writer, src pageSource) error {
	nb, err := src.LoadForRead(t.file, t.nullBucket)
	if err != nil {
		return err
	}
	var count uint32
	if btpage.NumCells(nb) > 0 {
		count = leafTotal(nb, 0)
	}
	fmt.Fprintf(w, "  page%d [label=<<TABLE BORDER=\"0\" CELLBORDER=\"1\" CELLSPACING=\"0\" CELLPADDING=\"4\"><TR><TD BGCOLOR=\"#FFF2CC\"><B>PAGE %d (NULL)</B><BR/>values: %d</TD></TR></TABLE>>];\n",
		t.nullBucket, t.nullBucket, count)
	return nil
}
