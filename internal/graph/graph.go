// Package graph exports a fingerprint match as an anonymised graphviz graph:
// one node per source and destination pair, red when the fingerprint
// matches it.
package graph

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"dissector/internal/record"
)

const victim = "victim"

type pair struct {
	src, dst record.Value
}

// Stats counts the distinct source and destination pairs drawn.
type Stats struct {
	Matched int
	Total   int
}

// MatchedPercent is the share of drawn edges that match the fingerprint.
func (s Stats) MatchedPercent() float64 {
	if s.Matched+s.Total == 0 {
		return 0
	}
	return float64(s.Matched) * 100 / float64(s.Matched+s.Total)
}

func pairs(v record.View) []pair {
	seen := make(map[pair]struct{})
	var out []pair
	for i := 0; i < v.Len(); i++ {
		p := pair{v.At(i, record.FieldSrcIP), v.At(i, record.FieldDstIP)}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Write draws the matched pairs followed by every pair of full. Sources are
// replaced by their position and destinations by "victim".
func Write(w io.Writer, matched, full record.View) (Stats, error) {
	m, all := pairs(matched), pairs(full)
	st := Stats{Matched: len(m), Total: len(all)}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "graph {")
	n := 0
	for range m {
		fmt.Fprintf(bw, "\t %d -- %s[color=red,penwidth=2.0];\n", n, victim)
		n++
	}
	for range all {
		fmt.Fprintf(bw, "\t %d -- %s[color=green,penwidth=1.0];\n", n, victim)
		n++
	}
	fmt.Fprintln(bw, "}")
	return st, bw.Flush()
}

// Path is where the graph of input is written: the input path with a .dot
// extension.
func Path(input string) string {
	return strings.TrimSuffix(input, filepath.Ext(input)) + ".dot"
}

// WriteFile writes the graph of input next to it and returns the path.
func WriteFile(input string, matched, full record.View) (string, Stats, error) {
	path := Path(input)
	f, err := os.Create(path)
	if err != nil {
		return "", Stats{}, err
	}
	st, err := Write(f, matched, full)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return path, st, err
}

// RenderCommand is the graphviz invocation that turns path into a png.
func RenderCommand(path string) string {
	png := strings.TrimSuffix(path, filepath.Ext(path)) + ".png"
	return fmt.Sprintf("sfdp -x -Goverlap=scale -Tpng %s > %s", path, png)
}
