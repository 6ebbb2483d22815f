package tgraph

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
)

// String implements fmt.Stringer, and pretty prints the graph nodes.
func (g *Graph) String() string {
	var buf bytes.Buffer
	// w writes formatted text to buf.
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("Graph %q:\n", g.name)
	w("\t# nodes:\t%d\n", len(g.nodes))
	opCounts := make(map[string]int)
	for _, node := range g.nodes {
		opCounts[node.opName()]++
	}
	w("\tOp types:\t[")
	for ii, op := range slices.Sorted(maps.Keys(opCounts)) {
		if ii > 0 {
			w(", ")
		}
		w("%s×%d", op, opCounts[op])
	}
	w("]\n")
	for _, node := range g.nodes {
		w("\t%s\n", node)
	}
	return buf.String()
}
