package analysis

import (
	"github.com/jward/cratecorpus/internal/dump"
)

// Graph is the analyzed call graph. Nodes are sorted by function id; edges by
// caller, then callee ids, then call site.
type Graph struct {
	Nodes     []Node     `json:"nodes"`
	Edges     []Edge     `json:"edges"`
	Hierarchy *Hierarchy `json:"hierarchy,omitempty"`
}

// Node is a function in the corpus.
type Node struct {
	ID         int64     `json:"id"`
	Package    string    `json:"package"`
	Crate      string    `json:"crate_name"`
	Symbol     string    `json:"symbol"`
	Name       string    `json:"name"`
	Visibility string    `json:"visibility,omitempty"`
	Generic    bool      `json:"generic,omitempty"`
	Location   *Location `json:"location,omitempty"`
	Lines      int       `json:"num_lines"`
}

// Location is a source position.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Edge is one call site with every callee it was resolved to. An edge with
// no callees is flagged Unresolved; Target then describes what was called.
type Edge struct {
	CallSite   int64             `json:"call_site"`
	Caller     int64             `json:"caller"`
	Callees    []int64           `json:"callees"`
	Kind       dump.DispatchKind `json:"kind"`
	Static     bool              `json:"static"`
	Location   *Location         `json:"location,omitempty"`
	Unresolved bool              `json:"unresolved,omitempty"`
	Target     string            `json:"target,omitempty"`
}

// Pair is a single caller to callee relationship.
type Pair struct {
	Caller int64
	Callee int64
	Kind   dump.DispatchKind
}

// Pairs flattens the graph's edges into caller/callee pairs, in edge order.
// Unresolved edges contribute nothing.
func (g *Graph) Pairs() []Pair {
	var out []Pair
	for _, e := range g.Edges {
		for _, callee := range e.Callees {
			out = append(out, Pair{Caller: e.Caller, Callee: callee, Kind: e.Kind})
		}
	}
	return out
}

// Node returns the node with id, or nil.
func (g *Graph) Node(id int64) *Node {
	lo, hi := 0, len(g.Nodes)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case g.Nodes[mid].ID == id:
			return &g.Nodes[mid]
		case g.Nodes[mid].ID < id:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return nil
}

// Unresolved returns the edges with an empty callee set.
func (g *Graph) Unresolved() []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Unresolved {
			out = append(out, e)
		}
	}
	return out
}

// Hierarchy lists every trait with the types implementing it.
type Hierarchy struct {
	Traits []TraitNode `json:"traits"`
}

type TraitNode struct {
	ID      int64      `json:"id"`
	Name    string     `json:"name"`
	Package string     `json:"package"`
	Methods []string   `json:"methods,omitempty"`
	Impls   []ImplNode `json:"impls"`
}

type ImplNode struct {
	SelfType int64            `json:"self_type"`
	Name     string           `json:"name"`
	Methods  map[string]int64 `json:"methods"`
}
