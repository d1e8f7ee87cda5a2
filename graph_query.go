package cratecorpus

import (
	"context"
	"fmt"
	"sort"

	"github.com/jward/cratecorpus/internal/dump"
)

// MaxDepth caps transitive queries.
const MaxDepth = 100

// CallGraph is the part of an analyzed graph reachable from a root function.
type CallGraph struct {
	Root  int64           `json:"root"`
	Nodes []CallGraphNode `json:"nodes"` // sorted by depth, then id
	Edges []CallGraphEdge `json:"edges"`
	Depth int             `json:"depth"` // actual max depth reached
}

// CallGraphNode is a function with its distance from the root.
type CallGraphNode struct {
	Node  Node `json:"node"`
	Depth int  `json:"depth"` // 0 = root itself
}

// CallGraphEdge is one caller to callee relationship in the subgraph.
type CallGraphEdge struct {
	CallSite int64             `json:"call_site"`
	Caller   int64             `json:"caller"`
	Callee   int64             `json:"callee"`
	Kind     dump.DispatchKind `json:"kind"`
	Location *Location         `json:"location,omitempty"`
}

// adjacency is the graph's resolved edges indexed both ways.
type adjacency struct {
	forward map[int64][]int64 // caller -> callees
	reverse map[int64][]int64 // callee -> callers
}

func buildAdjacency(g *Graph) *adjacency {
	adj := &adjacency{
		forward: make(map[int64][]int64),
		reverse: make(map[int64][]int64),
	}
	for _, p := range g.Pairs() {
		adj.forward[p.Caller] = append(adj.forward[p.Caller], p.Callee)
		adj.reverse[p.Callee] = append(adj.reverse[p.Callee], p.Caller)
	}
	return adj
}

// TransitiveCallers returns every function that reaches id within maxDepth
// calls. maxDepth of 0 returns only the root; negative is an error; values
// above MaxDepth are capped. Returns nil, nil if id is not a node of g.
func TransitiveCallers(g *Graph, id int64, maxDepth int) (*CallGraph, error) {
	return transitive(g, id, maxDepth, "transitive callers", func(adj *adjacency) map[int64][]int64 { return adj.reverse })
}

// TransitiveCallees returns every function reachable from id within
// maxDepth calls, with the same depth rules as TransitiveCallers.
func TransitiveCallees(g *Graph, id int64, maxDepth int) (*CallGraph, error) {
	return transitive(g, id, maxDepth, "transitive callees", func(adj *adjacency) map[int64][]int64 { return adj.forward })
}

func transitive(g *Graph, id int64, maxDepth int, op string, next func(*adjacency) map[int64][]int64) (*CallGraph, error) {
	if maxDepth < 0 {
		return nil, fmt.Errorf("%s: maxDepth must be non-negative, got %d", op, maxDepth)
	}
	if maxDepth > MaxDepth {
		maxDepth = MaxDepth
	}
	root := g.Node(id)
	if root == nil {
		return nil, nil
	}

	result := &CallGraph{
		Root:  id,
		Nodes: []CallGraphNode{{Node: *root, Depth: 0}},
		Edges: []CallGraphEdge{},
	}
	if maxDepth == 0 {
		return result, nil
	}

	links := next(buildAdjacency(g))
	visited := map[int64]int{id: 0}
	type bfsEntry struct {
		id    int64
		depth int
	}
	queue := []bfsEntry{{id: id, depth: 0}}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxDepth {
			continue
		}
		for _, n := range links[current.id] {
			if _, seen := visited[n]; seen {
				continue
			}
			newDepth := current.depth + 1
			visited[n] = newDepth
			result.Depth = max(result.Depth, newDepth)
			queue = append(queue, bfsEntry{id: n, depth: newDepth})
		}
	}

	ids := make([]int64, 0, len(visited)-1)
	for n := range visited {
		if n != id {
			ids = append(ids, n)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if visited[ids[i]] != visited[ids[j]] {
			return visited[ids[i]] < visited[ids[j]]
		}
		return ids[i] < ids[j]
	})
	for _, n := range ids {
		if node := g.Node(n); node != nil {
			result.Nodes = append(result.Nodes, CallGraphNode{Node: *node, Depth: visited[n]})
		}
	}

	// Edges connecting visited nodes, in graph edge order.
	for _, e := range g.Edges {
		if _, ok := visited[e.Caller]; !ok {
			continue
		}
		for _, callee := range e.Callees {
			if _, ok := visited[callee]; ok {
				result.Edges = append(result.Edges, CallGraphEdge{
					CallSite: e.CallSite,
					Caller:   e.Caller,
					Callee:   callee,
					Kind:     e.Kind,
					Location: e.Location,
				})
			}
		}
	}
	return result, nil
}

// Callers analyzes the database and returns the transitive callers of id.
func (e *Engine) Callers(ctx context.Context, id int64, maxDepth int) (*CallGraph, error) {
	g, err := e.Analyze(ctx)
	if err != nil {
		return nil, err
	}
	return TransitiveCallers(g, id, maxDepth)
}

// Callees analyzes the database and returns the transitive callees of id.
func (e *Engine) Callees(ctx context.Context, id int64, maxDepth int) (*CallGraph, error) {
	g, err := e.Analyze(ctx)
	if err != nil {
		return nil, err
	}
	return TransitiveCallees(g, id, maxDepth)
}
