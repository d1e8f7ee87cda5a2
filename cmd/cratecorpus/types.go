package main

import (
	"github.com/jward/cratecorpus"
	"github.com/jward/cratecorpus/internal/cratelist"
)

// CLIResult is the top-level JSON envelope for all commands.
type CLIResult struct {
	Command string `json:"command"`
	Results any    `json:"results"`
	Error   string `json:"error,omitempty"`
}

// CLIList is a crate list with per-status counts.
type CLIList struct {
	Path    string                   `json:"path"`
	RunID   string                   `json:"run_id"`
	Counts  map[cratelist.Status]int `json:"counts"`
	Entries []*cratelist.Entry       `json:"crates"`
	// Added and Reset are set by the commands that change the list.
	Added int `json:"added,omitempty"`
	Reset int `json:"reset,omitempty"`
}

// CLIArtifact describes a written graph.
type CLIArtifact struct {
	Sink       string `json:"sink"`
	Nodes      int    `json:"nodes"`
	Edges      int    `json:"edges"`
	Unresolved int    `json:"unresolved"`
	Traits     int    `json:"traits,omitempty"`
}

// CLIExtract describes a dump written by extract-source.
type CLIExtract struct {
	Unit      string `json:"unit"`
	Out       string `json:"out"`
	Functions int    `json:"functions"`
	Types     int    `json:"types"`
	CallSites int    `json:"call_sites"`
}

// CLIGraphNode is a call graph node with its depth.
type CLIGraphNode struct {
	ID      int64  `json:"id"`
	Symbol  string `json:"symbol"`
	Package string `json:"package"`
	Depth   int    `json:"depth"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// CLICallEdge is a JSON-friendly call graph edge.
type CLICallEdge struct {
	CallerID   int64  `json:"caller_id"`
	CallerName string `json:"caller_name,omitempty"`
	CalleeID   int64  `json:"callee_id"`
	CalleeName string `json:"callee_name,omitempty"`
	Kind       string `json:"kind"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line"`
	Col        int    `json:"col"`
}

// CLICallGraph is a transitive caller or callee query result.
type CLICallGraph struct {
	Root  int64          `json:"root"`
	Depth int            `json:"depth"`
	Nodes []CLIGraphNode `json:"nodes"`
	Edges []CLICallEdge  `json:"edges"`
}

// callGraphToCLI flattens a CallGraph, naming edge endpoints.
func callGraphToCLI(cg *cratecorpus.CallGraph) CLICallGraph {
	out := CLICallGraph{
		Root:  cg.Root,
		Depth: cg.Depth,
		Nodes: make([]CLIGraphNode, 0, len(cg.Nodes)),
		Edges: make([]CLICallEdge, 0, len(cg.Edges)),
	}
	names := make(map[int64]string, len(cg.Nodes))
	for _, n := range cg.Nodes {
		names[n.Node.ID] = n.Node.Symbol
		node := CLIGraphNode{ID: n.Node.ID, Symbol: n.Node.Symbol, Package: n.Node.Package, Depth: n.Depth}
		if loc := n.Node.Location; loc != nil {
			node.File, node.Line = loc.File, loc.Line
		}
		out.Nodes = append(out.Nodes, node)
	}
	for _, e := range cg.Edges {
		edge := CLICallEdge{
			CallerID:   e.Caller,
			CallerName: names[e.Caller],
			CalleeID:   e.Callee,
			CalleeName: names[e.Callee],
			Kind:       string(e.Kind),
		}
		if e.Location != nil {
			edge.File, edge.Line, edge.Col = e.Location.File, e.Location.Line, e.Location.Column
		}
		out.Edges = append(out.Edges, edge)
	}
	return out
}
