// Package analysis turns a corpus database snapshot into a call graph.
//
// Resolution is a pure function of the dispatch kind and the snapshot:
//
//   - static: the callee recorded at extraction time. A call into a crate
//     outside the unit is looked up by crate name and symbol.
//   - generic: every recorded instantiation, or the generic callee itself
//     when none was recorded.
//   - virtual: every implementation of the trait method admitted by the call
//     site's bound, or across the whole corpus when nothing constrains it.
//   - closure: the function values observed flowing into the call.
//
// Virtual resolution over-approximates. It can produce edges to
// implementations that are never reached at run time. A call site with no
// candidate is kept as an edge with an empty callee set.
package analysis

import (
	"context"
	"fmt"
	"sort"

	"github.com/jward/cratecorpus/internal/dump"
	"github.com/jward/cratecorpus/internal/store"
)

// Site describes a call site to a Policy.
type Site struct {
	CallSite int64
	Caller   int64
	Kind     dump.DispatchKind
	Method   string
	Target   string
}

// Policy narrows the candidate callees of a resolved call site. Returning an
// empty slice marks the edge unresolved.
type Policy interface {
	Filter(ctx context.Context, site Site, candidates []int64) ([]int64, error)
}

// Options configures Analyze.
type Options struct {
	Policy    Policy
	Hierarchy bool
}

// Analyze builds the call graph for snap. It reads nothing but snap and can
// be run any number of times.
func Analyze(ctx context.Context, snap *store.Snapshot, opts Options) (*Graph, error) {
	ix := newIndex(snap)
	g := &Graph{
		Nodes: make([]Node, 0, len(snap.Functions)),
		Edges: make([]Edge, 0, len(snap.Edges)),
	}

	for _, f := range snap.Functions {
		g.Nodes = append(g.Nodes, nodeFor(snap, f))
	}
	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].ID < g.Nodes[j].ID })

	for _, e := range snap.Edges {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		callees := ix.resolve(e)
		target := describeTarget(snap, e)
		if opts.Policy != nil && len(callees) > 0 {
			site := Site{CallSite: e.ID, Caller: e.CallerID, Kind: e.Kind, Target: target}
			if e.Method != nil {
				site.Method = e.Method.Name
			}
			filtered, err := opts.Policy.Filter(ctx, site, callees)
			if err != nil {
				return nil, fmt.Errorf("analyze: policy on call site %d: %w", e.ID, err)
			}
			callees = keepKnown(callees, filtered)
		}
		if callees == nil {
			callees = []int64{}
		}
		edge := Edge{
			CallSite:   e.ID,
			Caller:     e.CallerID,
			Callees:    callees,
			Kind:       e.Kind,
			Static:     e.Kind == dump.DispatchStatic || e.Kind == dump.DispatchGeneric,
			Location:   locationFor(snap, e.LocationID),
			Unresolved: len(callees) == 0,
		}
		if edge.Unresolved {
			edge.Target = target
		}
		g.Edges = append(g.Edges, edge)
	}
	sortEdges(g.Edges)

	if opts.Hierarchy {
		g.Hierarchy = buildHierarchy(snap, ix)
	}
	return g, nil
}

// keepKnown returns the members of filtered that were offered as candidates,
// sorted. A policy cannot add callees.
func keepKnown(candidates, filtered []int64) []int64 {
	offered := make(map[int64]bool, len(candidates))
	for _, c := range candidates {
		offered[c] = true
	}
	out := []int64{}
	for _, f := range filtered {
		if offered[f] {
			out = append(out, f)
			delete(offered, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortEdges(edges []Edge) {
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Caller != b.Caller {
			return a.Caller < b.Caller
		}
		for k := 0; k < len(a.Callees) && k < len(b.Callees); k++ {
			if a.Callees[k] != b.Callees[k] {
				return a.Callees[k] < b.Callees[k]
			}
		}
		if len(a.Callees) != len(b.Callees) {
			return len(a.Callees) < len(b.Callees)
		}
		return a.CallSite < b.CallSite
	})
}

func nodeFor(snap *store.Snapshot, f *store.Function) Node {
	n := Node{
		ID:         f.ID,
		Symbol:     f.Symbol,
		Name:       f.Name,
		Visibility: f.Visibility,
		Generic:    f.Generic,
		Location:   locationFor(snap, f.LocationID),
		Lines:      f.Lines,
	}
	if c := snap.Crates[f.CrateID]; c != nil {
		n.Package = c.Package()
		n.Crate = c.Name
	}
	return n
}

func locationFor(snap *store.Snapshot, id *int64) *Location {
	if id == nil {
		return nil
	}
	l := snap.Locations[*id]
	if l == nil {
		return nil
	}
	return &Location{File: l.File, Line: l.Line, Column: l.Column}
}

// describeTarget renders what a call site names, for unresolved edges and
// policies.
func describeTarget(snap *store.Snapshot, e *store.CallEdge) string {
	switch {
	case e.External != nil:
		return e.External.Crate + "::" + e.External.Symbol
	case e.Method != nil:
		if e.Method.TraitID != nil {
			if ty := snap.Types[*e.Method.TraitID]; ty != nil {
				return "<dyn " + ty.Descriptor + ">::" + e.Method.Name
			}
		}
		return "<dyn ?>::" + e.Method.Name
	case e.CalleeID != nil:
		if f := snap.Function(*e.CalleeID); f != nil {
			return f.Symbol
		}
	}
	if e.Kind == dump.DispatchClosure {
		return "<closure>"
	}
	return ""
}

func buildHierarchy(snap *store.Snapshot, ix *index) *Hierarchy {
	h := &Hierarchy{Traits: []TraitNode{}}
	var traitIDs []int64
	for id, ty := range snap.Types {
		if ty.Kind == dump.TypeTrait {
			traitIDs = append(traitIDs, id)
		}
	}
	sort.Slice(traitIDs, func(i, j int) bool { return traitIDs[i] < traitIDs[j] })

	for _, id := range traitIDs {
		ty := snap.Types[id]
		tn := TraitNode{ID: id, Name: ty.Descriptor, Impls: []ImplNode{}}
		if c := snap.Crates[ty.CrateID]; c != nil {
			tn.Package = c.Package()
		}
		for name := range ix.methods[id] {
			tn.Methods = append(tn.Methods, name)
		}
		sort.Strings(tn.Methods)
		for _, impl := range ix.implsByTrait[id] {
			in := ImplNode{SelfType: impl.SelfTypeID, Methods: impl.Methods}
			if self := snap.Types[impl.SelfTypeID]; self != nil {
				in.Name = self.Descriptor
			}
			tn.Impls = append(tn.Impls, in)
		}
		h.Traits = append(h.Traits, tn)
	}
	return h
}
