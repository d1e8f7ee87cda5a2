package runtime

import (
	"context"
	"fmt"

	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/object"

	"github.com/jward/cratecorpus/internal/analysis"
	"github.com/jward/cratecorpus/internal/store"
)

// Policy is a dispatch policy backed by a Risor script, compiled once and run
// per resolved call site with two globals:
//
//	site        {call_site, caller, caller_symbol, kind, method, target}
//	candidates  [{id, symbol, name, generic, crate, package}, ...]
//
// The value of its final expression is the set of callees to keep: a list of
// ids or of candidate maps. A nil result keeps every candidate.
type Policy struct {
	rt    *Runtime
	label string
	code  *compiler.Code
	snap  *store.Snapshot
}

var _ analysis.Policy = (*Policy)(nil)

// policyGlobals names the per-site globals; their values are set by Filter.
var policyGlobals = map[string]any{
	"site":       object.Nil,
	"candidates": object.Nil,
}

// LoadPolicy reads and compiles the script at path and binds it to snap.
func (r *Runtime) LoadPolicy(ctx context.Context, path string, snap *store.Snapshot) (*Policy, error) {
	src, err := r.LoadScript(path)
	if err != nil {
		return nil, err
	}
	return r.newPolicy(ctx, src, path, snap)
}

// NewPolicy compiles inline source and binds it to snap.
func (r *Runtime) NewPolicy(ctx context.Context, source string, snap *store.Snapshot) (*Policy, error) {
	return r.newPolicy(ctx, source, "<inline>", snap)
}

func (r *Runtime) newPolicy(ctx context.Context, source, label string, snap *store.Snapshot) (*Policy, error) {
	code, err := r.compile(ctx, source, label, snap, policyGlobals)
	if err != nil {
		return nil, err
	}
	return &Policy{rt: r, label: label, code: code, snap: snap}, nil
}

// Filter runs the compiled script for one call site.
func (p *Policy) Filter(ctx context.Context, site analysis.Site, candidates []int64) ([]int64, error) {
	items := make([]object.Object, 0, len(candidates))
	for _, id := range candidates {
		items = append(items, functionObject(p.snap, id))
	}

	siteObj := map[string]object.Object{
		"call_site": object.NewInt(site.CallSite),
		"caller":    object.NewInt(site.Caller),
		"kind":      object.NewString(string(site.Kind)),
		"method":    object.NewString(site.Method),
		"target":    object.NewString(site.Target),
	}
	if f := p.snap.Function(site.Caller); f != nil {
		siteObj["caller_symbol"] = object.NewString(f.Symbol)
	}

	result, err := p.rt.run(ctx, p.code, p.label, p.snap, map[string]any{
		"site":       object.NewMap(siteObj),
		"candidates": object.NewList(items),
	})
	if err != nil {
		return nil, err
	}
	return idsFromResult(result, candidates)
}

// idsFromResult converts a script's result into callee ids.
func idsFromResult(result object.Object, candidates []int64) ([]int64, error) {
	if result == nil || result == object.Nil {
		return candidates, nil
	}
	list, ok := result.(*object.List)
	if !ok {
		return nil, fmt.Errorf("runtime: policy must return a list, got %s", result.Type())
	}
	out := make([]int64, 0, len(list.Value()))
	for _, item := range list.Value() {
		if m, err := extractMap(item); err == nil {
			idObj, ok := m["id"]
			if !ok {
				return nil, fmt.Errorf("runtime: policy result map has no id")
			}
			item = idObj
		}
		id, err := toInt64(item)
		if err != nil {
			return nil, fmt.Errorf("runtime: policy result: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}
